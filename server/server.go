package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/srvreg"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
)

// nodeClient is the part of the CometBFT RPC the web server reads from.
type nodeClient interface {
	Status(ctx context.Context) (*ctypes.ResultStatus, error)
	ABCIInfo(ctx context.Context) (*ctypes.ResultABCIInfo, error)
	TxSearch(ctx context.Context, query string, prove bool, page, perPage *int, orderBy string) (*ctypes.ResultTxSearch, error)
}

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	node            *nm.Node
	nodeID          string
	startTime       time.Time
	serviceRegistry *srvreg.ServiceRegistry
	rpc             nodeClient
}

// TransactionStatus is the committed result of an escrow transaction
type TransactionStatus struct {
	TxHash      string      `json:"tx_hash"`
	Type        string      `json:"type,omitempty"`
	BlockHeight int64       `json:"block_height"`
	Code        uint32      `json:"code"`
	Log         string      `json:"log"`
	Events      []EventInfo `json:"events"`
}

// EventInfo is a flattened ABCI event
type EventInfo struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// RequestMeta describes how a request was served
type RequestMeta struct {
	RequestID  string    `json:"request_id"`
	ReceivedAt time.Time `json:"received_at"`
	LatencyMs  int64     `json:"latency_ms"`
}

// ClientResponse is the response format sent to clients
type ClientResponse struct {
	Body   any         `json:"body"`
	Meta   RequestMeta `json:"meta"`
	NodeID string      `json:"node_id"`
}

// apiPrefixes are served by the service registry.
var apiPrefixes = []string{"/escrow/", "/escrows/", "/balance/", "/custody/", "/indexed/"}

// NewWebServer creates a new web server
func NewWebServer(httpPort string, logger cmtlog.Logger, node *nm.Node, serviceRegistry *srvreg.ServiceRegistry) *WebServer {
	ws := newWebServer(httpPort, logger, serviceRegistry, cmtrpc.New(node), string(node.NodeInfo().ID()))
	ws.node = node
	rpcAddr := fmt.Sprintf("http://localhost:%s", extractPortFromAddress(node.Config().RPC.ListenAddress))
	logger.Info("CometBFT RPC", "address", rpcAddr)
	return ws
}

func newWebServer(httpPort string, logger cmtlog.Logger, serviceRegistry *srvreg.ServiceRegistry, rpc nodeClient, nodeID string) *WebServer {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	mux := http.NewServeMux()
	ws := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger.With("module", "server"),
		nodeID:          nodeID,
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		rpc:             rpc,
	}

	mux.HandleFunc("/", ws.handleRoot)
	mux.HandleFunc("/debug", ws.handleDebug)
	mux.HandleFunc("/status/", ws.handleTransactionStatus)
	for _, prefix := range apiPrefixes {
		mux.HandleFunc(prefix, ws.handleEscrowAPI)
	}
	return ws
}

// Handler exposes the routes, mainly for tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot handles the root endpoint which shows node status
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<h1>HTLC Escrow Node</h1>"))
	w.Write([]byte("<p>Node ID: " + ws.nodeID + "</p>"))
	if ws.node != nil {
		rpcPort := extractPortFromAddress(ws.node.Config().RPC.ListenAddress)
		rpcAddrHtml := fmt.Sprintf("<p>RPC Address: <a href=\"http://localhost:%s\">http://localhost:%s</a>", rpcPort, rpcPort)
		w.Write([]byte(rpcAddrHtml))
	}
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	debugInfo := map[string]interface{}{
		"node_id": ws.nodeID,
		"uptime":  time.Since(ws.startTime).String(),
	}

	if ws.node != nil {
		nodeStatus := "online"
		if ws.node.ConsensusReactor().WaitSync() {
			nodeStatus = "syncing"
		}
		if !ws.node.IsListening() {
			nodeStatus = "offline"
		}
		debugInfo["node_status"] = nodeStatus
		debugInfo["p2p_address"] = ws.node.Config().P2P.ListenAddress
		debugInfo["rpc_address"] = ws.node.Config().RPC.ListenAddress
		outboundPeers, inboundPeers, dialingPeers := ws.node.Switch().NumPeers()
		debugInfo["num_peers_out"] = outboundPeers
		debugInfo["num_peers_in"] = inboundPeers
		debugInfo["num_peers_dialing"] = dialingPeers
	}

	status, err := ws.rpc.Status(r.Context())
	if err != nil {
		debugInfo["tendermint_error"] = err.Error()
	} else {
		debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
		debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
		debugInfo["catching_up"] = status.SyncInfo.CatchingUp
	}

	abciInfo, err := ws.rpc.ABCIInfo(r.Context())
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	writeJSON(w, http.StatusOK, debugInfo, ws.logger)
}

// handleTransactionStatus returns the committed result of a transaction
func (ws *WebServer) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "status" {
		JSONError(w, "Invalid transaction hash", http.StatusBadRequest)
		return
	}
	txHash := strings.ToUpper(pathParts[2])
	if _, err := hex.DecodeString(txHash); err != nil || txHash == "" {
		JSONError(w, "Invalid transaction hash", http.StatusBadRequest)
		return
	}

	status, err := ws.checkTransactionStatus(r.Context(), txHash)
	if err != nil {
		JSONError(w, "Error checking transaction status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if status == nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status, ws.logger)
}

// handleEscrowAPI routes escrow requests through the service registry
func (ws *WebServer) handleEscrowAPI(w http.ResponseWriter, r *http.Request) {
	received := time.Now()
	requestID, err := generateRequestID()
	if err != nil {
		JSONError(w, "Internal Server Error", http.StatusInternalServerError)
		ws.logger.Error("Failed to generate request ID", "err", err)
		return
	}

	request, err := srvreg.ConvertHttpRequestToConsensusRequest(r, requestID)
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	response, err := request.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		JSONError(w, "Failed to generate response: "+err.Error(), http.StatusInternalServerError)
		ws.logger.Error("Failed to generate response", "request_id", requestID, "err", err)
		return
	}

	apiResponse := ClientResponse{
		Body: response.ParseBody(),
		Meta: RequestMeta{
			RequestID:  requestID,
			ReceivedAt: received,
			LatencyMs:  time.Since(received).Milliseconds(),
		},
		NodeID: ws.nodeID,
	}
	if apiResponse.Body == nil && response.Body != "" {
		apiResponse.Body = response.Body
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	writeJSON(w, response.StatusCode, apiResponse, ws.logger)

	ws.logger.Info("Request served",
		"request_id", requestID,
		"method", request.Method,
		"path", request.Path,
		"status", response.StatusCode,
	)
}

// checkTransactionStatus looks a transaction up in the tx index
func (ws *WebServer) checkTransactionStatus(ctx context.Context, txHash string) (*TransactionStatus, error) {
	query := fmt.Sprintf("tx.hash='%s'", txHash)
	res, err := ws.rpc.TxSearch(ctx, query, false, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("error searching for transaction: %w", err)
	}
	if len(res.Txs) == 0 {
		return nil, nil
	}

	tx := res.Txs[0]
	status := &TransactionStatus{
		TxHash:      txHash,
		BlockHeight: tx.Height,
		Code:        tx.TxResult.Code,
		Log:         tx.TxResult.Log,
		Events:      make([]EventInfo, 0, len(tx.TxResult.Events)),
	}
	if parsed, err := srvreg.DecodeTransaction(tx.Tx); err == nil {
		status.Type = string(parsed.Type)
	}
	for _, event := range tx.TxResult.Events {
		info := EventInfo{Type: event.Type, Attributes: make(map[string]string, len(event.Attributes))}
		for _, attr := range event.Attributes {
			info.Attributes[attr.Key] = attr.Value
		}
		status.Events = append(status.Events, info)
	}
	return status, nil
}

func generateRequestID() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, statusCode int, v any, logger cmtlog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		logger.Error("Failed to encode client response", "err", err)
	}
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, message, statusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
