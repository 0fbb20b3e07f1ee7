package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/repository"
	"github.com/ahmadzakiakmal/htlc-escrow/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// maxBodyBytes caps request bodies read from clients.
const maxBodyBytes = 1 << 20

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"` // Unique ID for the request
	Timestamp  time.Time         `json:"timestamp"`
}

// Response represents the computed response from a server
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// ParseBody attempts to parse the Response's Body field as JSON
// and returns the structured data or nil if parsing fails.
func (r *Response) ParseBody() interface{} {
	if r.Body == "" {
		return nil
	}
	var body interface{}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		return nil
	}
	return body
}

// ChainClient is what the handlers need from the node: consensus submission,
// state queries and the indexed read model.
type ChainClient interface {
	RunConsensus(ctx context.Context, tx []byte) (*repository.ConsensusResult, *repository.RepositoryError)
	QueryState(ctx context.Context, path string, data []byte) (*repository.QueryResult, *repository.RepositoryError)
	ListIndexedEscrows(ctx context.Context, state string, limit int) ([]models.Escrow, *repository.RepositoryError)
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex
	chain       ChainClient
	logger      cmtlog.Logger
	timeout     time.Duration
}

// ConvertHttpRequestToConsensusRequest converts an http.Request to Request
func ConvertHttpRequestToConsensusRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		body = compactJSON(strings.TrimSpace(string(bodyBytes)))
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(chain ChainClient, logger cmtlog.Logger, timeout time.Duration) *ServiceRegistry {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		chain:       chain,
		logger:      logger.With("module", "srvreg"),
		timeout:     timeout,
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path and a boolean of whether or not the handler was found
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, true
		}
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}

		// Skip exact routes in pattern matching
		if sr.exactRoutes[routeKey] {
			continue
		}

		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}

	return nil, false
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/escrow/:commitment" matching "/escrow/ab12..."
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return false
			}
			continue
		}

		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// pathSegment returns the i-th non-empty segment of path.
func pathSegment(path string, i int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}

// RegisterDefaultServices sets up the escrow endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	sr.RegisterHandler("POST", "/escrow/create", true, sr.CreateEscrowHandler)
	sr.RegisterHandler("POST", "/escrow/:commitment/claim", false, sr.ClaimEscrowHandler)
	sr.RegisterHandler("POST", "/escrow/:commitment/refund", false, sr.RefundEscrowHandler)
	sr.RegisterHandler("GET", "/escrow/:commitment", false, sr.GetEscrowHandler)
	sr.RegisterHandler("GET", "/escrows/:state", false, sr.ListEscrowsHandler)
	sr.RegisterHandler("GET", "/balance/:token/:owner", false, sr.BalanceHandler)
	sr.RegisterHandler("GET", "/custody/:token", false, sr.CustodyHandler)
	sr.RegisterHandler("GET", "/indexed/escrows/:state", false, sr.IndexedEscrowsHandler)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		services.logger.Debug("service registry handler not found", "method", req.Method, "path", req.Path)
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}
	return handler(req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		// Not JSON, keep it as sent
		return strings.TrimSpace(body)
	}
	return buf.String()
}
