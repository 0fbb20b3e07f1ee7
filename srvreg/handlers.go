package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/repository"
)

// ABCI query paths served by the application.
const (
	QueryEscrow  = "/escrow"
	QueryEscrows = "/escrows"
	QueryBalance = "/balance"
	QueryCustody = "/custody"
)

// ABCI codes shared by the application and the HTTP layer.
const (
	// CodeMalformedTx is a transaction that does not decode.
	CodeMalformedTx uint32 = 1
	// CodeBlockFull is a valid transaction that did not fit in its block.
	CodeBlockFull uint32 = 3
)

// BalanceQuery is the request data of QueryBalance.
type BalanceQuery struct {
	Token escrow.Token     `json:"token"`
	Owner escrow.Principal `json:"owner"`
}

// BalanceResult is the response value of QueryBalance and QueryCustody.
type BalanceResult struct {
	Token  escrow.Token     `json:"token"`
	Owner  escrow.Principal `json:"owner"`
	Amount string           `json:"amount"`
}

// TxResult is returned to clients after a transaction is committed.
type TxResult struct {
	TxHash string         `json:"tx_hash"`
	Height int64          `json:"height"`
	Escrow *escrow.Record `json:"escrow,omitempty"`
}

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

type claimHandlerBody struct {
	Preimage commitment.Preimage `json:"preimage"`
}

// CreateEscrowHandler submits a signed create transaction.
func (sr *ServiceRegistry) CreateEscrowHandler(req *Request) (*Response, error) {
	tx, err := DecodeTransaction([]byte(req.Body))
	if err != nil {
		return errorResponse(http.StatusUnprocessableEntity, err.Error()), nil
	}
	if tx.Type != TxCreate {
		return errorResponse(http.StatusBadRequest, "expected a create transaction"), nil
	}
	return sr.submit(tx, http.StatusCreated)
}

// ClaimEscrowHandler submits a claim for the commitment in the path. Claims
// need no signature; the preimage is the authority.
func (sr *ServiceRegistry) ClaimEscrowHandler(req *Request) (*Response, error) {
	c, resp := commitmentFromPath(req.Path)
	if resp != nil {
		return resp, nil
	}
	var body claimHandlerBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return errorResponse(http.StatusUnprocessableEntity, "Invalid body format: "+err.Error()), nil
	}
	tx, err := NewTransaction(TxClaim, ClaimBody{Commitment: c, Preimage: body.Preimage})
	if err != nil {
		return nil, err
	}
	return sr.submit(tx, http.StatusOK)
}

// RefundEscrowHandler submits a refund for the commitment in the path.
func (sr *ServiceRegistry) RefundEscrowHandler(req *Request) (*Response, error) {
	c, resp := commitmentFromPath(req.Path)
	if resp != nil {
		return resp, nil
	}
	tx, err := NewTransaction(TxRefund, RefundBody{Commitment: c})
	if err != nil {
		return nil, err
	}
	return sr.submit(tx, http.StatusOK)
}

// GetEscrowHandler reads one escrow from committed state.
func (sr *ServiceRegistry) GetEscrowHandler(req *Request) (*Response, error) {
	c, resp := commitmentFromPath(req.Path)
	if resp != nil {
		return resp, nil
	}
	return sr.query(QueryEscrow, c[:])
}

// ListEscrowsHandler lists escrows in a state ("all" for every state).
func (sr *ServiceRegistry) ListEscrowsHandler(req *Request) (*Response, error) {
	state := pathSegment(req.Path, 1)
	if state != "all" {
		if _, err := escrow.ParseState(state); err != nil {
			return errorResponse(http.StatusBadRequest, err.Error()), nil
		}
	}
	return sr.query(QueryEscrows, []byte(state))
}

// BalanceHandler reads the ledger balance of an owner.
func (sr *ServiceRegistry) BalanceHandler(req *Request) (*Response, error) {
	data, err := json.Marshal(BalanceQuery{
		Token: escrow.Token(pathSegment(req.Path, 1)),
		Owner: escrow.Principal(pathSegment(req.Path, 2)),
	})
	if err != nil {
		return nil, err
	}
	return sr.query(QueryBalance, data)
}

// CustodyHandler reads how much of a token the engine holds.
func (sr *ServiceRegistry) CustodyHandler(req *Request) (*Response, error) {
	return sr.query(QueryCustody, []byte(pathSegment(req.Path, 1)))
}

// IndexedEscrowsHandler lists escrows from the Postgres read model.
func (sr *ServiceRegistry) IndexedEscrowsHandler(req *Request) (*Response, error) {
	state := pathSegment(req.Path, 2)
	if state == "all" {
		state = ""
	} else {
		parsed, err := escrow.ParseState(state)
		if err != nil {
			return errorResponse(http.StatusBadRequest, err.Error()), nil
		}
		state = parsed.String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), sr.timeout)
	defer cancel()
	rows, repoErr := sr.chain.ListIndexedEscrows(ctx, state, 100)
	if repoErr != nil {
		if repoErr.Code == repository.CodeNotConnected {
			return errorResponse(http.StatusServiceUnavailable, repoErr.Message), nil
		}
		sr.logger.Error("Read model query failed", "err", repoErr)
		return errorResponse(http.StatusInternalServerError, "Internal server error"), nil
	}
	return jsonResponse(http.StatusOK, rows)
}

func (sr *ServiceRegistry) submit(tx *Transaction, okStatus int) (*Response, error) {
	raw, err := tx.SerializeToBytes()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sr.timeout)
	defer cancel()
	result, repoErr := sr.chain.RunConsensus(ctx, raw)
	if repoErr != nil {
		sr.logger.Error("Consensus failed", "type", tx.Type, "err", repoErr)
		switch repoErr.Code {
		case repository.CodeConsensusTimeout:
			return errorResponse(http.StatusGatewayTimeout, repoErr.Message), nil
		case repository.CodeDuplicateTx:
			return errorResponse(http.StatusConflict, repoErr.Message), nil
		}
		return errorResponse(http.StatusInternalServerError, "Consensus error occurred: "+repoErr.Message), nil
	}
	if result.Code != 0 {
		return &Response{
			StatusCode: StatusForCode(result.Code),
			Headers:    defaultHeaders,
			Body:       mustJSON(map[string]any{"error": result.Log, "code": result.Code, "tx_hash": result.TxHash}),
		}, nil
	}

	out := TxResult{TxHash: result.TxHash, Height: result.BlockHeight}
	if len(result.Data) > 0 {
		rec, err := repository.DecodeRecord(result.Data)
		if err != nil {
			return nil, err
		}
		out.Escrow = rec
	}
	return jsonResponse(okStatus, out)
}

func (sr *ServiceRegistry) query(path string, data []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sr.timeout)
	defer cancel()
	result, repoErr := sr.chain.QueryState(ctx, path, data)
	if repoErr != nil {
		sr.logger.Error("State query failed", "path", path, "err", repoErr)
		return errorResponse(http.StatusInternalServerError, "Internal server error"), nil
	}
	if result.Code != 0 {
		return errorResponse(StatusForCode(result.Code), result.Log), nil
	}
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(result.Value),
	}, nil
}

// StatusForCode maps an ABCI result code to an HTTP status.
func StatusForCode(code uint32) int {
	switch code {
	case CodeMalformedTx:
		return http.StatusBadRequest
	case CodeBlockFull:
		return http.StatusServiceUnavailable
	}
	kind, ok := escrow.KindFromCode(code)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindAlreadyExists, escrow.KindAlreadyFinalized:
		return http.StatusConflict
	case escrow.KindUnauthorized:
		return http.StatusForbidden
	case escrow.KindExpired, escrow.KindNotYetExpired:
		return http.StatusPreconditionFailed
	case escrow.KindTokenTransferFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusUnprocessableEntity
	}
}

func commitmentFromPath(path string) (commitment.Digest, *Response) {
	c, err := commitment.ParseDigest(pathSegment(path, 1))
	if err != nil {
		return c, errorResponse(http.StatusBadRequest, err.Error())
	}
	return c, nil
}

func jsonResponse(status int, v any) (*Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return &Response{StatusCode: status, Headers: defaultHeaders, Body: string(raw)}, nil
}

func errorResponse(status int, msg string) *Response {
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       mustJSON(map[string]string{"error": msg}),
		Error:      msg,
	}
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return `{"error":"Internal server error"}`
	}
	return string(raw)
}
