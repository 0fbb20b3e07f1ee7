package client

import (
	"encoding/json"
	"fmt"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/srvreg"
	"github.com/cometbft/cometbft/crypto"
	"github.com/holiman/uint256"
)

// APIError is a non-2xx answer from the node.
type APIError struct {
	StatusCode int
	Code       uint32 `json:"code"`
	Message    string `json:"error"`
	TxHash     string `json:"tx_hash"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Kind is the escrow error kind carried by the rejection, if any.
func (e *APIError) Kind() escrow.ErrorKind {
	k, _ := escrow.KindFromCode(e.Code)
	return k
}

type envelope struct {
	Body json.RawMessage `json:"body"`
}

// EscrowClient speaks the node's escrow API.
type EscrowClient struct {
	http *HTTPClient
	opts *RequestOptions
}

func NewEscrowClient(baseURL string, opts *RequestOptions) *EscrowClient {
	return &EscrowClient{http: NewHTTPClient(baseURL), opts: opts}
}

// CreateEscrow signs a create transaction with key and submits it. The
// creator is the principal of key.
func (c *EscrowClient) CreateEscrow(key crypto.PrivKey, body srvreg.CreateBody) (*srvreg.TxResult, error) {
	body.Creator = srvreg.PrincipalOf(key.PubKey())
	tx, err := srvreg.NewSignedTransaction(key, srvreg.TxCreate, body)
	if err != nil {
		return nil, err
	}
	raw, err := tx.SerializeToBytes()
	if err != nil {
		return nil, err
	}
	var out srvreg.TxResult
	if err := c.post("/escrow/create", raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim reveals preimage and pays the beneficiary.
func (c *EscrowClient) Claim(d commitment.Digest, preimage commitment.Preimage) (*srvreg.TxResult, error) {
	var out srvreg.TxResult
	body := map[string]commitment.Preimage{"preimage": preimage}
	if err := c.post("/escrow/"+d.String()+"/claim", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refund returns an expired escrow to its creator.
func (c *EscrowClient) Refund(d commitment.Digest) (*srvreg.TxResult, error) {
	var out srvreg.TxResult
	if err := c.post("/escrow/"+d.String()+"/refund", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *EscrowClient) GetEscrow(d commitment.Digest) (*escrow.Record, error) {
	var out escrow.Record
	if err := c.get("/escrow/"+d.String(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEscrows lists escrows in state; use "all" for every state.
func (c *EscrowClient) ListEscrows(state string) ([]*escrow.Record, error) {
	var out []*escrow.Record
	if err := c.get("/escrows/"+state, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EscrowClient) Balance(token escrow.Token, owner escrow.Principal) (*uint256.Int, error) {
	var out srvreg.BalanceResult
	if err := c.get(fmt.Sprintf("/balance/%s/%s", token, owner), &out); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(out.Amount)
}

func (c *EscrowClient) Custody(token escrow.Token) (*uint256.Int, error) {
	var out srvreg.BalanceResult
	if err := c.get("/custody/"+string(token), &out); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(out.Amount)
}

func (c *EscrowClient) get(endpoint string, target any) error {
	resp, err := c.http.GET(endpoint, c.opts)
	if err != nil {
		return err
	}
	return decodeEnvelope(resp, target)
}

func (c *EscrowClient) post(endpoint string, body, target any) error {
	resp, err := c.http.POST(endpoint, body, c.opts)
	if err != nil {
		return err
	}
	return decodeEnvelope(resp, target)
}

func decodeEnvelope(resp *Response, target any) error {
	var env envelope
	if err := UnmarshalBody(resp, &env); err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(env.Body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(env.Body)
		}
		return apiErr
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(env.Body, target); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}
	return nil
}
