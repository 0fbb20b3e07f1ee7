package srvreg

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/cometbft/cometbft/crypto"
	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TxType names the transition a transaction invokes.
type TxType string

const (
	TxCreate TxType = "create"
	TxClaim  TxType = "claim"
	TxRefund TxType = "refund"
)

// maxTokenIDLen bounds token identifiers so they fit the ledger key layout.
const maxTokenIDLen = 255

// Transaction is the envelope carried in a block. Create must be signed by
// the creator's ed25519 key; claim and refund are accepted unsigned.
// Nonce distinguishes otherwise identical submissions.
type Transaction struct {
	Type      TxType          `json:"type"`
	Nonce     string          `json:"nonce,omitempty"`
	Body      json.RawMessage `json:"body"`
	PubKey    []byte          `json:"pub_key,omitempty"`
	Signature []byte          `json:"signature,omitempty"`
}

// CreateBody is the body of a create transaction.
type CreateBody struct {
	Creator            escrow.Principal  `json:"creator"`
	Beneficiary        escrow.Principal  `json:"beneficiary"`
	Commitment         commitment.Digest `json:"commitment"`
	LockDuration       uint64            `json:"lock_duration"`
	Token              escrow.Token      `json:"token"`
	Amount             *uint256.Int      `json:"amount"`
	CounterpartyAddr   common.Address    `json:"counterparty_addr"`
	CounterpartyToken  string            `json:"counterparty_token"`
	CounterpartyAmount *uint256.Int      `json:"counterparty_amount,omitempty"`
}

// Params converts the body into engine input.
func (b *CreateBody) Params() escrow.CreateParams {
	return escrow.CreateParams{
		Creator:            b.Creator,
		Beneficiary:        b.Beneficiary,
		Commitment:         b.Commitment,
		LockDuration:       b.LockDuration,
		Token:              b.Token,
		Amount:             b.Amount,
		CounterpartyAddr:   b.CounterpartyAddr,
		CounterpartyToken:  b.CounterpartyToken,
		CounterpartyAmount: b.CounterpartyAmount,
	}
}

// ClaimBody is the body of a claim transaction.
type ClaimBody struct {
	Commitment commitment.Digest   `json:"commitment"`
	Preimage   commitment.Preimage `json:"preimage"`
}

// RefundBody is the body of a refund transaction.
type RefundBody struct {
	Commitment commitment.Digest `json:"commitment"`
}

// SignBytes is the message covered by the signature.
func SignBytes(txType TxType, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(txType)+len(nonce)+2+len(body))
	msg = append(msg, txType...)
	msg = append(msg, ':')
	msg = append(msg, nonce...)
	msg = append(msg, ':')
	return append(msg, body...)
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewTransaction builds an unsigned transaction with a fresh nonce.
func NewTransaction(txType TxType, body any) (*Transaction, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", txType, err)
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	return &Transaction{Type: txType, Nonce: nonce, Body: raw}, nil
}

// NewSignedTransaction builds a transaction signed by key.
func NewSignedTransaction(key crypto.PrivKey, txType TxType, body any) (*Transaction, error) {
	tx, err := NewTransaction(txType, body)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(SignBytes(tx.Type, tx.Nonce, tx.Body))
	if err != nil {
		return nil, fmt.Errorf("signing %s: %w", txType, err)
	}
	tx.PubKey = key.PubKey().Bytes()
	tx.Signature = sig
	return tx, nil
}

// PrincipalOf is the account identity of a public key.
func PrincipalOf(pub crypto.PubKey) escrow.Principal {
	return escrow.Principal(pub.Address().String())
}

// Signer returns the verified signer, or false when the transaction is
// unsigned or the signature does not verify.
func (t *Transaction) Signer() (escrow.Principal, bool) {
	if len(t.PubKey) != ed25519.PubKeySize || len(t.Signature) == 0 {
		return "", false
	}
	pub := ed25519.PubKey(t.PubKey)
	if !pub.VerifySignature(SignBytes(t.Type, t.Nonce, t.Body), t.Signature) {
		return "", false
	}
	return PrincipalOf(pub), true
}

// SerializeToBytes converts the transaction to a byte array for blockchain storage
func (t *Transaction) SerializeToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTransaction parses a transaction and checks its body is well formed.
// Authority and state are checked when the transaction executes.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("invalid transaction format: %w", err)
	}
	if _, err := tx.DecodeBody(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// DecodeBody returns *CreateBody, *ClaimBody or *RefundBody.
func (t *Transaction) DecodeBody() (any, error) {
	if len(t.Body) == 0 {
		return nil, errors.New("missing transaction body")
	}
	switch t.Type {
	case TxCreate:
		var b CreateBody
		if err := json.Unmarshal(t.Body, &b); err != nil {
			return nil, fmt.Errorf("invalid create body: %w", err)
		}
		if b.Creator == "" {
			return nil, errors.New("creator is required")
		}
		if b.Beneficiary == "" {
			return nil, errors.New("beneficiary is required")
		}
		if b.Token == "" || len(b.Token) > maxTokenIDLen {
			return nil, fmt.Errorf("token id must be 1-%d bytes", maxTokenIDLen)
		}
		return &b, nil
	case TxClaim:
		var b ClaimBody
		if err := json.Unmarshal(t.Body, &b); err != nil {
			return nil, fmt.Errorf("invalid claim body: %w", err)
		}
		return &b, nil
	case TxRefund:
		var b RefundBody
		if err := json.Unmarshal(t.Body, &b); err != nil {
			return nil, fmt.Errorf("invalid refund body: %w", err)
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("unknown transaction type %q", t.Type)
	}
}
