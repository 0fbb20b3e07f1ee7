package app

import (
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/repository"
)

var errUnsigned = errors.New("transaction is not signed")

// txHost runs one transaction against a write overlay of the block.
type txHost struct {
	signer escrow.Principal
	signed bool
	now    uint64
	self   escrow.Principal
	store  *repository.EscrowStore
	ledger *repository.Ledger
}

var _ escrow.Host = (*txHost)(nil)

func newTxHost(kv repository.KV, signer escrow.Principal, signed bool, now uint64, self escrow.Principal) *txHost {
	return &txHost{
		signer: signer,
		signed: signed,
		now:    now,
		self:   self,
		store:  repository.NewEscrowStore(kv),
		ledger: repository.NewLedger(kv),
	}
}

func (h *txHost) RequireAuth(p escrow.Principal) error {
	if !h.signed {
		return errUnsigned
	}
	if p != h.signer {
		return fmt.Errorf("signed by %s, not %s", h.signer, p)
	}
	return nil
}

func (h *txHost) Now() uint64                { return h.now }
func (h *txHost) Self() escrow.Principal     { return h.self }
func (h *txHost) Store() escrow.Store        { return h.store }
func (h *txHost) Tokens() escrow.TokenLedger { return h.ledger }
