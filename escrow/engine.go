package escrow

import (
	"errors"
	"math"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Engine enforces the HTLC lifecycle: Funded -> Claimed | Refunded.
// It holds no state of its own; every transition reads and writes through
// the Host it is given.
type Engine struct {
	hasher commitment.Hasher
	logger cmtlog.Logger
}

// NewEngine creates an engine that verifies preimages with hasher.
func NewEngine(hasher commitment.Hasher, logger cmtlog.Logger) *Engine {
	if hasher == nil {
		hasher = commitment.SHA256
	}
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Engine{hasher: hasher, logger: logger.With("module", "escrow")}
}

// Create moves p.Amount from the creator into custody and records a Funded
// escrow under p.Commitment. The beneficiary is always explicit; a
// single-party escrow names the creator.
func (e *Engine) Create(host Host, p CreateParams) (*Record, error) {
	if p.Beneficiary == "" {
		return nil, errors.New("beneficiary is required")
	}
	if err := host.RequireAuth(p.Creator); err != nil {
		return nil, &Error{Kind: KindUnauthorized, Msg: "creator has not authorized", Err: err}
	}
	if p.Amount == nil || p.Amount.IsZero() {
		return nil, newErr(KindInvalidAmount, "amount must be positive")
	}
	if p.Amount.BitLen() > maxAmountBits {
		return nil, newErr(KindInvalidAmount, "amount exceeds 128 bits")
	}
	if p.LockDuration == 0 {
		return nil, newErr(KindInvalidDeadline, "lock duration must be positive")
	}

	store := host.Store()
	_, err := store.Get(p.Commitment)
	switch {
	case err == nil:
		return nil, newErr(KindAlreadyExists, "commitment already used")
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	now := host.Now()
	if p.LockDuration > math.MaxUint64-now {
		return nil, newErr(KindInvalidDeadline, "deadline overflows")
	}
	deadline := now + p.LockDuration

	if err := host.Tokens().Transfer(p.Token, p.Creator, host.Self(), p.Amount); err != nil {
		return nil, &Error{Kind: KindTokenTransferFailed, Msg: "deposit into custody failed", Err: err}
	}

	rec := &Record{
		Commitment:         p.Commitment,
		Creator:            p.Creator,
		Beneficiary:        p.Beneficiary,
		Token:              p.Token,
		Amount:             p.Amount.Clone(),
		Deadline:           deadline,
		CounterpartyAddr:   p.CounterpartyAddr,
		CounterpartyToken:  p.CounterpartyToken,
		CounterpartyAmount: p.CounterpartyAmount,
		State:              StateFunded,
		CreatedAt:          now,
	}
	if rec.CounterpartyAmount != nil {
		rec.CounterpartyAmount = rec.CounterpartyAmount.Clone()
	}
	if err := store.PutNew(p.Commitment, rec); err != nil {
		return nil, err
	}

	e.logger.Info("escrow funded",
		"commitment", p.Commitment.String(),
		"token", p.Token,
		"deadline", deadline,
	)
	return rec, nil
}

// Claim releases a Funded escrow to its beneficiary. Anyone holding the
// preimage may call it before the deadline.
func (e *Engine) Claim(host Host, c commitment.Digest, preimage commitment.Preimage) (*Record, error) {
	rec, err := e.funded(host, c)
	if err != nil {
		return nil, err
	}
	now := host.Now()
	if now >= rec.Deadline {
		return nil, newErr(KindExpired, "deadline has passed")
	}
	if !commitment.Verify(e.hasher, preimage, c) {
		return nil, newErr(KindBadPreimage, "preimage does not match commitment")
	}
	return e.release(host, rec, rec.Beneficiary, StateClaimed, now)
}

// Refund returns a Funded escrow to its creator once the deadline is reached.
// Anyone may call it.
func (e *Engine) Refund(host Host, c commitment.Digest) (*Record, error) {
	rec, err := e.funded(host, c)
	if err != nil {
		return nil, err
	}
	now := host.Now()
	if now < rec.Deadline {
		return nil, newErr(KindNotYetExpired, "deadline not reached")
	}
	return e.release(host, rec, rec.Creator, StateRefunded, now)
}

func (e *Engine) funded(host Host, c commitment.Digest) (*Record, error) {
	rec, err := host.Store().Get(c)
	if err != nil {
		return nil, err
	}
	if rec.State != StateFunded {
		return nil, newErr(KindAlreadyFinalized, "escrow is "+rec.State.String())
	}
	return rec, nil
}

func (e *Engine) release(host Host, rec *Record, to Principal, next State, now uint64) (*Record, error) {
	if err := host.Tokens().Transfer(rec.Token, host.Self(), to, rec.Amount); err != nil {
		return nil, &Error{Kind: KindTokenTransferFailed, Msg: "release from custody failed", Err: err}
	}
	out := rec.Clone()
	out.State = next
	out.FinalizedAt = now
	if err := host.Store().Update(rec.Commitment, out); err != nil {
		return nil, err
	}

	e.logger.Info("escrow "+next.String(),
		"commitment", rec.Commitment.String(),
		"token", rec.Token,
	)
	return out, nil
}
