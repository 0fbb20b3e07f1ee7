package escrow

import (
	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/holiman/uint256"
)

// Store maps commitments to records. All writes made during one transition
// must commit or roll back together with the enclosing host transaction.
type Store interface {
	// PutNew fails with ErrAlreadyExists if c is known.
	PutNew(c commitment.Digest, r *Record) error
	// Get fails with ErrNotFound if c is unknown.
	Get(c commitment.Digest) (*Record, error)
	// Update fails with ErrNotFound if c is unknown.
	Update(c commitment.Digest, r *Record) error
}

// TokenLedger moves fungible balances. A failed transfer leaves balances unchanged.
type TokenLedger interface {
	Transfer(token Token, from, to Principal, amount *uint256.Int) error
}

// Host is the runtime a transition executes in.
type Host interface {
	// RequireAuth fails unless the caller authorized the call on behalf of p.
	RequireAuth(p Principal) error
	// Now is the host time in seconds; constant for the transaction.
	Now() uint64
	// Self is the custody principal of the engine.
	Self() Principal
	Store() Store
	Tokens() TokenLedger
}
