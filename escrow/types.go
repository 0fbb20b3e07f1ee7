package escrow

import (
	"fmt"
	"strings"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Principal identifies an account on the local chain.
type Principal string

// Token identifies a fungible token on the local chain.
type Token string

// State is the lifecycle position of an escrow.
type State uint8

const (
	StateFunded State = iota + 1
	StateClaimed
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateFunded:
		return "funded"
	case StateClaimed:
		return "claimed"
	case StateRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState parses the text form of a state.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "funded":
		return StateFunded, nil
	case "claimed":
		return StateClaimed, nil
	case "refunded":
		return StateRefunded, nil
	}
	return 0, fmt.Errorf("unknown escrow state %q", s)
}

// maxAmountBits bounds amounts to the 128-bit range of the token interface.
const maxAmountBits = 128

// Record is one escrow, keyed by its commitment.
type Record struct {
	Commitment  commitment.Digest `json:"commitment"`
	Creator     Principal         `json:"creator"`
	Beneficiary Principal         `json:"beneficiary"`
	Token       Token             `json:"token"`
	Amount      *uint256.Int      `json:"amount"`
	Deadline    uint64            `json:"deadline"`

	// Routing hints for the mirrored escrow; never read by the engine.
	CounterpartyAddr   common.Address `json:"counterparty_addr"`
	CounterpartyToken  string         `json:"counterparty_token"`
	CounterpartyAmount *uint256.Int   `json:"counterparty_amount"`

	State       State  `json:"state"`
	CreatedAt   uint64 `json:"created_at"`
	FinalizedAt uint64 `json:"finalized_at,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.Amount != nil {
		c.Amount = new(uint256.Int).Set(r.Amount)
	}
	if r.CounterpartyAmount != nil {
		c.CounterpartyAmount = new(uint256.Int).Set(r.CounterpartyAmount)
	}
	return &c
}

// CreateParams are the inputs of Engine.Create.
type CreateParams struct {
	Creator      Principal
	Beneficiary  Principal
	Commitment   commitment.Digest
	LockDuration uint64
	Token        Token
	Amount       *uint256.Int

	CounterpartyAddr   common.Address
	CounterpartyToken  string
	CounterpartyAmount *uint256.Int
}
