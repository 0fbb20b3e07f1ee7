package repository

import (
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBalanceOverflow     = errors.New("balance overflow")
)

var balancePrefix = []byte("balance/")

// balanceKey is balance/ | len(token) | token | owner, so token and owner
// never run into each other.
func balanceKey(token escrow.Token, owner escrow.Principal) []byte {
	key := make([]byte, 0, len(balancePrefix)+1+len(token)+len(owner))
	key = append(key, balancePrefix...)
	key = append(key, byte(len(token)))
	key = append(key, token...)
	return append(key, owner...)
}

// Ledger is the fungible token ledger of the chain. Balances are stored as
// 32-byte big-endian integers.
type Ledger struct {
	kv KV
}

var _ escrow.TokenLedger = (*Ledger)(nil)

func NewLedger(kv KV) *Ledger {
	return &Ledger{kv: kv}
}

func (l *Ledger) BalanceOf(token escrow.Token, owner escrow.Principal) (*uint256.Int, error) {
	raw, err := l.kv.Get(balanceKey(token, owner))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (l *Ledger) setBalance(token escrow.Token, owner escrow.Principal, v *uint256.Int) error {
	b := v.Bytes32()
	return l.kv.Set(balanceKey(token, owner), b[:])
}

// Mint credits amount to owner. Only genesis mints.
func (l *Ledger) Mint(token escrow.Token, owner escrow.Principal, amount *uint256.Int) error {
	if len(token) == 0 || len(token) > 255 {
		return fmt.Errorf("invalid token id %q", token)
	}
	bal, err := l.BalanceOf(token, owner)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	return l.setBalance(token, owner, sum)
}

// Transfer moves amount of token between two owners. Nothing is written when
// it fails.
func (l *Ledger) Transfer(token escrow.Token, from, to escrow.Principal, amount *uint256.Int) error {
	if len(token) == 0 || len(token) > 255 {
		return fmt.Errorf("invalid token id %q", token)
	}
	fromBal, err := l.BalanceOf(token, from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, from)
	}
	if from == to {
		return nil
	}
	toBal, err := l.BalanceOf(token, to)
	if err != nil {
		return err
	}
	newTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := l.setBalance(token, from, new(uint256.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.setBalance(token, to, newTo)
}
