package escrow

import (
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/holiman/uint256"
)

// memHost is an in-memory Host. Writes go straight to the maps; transitions
// that fail after a write are not exercised against it.
type memHost struct {
	now        uint64
	self       Principal
	authorized map[Principal]bool
	records    map[commitment.Digest]*Record
	balances   map[Token]map[Principal]*uint256.Int
	transfers  int
	failNext   bool
}

func newMemHost(now uint64) *memHost {
	return &memHost{
		now:        now,
		self:       "custody",
		authorized: map[Principal]bool{},
		records:    map[commitment.Digest]*Record{},
		balances:   map[Token]map[Principal]*uint256.Int{},
	}
}

func (h *memHost) RequireAuth(p Principal) error {
	if !h.authorized[p] {
		return fmt.Errorf("missing signature for %s", p)
	}
	return nil
}

func (h *memHost) Now() uint64         { return h.now }
func (h *memHost) Self() Principal     { return h.self }
func (h *memHost) Store() Store        { return memStore{h} }
func (h *memHost) Tokens() TokenLedger { return memLedger{h} }

func (h *memHost) mint(token Token, to Principal, amount uint64) {
	if h.balances[token] == nil {
		h.balances[token] = map[Principal]*uint256.Int{}
	}
	h.balances[token][to] = new(uint256.Int).Add(h.balance(token, to), uint256.NewInt(amount))
}

func (h *memHost) balance(token Token, who Principal) *uint256.Int {
	if b, ok := h.balances[token][who]; ok {
		return b
	}
	return new(uint256.Int)
}

type memStore struct{ h *memHost }

func (s memStore) PutNew(c commitment.Digest, r *Record) error {
	if _, ok := s.h.records[c]; ok {
		return ErrAlreadyExists
	}
	s.h.records[c] = r.Clone()
	return nil
}

func (s memStore) Get(c commitment.Digest) (*Record, error) {
	r, ok := s.h.records[c]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s memStore) Update(c commitment.Digest, r *Record) error {
	if _, ok := s.h.records[c]; !ok {
		return ErrNotFound
	}
	s.h.records[c] = r.Clone()
	return nil
}

type memLedger struct{ h *memHost }

func (l memLedger) Transfer(token Token, from, to Principal, amount *uint256.Int) error {
	if l.h.failNext {
		l.h.failNext = false
		return errors.New("ledger offline")
	}
	fromBal := l.h.balance(token, from)
	if fromBal.Lt(amount) {
		return errors.New("insufficient balance")
	}
	if l.h.balances[token] == nil {
		l.h.balances[token] = map[Principal]*uint256.Int{}
	}
	l.h.balances[token][from] = new(uint256.Int).Sub(fromBal, amount)
	l.h.balances[token][to] = new(uint256.Int).Add(l.h.balance(token, to), amount)
	l.h.transfers++
	return nil
}
