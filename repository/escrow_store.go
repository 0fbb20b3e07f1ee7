package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/dgraph-io/badger/v4"
)

var escrowPrefix = []byte("escrow/")

func escrowKey(c commitment.Digest) []byte {
	return append(append([]byte{}, escrowPrefix...), c[:]...)
}

// EscrowStore keeps one JSON-encoded record per commitment.
type EscrowStore struct {
	kv KV
}

var _ escrow.Store = (*EscrowStore)(nil)

func NewEscrowStore(kv KV) *EscrowStore {
	return &EscrowStore{kv: kv}
}

func (s *EscrowStore) PutNew(c commitment.Digest, r *escrow.Record) error {
	_, err := s.kv.Get(escrowKey(c))
	if err == nil {
		return escrow.ErrAlreadyExists
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("reading escrow %s: %w", c, err)
	}
	return s.write(c, r)
}

func (s *EscrowStore) Get(c commitment.Digest) (*escrow.Record, error) {
	raw, err := s.kv.Get(escrowKey(c))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, fmt.Errorf("reading escrow %s: %w", c, err)
	}
	return DecodeRecord(raw)
}

func (s *EscrowStore) Update(c commitment.Digest, r *escrow.Record) error {
	if _, err := s.kv.Get(escrowKey(c)); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return escrow.ErrNotFound
		}
		return fmt.Errorf("reading escrow %s: %w", c, err)
	}
	return s.write(c, r)
}

func (s *EscrowStore) write(c commitment.Digest, r *escrow.Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding escrow %s: %w", c, err)
	}
	return s.kv.Set(escrowKey(c), raw)
}

// DecodeRecord parses a stored record.
func DecodeRecord(raw []byte) (*escrow.Record, error) {
	var r escrow.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding escrow record: %w", err)
	}
	return &r, nil
}

// ListEscrows scans every record, keeping those in state (all when state is 0).
// At most limit records are returned when limit > 0.
func ListEscrows(txn *badger.Txn, state escrow.State, limit int) ([]*escrow.Record, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = escrowPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*escrow.Record
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		rec, err := DecodeRecord(raw)
		if err != nil {
			return nil, err
		}
		if state != 0 && rec.State != state {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
