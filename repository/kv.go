package repository

import (
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/skl"
)

// ErrKeyNotFound is returned by KV.Get for absent keys.
var ErrKeyNotFound = badger.ErrKeyNotFound

// ErrBlockFull is returned when writes would not fit in the block's badger
// transaction.
var ErrBlockFull = errors.New("block write budget exhausted")

const (
	// entryOverhead bounds badger's per-entry accounting: meta bytes plus
	// the key version.
	entryOverhead = 12
	// trailerBytes and trailerEntries are kept free for the block height
	// and app hash written after the last transaction.
	trailerBytes   = 256
	trailerEntries = 2
)

// KV is the key/value surface state handlers write through.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// TxnKV adapts a badger transaction to KV.
type TxnKV struct {
	txn *badger.Txn

	// zero limits mean unbounded
	maxBytes, maxEntries int64
	bytes, entries       int64
}

func NewTxnKV(txn *badger.Txn) *TxnKV {
	return &TxnKV{txn: txn}
}

// NewBlockKV wraps the transaction of a whole block. Reserve refuses writes
// before badger would fail the transaction with ErrTxnTooBig, leaving room
// for the block trailer.
func NewBlockKV(txn *badger.Txn, opts badger.Options) *TxnKV {
	maxBatchSize := (15 * opts.MemTableSize) / 100
	return &TxnKV{
		txn:        txn,
		maxBytes:   maxBatchSize - 1 - trailerBytes,
		maxEntries: maxBatchSize/int64(skl.MaxNodeSize) - 1 - trailerEntries,
	}
}

// Reserve checks that entries writes totalling size bytes still fit.
func (t *TxnKV) Reserve(entries, size int64) error {
	if t.maxEntries == 0 {
		return nil
	}
	if t.entries+entries > t.maxEntries || t.bytes+size > t.maxBytes {
		return ErrBlockFull
	}
	return nil
}

func (t *TxnKV) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *TxnKV) Set(key, value []byte) error {
	if err := t.txn.Set(key, value); err != nil {
		return err
	}
	t.entries++
	t.bytes += entrySize(key, value)
	return nil
}

func entrySize(key, value []byte) int64 {
	return int64(len(key)+len(value)) + entryOverhead
}

// Overlay buffers writes on top of a parent KV. Nothing reaches the parent
// until Flush, so dropping an Overlay discards every write made through it.
type Overlay struct {
	parent KV
	writes map[string][]byte
}

func NewOverlay(parent KV) *Overlay {
	return &Overlay{parent: parent, writes: make(map[string][]byte)}
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	if v, ok := o.writes[string(key)]; ok {
		return append([]byte(nil), v...), nil
	}
	return o.parent.Get(key)
}

func (o *Overlay) Set(key, value []byte) error {
	if len(key) == 0 {
		return errors.New("empty key")
	}
	o.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// Len is the number of buffered keys.
func (o *Overlay) Len() int { return len(o.writes) }

type reserver interface {
	Reserve(entries, size int64) error
}

// Flush writes the buffered keys to the parent in key order and clears the
// buffer. When the parent can refuse the batch, nothing is written and the
// buffer is kept.
func (o *Overlay) Flush() error {
	keys := make([]string, 0, len(o.writes))
	var size int64
	for k, v := range o.writes {
		keys = append(keys, k)
		size += entrySize([]byte(k), v)
	}
	if r, ok := o.parent.(reserver); ok {
		if err := r.Reserve(int64(len(keys)), size); err != nil {
			return err
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := o.parent.Set([]byte(k), o.writes[k]); err != nil {
			return err
		}
	}
	o.writes = make(map[string][]byte)
	return nil
}
