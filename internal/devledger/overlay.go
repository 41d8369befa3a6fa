package devledger

import (
	"errors"
	"sort"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/medrex/healthchain/internal/contract"
)

const statePrefix = "s/"

var errReadOnly = errors.New("evaluation cannot write state")

// reader is satisfied by both *leveldb.DB and *leveldb.Snapshot.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// overlay is a write set layered over a parent view. Transactions write to
// their own overlay, which is merged into the block overlay only when the
// contract function succeeds.
type overlay struct {
	parent view
	writes map[string][]byte
}

type view interface {
	get(key string) ([]byte, error)
	scan(start, end string) (map[string][]byte, error)
}

type dbView struct {
	r reader
}

func (v dbView) get(key string) ([]byte, error) {
	data, err := v.r.Get([]byte(statePrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (v dbView) scan(start, end string) (map[string][]byte, error) {
	it := v.r.NewIterator(&util.Range{
		Start: []byte(statePrefix + start),
		Limit: []byte(statePrefix + end),
	}, nil)
	defer it.Release()

	out := make(map[string][]byte)
	for it.Next() {
		key := string(it.Key()[len(statePrefix):])
		out[key] = append([]byte(nil), it.Value()...)
	}
	return out, it.Error()
}

func newOverlay(parent view) *overlay {
	return &overlay{parent: parent, writes: make(map[string][]byte)}
}

func (o *overlay) get(key string) ([]byte, error) {
	if v, ok := o.writes[key]; ok {
		return v, nil
	}
	return o.parent.get(key)
}

func (o *overlay) scan(start, end string) (map[string][]byte, error) {
	out, err := o.parent.scan(start, end)
	if err != nil {
		return nil, err
	}
	for k, v := range o.writes {
		if k >= start && k < end {
			out[k] = v
		}
	}
	return out, nil
}

func (o *overlay) mergeInto(dst *overlay) {
	for k, v := range o.writes {
		dst.writes[k] = v
	}
}

// txStub adapts an overlay to contract.Stub for one transaction.
type txStub struct {
	state    *overlay
	txID     string
	ts       time.Time
	readOnly bool
}

var _ contract.Stub = (*txStub)(nil)

func (s *txStub) GetState(key string) ([]byte, error) {
	return s.state.get(key)
}

func (s *txStub) PutState(key string, value []byte) error {
	if s.readOnly {
		return errReadOnly
	}
	s.state.writes[key] = append([]byte(nil), value...)
	return nil
}

func (s *txStub) GetStateByRange(startKey, endKey string) (contract.Iterator, error) {
	entries, err := s.state.scan(startKey, endKey)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]contract.KV, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, contract.KV{Key: k, Value: entries[k]})
	}
	return &sliceIterator{kvs: kvs}, nil
}

func (s *txStub) GetTxID() string { return s.txID }

func (s *txStub) GetTxTimestamp() (time.Time, error) { return s.ts, nil }

type sliceIterator struct {
	kvs []contract.KV
	pos int
}

func (it *sliceIterator) HasNext() bool { return it.pos < len(it.kvs) }

func (it *sliceIterator) Next() (*contract.KV, error) {
	if it.pos >= len(it.kvs) {
		return nil, errors.New("iterator exhausted")
	}
	kv := it.kvs[it.pos]
	it.pos++
	return &kv, nil
}

func (it *sliceIterator) Close() error { return nil }
