package contract

import "time"

// KV is one entry of a range scan.
type KV struct {
	Key   string
	Value []byte
}

// Iterator walks a range scan in key order.
type Iterator interface {
	HasNext() bool
	Next() (*KV, error)
	Close() error
}

// Stub is the view of world state a contract function runs against. Writes
// become visible only when the surrounding transaction commits.
type Stub interface {
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
	// GetStateByRange returns keys in [startKey, endKey).
	GetStateByRange(startKey, endKey string) (Iterator, error)
	GetTxID() string
	GetTxTimestamp() (time.Time, error)
}
