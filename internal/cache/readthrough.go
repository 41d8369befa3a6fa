package cache

import (
	"context"
	"encoding/json"

	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/types"
)

// Consistency tells a caller how fresh a read is.
type Consistency string

const (
	// Confirmed was read from the ledger's confirmed state just now.
	Confirmed Consistency = "confirmed"
	// Cached was served from an earlier confirmed read.
	Cached Consistency = "cached"
	// PendingConfirmation means the caller has a write in flight that may
	// change the answer once it confirms.
	PendingConfirmation Consistency = "pending_confirmation"
)

// ReadMeta accompanies every snapshot read
type ReadMeta struct {
	Consistency Consistency `json:"consistency"`
}

// Reader serves ledger reads through a Cache.
type Reader struct {
	cache   Cache
	metrics *monitoring.MetricsCollector
	logger  *logger.Logger
}

// NewReader creates a read-through helper. A nil cache disables caching.
func NewReader(c Cache, metrics *monitoring.MetricsCollector, log *logger.Logger) *Reader {
	if c == nil {
		c = Noop{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Reader{cache: c, metrics: metrics, logger: log}
}

// Read fills dest for key. While pending is set the cache is bypassed and
// nothing is stored, so the caller never sees its own write hidden behind an
// older entry.
func (r *Reader) Read(ctx context.Context, key string, pending bool, dest interface{}, load func(context.Context) ([]byte, error)) (ReadMeta, error) {
	if !pending {
		found, err := r.cache.Get(ctx, key, dest)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Cache read failed")
		}
		r.metrics.RecordCacheLookup(found && err == nil)
		if found && err == nil {
			return ReadMeta{Consistency: Cached}, nil
		}
	}

	data, err := load(ctx)
	if err != nil {
		return ReadMeta{}, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return ReadMeta{}, types.NewInternalError(types.ErrCodeInternalError, "failed to decode ledger response", err)
	}

	if pending {
		return ReadMeta{Consistency: PendingConfirmation}, nil
	}
	if err := r.cache.Set(ctx, key, dest); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Cache write failed")
	}
	return ReadMeta{Consistency: Confirmed}, nil
}

// ReadUncached fills dest straight from the ledger and stores nothing. Reads
// whose authorization can change without a local write, such as a provider
// reading under a patient's grant, go through here.
func (r *Reader) ReadUncached(ctx context.Context, pending bool, dest interface{}, load func(context.Context) ([]byte, error)) (ReadMeta, error) {
	data, err := load(ctx)
	if err != nil {
		return ReadMeta{}, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return ReadMeta{}, types.NewInternalError(types.ErrCodeInternalError, "failed to decode ledger response", err)
	}
	if pending {
		return ReadMeta{Consistency: PendingConfirmation}, nil
	}
	return ReadMeta{Consistency: Confirmed}, nil
}

// Invalidate drops keys after the caller's own write confirmed.
func (r *Reader) Invalidate(ctx context.Context, keys ...string) {
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Cache invalidation failed")
	}
}
