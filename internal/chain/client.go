// Package chain submits HealthChain transactions to the ledger and evaluates
// queries against its confirmed state.
package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medrex/healthchain/pkg/ledger"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/retry"
	"github.com/medrex/healthchain/pkg/types"
)

// Options configures a Client
type Options struct {
	// SubmitTimeout bounds one submit-and-wait attempt.
	SubmitTimeout time.Duration
	// Resubmit controls how often a transaction whose acknowledgment was lost
	// is sent again under the same id.
	Resubmit retry.Policy
	Logger   *logger.Logger
	Metrics  *monitoring.MetricsCollector
	Tracing  *monitoring.TracingManager
}

// Client is the only path from the engine to the ledger
type Client struct {
	ledger        ledger.Ledger
	logger        *logger.Logger
	metrics       *monitoring.MetricsCollector
	tracing       *monitoring.TracingManager
	submitTimeout time.Duration
	resubmit      retry.Policy
	newTxID       func() string

	mu       sync.Mutex
	inflight map[types.PrincipalID]map[string]int
}

// NewClient creates a ledger client
func NewClient(l ledger.Ledger, opts Options) *Client {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	if opts.Resubmit.MaxAttempts <= 0 {
		opts.Resubmit = retry.DefaultPolicy()
	}
	if opts.Resubmit.Metrics == nil {
		opts.Resubmit.Metrics = opts.Metrics
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Tracing == nil {
		opts.Tracing = monitoring.NewNoopTracingManager()
	}

	return &Client{
		ledger:        l,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracing:       opts.Tracing,
		submitTimeout: opts.SubmitTimeout,
		resubmit:      opts.Resubmit,
		newTxID:       uuid.NewString,
		inflight:      make(map[types.PrincipalID]map[string]int),
	}
}

// Submit sends fn as caller and blocks until the ledger confirms it. keys
// name the state the transaction touches; while it is outstanding,
// Pending reports them for caller. A lost acknowledgment is retried under the
// same transaction id, so the ledger applies the transaction at most once.
func (c *Client) Submit(ctx context.Context, caller types.PrincipalID, keys []string, fn string, args ...string) (*ledger.Receipt, error) {
	ctx, span := c.tracing.StartLedgerSpan(ctx, fn, false)
	defer span.End()

	tx := ledger.Transaction{
		ID:       c.newTxID(),
		Caller:   caller,
		Function: fn,
		Args:     args,
	}

	c.track(caller, keys)
	defer c.untrack(caller, keys)

	start := time.Now()
	attempt := 0
	receipt, err := retry.Do(ctx, c.resubmit, "ledger."+fn, func(ctx context.Context) (*ledger.Receipt, error) {
		attempt++
		if attempt > 1 {
			c.metrics.RecordResubmission(fn)
			c.logger.WithContext(ctx).WithFields(logrus.Fields{
				"function":       fn,
				"transaction_id": tx.ID,
				"attempt":        attempt,
			}).Warn("Resubmitting ledger transaction")
		}
		return c.submitOnce(ctx, tx)
	})
	err = translate(err)

	status := "confirmed"
	if err != nil {
		status = string(types.TypeOf(err))
		monitoring.RecordError(span, err)
	}
	c.metrics.RecordLedgerTransaction(fn, status, time.Since(start))
	c.logger.LedgerTransaction(ctx, fn, tx.ID, err == nil, map[string]interface{}{
		"attempts": attempt,
		"status":   status,
	})

	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *Client) submitOnce(ctx context.Context, tx ledger.Transaction) (*ledger.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	conf, err := c.ledger.Submit(ctx, tx)
	if err != nil {
		return nil, translate(err)
	}
	receipt, err := conf.Wait(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return receipt, nil
}

// Evaluate runs a read-only function against the ledger's confirmed state.
func (c *Client) Evaluate(ctx context.Context, caller types.PrincipalID, fn string, args ...string) ([]byte, error) {
	ctx, span := c.tracing.StartLedgerSpan(ctx, fn, true)
	defer span.End()

	out, err := c.ledger.Evaluate(ctx, caller, fn, args...)
	if err != nil {
		err = translate(err)
		monitoring.RecordError(span, err)
		c.logger.WithContext(ctx).WithError(err).WithField("function", fn).Debug("Ledger query failed")
		return nil, err
	}
	return out, nil
}

// Height returns the ledger height
func (c *Client) Height(ctx context.Context) (uint64, error) {
	h, err := c.ledger.Height(ctx)
	if err != nil {
		return 0, translate(err)
	}
	return h, nil
}

// Pending reports whether caller has an outstanding transaction touching key.
func (c *Client) Pending(caller types.PrincipalID, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[caller][key] > 0
}

func (c *Client) track(caller types.PrincipalID, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.inflight[caller]
	if m == nil {
		m = make(map[string]int)
		c.inflight[caller] = m
	}
	for _, k := range keys {
		m[k]++
	}
}

func (c *Client) untrack(caller types.PrincipalID, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.inflight[caller]
	for _, k := range keys {
		if m[k]--; m[k] <= 0 {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		delete(c.inflight, caller)
	}
}

// translate maps anything the ledger returns into the error taxonomy. Raw
// transport errors never reach callers.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var he *types.HealthError
	if errors.As(err, &he) {
		return he
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewUnavailableError("ledger did not respond in time", err)
	}
	if parsed, ok := types.ParseWireError(err.Error()); ok {
		return parsed
	}
	return types.NewUnavailableError("ledger request failed", err)
}

// RecordKey marks an in-flight write to one record.
func RecordKey(owner types.PrincipalID, recordID string) string {
	return "record:" + string(owner) + ":" + recordID
}

// RecordListKey marks an in-flight write that changes an owner's record list.
func RecordListKey(owner types.PrincipalID) string {
	return "records:" + string(owner)
}

// GrantKey marks an in-flight grant transition for the pair.
func GrantKey(patient, provider types.PrincipalID) string {
	return "grant:" + string(patient) + ":" + string(provider)
}
