// Package audit appends record reads to the ledger audit log and pages
// through a principal's trail.
package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/medrex/healthchain/internal/chain"
	"github.com/medrex/healthchain/internal/contract"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/types"
)

// DefaultPageSize is used when Options.PageSize is not positive.
const DefaultPageSize = 50

// Options configures a Log
type Options struct {
	PageSize int
	Clock    func() time.Time
	Logger   *logger.Logger
	Metrics  *monitoring.MetricsCollector
}

// Log is the client side of the ledger audit log
type Log struct {
	chain    *chain.Client
	pageSize int
	clock    func() time.Time
	logger   *logger.Logger
	metrics  *monitoring.MetricsCollector
}

// New creates a Log
func New(client *chain.Client, opts Options) *Log {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Log{
		chain:    client,
		pageSize: opts.PageSize,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Append writes entry as the caller. Only ReadRecord entries can be appended;
// grant transitions record their own entries. The ledger checks the caller's
// grant when the entry commits and rejects it with Forbidden if the grant is
// no longer active. The dereferenced descriptor is returned.
func (l *Log) Append(ctx context.Context, sess *types.Session, entry types.AuditEntry) (*types.RecordDescriptor, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	if entry.Action != types.AuditActionReadRecord {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "only ReadRecord entries may be appended directly", map[string]interface{}{
			"action": string(entry.Action),
		})
	}
	if entry.Actor != "" && entry.Actor != caller {
		return nil, types.NewForbiddenError("entries can only be appended for the calling principal")
	}
	patient, err := types.ParsePrincipal(string(entry.Subject))
	if err != nil {
		return nil, err
	}

	receipt, err := l.chain.Submit(ctx, caller, nil, contract.FnAppendAudit,
		string(entry.Action), string(patient), entry.Target)
	l.observeRead(ctx, caller, patient, entry.Target, err)
	if err != nil {
		return nil, err
	}

	var desc types.RecordDescriptor
	if err := json.Unmarshal(receipt.Payload, &desc); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to decode record descriptor", err)
	}
	return &desc, nil
}

// RecordRead appends the ReadRecord entry for caller dereferencing one of
// patient's records.
func (l *Log) RecordRead(ctx context.Context, sess *types.Session, patient types.PrincipalID, recordID string) (*types.RecordDescriptor, error) {
	return l.Append(ctx, sess, types.AuditEntry{
		Subject: patient,
		Action:  types.AuditActionReadRecord,
		Target:  recordID,
	})
}

func (l *Log) observeRead(ctx context.Context, provider, patient types.PrincipalID, recordID string, err error) {
	status := "granted"
	details := map[string]interface{}{}
	if err != nil {
		status = string(types.TypeOf(err))
		details["error"] = err.Error()
	}
	l.metrics.RecordPHIAccess(status)
	l.logger.PHIAccess(ctx, string(provider), string(patient), recordID, err == nil, details)
}

// QueryBySubject iterates the entries concerning subject between from and to,
// both inclusive. A zero to bounds the trail at the moment of the call.
func (l *Log) QueryBySubject(sess *types.Session, subject types.PrincipalID, from, to time.Time) *Iterator {
	return l.query(sess, contract.FnQueryAudit, subject, from, to)
}

// QueryByActor iterates the entries written by actor.
func (l *Log) QueryByActor(sess *types.Session, actor types.PrincipalID, from, to time.Time) *Iterator {
	return l.query(sess, contract.FnQueryAuditByActor, actor, from, to)
}

func (l *Log) query(sess *types.Session, fn string, principal types.PrincipalID, from, to time.Time) *Iterator {
	caller, err := sess.Caller()
	if err != nil {
		return &Iterator{err: err, done: true}
	}
	if to.IsZero() {
		to = l.clock()
	}
	if !from.IsZero() && from.After(to) {
		return &Iterator{err: types.NewValidationError(types.ErrCodeInvalidInput, "from is after to", nil), done: true}
	}

	fromArg := ""
	if !from.IsZero() {
		fromArg = strconv.FormatInt(from.UnixNano(), 10)
	}
	toArg := strconv.FormatInt(to.UnixNano(), 10)
	pageSize := strconv.Itoa(l.pageSize)

	return &Iterator{
		fetch: func(ctx context.Context, bookmark string) (*types.AuditPage, error) {
			out, err := l.chain.Evaluate(ctx, caller, fn, string(principal), fromArg, toArg, pageSize, bookmark)
			if err != nil {
				return nil, err
			}
			var page types.AuditPage
			if err := json.Unmarshal(out, &page); err != nil {
				return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to decode audit page", err)
			}
			return &page, nil
		},
	}
}
