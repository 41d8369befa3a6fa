// Package access runs the grant lifecycle between patients and providers:
// request, approve or reject, revoke and expire.
package access

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medrex/healthchain/internal/cache"
	"github.com/medrex/healthchain/internal/chain"
	"github.com/medrex/healthchain/internal/contract"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/types"
)

// GrantView is the latest grant for a pair as seen by one of its parties.
type GrantView struct {
	Grant           *types.AccessGrant `json:"grant,omitempty"`
	EffectiveStatus types.GrantStatus  `json:"effective_status,omitempty"`
	// Submitting is set while the caller has a transition for the pair in flight.
	Submitting  bool              `json:"submitting"`
	Consistency cache.Consistency `json:"consistency"`
}

// Decision is the answer to CheckAccess
type Decision struct {
	Allowed   bool              `json:"allowed"`
	Status    types.GrantStatus `json:"status,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// Engine submits grant transitions and answers access checks.
type Engine struct {
	chain   *chain.Client
	reader  *cache.Reader
	policy  DurationPolicy
	clock   func() time.Time
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
}

// Options configures an Engine
type Options struct {
	Policy  DurationPolicy
	Reader  *cache.Reader
	Clock   func() time.Time
	Logger  *logger.Logger
	Metrics *monitoring.MetricsCollector
}

// NewEngine creates an Engine
func NewEngine(client *chain.Client, opts Options) *Engine {
	if opts.Policy.Mode == "" {
		opts.Policy = DefaultDurationPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Reader == nil {
		opts.Reader = cache.NewReader(nil, opts.Metrics, opts.Logger)
	}
	return &Engine{
		chain:   client,
		reader:  opts.Reader,
		policy:  opts.Policy,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// RequestAccess opens a pending grant from the calling provider to patient.
func (e *Engine) RequestAccess(ctx context.Context, sess *types.Session, patient types.PrincipalID, durationDays int, purpose string) (*types.AccessGrant, error) {
	provider, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	patient, err = types.ParsePrincipal(string(patient))
	if err != nil {
		return nil, err
	}
	if patient == provider {
		return nil, types.NewSelfGrantError("a principal cannot request access to its own records")
	}
	if err := e.policy.Check(durationDays); err != nil {
		return nil, err
	}

	seconds := int64(durationDays) * int64(24*time.Hour/time.Second)
	return e.transition(ctx, provider, patient, provider, types.AuditActionRequestAccess,
		contract.FnRequestAccess, string(patient), strconv.FormatInt(seconds, 10), purpose)
}

// Decide approves or rejects the pending request from provider. Only the
// patient may decide.
func (e *Engine) Decide(ctx context.Context, sess *types.Session, patient, provider types.PrincipalID, approve bool) (*types.AccessGrant, error) {
	caller, patient, provider, err := e.patientPair(sess, patient, provider)
	if err != nil {
		return nil, err
	}
	action := types.AuditActionReject
	if approve {
		action = types.AuditActionApprove
	}
	return e.transition(ctx, caller, patient, provider, action,
		contract.FnDecideAccess, string(patient), string(provider), strconv.FormatBool(approve))
}

// Revoke ends an approved, unexpired grant before its expiry.
func (e *Engine) Revoke(ctx context.Context, sess *types.Session, patient, provider types.PrincipalID) (*types.AccessGrant, error) {
	caller, patient, provider, err := e.patientPair(sess, patient, provider)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, caller, patient, provider, types.AuditActionRevoke,
		contract.FnRevokeAccess, string(patient), string(provider))
}

func (e *Engine) patientPair(sess *types.Session, patient, provider types.PrincipalID) (types.PrincipalID, types.PrincipalID, types.PrincipalID, error) {
	caller, err := sess.Caller()
	if err != nil {
		return "", "", "", err
	}
	if patient, err = types.ParsePrincipal(string(patient)); err != nil {
		return "", "", "", err
	}
	if provider, err = types.ParsePrincipal(string(provider)); err != nil {
		return "", "", "", err
	}
	if caller != patient {
		return "", "", "", types.NewForbiddenError("only the patient may decide on or revoke a grant")
	}
	return caller, patient, provider, nil
}

func (e *Engine) transition(ctx context.Context, caller, patient, provider types.PrincipalID, action types.AuditAction, fn string, args ...string) (*types.AccessGrant, error) {
	receipt, err := e.chain.Submit(ctx, caller, []string{chain.GrantKey(patient, provider)}, fn, args...)
	e.logger.Audit(ctx, string(caller), string(patient), string(action), string(provider), err == nil)
	if err != nil {
		return nil, err
	}

	var grant types.AccessGrant
	if err := json.Unmarshal(receipt.Payload, &grant); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to decode grant", err)
	}
	e.metrics.RecordGrantTransition(string(action))
	e.reader.Invalidate(ctx,
		grantCacheKey(patient, patient, provider),
		grantCacheKey(provider, patient, provider),
		listCacheKey(patient, true),
		listCacheKey(provider, false),
	)

	e.logger.WithContext(ctx).WithFields(logrus.Fields{
		"grant_id": grant.GrantID,
		"action":   action,
		"status":   grant.Status,
	}).Info("Grant transition confirmed")
	return &grant, nil
}

// CheckAccess reports whether provider holds an active grant from patient at
// now. A zero now uses the engine clock. The answer always comes from the
// ledger.
func (e *Engine) CheckAccess(ctx context.Context, patient, provider types.PrincipalID, now time.Time) (*Decision, error) {
	patient, err := types.ParsePrincipal(string(patient))
	if err != nil {
		return nil, err
	}
	if provider, err = types.ParsePrincipal(string(provider)); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = e.clock()
	}

	out, err := e.chain.Evaluate(ctx, provider, contract.FnCheckAccess,
		string(patient), string(provider), strconv.FormatInt(now.UnixNano(), 10))
	if err != nil {
		return nil, err
	}
	var result contract.CheckResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to decode access check", err)
	}
	return &Decision{Allowed: result.Allowed, Status: result.Status, ExpiresAt: result.ExpiresAt}, nil
}

// GetGrant returns the latest grant instance for the pair. Either party may
// read it.
func (e *Engine) GetGrant(ctx context.Context, sess *types.Session, patient, provider types.PrincipalID) (*GrantView, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	if patient, err = types.ParsePrincipal(string(patient)); err != nil {
		return nil, err
	}
	if provider, err = types.ParsePrincipal(string(provider)); err != nil {
		return nil, err
	}

	submitting := e.chain.Pending(caller, chain.GrantKey(patient, provider))
	var grant types.AccessGrant
	meta, err := e.reader.Read(ctx, grantCacheKey(caller, patient, provider), submitting, &grant,
		func(ctx context.Context) ([]byte, error) {
			return e.chain.Evaluate(ctx, caller, contract.FnGetGrant, string(patient), string(provider))
		})
	if err != nil {
		if submitting && types.TypeOf(err) == types.ErrorTypeNotFound {
			return &GrantView{Submitting: true, Consistency: cache.PendingConfirmation}, nil
		}
		return nil, err
	}

	return &GrantView{
		Grant:           &grant,
		EffectiveStatus: grant.EffectiveStatus(e.clock()),
		Submitting:      submitting,
		Consistency:     meta.Consistency,
	}, nil
}

// History returns every grant instance for the pair, oldest first.
func (e *Engine) History(ctx context.Context, sess *types.Session, patient, provider types.PrincipalID) ([]types.AccessGrant, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	out, err := e.chain.Evaluate(ctx, caller, contract.FnGrantHistory, string(patient), string(provider))
	if err != nil {
		return nil, err
	}
	var grants []types.AccessGrant
	if err := json.Unmarshal(out, &grants); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to decode grant history", err)
	}
	return grants, nil
}

// ListReceived returns the latest grant from each provider that asked the
// caller for access, newest first.
func (e *Engine) ListReceived(ctx context.Context, sess *types.Session) ([]types.AccessGrant, cache.ReadMeta, error) {
	return e.list(ctx, sess, true)
}

// ListRequested returns the latest grant the caller holds or requested from
// each patient, newest first.
func (e *Engine) ListRequested(ctx context.Context, sess *types.Session) ([]types.AccessGrant, cache.ReadMeta, error) {
	return e.list(ctx, sess, false)
}

func (e *Engine) list(ctx context.Context, sess *types.Session, asPatient bool) ([]types.AccessGrant, cache.ReadMeta, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, cache.ReadMeta{}, err
	}
	fn := contract.FnListGrantsForProvider
	if asPatient {
		fn = contract.FnListGrantsForPatient
	}

	var grants []types.AccessGrant
	meta, err := e.reader.Read(ctx, listCacheKey(caller, asPatient), false, &grants,
		func(ctx context.Context) ([]byte, error) {
			return e.chain.Evaluate(ctx, caller, fn)
		})
	if err != nil {
		return nil, cache.ReadMeta{}, err
	}
	if grants == nil {
		grants = []types.AccessGrant{}
	}
	return grants, meta, nil
}

func grantCacheKey(caller, patient, provider types.PrincipalID) string {
	return "grant:" + string(caller) + ":" + string(patient) + ":" + string(provider)
}

func listCacheKey(caller types.PrincipalID, asPatient bool) string {
	if asPatient {
		return "grants:received:" + string(caller)
	}
	return "grants:requested:" + string(caller)
}
