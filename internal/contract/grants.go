package contract

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/medrex/healthchain/pkg/types"
)

// CheckResult is the answer to CheckAccess.
type CheckResult struct {
	Allowed   bool               `json:"allowed"`
	Status    types.GrantStatus  `json:"status,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Grant     *types.AccessGrant `json:"grant,omitempty"`
}

func (c *Contract) latestGrant(stub Stub, patient, provider types.PrincipalID) (*types.AccessGrant, error) {
	raw, err := stub.GetState(grantHeadKey(patient, provider))
	if err != nil {
		return nil, stateError(err)
	}
	if raw == nil {
		return nil, nil
	}
	seq, err := strconv.Atoi(string(raw))
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "corrupt grant head", err)
	}

	var grant types.AccessGrant
	found, err := getJSON(stub, grantKey(patient, provider, seq), &grant)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "grant head points to a missing grant", nil)
	}
	return &grant, nil
}

func (c *Contract) putGrant(stub Stub, grant *types.AccessGrant) error {
	return putJSON(stub, grantKey(grant.Patient, grant.Provider, grant.Sequence), grant)
}

// materializeExpiry writes Expired over an Approved grant whose expiry has
// passed. It records no audit entry: expiry is not an actor's transition.
func (c *Contract) materializeExpiry(tx *txContext, grant *types.AccessGrant) error {
	if grant.Status != types.GrantStatusApproved || grant.EffectiveStatus(tx.now) != types.GrantStatusExpired {
		return nil
	}
	grant.Status = types.GrantStatusExpired
	return c.putGrant(tx.stub, grant)
}

// requestAccess args: patient, durationSeconds, purpose. The caller is the
// provider. A resubmission while the first request is still Pending fails
// with Conflict.
func (c *Contract) requestAccess(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 3); err != nil {
		return nil, err
	}
	patient, err := parsePrincipalArg(args[0], "patient")
	if err != nil {
		return nil, err
	}
	provider := tx.caller
	if patient == provider {
		return nil, types.NewSelfGrantError("a principal cannot request access to its own records")
	}

	cfg, err := c.config(tx.stub)
	if err != nil {
		return nil, err
	}
	duration, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || duration <= 0 || duration > cfg.MaxDurationSeconds {
		return nil, types.NewInvalidDurationError("duration must be positive and within the configured maximum", map[string]interface{}{
			"duration_seconds":     args[1],
			"max_duration_seconds": cfg.MaxDurationSeconds,
		})
	}

	latest, err := c.latestGrant(tx.stub, patient, provider)
	if err != nil {
		return nil, err
	}
	seq := 1
	if latest != nil {
		if err := c.materializeExpiry(tx, latest); err != nil {
			return nil, err
		}
		if latest.Open(tx.now) {
			return nil, types.NewConflictError("a pending or approved grant already exists for this pair")
		}
		seq = latest.Sequence + 1
	}

	grant := &types.AccessGrant{
		GrantID:         tx.txID,
		Sequence:        seq,
		Patient:         patient,
		Provider:        provider,
		Purpose:         args[2],
		RequestedAt:     tx.now,
		DurationSeconds: duration,
		Status:          types.GrantStatusPending,
	}
	if err := c.putGrant(tx.stub, grant); err != nil {
		return nil, err
	}
	if err := tx.stub.PutState(grantHeadKey(patient, provider), []byte(strconv.Itoa(seq))); err != nil {
		return nil, stateError(err)
	}
	if err := tx.stub.PutState(providerIndexKey(provider, patient), []byte(strconv.Itoa(seq))); err != nil {
		return nil, stateError(err)
	}
	if _, err := c.appendEntry(tx, provider, patient, provider, types.AuditActionRequestAccess, ""); err != nil {
		return nil, err
	}
	return json.Marshal(grant)
}

// decideAccess args: patient, provider, approve ("true" or "false").
func (c *Contract) decideAccess(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 3); err != nil {
		return nil, err
	}
	patient, provider, err := c.pairArgs(args[0], args[1])
	if err != nil {
		return nil, err
	}
	approve, err := strconv.ParseBool(args[2])
	if err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "approve must be true or false", nil)
	}
	if tx.caller != patient {
		return nil, types.NewForbiddenError("only the patient may decide an access request")
	}

	grant, err := c.latestGrant(tx.stub, patient, provider)
	if err != nil {
		return nil, err
	}
	if grant == nil || grant.Status != types.GrantStatusPending {
		return nil, types.NewNotFoundError("no pending access request for this pair")
	}

	decidedAt := tx.now
	grant.DecidedAt = &decidedAt
	action := types.AuditActionReject
	if approve {
		expiresAt := decidedAt.Add(time.Duration(grant.DurationSeconds) * time.Second)
		grant.Status = types.GrantStatusApproved
		grant.ExpiresAt = &expiresAt
		action = types.AuditActionApprove
	} else {
		grant.Status = types.GrantStatusRejected
	}

	if err := c.putGrant(tx.stub, grant); err != nil {
		return nil, err
	}
	if _, err := c.appendEntry(tx, patient, patient, provider, action, ""); err != nil {
		return nil, err
	}
	return json.Marshal(grant)
}

// revokeAccess args: patient, provider. Only an Approved, unexpired grant can
// be revoked.
func (c *Contract) revokeAccess(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 2); err != nil {
		return nil, err
	}
	patient, provider, err := c.pairArgs(args[0], args[1])
	if err != nil {
		return nil, err
	}
	if tx.caller != patient {
		return nil, types.NewForbiddenError("only the patient may revoke access")
	}

	grant, err := c.latestGrant(tx.stub, patient, provider)
	if err != nil {
		return nil, err
	}
	if grant == nil || !grant.ActiveAt(tx.now) {
		return nil, types.NewNotFoundError("no approved access grant for this pair")
	}

	revokedAt := tx.now
	grant.Status = types.GrantStatusRevoked
	grant.RevokedAt = &revokedAt
	if err := c.putGrant(tx.stub, grant); err != nil {
		return nil, err
	}
	if _, err := c.appendEntry(tx, patient, patient, provider, types.AuditActionRevoke, ""); err != nil {
		return nil, err
	}
	return json.Marshal(grant)
}

// checkAccess args: patient, provider, and optionally the evaluation instant
// in Unix nanoseconds. Without it the transaction timestamp is used.
func (c *Contract) checkAccess(tx *txContext, args []string) ([]byte, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, expectArgs(args, 2)
	}
	patient, provider, err := c.pairArgs(args[0], args[1])
	if err != nil {
		return nil, err
	}
	now := tx.now
	if len(args) == 3 && args[2] != "" {
		nanos, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return nil, types.NewValidationError(types.ErrCodeInvalidInput, "invalid evaluation time", nil)
		}
		now = time.Unix(0, nanos).UTC()
	}

	grant, err := c.latestGrant(tx.stub, patient, provider)
	if err != nil {
		return nil, err
	}
	result := CheckResult{}
	if grant != nil {
		result.Allowed = grant.ActiveAt(now)
		result.Status = grant.EffectiveStatus(now)
		result.ExpiresAt = grant.ExpiresAt
		result.Grant = grant
	}
	return json.Marshal(result)
}

// getGrant args: patient, provider. Visible to both parties.
func (c *Contract) getGrant(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 2); err != nil {
		return nil, err
	}
	patient, provider, err := c.partyArgs(tx, args)
	if err != nil {
		return nil, err
	}
	grant, err := c.latestGrant(tx.stub, patient, provider)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, types.NewNotFoundError("no access grant for this pair")
	}
	return json.Marshal(grant)
}

// grantHistory args: patient, provider. Every grant instance, oldest first.
func (c *Contract) grantHistory(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 2); err != nil {
		return nil, err
	}
	patient, provider, err := c.partyArgs(tx, args)
	if err != nil {
		return nil, err
	}
	kvs, err := scan(tx.stub, grantPrefix(patient, provider))
	if err != nil {
		return nil, err
	}
	grants := make([]types.AccessGrant, 0, len(kvs))
	for _, kv := range kvs {
		var g types.AccessGrant
		if err := json.Unmarshal(kv.Value, &g); err != nil {
			return nil, types.NewInternalError(types.ErrCodeInternalError, "corrupt grant entry", err)
		}
		grants = append(grants, g)
	}
	return json.Marshal(grants)
}

// listGrantsForPatient returns the latest grant per provider for the caller.
func (c *Contract) listGrantsForPatient(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 0); err != nil {
		return nil, err
	}
	return c.listLatest(tx, grantHeadPrefix(tx.caller), func(other types.PrincipalID) (types.PrincipalID, types.PrincipalID) {
		return tx.caller, other
	})
}

// listGrantsForProvider returns the latest grant per patient for the caller.
func (c *Contract) listGrantsForProvider(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 0); err != nil {
		return nil, err
	}
	return c.listLatest(tx, providerIndexPrefix(tx.caller), func(other types.PrincipalID) (types.PrincipalID, types.PrincipalID) {
		return other, tx.caller
	})
}

func (c *Contract) listLatest(tx *txContext, prefix string, pair func(types.PrincipalID) (types.PrincipalID, types.PrincipalID)) ([]byte, error) {
	kvs, err := scan(tx.stub, prefix)
	if err != nil {
		return nil, err
	}
	grants := make([]types.AccessGrant, 0, len(kvs))
	for _, kv := range kvs {
		patient, provider := pair(types.PrincipalID(kv.Key[len(prefix):]))
		grant, err := c.latestGrant(tx.stub, patient, provider)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			grants = append(grants, *grant)
		}
	}
	sort.SliceStable(grants, func(i, j int) bool {
		return grants[i].RequestedAt.After(grants[j].RequestedAt)
	})
	return json.Marshal(grants)
}

func (c *Contract) pairArgs(rawPatient, rawProvider string) (types.PrincipalID, types.PrincipalID, error) {
	patient, err := parsePrincipalArg(rawPatient, "patient")
	if err != nil {
		return "", "", err
	}
	provider, err := parsePrincipalArg(rawProvider, "provider")
	if err != nil {
		return "", "", err
	}
	return patient, provider, nil
}

// partyArgs parses the pair and requires the caller to be one of them.
func (c *Contract) partyArgs(tx *txContext, args []string) (types.PrincipalID, types.PrincipalID, error) {
	patient, provider, err := c.pairArgs(args[0], args[1])
	if err != nil {
		return "", "", err
	}
	if tx.caller != patient && tx.caller != provider {
		return "", "", types.NewForbiddenError("only the patient or the provider may read this grant")
	}
	return patient, provider, nil
}
