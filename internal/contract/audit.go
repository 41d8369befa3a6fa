package contract

import (
	"encoding/json"
	"strconv"

	"github.com/medrex/healthchain/pkg/types"
)

// appendEntry writes one audit entry with its subject and actor indexes. It
// runs inside the transaction that caused it, so the entry and the
// transition commit or fail together.
func (c *Contract) appendEntry(tx *txContext, actor, subject, provider types.PrincipalID, action types.AuditAction, target string) (*types.AuditEntry, error) {
	var seq uint64
	raw, err := tx.stub.GetState(keyAuditSeq)
	if err != nil {
		return nil, stateError(err)
	}
	if raw != nil {
		if seq, err = strconv.ParseUint(string(raw), 10, 64); err != nil {
			return nil, types.NewInternalError(types.ErrCodeInternalError, "corrupt audit sequence", err)
		}
	}
	seq++

	entry := &types.AuditEntry{
		Sequence:  seq,
		Actor:     actor,
		Subject:   subject,
		Provider:  provider,
		Action:    action,
		Target:    target,
		TxID:      tx.txID,
		Timestamp: tx.now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to encode audit entry", err)
	}

	ts := tx.now.UnixNano()
	writes := []KV{
		{Key: auditKey(seq), Value: data},
		{Key: auditIndexKey(auditSubjectPrefix(subject), ts, seq), Value: data},
		{Key: auditIndexKey(auditActorPrefix(actor), ts, seq), Value: data},
		{Key: keyAuditSeq, Value: []byte(strconv.FormatUint(seq, 10))},
	}
	for _, w := range writes {
		if err := tx.stub.PutState(w.Key, w.Value); err != nil {
			return nil, stateError(err)
		}
	}
	return entry, nil
}

// logRecordRead args: patient, recordID. The caller is the provider. The
// grant is checked against the commit timestamp, so a read racing a
// revocation fails closed. Returns the descriptor being dereferenced.
func (c *Contract) logRecordRead(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 2); err != nil {
		return nil, err
	}
	patient, err := parsePrincipalArg(args[0], "patient")
	if err != nil {
		return nil, err
	}
	provider := tx.caller
	if patient == provider {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "owners read their own records without an audited dereference", nil)
	}

	grant, err := c.latestGrant(tx.stub, patient, provider)
	if err != nil {
		return nil, err
	}
	if grant == nil || !grant.ActiveAt(tx.now) {
		return nil, types.NewForbiddenError("no active access grant for this patient")
	}

	desc, err := c.loadRecord(tx.stub, patient, args[1])
	if err != nil {
		return nil, err
	}
	if desc.Status == types.RecordStatusDeleted {
		return nil, types.NewNotFoundError("record not found for owner")
	}

	if _, err := c.appendEntry(tx, provider, patient, provider, types.AuditActionReadRecord, desc.RecordID); err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

// appendAudit args: action, subject, target. Grant transitions write their
// own entries, so only ReadRecord may be appended from outside.
func (c *Contract) appendAudit(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 3); err != nil {
		return nil, err
	}
	if types.AuditAction(args[0]) != types.AuditActionReadRecord {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "only ReadRecord entries may be appended directly", map[string]interface{}{
			"action": args[0],
		})
	}
	return c.logRecordRead(tx, args[1:])
}

// queryAudit args: subject, from, to, pageSize, bookmark. Only the subject
// may read its trail.
func (c *Contract) queryAudit(tx *txContext, args []string) ([]byte, error) {
	return c.queryIndex(tx, args, "subject", auditSubjectPrefix)
}

// queryAuditByActor args: actor, from, to, pageSize, bookmark.
func (c *Contract) queryAuditByActor(tx *txContext, args []string) ([]byte, error) {
	return c.queryIndex(tx, args, "actor", auditActorPrefix)
}

// queryIndex pages through one audit index. from and to are inclusive Unix
// nanosecond bounds; empty means unbounded. The bookmark is the first key of
// the next page.
func (c *Contract) queryIndex(tx *txContext, args []string, field string, prefixOf func(types.PrincipalID) string) ([]byte, error) {
	if err := expectArgs(args, 5); err != nil {
		return nil, err
	}
	principal, err := parsePrincipalArg(args[0], field)
	if err != nil {
		return nil, err
	}
	if principal != tx.caller {
		return nil, types.NewForbiddenError("audit trails are readable only by their own principal")
	}

	cfg, err := c.config(tx.stub)
	if err != nil {
		return nil, err
	}
	pageSize, err := parsePositive(args[3], "page_size")
	if err != nil {
		return nil, err
	}
	if pageSize > int64(cfg.MaxPageSize) {
		pageSize = int64(cfg.MaxPageSize)
	}

	prefix := prefixOf(principal)
	start, end := prefix, prefixEnd(prefix)
	if args[1] != "" {
		from, err := parseNanos(args[1], "from")
		if err != nil {
			return nil, err
		}
		start = auditIndexKey(prefix, from, 0)
	}
	if args[2] != "" {
		to, err := parseNanos(args[2], "to")
		if err != nil {
			return nil, err
		}
		// ';' sorts right after ':' so every sequence at instant to is included.
		end = prefix + padNanos(to) + ";"
	}
	if bookmark := args[4]; bookmark != "" {
		if len(bookmark) <= len(prefix) || bookmark[:len(prefix)] != prefix || bookmark < start || bookmark >= end {
			return nil, types.NewValidationError(types.ErrCodeInvalidInput, "bookmark does not belong to this query", nil)
		}
		start = bookmark
	}

	it, err := tx.stub.GetStateByRange(start, end)
	if err != nil {
		return nil, stateError(err)
	}
	defer it.Close()

	page := types.AuditPage{Entries: []types.AuditEntry{}}
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return nil, stateError(err)
		}
		if int64(len(page.Entries)) == pageSize {
			page.Bookmark = kv.Key
			break
		}
		var entry types.AuditEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			return nil, types.NewInternalError(types.ErrCodeInternalError, "corrupt audit entry", err)
		}
		page.Entries = append(page.Entries, entry)
	}
	return json.Marshal(page)
}

func parseNanos(raw, field string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, types.NewValidationError(types.ErrCodeInvalidInput, field+" must be a non-negative Unix nanosecond timestamp", map[string]interface{}{
			field: raw,
		})
	}
	return v, nil
}

func padNanos(v int64) string {
	s := strconv.FormatInt(v, 10)
	for len(s) < 20 {
		s = "0" + s
	}
	return s
}
