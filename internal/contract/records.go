package contract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/medrex/healthchain/pkg/types"
)

var recordIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func (c *Contract) validateRecordFields(recordID, contentRef, metadata string) (json.RawMessage, error) {
	if !recordIDPattern.MatchString(recordID) {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "invalid record id", map[string]interface{}{
			"record_id": recordID,
		})
	}
	if _, err := cid.Decode(contentRef); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "content reference is not a valid CID", map[string]interface{}{
			"content_ref": contentRef,
		})
	}
	return c.normalizeMetadata(metadata)
}

// normalizeMetadata requires a JSON object and compacts it so equal metadata
// compares equal byte for byte.
func (c *Contract) normalizeMetadata(metadata string) (json.RawMessage, error) {
	if metadata == "" {
		return json.RawMessage("{}"), nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(metadata), &obj); err != nil || obj == nil {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "metadata must be a JSON object", nil)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(metadata)); err != nil {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "metadata must be a JSON object", nil)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func (c *Contract) checkMetadataSize(stub Stub, metadata json.RawMessage) error {
	cfg, err := c.config(stub)
	if err != nil {
		return err
	}
	if len(metadata) > cfg.MaxMetadataBytes {
		return types.NewValidationError(types.ErrCodeValidationFailed, "metadata exceeds size bound", map[string]interface{}{
			"size":  len(metadata),
			"limit": cfg.MaxMetadataBytes,
		})
	}
	return nil
}

// registerRecord args: recordID, contentRef, recordType, metadata.
// The caller becomes the owner. Resubmitting the same registration returns
// the stored descriptor.
func (c *Contract) registerRecord(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 4); err != nil {
		return nil, err
	}
	recordID, contentRef, recordType := args[0], args[1], types.RecordType(args[2])

	metadata, err := c.validateRecordFields(recordID, contentRef, args[3])
	if err != nil {
		return nil, err
	}
	if !recordType.Valid() {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "record type is not in the fixed category set", map[string]interface{}{
			"record_type": string(recordType),
		})
	}
	if err := c.checkMetadataSize(tx.stub, metadata); err != nil {
		return nil, err
	}

	var existing types.RecordDescriptor
	found, err := getJSON(tx.stub, recordKey(tx.caller, recordID), &existing)
	if err != nil {
		return nil, err
	}
	if found {
		if existing.ContentRef == contentRef && existing.RecordType == recordType {
			return json.Marshal(existing)
		}
		return nil, types.NewConflictError("record id is already registered")
	}

	desc := types.RecordDescriptor{
		RecordID:   recordID,
		Owner:      tx.caller,
		ContentRef: contentRef,
		RecordType: recordType,
		Metadata:   metadata,
		Status:     types.RecordStatusActive,
		Version:    1,
		CreatedAt:  tx.now,
		UpdatedAt:  tx.now,
	}
	if err := c.putRecord(tx, &desc); err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

// updateRecord args: owner, recordID, contentRef, metadata.
func (c *Contract) updateRecord(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 4); err != nil {
		return nil, err
	}
	owner, err := parsePrincipalArg(args[0], "owner")
	if err != nil {
		return nil, err
	}
	if owner != tx.caller {
		return nil, types.NewForbiddenError("only the owner may update a record")
	}
	recordID, contentRef := args[1], args[2]

	metadata, err := c.validateRecordFields(recordID, contentRef, args[3])
	if err != nil {
		return nil, err
	}
	if err := c.checkMetadataSize(tx.stub, metadata); err != nil {
		return nil, err
	}

	desc, err := c.loadRecord(tx.stub, owner, recordID)
	if err != nil {
		return nil, err
	}
	if desc.Status == types.RecordStatusDeleted {
		return nil, types.NewNotFoundError("record is deleted")
	}
	if desc.ContentRef == contentRef && bytes.Equal(desc.Metadata, metadata) {
		return json.Marshal(desc)
	}

	desc.ContentRef = contentRef
	desc.Metadata = metadata
	desc.Version++
	desc.UpdatedAt = tx.now
	if err := c.putRecord(tx, desc); err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

// setRecordStatus args: owner, recordID, status. Deleted is final.
func (c *Contract) setRecordStatus(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 3); err != nil {
		return nil, err
	}
	owner, err := parsePrincipalArg(args[0], "owner")
	if err != nil {
		return nil, err
	}
	if owner != tx.caller {
		return nil, types.NewForbiddenError("only the owner may change a record's status")
	}
	status := types.RecordStatus(args[2])
	if !status.Valid() {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "unknown record status", map[string]interface{}{
			"status": args[2],
		})
	}

	desc, err := c.loadRecord(tx.stub, owner, args[1])
	if err != nil {
		return nil, err
	}
	if desc.Status == status {
		return json.Marshal(desc)
	}
	if desc.Status == types.RecordStatusDeleted {
		return nil, types.NewNotFoundError("record is deleted")
	}

	desc.Status = status
	desc.UpdatedAt = tx.now
	if err := putJSON(tx.stub, recordKey(owner, desc.RecordID), desc); err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

// putRecord stores desc and appends its current content to the version chain.
func (c *Contract) putRecord(tx *txContext, desc *types.RecordDescriptor) error {
	if err := putJSON(tx.stub, recordKey(desc.Owner, desc.RecordID), desc); err != nil {
		return err
	}
	version := types.RecordVersion{
		RecordID:   desc.RecordID,
		Version:    desc.Version,
		ContentRef: desc.ContentRef,
		Metadata:   desc.Metadata,
		TxID:       tx.txID,
		RecordedAt: tx.now,
	}
	return putJSON(tx.stub, versionKey(desc.Owner, desc.RecordID, desc.Version), version)
}

func (c *Contract) loadRecord(stub Stub, owner types.PrincipalID, recordID string) (*types.RecordDescriptor, error) {
	if !recordIDPattern.MatchString(recordID) {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "invalid record id", map[string]interface{}{
			"record_id": recordID,
		})
	}
	var desc types.RecordDescriptor
	found, err := getJSON(stub, recordKey(owner, recordID), &desc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewNotFoundError("record not found for owner")
	}
	return &desc, nil
}

// getRecord args: owner, recordID. Owner only; providers go through
// LogRecordRead so that every dereference is audited.
func (c *Contract) getRecord(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 2); err != nil {
		return nil, err
	}
	owner, err := parsePrincipalArg(args[0], "owner")
	if err != nil {
		return nil, err
	}
	if owner != tx.caller {
		return nil, types.NewForbiddenError("only the owner may read a record descriptor directly")
	}
	desc, err := c.loadRecord(tx.stub, owner, args[1])
	if err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

// listRecords args: owner, includeDeleted. The owner sees full descriptors.
// A provider holding an active grant sees active and archived descriptors
// without their content reference.
func (c *Contract) listRecords(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 2); err != nil {
		return nil, err
	}
	owner, err := parsePrincipalArg(args[0], "owner")
	if err != nil {
		return nil, err
	}
	includeDeleted := args[1] == "true"

	redact := false
	if owner != tx.caller {
		grant, err := c.latestGrant(tx.stub, owner, tx.caller)
		if err != nil {
			return nil, err
		}
		if grant == nil || !grant.ActiveAt(tx.now) {
			return nil, types.NewForbiddenError("no active access grant for this patient")
		}
		redact = true
		includeDeleted = false
	}

	kvs, err := scan(tx.stub, recordPrefix(owner))
	if err != nil {
		return nil, err
	}

	records := make([]types.RecordDescriptor, 0, len(kvs))
	for _, kv := range kvs {
		var desc types.RecordDescriptor
		if err := json.Unmarshal(kv.Value, &desc); err != nil {
			return nil, types.NewInternalError(types.ErrCodeInternalError, "corrupt record entry", err)
		}
		if desc.Status == types.RecordStatusDeleted && !includeDeleted {
			continue
		}
		if redact {
			desc.ContentRef = ""
		}
		records = append(records, desc)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].RecordID < records[j].RecordID
	})
	return json.Marshal(records)
}

// recordHistory args: owner, recordID. Returns the version chain, oldest first.
func (c *Contract) recordHistory(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 2); err != nil {
		return nil, err
	}
	owner, err := parsePrincipalArg(args[0], "owner")
	if err != nil {
		return nil, err
	}
	if owner != tx.caller {
		return nil, types.NewForbiddenError("only the owner may read a record's history")
	}
	if _, err := c.loadRecord(tx.stub, owner, args[1]); err != nil {
		return nil, err
	}

	kvs, err := scan(tx.stub, versionPrefix(owner, args[1]))
	if err != nil {
		return nil, err
	}
	versions := make([]types.RecordVersion, 0, len(kvs))
	for _, kv := range kvs {
		var v types.RecordVersion
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return nil, types.NewInternalError(types.ErrCodeInternalError, "corrupt version entry", err)
		}
		versions = append(versions, v)
	}
	return json.Marshal(versions)
}
