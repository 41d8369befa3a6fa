// Package registry maps patients to their record descriptors on the ledger.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/sirupsen/logrus"

	"github.com/medrex/healthchain/internal/cache"
	"github.com/medrex/healthchain/internal/chain"
	"github.com/medrex/healthchain/internal/contract"
	"github.com/medrex/healthchain/pkg/contentstore"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/types"
)

// DefaultMaxMetadataBytes bounds descriptor metadata when no limit is configured.
const DefaultMaxMetadataBytes = 4096

// RegisterInput describes a new record whose content is already stored.
type RegisterInput struct {
	ContentRef string           `json:"content_ref"`
	RecordType types.RecordType `json:"record_type"`
	Metadata   json.RawMessage  `json:"metadata,omitempty"`
}

// Registry reads and writes record descriptors
type Registry struct {
	chain            *chain.Client
	reader           *cache.Reader
	logger           *logger.Logger
	maxMetadataBytes int
	newID            func() string
}

// New creates a Registry. maxMetadataBytes falls back to
// DefaultMaxMetadataBytes when not positive.
func New(client *chain.Client, reader *cache.Reader, log *logger.Logger, maxMetadataBytes int) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	if reader == nil {
		reader = cache.NewReader(nil, nil, log)
	}
	if maxMetadataBytes <= 0 {
		maxMetadataBytes = DefaultMaxMetadataBytes
	}
	return &Registry{
		chain:            client,
		reader:           reader,
		logger:           log,
		maxMetadataBytes: maxMetadataBytes,
		newID:            uuid.NewString,
	}
}

func (r *Registry) validate(contentRef string, recordType *types.RecordType, metadata json.RawMessage) error {
	var errs errsx.Map
	if _, err := contentstore.ParseCID(contentRef); err != nil {
		errs.Set("content_ref", errors.New("must be a valid content identifier"))
	}
	if recordType != nil && !recordType.Valid() {
		errs.Set("record_type", fmt.Errorf("unknown record type %q", string(*recordType)))
	}
	if len(metadata) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(metadata, &obj); err != nil {
			errs.Set("metadata", errors.New("must be a JSON object"))
		} else if len(metadata) > r.maxMetadataBytes {
			errs.Set("metadata", fmt.Errorf("exceeds %d bytes", r.maxMetadataBytes))
		}
	}
	if errs.IsEmpty() {
		return nil
	}

	details := make(map[string]interface{}, len(errs))
	for field, msg := range errs {
		details[field] = fmt.Sprint(msg)
	}
	return types.NewValidationError(types.ErrCodeValidationFailed, "record descriptor is invalid", details)
}

func metadataArg(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return "{}"
	}
	return string(metadata)
}

// Register records a new descriptor owned by the caller. The record id is
// chosen before submission so a resubmitted transaction lands on the same
// record.
func (r *Registry) Register(ctx context.Context, sess *types.Session, in RegisterInput) (*types.RecordDescriptor, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	if err := r.validate(in.ContentRef, &in.RecordType, in.Metadata); err != nil {
		return nil, err
	}

	recordID := r.newID()
	keys := []string{chain.RecordKey(caller, recordID), chain.RecordListKey(caller)}
	receipt, err := r.chain.Submit(ctx, caller, keys, contract.FnRegisterRecord,
		recordID, in.ContentRef, string(in.RecordType), metadataArg(in.Metadata))
	if err != nil {
		return nil, err
	}
	r.invalidate(ctx, caller, recordID)

	var desc types.RecordDescriptor
	if err := decode(receipt.Payload, &desc); err != nil {
		return nil, err
	}
	r.logger.WithContext(ctx).WithFields(logrus.Fields{
		"record_id":   desc.RecordID,
		"record_type": desc.RecordType,
		"tx_id":       receipt.TxID,
	}).Info("Record registered")
	return &desc, nil
}

// Update points an existing record at new content. Old content references
// stay listed in the record's history.
func (r *Registry) Update(ctx context.Context, sess *types.Session, owner types.PrincipalID, recordID, contentRef string, metadata json.RawMessage) (*types.RecordDescriptor, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	if caller != owner {
		return nil, types.NewForbiddenError("only the owner may update a record")
	}
	if err := r.validate(contentRef, nil, metadata); err != nil {
		return nil, err
	}

	keys := []string{chain.RecordKey(owner, recordID), chain.RecordListKey(owner)}
	receipt, err := r.chain.Submit(ctx, caller, keys, contract.FnUpdateRecord,
		string(owner), recordID, contentRef, metadataArg(metadata))
	if err != nil {
		return nil, err
	}
	r.invalidate(ctx, owner, recordID)

	var desc types.RecordDescriptor
	if err := decode(receipt.Payload, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// SetStatus archives, restores or deletes one of the caller's records.
// Deletion is logical and final.
func (r *Registry) SetStatus(ctx context.Context, sess *types.Session, recordID string, status types.RecordStatus) (*types.RecordDescriptor, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "unknown record status", map[string]interface{}{
			"status": string(status),
		})
	}

	keys := []string{chain.RecordKey(caller, recordID), chain.RecordListKey(caller)}
	receipt, err := r.chain.Submit(ctx, caller, keys, contract.FnSetRecordStatus,
		string(caller), recordID, string(status))
	if err != nil {
		return nil, err
	}
	r.invalidate(ctx, caller, recordID)

	var desc types.RecordDescriptor
	if err := decode(receipt.Payload, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Get returns one of the caller's own records.
func (r *Registry) Get(ctx context.Context, sess *types.Session, owner types.PrincipalID, recordID string) (*types.RecordDescriptor, cache.ReadMeta, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, cache.ReadMeta{}, err
	}

	var desc types.RecordDescriptor
	meta, err := r.read(ctx, caller, owner, recordCacheKey(caller, owner, recordID), chain.RecordKey(owner, recordID), &desc,
		func(ctx context.Context) ([]byte, error) {
			return r.chain.Evaluate(ctx, caller, contract.FnGetRecord, string(owner), recordID)
		})
	if err != nil {
		return nil, cache.ReadMeta{}, err
	}
	return &desc, meta, nil
}

// ListByOwner returns owner's records, newest first. The owner sees every
// record; a provider holding an active grant sees descriptors without their
// content reference. A provider's view is never cached, so it ends with the
// grant.
func (r *Registry) ListByOwner(ctx context.Context, sess *types.Session, owner types.PrincipalID, includeDeleted bool) ([]types.RecordDescriptor, cache.ReadMeta, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, cache.ReadMeta{}, err
	}

	flag := strconv.FormatBool(includeDeleted)
	var records []types.RecordDescriptor
	meta, err := r.read(ctx, caller, owner, listCacheKey(caller, owner, includeDeleted), chain.RecordListKey(owner), &records,
		func(ctx context.Context) ([]byte, error) {
			return r.chain.Evaluate(ctx, caller, contract.FnListRecords, string(owner), flag)
		})
	if err != nil {
		return nil, cache.ReadMeta{}, err
	}
	if records == nil {
		records = []types.RecordDescriptor{}
	}
	return records, meta, nil
}

// History returns the record's version chain, oldest first.
func (r *Registry) History(ctx context.Context, sess *types.Session, owner types.PrincipalID, recordID string) ([]types.RecordVersion, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	out, err := r.chain.Evaluate(ctx, caller, contract.FnRecordHistory, string(owner), recordID)
	if err != nil {
		return nil, err
	}
	var versions []types.RecordVersion
	if err := decode(out, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// read serves the owner's own reads through the cache. Anyone else reads
// under a grant the patient may revoke or that may expire, so those reads
// always reach the ledger, which re-checks the grant.
func (r *Registry) read(ctx context.Context, caller, owner types.PrincipalID, cacheKey, ledgerKey string, dest interface{}, load func(context.Context) ([]byte, error)) (cache.ReadMeta, error) {
	pending := r.chain.Pending(caller, ledgerKey)
	if caller != owner {
		return r.reader.ReadUncached(ctx, pending, dest, load)
	}
	return r.reader.Read(ctx, cacheKey, pending, dest, load)
}

func (r *Registry) invalidate(ctx context.Context, owner types.PrincipalID, recordID string) {
	r.reader.Invalidate(ctx,
		recordCacheKey(owner, owner, recordID),
		listCacheKey(owner, owner, true),
		listCacheKey(owner, owner, false),
	)
}

func recordCacheKey(caller, owner types.PrincipalID, recordID string) string {
	return "record:" + string(caller) + ":" + string(owner) + ":" + recordID
}

func listCacheKey(caller, owner types.PrincipalID, includeDeleted bool) string {
	return "records:" + string(caller) + ":" + string(owner) + ":" + strconv.FormatBool(includeDeleted)
}

func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to decode ledger response", err)
	}
	return nil
}
