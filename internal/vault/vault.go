// Package vault ties encryption, content storage, the record registry, access
// grants and the audit log together into the record operations a patient or
// provider performs.
package vault

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medrex/healthchain/internal/access"
	"github.com/medrex/healthchain/internal/audit"
	"github.com/medrex/healthchain/internal/registry"
	"github.com/medrex/healthchain/pkg/cipher"
	"github.com/medrex/healthchain/pkg/contentstore"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/retry"
	"github.com/medrex/healthchain/pkg/types"
)

// NewRecord is a plaintext record about to be stored.
type NewRecord struct {
	RecordType types.RecordType     `json:"record_type"`
	Payload    *types.RecordPayload `json:"payload"`
	Metadata   json.RawMessage      `json:"metadata,omitempty"`
}

// StoredRecord is the result of storing or revising a record. Digest lets
// the owner check a later read with VerifyIntegrity.
type StoredRecord struct {
	Descriptor *types.RecordDescriptor `json:"descriptor"`
	Digest     string                  `json:"digest"`
}

// OpenedRecord is a decrypted record
type OpenedRecord struct {
	Descriptor *types.RecordDescriptor `json:"descriptor"`
	Payload    *types.RecordPayload    `json:"payload"`
}

// Dependencies groups the collaborators a Vault needs.
type Dependencies struct {
	Cipher   *cipher.Cipher
	Keys     cipher.KeySource
	Store    contentstore.Store
	Registry *registry.Registry
	Access   *access.Engine
	Audit    *audit.Log
	Retry    retry.Policy
	Clock    func() time.Time
	Logger   *logger.Logger
}

// Vault performs end-to-end record operations
type Vault struct {
	cipher   *cipher.Cipher
	keys     cipher.KeySource
	store    contentstore.Store
	registry *registry.Registry
	access   *access.Engine
	audit    *audit.Log
	retry    retry.Policy
	clock    func() time.Time
	logger   *logger.Logger
}

// New creates a Vault
func New(deps Dependencies) *Vault {
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry = retry.DefaultPolicy()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	return &Vault{
		cipher:   deps.Cipher,
		keys:     deps.Keys,
		store:    deps.Store,
		registry: deps.Registry,
		access:   deps.Access,
		audit:    deps.Audit,
		retry:    deps.Retry,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
}

// StoreRecord encrypts the payload with the caller's secret, stores the
// ciphertext and registers a descriptor pointing at it.
func (v *Vault) StoreRecord(ctx context.Context, sess *types.Session, in NewRecord) (*StoredRecord, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	if in.Payload == nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "payload is required", nil)
	}
	payload := *in.Payload
	if payload.RecordType == "" {
		payload.RecordType = in.RecordType
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = v.clock().UTC()
	}

	ref, digest, err := v.seal(ctx, caller, &payload)
	if err != nil {
		return nil, err
	}
	desc, err := v.registry.Register(ctx, sess, registry.RegisterInput{
		ContentRef: ref,
		RecordType: in.RecordType,
		Metadata:   in.Metadata,
	})
	if err != nil {
		return nil, err
	}

	v.logger.WithContext(ctx).WithFields(logrus.Fields{
		"record_id":   desc.RecordID,
		"content_ref": ref,
	}).Info("Record stored")
	return &StoredRecord{Descriptor: desc, Digest: digest}, nil
}

// ReviseRecord stores a new version of one of the caller's records.
func (v *Vault) ReviseRecord(ctx context.Context, sess *types.Session, recordID string, payload *types.RecordPayload, metadata json.RawMessage) (*StoredRecord, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "payload is required", nil)
	}

	ref, digest, err := v.seal(ctx, caller, payload)
	if err != nil {
		return nil, err
	}
	desc, err := v.registry.Update(ctx, sess, caller, recordID, ref, metadata)
	if err != nil {
		return nil, err
	}
	return &StoredRecord{Descriptor: desc, Digest: digest}, nil
}

// OpenOwnRecord reads and decrypts one of the caller's records.
func (v *Vault) OpenOwnRecord(ctx context.Context, sess *types.Session, recordID string) (*OpenedRecord, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	desc, _, err := v.registry.Get(ctx, sess, caller, recordID)
	if err != nil {
		return nil, err
	}
	secret, err := v.keys.Secret(ctx, caller)
	if err != nil {
		return nil, err
	}
	payload, err := v.open(ctx, desc.ContentRef, secret)
	if err != nil {
		return nil, err
	}
	return &OpenedRecord{Descriptor: desc, Payload: payload}, nil
}

// ReadAsProvider dereferences one of patient's records for the calling
// provider. The read is recorded in the audit log before any content is
// fetched; secret is the key the patient shared out of band.
func (v *Vault) ReadAsProvider(ctx context.Context, sess *types.Session, patient types.PrincipalID, recordID string, secret []byte) (*OpenedRecord, error) {
	caller, err := sess.Caller()
	if err != nil {
		return nil, err
	}
	decision, err := v.access.CheckAccess(ctx, patient, caller, time.Time{})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		v.logger.PHIAccess(ctx, string(caller), string(patient), recordID, false, map[string]interface{}{
			"status": decision.Status,
		})
		return nil, types.NewForbiddenError("no active access grant for this patient")
	}

	desc, err := v.audit.RecordRead(ctx, sess, patient, recordID)
	if err != nil {
		return nil, err
	}
	payload, err := v.open(ctx, desc.ContentRef, secret)
	if err != nil {
		return nil, err
	}
	return &OpenedRecord{Descriptor: desc, Payload: payload}, nil
}

// VerifyIntegrity reports whether payload still matches the digest returned
// when it was stored.
func (v *Vault) VerifyIntegrity(payload *types.RecordPayload, digest string) bool {
	return cipher.Verify(payload, digest)
}

func (v *Vault) seal(ctx context.Context, owner types.PrincipalID, payload *types.RecordPayload) (string, string, error) {
	secret, err := v.keys.Secret(ctx, owner)
	if err != nil {
		return "", "", err
	}
	digest, err := cipher.Hash(payload)
	if err != nil {
		return "", "", err
	}
	ciphertext, err := v.cipher.Encrypt(payload, secret)
	if err != nil {
		return "", "", err
	}
	ref, err := retry.Do(ctx, v.retry, "content.put", func(ctx context.Context) (string, error) {
		return v.store.Put(ctx, []byte(ciphertext))
	})
	if err != nil {
		return "", "", err
	}
	return ref, digest, nil
}

func (v *Vault) open(ctx context.Context, ref string, secret []byte) (*types.RecordPayload, error) {
	data, err := retry.Do(ctx, v.retry, "content.get", func(ctx context.Context) ([]byte, error) {
		return v.store.Get(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	return v.cipher.Decrypt(string(data), secret)
}
