// Package cipher encrypts record payloads into self-contained opaque strings
// and hashes them for integrity checks.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/medrex/healthchain/pkg/types"
)

const (
	envelopeVersion byte = 1
	saltLength           = 16
	headerLength         = 2 + saltLength
)

var encoding = base64.RawURLEncoding

// Cipher handles AES-256-GCM encryption of record payloads
type Cipher struct {
	derivers map[byte]KeyDeriver
	primary  KeyDeriver
	rand     io.Reader
}

// New creates a cipher that encrypts with primary and can decrypt anything
// produced by primary or the additional derivers.
func New(primary KeyDeriver, additional ...KeyDeriver) *Cipher {
	c := &Cipher{
		derivers: map[byte]KeyDeriver{primary.ID(): primary},
		primary:  primary,
		rand:     rand.Reader,
	}
	for _, d := range additional {
		c.derivers[d.ID()] = d
	}
	return c
}

// NewDefault creates a cipher using Argon2id with the default parameters.
func NewDefault() *Cipher {
	return New(Argon2idDeriver{Params: DefaultArgon2Params()}, HKDFDeriver{Info: "healthchain record key"})
}

// Encrypt serializes payload and encrypts it under a key derived from secret.
// The result carries the KDF id, salt and nonce, and is randomized.
//
// payload is normalized in place first: an empty Attributes map becomes nil
// and CreatedAt moves to UTC. Decrypt then returns a value equal to payload.
func (c *Cipher) Encrypt(payload *types.RecordPayload, secret []byte) (string, error) {
	if payload == nil {
		return "", types.NewValidationError(types.ErrCodeInvalidInput, "payload is required", nil)
	}
	if len(secret) == 0 {
		return "", types.NewValidationError(types.ErrCodeInvalidInput, "key material is required", nil)
	}
	if len(payload.Attributes) == 0 {
		payload.Attributes = nil
	}
	payload.CreatedAt = payload.CreatedAt.UTC()

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewValidationError(types.ErrCodeInvalidInput, "payload is not serializable", map[string]interface{}{
			"error": err.Error(),
		})
	}

	header := make([]byte, headerLength)
	header[0] = envelopeVersion
	header[1] = c.primary.ID()
	if _, err := io.ReadFull(c.rand, header[2:]); err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to generate salt", err)
	}

	gcm, err := c.aead(c.primary, secret, header[2:])
	if err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to initialize cipher", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to generate nonce", err)
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, header)

	return encoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Every failure, whether a wrong key, a tampered
// or truncated envelope, or an unparsable plaintext, yields the same
// DecryptionError.
func (c *Cipher) Decrypt(ciphertext string, secret []byte) (*types.RecordPayload, error) {
	raw, err := encoding.DecodeString(ciphertext)
	if err != nil || len(raw) < headerLength || raw[0] != envelopeVersion || len(secret) == 0 {
		return nil, types.NewDecryptionError()
	}

	deriver, ok := c.derivers[raw[1]]
	if !ok {
		return nil, types.NewDecryptionError()
	}

	header := raw[:headerLength]
	gcm, err := c.aead(deriver, secret, header[2:])
	if err != nil {
		return nil, types.NewDecryptionError()
	}

	body := raw[headerLength:]
	if len(body) < gcm.NonceSize()+gcm.Overhead() {
		return nil, types.NewDecryptionError()
	}
	nonce, sealed := body[:gcm.NonceSize()], body[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, types.NewDecryptionError()
	}

	var payload types.RecordPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, types.NewDecryptionError()
	}
	return &payload, nil
}

func (c *Cipher) aead(deriver KeyDeriver, secret, salt []byte) (stdcipher.AEAD, error) {
	key, err := deriver.DeriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	return stdcipher.NewGCM(block)
}

// GenerateSecret returns random key material suitable for HKDF.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, KeyLength)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}
