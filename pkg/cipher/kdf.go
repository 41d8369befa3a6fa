package cipher

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeyLength is the AES-256 key size produced by every deriver.
const KeyLength = 32

// KDF identifiers stored in the ciphertext header.
const (
	KDFArgon2id byte = 1
	KDFHKDF     byte = 2
)

// KeyDeriver maps caller secret material and a salt to a cipher key.
type KeyDeriver interface {
	ID() byte
	DeriveKey(secret, salt []byte) ([]byte, error)
}

// Argon2Params defines the parameters for Argon2id
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultArgon2Params returns recommended parameters for Argon2id
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024, // 64MB
		Iterations:  3,
		Parallelism: 2,
	}
}

// Argon2idDeriver stretches low-entropy secrets such as passphrases.
type Argon2idDeriver struct {
	Params Argon2Params
}

func (d Argon2idDeriver) ID() byte { return KDFArgon2id }

func (d Argon2idDeriver) DeriveKey(secret, salt []byte) ([]byte, error) {
	if d.Params.Memory == 0 || d.Params.Iterations == 0 || d.Params.Parallelism == 0 {
		return nil, fmt.Errorf("invalid argon2id parameters")
	}
	return argon2.IDKey(secret, salt, d.Params.Iterations, d.Params.Memory, d.Params.Parallelism, KeyLength), nil
}

// HKDFDeriver is for secrets that already carry full entropy, such as keys
// fetched from a secrets manager.
type HKDFDeriver struct {
	Info string
}

func (d HKDFDeriver) ID() byte { return KDFHKDF }

func (d HKDFDeriver) DeriveKey(secret, salt []byte) ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(d.Info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
