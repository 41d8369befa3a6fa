package cipher

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/medrex/healthchain/pkg/types"
)

// Hash returns the hex SHA-256 digest of the canonical JSON form of payload.
func Hash(payload *types.RecordPayload) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", types.NewValidationError(types.ErrCodeInvalidInput, "payload is not serializable", nil)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether digest matches payload.
func Verify(payload *types.RecordPayload, digest string) bool {
	actual, err := Hash(payload)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(digest)) == 1
}

// canonicalJSON re-encodes v through a generic value so that object keys are
// sorted regardless of struct field order.
func canonicalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
