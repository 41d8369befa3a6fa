// Package contentstore provides content-addressed storage of opaque blobs.
// Blobs are never mutated or deleted; the identifier is derived from the
// bytes themselves.
package contentstore

import (
	"context"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/medrex/healthchain/pkg/types"
)

// Store is a content-addressed blob store.
//
// Get returns a NotFound error for identifiers unknown to the backing store
// and an Unavailable error when the backing service cannot be reached.
// Implementations do not retry; callers apply their own retry policy.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of data.
func ComputeCID(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to hash content", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// ParseCID validates a content identifier string.
func ParseCID(id string) (cid.Cid, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return cid.Undef, types.NewValidationError(types.ErrCodeInvalidInput, "invalid content identifier", map[string]interface{}{
			"cid": id,
		})
	}
	return c, nil
}

// verify checks data against id when id uses the raw codec. Chunked DAG
// identifiers cannot be recomputed from the flat bytes and are accepted as is.
func verify(id string, data []byte) error {
	c, err := cid.Decode(id)
	if err != nil {
		return err
	}
	if c.Type() != cid.Raw {
		return nil
	}
	actual, err := c.Prefix().Sum(data)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to hash content", err)
	}
	if !actual.Equals(c) {
		return types.NewUnavailableError("content store returned bytes that do not match the identifier", nil)
	}
	return nil
}

// GatewayURL builds a public gateway link for id.
func GatewayURL(gateway, id string) string {
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	return gateway + id
}
