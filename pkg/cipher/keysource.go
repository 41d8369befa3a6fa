package cipher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/medrex/healthchain/pkg/types"
)

// KeySource resolves the secret material a principal encrypts its records with.
type KeySource interface {
	Secret(ctx context.Context, principal types.PrincipalID) ([]byte, error)
}

// StaticKeySource keeps secrets in memory. It is meant for development and tests.
type StaticKeySource struct {
	mu      sync.RWMutex
	secrets map[types.PrincipalID][]byte
}

// NewStaticKeySource creates an empty in-memory key source
func NewStaticKeySource() *StaticKeySource {
	return &StaticKeySource{secrets: make(map[types.PrincipalID][]byte)}
}

// Set stores secret for principal.
func (s *StaticKeySource) Set(principal types.PrincipalID, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[principal] = append([]byte(nil), secret...)
}

func (s *StaticKeySource) Secret(_ context.Context, principal types.PrincipalID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[principal]
	if !ok {
		return nil, types.NewNotFoundError("no key material for principal")
	}
	return append([]byte(nil), secret...), nil
}

// kvStore is the subset of the Vault KV v2 client used here
type kvStore interface {
	Get(ctx context.Context, secretPath string) (*api.KVSecret, error)
	Put(ctx context.Context, secretPath string, data map[string]interface{}, opts ...api.KVOption) (*api.KVSecret, error)
}

// VaultKeySource stores one random secret per principal in a Vault KV v2
// engine at healthchain/<principal>/record-key.
type VaultKeySource struct {
	kv kvStore
}

// NewVaultKeySource creates a key source backed by the KV v2 engine mounted at mount.
// The client is configured from VAULT_ADDR, VAULT_NAMESPACE and either
// VAULT_TOKEN or VAULT_ROLE_ID/VAULT_SECRET_ID.
func NewVaultKeySource(mount string) (*VaultKeySource, error) {
	client, err := newVaultClient()
	if err != nil {
		return nil, err
	}
	return &VaultKeySource{kv: client.KVv2(mount)}, nil
}

func newVaultClient() (*api.Client, error) {
	config := api.DefaultConfig()
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		config.Address = addr
	}
	config.HttpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
		client.SetNamespace(namespace)
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
		return client, nil
	}

	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return nil, fmt.Errorf("no Vault authentication method configured (set VAULT_TOKEN or VAULT_ROLE_ID+VAULT_SECRET_ID)")
	}
	resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to login with AppRole: %w", err)
	}
	if resp == nil || resp.Auth == nil {
		return nil, fmt.Errorf("no auth info returned from AppRole login")
	}
	client.SetToken(resp.Auth.ClientToken)
	return client, nil
}

func secretPath(principal types.PrincipalID) string {
	return fmt.Sprintf("healthchain/%s/record-key", principal)
}

func (v *VaultKeySource) Secret(ctx context.Context, principal types.PrincipalID) ([]byte, error) {
	secret, err := v.kv.Get(ctx, secretPath(principal))
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return nil, types.NewNotFoundError("no key material for principal")
		}
		return nil, types.NewUnavailableError("secrets manager unreachable", err)
	}

	encoded, ok := secret.Data["value"].(string)
	if !ok {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "invalid secret format", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "invalid secret encoding", err)
	}
	return raw, nil
}

// Provision generates and stores a fresh secret for principal unless one
// already exists.
func (v *VaultKeySource) Provision(ctx context.Context, principal types.PrincipalID) error {
	if _, err := v.Secret(ctx, principal); err == nil {
		return nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to generate secret", err)
	}
	_, err = v.kv.Put(ctx, secretPath(principal), map[string]interface{}{
		"value": base64.StdEncoding.EncodeToString(secret),
	})
	if err != nil {
		return types.NewUnavailableError("secrets manager unreachable", err)
	}
	return nil
}
