package cipher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/healthchain/pkg/types"
)

func setupTestCipher() *Cipher {
	return New(Argon2idDeriver{Params: Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}}, HKDFDeriver{Info: "test"})
}

func samplePayload() *types.RecordPayload {
	return &types.RecordPayload{
		RecordType:     types.RecordTypeLabResults,
		PatientName:    "Ada Patient",
		DoctorName:     "Dr. Lee",
		Date:           "2025-03-01",
		Description:    "Complete blood count",
		Diagnosis:      "Within normal limits",
		PatientAddress: "0xabcdef0123456789abcdef0123456789abcdef01",
		CreatedAt:      time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		Attributes:     map[string]string{"lab": "Central"},
	}
}

func TestCipherRoundTrip(t *testing.T) {
	c := setupTestCipher()
	payload := samplePayload()
	key := []byte("patient passphrase")

	ciphertext, err := c.Encrypt(payload, key)
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "Ada Patient")

	decrypted, err := c.Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, payload, decrypted)
}

func TestCipherRoundTripNormalizesPayload(t *testing.T) {
	c := setupTestCipher()
	key := []byte("patient passphrase")
	created := time.Date(2025, 3, 1, 10, 30, 0, 0, time.FixedZone("X", 3600))

	payload := samplePayload()
	payload.Attributes = map[string]string{}
	payload.CreatedAt = created

	ciphertext, err := c.Encrypt(payload, key)
	require.NoError(t, err)
	assert.Nil(t, payload.Attributes)
	assert.Equal(t, time.UTC, payload.CreatedAt.Location())
	assert.True(t, payload.CreatedAt.Equal(created))

	decrypted, err := c.Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, payload, decrypted)
}

func TestCipherEncryptionIsRandomized(t *testing.T) {
	c := setupTestCipher()
	key := []byte("k")

	first, err := c.Encrypt(samplePayload(), key)
	require.NoError(t, err)
	second, err := c.Encrypt(samplePayload(), key)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCipherDecryptFailuresAreIndistinguishable(t *testing.T) {
	c := setupTestCipher()
	ciphertext, err := c.Encrypt(samplePayload(), []byte("key-one"))
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)-3] ^= 0x01

	cases := map[string]struct {
		ciphertext string
		key        []byte
	}{
		"wrong key":      {ciphertext, []byte("key-two")},
		"tampered":       {string(tampered), []byte("key-one")},
		"truncated":      {ciphertext[:20], []byte("key-one")},
		"not base64":     {"%%%", []byte("key-one")},
		"empty key":      {ciphertext, nil},
		"unknown header": {"AAAA" + ciphertext[4:], []byte("key-one")},
	}

	var messages []string
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			payload, err := c.Decrypt(tc.ciphertext, tc.key)
			assert.Nil(t, payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrDecryption)
			messages = append(messages, err.Error())
		})
	}

	for _, m := range messages {
		assert.Equal(t, messages[0], m)
	}
}

func TestCipherHKDFPrimary(t *testing.T) {
	hk := New(HKDFDeriver{Info: "test"}, Argon2idDeriver{Params: Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}})
	secret, err := GenerateSecret()
	require.NoError(t, err)

	ciphertext, err := hk.Encrypt(samplePayload(), secret)
	require.NoError(t, err)

	// A cipher whose primary is Argon2id still knows the HKDF envelope.
	decrypted, err := setupTestCipher().Decrypt(ciphertext, secret)
	require.NoError(t, err)
	assert.Equal(t, samplePayload(), decrypted)
}

func TestCipherValidation(t *testing.T) {
	c := setupTestCipher()

	_, err := c.Encrypt(nil, []byte("k"))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = c.Encrypt(samplePayload(), nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestHashAndVerify(t *testing.T) {
	payload := samplePayload()

	digest, err := Hash(payload)
	require.NoError(t, err)
	assert.Len(t, digest, 64)
	assert.True(t, Verify(payload, digest))

	changed := samplePayload()
	changed.Diagnosis = "Anemia"
	assert.False(t, Verify(changed, digest))
	assert.False(t, Verify(payload, strings.ToUpper(digest)))
}

type mockKV struct {
	mock.Mock
}

func (m *mockKV) Get(ctx context.Context, secretPath string) (*api.KVSecret, error) {
	args := m.Called(ctx, secretPath)
	secret, _ := args.Get(0).(*api.KVSecret)
	return secret, args.Error(1)
}

func (m *mockKV) Put(ctx context.Context, secretPath string, data map[string]interface{}, opts ...api.KVOption) (*api.KVSecret, error) {
	args := m.Called(ctx, secretPath, data)
	secret, _ := args.Get(0).(*api.KVSecret)
	return secret, args.Error(1)
}

func TestVaultKeySource(t *testing.T) {
	ctx := context.Background()
	principal := types.PrincipalID("0xabcdef0123456789abcdef0123456789abcdef01")
	path := "healthchain/0xabcdef0123456789abcdef0123456789abcdef01/record-key"

	t.Run("reads existing secret", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", ctx, path).Return(&api.KVSecret{Data: map[string]interface{}{"value": "c2VjcmV0"}}, nil)

		secret, err := (&VaultKeySource{kv: kv}).Secret(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), secret)
	})

	t.Run("missing secret is not found", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", ctx, path).Return(nil, api.ErrSecretNotFound)

		_, err := (&VaultKeySource{kv: kv}).Secret(ctx, principal)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("provision writes a new secret", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", ctx, path).Return(nil, api.ErrSecretNotFound)
		kv.On("Put", ctx, path, mock.AnythingOfType("map[string]interface {}")).Return(&api.KVSecret{}, nil)

		require.NoError(t, (&VaultKeySource{kv: kv}).Provision(ctx, principal))
		kv.AssertExpectations(t)
	})
}

func TestStaticKeySource(t *testing.T) {
	ks := NewStaticKeySource()
	principal := types.PrincipalID("0xabcdef0123456789abcdef0123456789abcdef01")

	_, err := ks.Secret(context.Background(), principal)
	assert.ErrorIs(t, err, types.ErrNotFound)

	ks.Set(principal, []byte("s"))
	secret, err := ks.Secret(context.Background(), principal)
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), secret)
}
