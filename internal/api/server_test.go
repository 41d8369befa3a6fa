package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/healthchain/internal/access"
	"github.com/medrex/healthchain/internal/audit"
	"github.com/medrex/healthchain/internal/chain"
	"github.com/medrex/healthchain/internal/contract"
	"github.com/medrex/healthchain/internal/devledger"
	"github.com/medrex/healthchain/internal/registry"
	"github.com/medrex/healthchain/internal/vault"
	"github.com/medrex/healthchain/pkg/cipher"
	"github.com/medrex/healthchain/pkg/contentstore"
	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/types"
)

const (
	patient  types.PrincipalID = "0x1111111111111111111111111111111111111111"
	provider types.PrincipalID = "0x2222222222222222222222222222222222222222"
)

var patientSecret = []byte("patient-secret-material-0123456789")

type testServer struct {
	*httptest.Server
	tokens *TokenValidator
}

func newTestServer(t *testing.T, opts ...func(*Config, *Dependencies)) *testServer {
	t.Helper()
	l, err := devledger.Open(devledger.Options{
		InMemory:     true,
		BatchTimeout: 2 * time.Millisecond,
		Contract:     contract.New(contract.DefaultConfig()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	metrics := monitoring.NewMetricsCollector("api-test")
	client := chain.NewClient(l, chain.Options{Metrics: metrics})
	keys := cipher.NewStaticKeySource()
	keys.Set(patient, patientSecret)

	reg := registry.New(client, nil, nil, 0)
	engine := access.NewEngine(client, access.Options{Metrics: metrics})
	auditLog := audit.New(client, audit.Options{Metrics: metrics})
	tokens := NewTokenValidator("test-secret", "healthchain-test", time.Hour)

	cfg := Config{}
	deps := Dependencies{
		Vault: vault.New(vault.Dependencies{
			Cipher:   cipher.New(cipher.HKDFDeriver{Info: "api-test"}),
			Keys:     keys,
			Store:    contentstore.NewMemoryStore(),
			Registry: reg,
			Access:   engine,
			Audit:    auditLog,
		}),
		Registry: reg,
		Access:   engine,
		Audit:    auditLog,
		Tokens:   tokens,
		Metrics:  metrics,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	ts := httptest.NewServer(NewServer(cfg, deps).Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, tokens: tokens}
}

func (ts *testServer) do(t *testing.T, as types.PrincipalID, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if as != "" {
		token, _, err := ts.tokens.Issue(as, "")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func errorOf(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "response has no error body: %v", body)
	return e
}

func TestRecordAndGrantFlow(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, patient, http.MethodPost, "/v1/records", map[string]interface{}{
		"record_type": "Lab Results",
		"payload":     map[string]interface{}{"description": "Lipid panel", "diagnosis": "Normal"},
		"metadata":    map[string]interface{}{"lab": "north"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	recordID := body["descriptor"].(map[string]interface{})["record_id"].(string)
	assert.NotEmpty(t, body["digest"])

	resp, body = ts.do(t, patient, http.MethodGet, "/v1/records", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "confirmed", body["consistency"])

	resp, body = ts.do(t, patient, http.MethodGet, "/v1/records/"+recordID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Lipid panel", body["payload"].(map[string]interface{})["description"])

	resp, _ = ts.do(t, provider, http.MethodPost, "/v1/patients/"+string(patient)+"/records/"+recordID+"/read", map[string]interface{}{
		"secret": patientSecret,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, provider, http.MethodPost, "/v1/grants", map[string]interface{}{
		"patient":       patient,
		"duration_days": 7,
		"purpose":       "follow-up",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "Pending", body["status"])

	resp, body = ts.do(t, provider, http.MethodPost, "/v1/grants", map[string]interface{}{
		"patient":       patient,
		"duration_days": 7,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "reread_and_retry", errorOf(t, body)["classification"])

	resp, body = ts.do(t, patient, http.MethodPost, "/v1/grants/"+string(patient)+"/"+string(provider)+"/decision", map[string]interface{}{
		"approve": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "Approved", body["status"])

	resp, body = ts.do(t, provider, http.MethodGet, "/v1/access/"+string(patient)+"/"+string(provider), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])

	resp, body = ts.do(t, provider, http.MethodGet, "/v1/patients/"+string(patient)+"/records", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := body["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Empty(t, records[0].(map[string]interface{})["content_ref"])

	resp, body = ts.do(t, provider, http.MethodPost, "/v1/patients/"+string(patient)+"/records/"+recordID+"/read", map[string]interface{}{
		"secret": patientSecret,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "Normal", body["payload"].(map[string]interface{})["diagnosis"])

	resp, body = ts.do(t, patient, http.MethodGet, "/v1/audit/subject", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 3)
	assert.Equal(t, "ReadRecord", entries[2].(map[string]interface{})["action"])

	resp, body = ts.do(t, patient, http.MethodPost, "/v1/grants/"+string(patient)+"/"+string(provider)+"/revoke", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "Revoked", body["status"])
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "", http.MethodGet, "/v1/records", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", errorOf(t, body)["code"])

	resp, body = ts.do(t, patient, http.MethodPost, "/v1/grants", map[string]interface{}{
		"patient":       patient,
		"duration_days": 7,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "self_grant", errorOf(t, body)["type"])

	resp, body = ts.do(t, provider, http.MethodPost, "/v1/grants", map[string]interface{}{
		"patient":       patient,
		"duration_days": 3,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_duration", errorOf(t, body)["type"])

	resp, body = ts.do(t, provider, http.MethodPost, "/v1/grants", map[string]interface{}{
		"patient":       "0x12",
		"duration_days": 7,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "terminal", errorOf(t, body)["classification"])

	resp, _ = ts.do(t, patient, http.MethodGet, "/v1/records/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, provider, http.MethodPost, "/v1/grants/"+string(patient)+"/"+string(provider)+"/decision", map[string]interface{}{
		"approve": true,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, patient, http.MethodPost, "/v1/records", map[string]interface{}{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitPerPrincipal(t *testing.T) {
	ts := newTestServer(t, func(_ *Config, deps *Dependencies) {
		deps.Limiter = NewTokenBucketLimiter(2, time.Hour)
	})

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, patient, http.MethodGet, "/v1/records", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := ts.do(t, patient, http.MethodGet, "/v1/records", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "try_again", errorOf(t, body)["classification"])

	resp, _ = ts.do(t, provider, http.MethodGet, "/v1/grants/requested", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config, _ *Dependencies) {
		cfg.AllowedOrigins = []string{"https://app.example.org"}
	})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/records", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.org", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.org")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		errType types.ErrorType
		status  int
	}{
		{types.ErrorTypeValidation, http.StatusBadRequest},
		{types.ErrorTypeUnauthenticated, http.StatusUnauthorized},
		{types.ErrorTypeForbidden, http.StatusForbidden},
		{types.ErrorTypeNotFound, http.StatusNotFound},
		{types.ErrorTypeConflict, http.StatusConflict},
		{types.ErrorTypeDecryption, http.StatusUnprocessableEntity},
		{types.ErrorTypeUnavailable, http.StatusServiceUnavailable},
		{types.ErrorTypeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.errType))
		})
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenValidator(t *testing.T) {
	tv := NewTokenValidator("secret", "issuer", time.Minute)

	token, expiresAt, err := tv.Issue("0xABCDEF0123456789ABCDEF0123456789ABCDEF01", "ada")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	sess, err := tv.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, types.PrincipalID("0xabcdef0123456789abcdef0123456789abcdef01"), sess.Principal)
	assert.Equal(t, "ada", sess.Handle)

	_, err = NewTokenValidator("other", "issuer", time.Minute).Validate(token)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	_, err = NewTokenValidator("secret", "someone-else", time.Minute).Validate(token)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	expired := NewTokenValidator("secret", "issuer", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, err := expired.Issue(patient, "")
	require.NoError(t, err)
	_, err = tv.Validate(old)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Address: string(patient)})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tv.Validate(unsigned)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	_, _, err = tv.Issue("not-an-address", "")
	assert.ErrorIs(t, err, types.ErrValidation)
}
