package contract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/healthchain/pkg/types"
)

const (
	patientA  = "0x00000000000000000000000000000000000000aa"
	providerP = "0x00000000000000000000000000000000000000bb"
	providerQ = "0x00000000000000000000000000000000000000cc"
)

// memStub buffers writes so a failed invocation leaves base untouched.
type memStub struct {
	base   map[string][]byte
	writes map[string][]byte
	txID   string
	now    time.Time
}

func (s *memStub) GetState(key string) ([]byte, error) {
	if v, ok := s.writes[key]; ok {
		return v, nil
	}
	return s.base[key], nil
}

func (s *memStub) PutState(key string, value []byte) error {
	s.writes[key] = value
	return nil
}

func (s *memStub) GetStateByRange(startKey, endKey string) (Iterator, error) {
	seen := map[string]bool{}
	var keys []string
	for _, m := range []map[string][]byte{s.base, s.writes} {
		for k := range m {
			if k >= startKey && k < endKey && !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	it := &sliceIterator{}
	for _, k := range keys {
		v, _ := s.GetState(k)
		it.kvs = append(it.kvs, KV{Key: k, Value: v})
	}
	return it, nil
}

func (s *memStub) GetTxID() string { return s.txID }

func (s *memStub) GetTxTimestamp() (time.Time, error) { return s.now, nil }

type sliceIterator struct {
	kvs []KV
	pos int
}

func (it *sliceIterator) HasNext() bool { return it.pos < len(it.kvs) }

func (it *sliceIterator) Next() (*KV, error) {
	kv := it.kvs[it.pos]
	it.pos++
	return &kv, nil
}

func (it *sliceIterator) Close() error { return nil }

type testLedger struct {
	contract *Contract
	state    map[string][]byte
	now      time.Time
	txCount  int
}

func newTestLedger() *testLedger {
	return &testLedger{
		contract: New(DefaultConfig()),
		state:    map[string][]byte{},
		now:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (l *testLedger) invoke(caller, fn string, args ...string) ([]byte, error) {
	l.txCount++
	stub := &memStub{
		base:   l.state,
		writes: map[string][]byte{},
		txID:   fmt.Sprintf("tx-%04d", l.txCount),
		now:    l.now,
	}
	out, err := l.contract.Invoke(stub, types.PrincipalID(caller), fn, args)
	if err == nil {
		for k, v := range stub.writes {
			l.state[k] = v
		}
	}
	return out, err
}

func (l *testLedger) advance(d time.Duration) {
	l.now = l.now.Add(d)
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func testCID(t *testing.T, data string) string {
	t.Helper()
	mh, err := multihash.Sum([]byte(data), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh).String()
}

func days(n int) string {
	return strconv.FormatInt(int64(n)*24*3600, 10)
}

func TestInvoke_Dispatch(t *testing.T) {
	l := newTestLedger()

	_, err := l.invoke(patientA, "DropTables")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = l.invoke("not-an-address", FnListGrantsForPatient)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	assert.True(t, IsQuery(FnCheckAccess))
	assert.False(t, IsQuery(FnRequestAccess))
	assert.False(t, IsQuery("Unknown"))
	assert.Contains(t, Functions(), FnLogRecordRead)
}

func TestInitLedger(t *testing.T) {
	l := newTestLedger()

	out, err := l.invoke(patientA, FnInitLedger, "3600", "16")
	require.NoError(t, err)
	cfg := decode[Config](t, out)
	assert.Equal(t, int64(3600), cfg.MaxDurationSeconds)
	assert.Equal(t, 16, cfg.MaxMetadataBytes)

	_, err = l.invoke(patientA, FnInitLedger, "3600", "16")
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = l.invoke(providerP, FnRequestAccess, patientA, "7200", "")
	assert.ErrorIs(t, err, types.ErrInvalidDuration)

	_, err = l.invoke(patientA, FnRegisterRecord, "r1", testCID(t, "x"), "Lab Results", `{"title":"quarterly bloods"}`)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRegisterRecord(t *testing.T) {
	l := newTestLedger()
	ref := testCID(t, "blob-1")

	out, err := l.invoke(patientA, FnRegisterRecord, "rec-1", ref, "Lab Results", `{ "title": "CBC" }`)
	require.NoError(t, err)
	desc := decode[types.RecordDescriptor](t, out)
	assert.Equal(t, types.PrincipalID(patientA), desc.Owner)
	assert.Equal(t, ref, desc.ContentRef)
	assert.Equal(t, 1, desc.Version)
	assert.Equal(t, types.RecordStatusActive, desc.Status)
	assert.Equal(t, desc.CreatedAt, desc.UpdatedAt)
	assert.JSONEq(t, `{"title":"CBC"}`, string(desc.Metadata))

	t.Run("resubmission returns the stored record", func(t *testing.T) {
		l.advance(time.Minute)
		out, err := l.invoke(patientA, FnRegisterRecord, "rec-1", ref, "Lab Results", `{"title":"CBC"}`)
		require.NoError(t, err)
		again := decode[types.RecordDescriptor](t, out)
		assert.True(t, desc.CreatedAt.Equal(again.CreatedAt))
	})

	t.Run("different content under the same id conflicts", func(t *testing.T) {
		_, err := l.invoke(patientA, FnRegisterRecord, "rec-1", testCID(t, "other"), "Lab Results", "")
		assert.ErrorIs(t, err, types.ErrConflict)
	})

	t.Run("validation", func(t *testing.T) {
		cases := map[string][]string{
			"unknown type":    {"rec-2", ref, "Horoscope", ""},
			"bad cid":         {"rec-2", "not-a-cid", "Lab Results", ""},
			"bad id":          {"rec:2", ref, "Lab Results", ""},
			"array metadata":  {"rec-2", ref, "Lab Results", `[1,2]`},
			"broken metadata": {"rec-2", ref, "Lab Results", `{"a":`},
			"oversized":       {"rec-2", ref, "Lab Results", fmt.Sprintf(`{"note":%q}`, strings.Repeat("x", 5000))},
		}
		for name, args := range cases {
			_, err := l.invoke(patientA, FnRegisterRecord, args...)
			assert.ErrorIs(t, err, types.ErrValidation, name)
		}
	})
}

func TestUpdateRecord_VersionChain(t *testing.T) {
	l := newTestLedger()
	first, second := testCID(t, "v1"), testCID(t, "v2")

	_, err := l.invoke(patientA, FnRegisterRecord, "rec-1", first, "Prescription", `{"drug":"a"}`)
	require.NoError(t, err)

	_, err = l.invoke(providerP, FnUpdateRecord, patientA, "rec-1", second, "")
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = l.invoke(patientA, FnUpdateRecord, patientA, "missing", second, "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	l.advance(time.Hour)
	out, err := l.invoke(patientA, FnUpdateRecord, patientA, "rec-1", second, `{"drug":"b"}`)
	require.NoError(t, err)
	desc := decode[types.RecordDescriptor](t, out)
	assert.Equal(t, 2, desc.Version)
	assert.Equal(t, second, desc.ContentRef)
	assert.True(t, desc.UpdatedAt.After(desc.CreatedAt))

	// Unchanged content does not grow the chain.
	out, err = l.invoke(patientA, FnUpdateRecord, patientA, "rec-1", second, `{"drug":"b"}`)
	require.NoError(t, err)
	assert.Equal(t, 2, decode[types.RecordDescriptor](t, out).Version)

	out, err = l.invoke(patientA, FnRecordHistory, patientA, "rec-1")
	require.NoError(t, err)
	history := decode[[]types.RecordVersion](t, out)
	require.Len(t, history, 2)
	assert.Equal(t, first, history[0].ContentRef)
	assert.Equal(t, second, history[1].ContentRef)
	assert.NotEqual(t, history[0].TxID, history[1].TxID)

	_, err = l.invoke(providerP, FnRecordHistory, patientA, "rec-1")
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestListRecords_OrderAndStatus(t *testing.T) {
	l := newTestLedger()
	for _, id := range []string{"b", "a", "c"} {
		_, err := l.invoke(patientA, FnRegisterRecord, id, testCID(t, id), "Vaccination", "")
		require.NoError(t, err)
		if id != "a" {
			l.advance(time.Second)
		}
	}
	// "b" is oldest; "a" and "c" share a timestamp and tie-break on id.
	list := func(includeDeleted string) []string {
		out, err := l.invoke(patientA, FnListRecords, patientA, includeDeleted)
		require.NoError(t, err)
		var ids []string
		for _, d := range decode[[]types.RecordDescriptor](t, out) {
			ids = append(ids, d.RecordID)
		}
		return ids
	}
	assert.Equal(t, []string{"a", "c", "b"}, list("false"))

	_, err := l.invoke(patientA, FnSetRecordStatus, patientA, "b", "deleted")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, list("false"))
	assert.Equal(t, []string{"a", "c", "b"}, list("true"))

	_, err = l.invoke(patientA, FnSetRecordStatus, patientA, "b", "active")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = l.invoke(patientA, FnUpdateRecord, patientA, "b", testCID(t, "new"), "")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = l.invoke(patientA, FnSetRecordStatus, patientA, "a", "gone")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = l.invoke(providerP, FnSetRecordStatus, patientA, "a", "archived")
	assert.ErrorIs(t, err, types.ErrForbidden)

	// Deleted records stay readable by the owner.
	out, err := l.invoke(patientA, FnGetRecord, patientA, "b")
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusDeleted, decode[types.RecordDescriptor](t, out).Status)
}

func TestListRecords_ProviderView(t *testing.T) {
	l := newTestLedger()
	_, err := l.invoke(patientA, FnRegisterRecord, "rec-1", testCID(t, "x"), "Surgery", "")
	require.NoError(t, err)

	_, err = l.invoke(providerP, FnListRecords, patientA, "false")
	assert.ErrorIs(t, err, types.ErrForbidden)

	approve(t, l, patientA, providerP, 7)

	out, err := l.invoke(providerP, FnListRecords, patientA, "true")
	require.NoError(t, err)
	records := decode[[]types.RecordDescriptor](t, out)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].ContentRef)

	_, err = l.invoke(providerP, FnGetRecord, patientA, "rec-1")
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func approve(t *testing.T, l *testLedger, patient, provider string, durationDays int) types.AccessGrant {
	t.Helper()
	_, err := l.invoke(provider, FnRequestAccess, patient, days(durationDays), "follow-up")
	require.NoError(t, err)
	out, err := l.invoke(patient, FnDecideAccess, patient, provider, "true")
	require.NoError(t, err)
	return decode[types.AccessGrant](t, out)
}

func check(t *testing.T, l *testLedger, at time.Time) CheckResult {
	t.Helper()
	out, err := l.invoke(providerQ, FnCheckAccess, patientA, providerP, strconv.FormatInt(at.UnixNano(), 10))
	require.NoError(t, err)
	return decode[CheckResult](t, out)
}

func TestGrantLifecycle_SevenDayScenario(t *testing.T) {
	l := newTestLedger()
	t0 := l.now

	out, err := l.invoke(providerP, FnRequestAccess, patientA, days(7), "second opinion")
	require.NoError(t, err)
	grant := decode[types.AccessGrant](t, out)
	assert.Equal(t, types.GrantStatusPending, grant.Status)
	assert.Equal(t, 1, grant.Sequence)
	assert.NotEmpty(t, grant.GrantID)
	assert.True(t, grant.RequestedAt.Equal(t0))
	assert.False(t, check(t, l, t0).Allowed)

	l.advance(time.Hour)
	_, err = l.invoke(providerP, FnRequestAccess, patientA, days(7), "")
	assert.ErrorIs(t, err, types.ErrConflict)

	t1 := l.now
	out, err = l.invoke(patientA, FnDecideAccess, patientA, providerP, "true")
	require.NoError(t, err)
	grant = decode[types.AccessGrant](t, out)
	assert.Equal(t, types.GrantStatusApproved, grant.Status)
	require.NotNil(t, grant.ExpiresAt)
	assert.True(t, grant.ExpiresAt.Equal(t1.Add(7*24*time.Hour)))

	_, err = l.invoke(providerP, FnRequestAccess, patientA, days(7), "")
	assert.ErrorIs(t, err, types.ErrConflict)

	assert.True(t, check(t, l, t1.Add(7*24*time.Hour-time.Nanosecond)).Allowed)
	assert.False(t, check(t, l, t1.Add(7*24*time.Hour)).Allowed)
	res := check(t, l, t1.Add(7*24*time.Hour+time.Second))
	assert.False(t, res.Allowed)
	assert.Equal(t, types.GrantStatusExpired, res.Status)

	// Nothing was written yet; the stored status is still Approved.
	assert.Equal(t, types.GrantStatusApproved, res.Grant.Status)

	l.now = t1.Add(8 * 24 * time.Hour)
	_, err = l.invoke(patientA, FnRevokeAccess, patientA, providerP)
	assert.ErrorIs(t, err, types.ErrNotFound)

	out, err = l.invoke(providerP, FnRequestAccess, patientA, days(1), "")
	require.NoError(t, err)
	assert.Equal(t, 2, decode[types.AccessGrant](t, out).Sequence)

	out, err = l.invoke(patientA, FnGrantHistory, patientA, providerP)
	require.NoError(t, err)
	history := decode[[]types.AccessGrant](t, out)
	require.Len(t, history, 2)
	assert.Equal(t, types.GrantStatusExpired, history[0].Status)
	assert.Equal(t, types.GrantStatusPending, history[1].Status)
}

func TestRequestAccess_ErrorOrder(t *testing.T) {
	l := newTestLedger()

	_, err := l.invoke(providerP, FnRequestAccess, "0x123", "0", "")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = l.invoke(patientA, FnRequestAccess, patientA, "0", "")
	assert.ErrorIs(t, err, types.ErrSelfGrant)

	for _, d := range []string{"0", "-5", "abc", days(31)} {
		_, err = l.invoke(providerP, FnRequestAccess, patientA, d, "")
		assert.ErrorIs(t, err, types.ErrInvalidDuration, d)
	}

	_, err = l.invoke(providerP, FnRequestAccess, patientA, days(30), "")
	require.NoError(t, err)
	_, err = l.invoke(providerP, FnRequestAccess, patientA, "0", "")
	assert.ErrorIs(t, err, types.ErrInvalidDuration)
}

func TestRequestAccess_MixedCaseAddressIsNormalized(t *testing.T) {
	l := newTestLedger()
	_, err := l.invoke(providerP, FnRequestAccess, "0x00000000000000000000000000000000000000AA", days(1), "")
	require.NoError(t, err)

	out, err := l.invoke(patientA, FnGetGrant, patientA, providerP)
	require.NoError(t, err)
	assert.Equal(t, types.PrincipalID(patientA), decode[types.AccessGrant](t, out).Patient)
}

func TestRequestAccess_PairIsDirected(t *testing.T) {
	l := newTestLedger()

	_, err := l.invoke(providerP, FnRequestAccess, patientA, days(7), "")
	require.NoError(t, err)
	_, err = l.invoke(providerP, FnRequestAccess, patientA, days(7), "")
	assert.ErrorIs(t, err, types.ErrConflict)

	// The reverse direction is a separate grant with its own lifecycle.
	out, err := l.invoke(patientA, FnRequestAccess, providerP, days(1), "")
	require.NoError(t, err)
	reverse := decode[types.AccessGrant](t, out)
	assert.Equal(t, types.PrincipalID(providerP), reverse.Patient)
	assert.Equal(t, types.PrincipalID(patientA), reverse.Provider)

	_, err = l.invoke(patientA, FnDecideAccess, patientA, providerP, "true")
	require.NoError(t, err)

	out, err = l.invoke(providerP, FnGetGrant, providerP, patientA)
	require.NoError(t, err)
	assert.Equal(t, types.GrantStatusPending, decode[types.AccessGrant](t, out).Status)

	out, err = l.invoke(patientA, FnGetGrant, patientA, providerP)
	require.NoError(t, err)
	assert.Equal(t, types.GrantStatusApproved, decode[types.AccessGrant](t, out).Status)
}

func TestDecideAccess(t *testing.T) {
	l := newTestLedger()

	_, err := l.invoke(patientA, FnDecideAccess, patientA, providerP, "true")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = l.invoke(providerP, FnRequestAccess, patientA, days(14), "")
	require.NoError(t, err)

	_, err = l.invoke(providerP, FnDecideAccess, patientA, providerP, "true")
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, err = l.invoke(patientA, FnDecideAccess, patientA, providerP, "maybe")
	assert.ErrorIs(t, err, types.ErrValidation)

	out, err := l.invoke(patientA, FnDecideAccess, patientA, providerP, "false")
	require.NoError(t, err)
	grant := decode[types.AccessGrant](t, out)
	assert.Equal(t, types.GrantStatusRejected, grant.Status)
	assert.NotNil(t, grant.DecidedAt)
	assert.Nil(t, grant.ExpiresAt)

	// The second decision loses.
	_, err = l.invoke(patientA, FnDecideAccess, patientA, providerP, "true")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Re-request after a terminal grant starts fresh.
	out, err = l.invoke(providerP, FnRequestAccess, patientA, days(1), "")
	require.NoError(t, err)
	assert.Equal(t, types.GrantStatusPending, decode[types.AccessGrant](t, out).Status)
}

func TestRevokeAccess(t *testing.T) {
	l := newTestLedger()
	_, err := l.invoke(patientA, FnRegisterRecord, "rec-1", testCID(t, "x"), "Diagnosis", "")
	require.NoError(t, err)

	_, err = l.invoke(providerP, FnRequestAccess, patientA, days(7), "")
	require.NoError(t, err)
	_, err = l.invoke(patientA, FnRevokeAccess, patientA, providerP)
	assert.ErrorIs(t, err, types.ErrNotFound, "pending grants are not revocable")

	_, err = l.invoke(patientA, FnDecideAccess, patientA, providerP, "true")
	require.NoError(t, err)
	_, err = l.invoke(providerP, FnRevokeAccess, patientA, providerP)
	assert.ErrorIs(t, err, types.ErrForbidden)

	l.advance(time.Minute)
	_, err = l.invoke(providerP, FnLogRecordRead, patientA, "rec-1")
	require.NoError(t, err)

	out, err := l.invoke(patientA, FnRevokeAccess, patientA, providerP)
	require.NoError(t, err)
	grant := decode[types.AccessGrant](t, out)
	assert.Equal(t, types.GrantStatusRevoked, grant.Status)
	require.NotNil(t, grant.RevokedAt)

	assert.False(t, check(t, l, l.now).Allowed)
	_, err = l.invoke(providerP, FnLogRecordRead, patientA, "rec-1")
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = l.invoke(patientA, FnRevokeAccess, patientA, providerP)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGrantVisibilityAndLists(t *testing.T) {
	l := newTestLedger()
	_, err := l.invoke(providerP, FnRequestAccess, patientA, days(1), "")
	require.NoError(t, err)
	l.advance(time.Second)
	_, err = l.invoke(providerQ, FnRequestAccess, patientA, days(7), "")
	require.NoError(t, err)

	_, err = l.invoke(providerQ, FnGetGrant, patientA, providerP)
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, err = l.invoke(patientA, FnGetGrant, patientA, "0x00000000000000000000000000000000000000dd")
	assert.ErrorIs(t, err, types.ErrNotFound)

	out, err := l.invoke(patientA, FnListGrantsForPatient)
	require.NoError(t, err)
	received := decode[[]types.AccessGrant](t, out)
	require.Len(t, received, 2)
	assert.Equal(t, types.PrincipalID(providerQ), received[0].Provider)

	out, err = l.invoke(providerP, FnListGrantsForProvider)
	require.NoError(t, err)
	requested := decode[[]types.AccessGrant](t, out)
	require.Len(t, requested, 1)
	assert.Equal(t, types.PrincipalID(patientA), requested[0].Patient)
}

func TestAudit_OneEntryPerTransition(t *testing.T) {
	l := newTestLedger()
	_, err := l.invoke(patientA, FnRegisterRecord, "rec-1", testCID(t, "x"), "Lab Results", "")
	require.NoError(t, err)

	// Failed transitions write nothing.
	_, err = l.invoke(patientA, FnRequestAccess, patientA, days(1), "")
	require.Error(t, err)

	steps := []struct {
		caller string
		fn     string
		args   []string
	}{
		{providerP, FnRequestAccess, []string{patientA, days(7), ""}},
		{patientA, FnDecideAccess, []string{patientA, providerP, "true"}},
		{providerP, FnLogRecordRead, []string{patientA, "rec-1"}},
		{providerP, FnAppendAudit, []string{"ReadRecord", patientA, "rec-1"}},
		{patientA, FnRevokeAccess, []string{patientA, providerP}},
		{providerP, FnRequestAccess, []string{patientA, days(1), ""}},
		{patientA, FnDecideAccess, []string{patientA, providerP, "false"}},
	}
	for _, s := range steps {
		l.advance(time.Minute)
		_, err := l.invoke(s.caller, s.fn, s.args...)
		require.NoError(t, err, s.fn)
	}

	out, err := l.invoke(patientA, FnQueryAudit, patientA, "", "", "100", "")
	require.NoError(t, err)
	page := decode[types.AuditPage](t, out)
	assert.Empty(t, page.Bookmark)

	var actions []types.AuditAction
	for i, e := range page.Entries {
		actions = append(actions, e.Action)
		assert.Equal(t, types.PrincipalID(patientA), e.Subject)
		assert.Equal(t, types.PrincipalID(providerP), e.Provider)
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	assert.Equal(t, []types.AuditAction{
		types.AuditActionRequestAccess,
		types.AuditActionApprove,
		types.AuditActionReadRecord,
		types.AuditActionReadRecord,
		types.AuditActionRevoke,
		types.AuditActionRequestAccess,
		types.AuditActionReject,
	}, actions)
	assert.Equal(t, "rec-1", page.Entries[2].Target)
	assert.Equal(t, types.PrincipalID(patientA), page.Entries[1].Actor)

	out, err = l.invoke(providerP, FnQueryAuditByActor, providerP, "", "", "100", "")
	require.NoError(t, err)
	assert.Len(t, decode[types.AuditPage](t, out).Entries, 4)
}

func TestAudit_AppendRejectsTransitions(t *testing.T) {
	l := newTestLedger()
	_, err := l.invoke(providerP, FnAppendAudit, "Approve", patientA, "")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = l.invoke(providerP, FnAppendAudit, "ReadRecord", patientA, "rec-1")
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = l.invoke(patientA, FnLogRecordRead, patientA, "rec-1")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAudit_ReadOfUnknownOrDeletedRecord(t *testing.T) {
	l := newTestLedger()
	_, err := l.invoke(patientA, FnRegisterRecord, "rec-1", testCID(t, "x"), "Lab Results", "")
	require.NoError(t, err)
	approve(t, l, patientA, providerP, 1)

	_, err = l.invoke(providerP, FnLogRecordRead, patientA, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = l.invoke(patientA, FnSetRecordStatus, patientA, "rec-1", "deleted")
	require.NoError(t, err)
	_, err = l.invoke(providerP, FnLogRecordRead, patientA, "rec-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAudit_PagingAndBounds(t *testing.T) {
	l := newTestLedger()
	_, err := l.invoke(patientA, FnRegisterRecord, "rec-1", testCID(t, "x"), "Lab Results", "")
	require.NoError(t, err)
	approve(t, l, patientA, providerP, 30)

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		l.advance(time.Minute)
		stamps = append(stamps, l.now)
		_, err := l.invoke(providerP, FnLogRecordRead, patientA, "rec-1")
		require.NoError(t, err)
	}

	nanos := func(ts time.Time) string { return strconv.FormatInt(ts.UnixNano(), 10) }
	from, to := nanos(stamps[1]), nanos(stamps[3])

	var got []types.AuditEntry
	bookmark := ""
	pages := 0
	for {
		out, err := l.invoke(patientA, FnQueryAudit, patientA, from, to, "2", bookmark)
		require.NoError(t, err)
		page := decode[types.AuditPage](t, out)
		got = append(got, page.Entries...)
		pages++
		if page.Bookmark == "" {
			break
		}
		bookmark = page.Bookmark
	}
	assert.Equal(t, 2, pages)
	require.Len(t, got, 3, "from and to are inclusive")
	assert.True(t, got[0].Timestamp.Equal(stamps[1]))
	assert.True(t, got[2].Timestamp.Equal(stamps[3]))

	_, err = l.invoke(providerP, FnQueryAudit, patientA, "", "", "10", "")
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, err = l.invoke(patientA, FnQueryAudit, patientA, "", "", "0", "")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = l.invoke(patientA, FnQueryAudit, patientA, "", "", "10", "asubj:someone-else")
	assert.ErrorIs(t, err, types.ErrValidation)
}
