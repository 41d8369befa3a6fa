package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/healthchain/internal/chain"
	"github.com/medrex/healthchain/internal/contract"
	"github.com/medrex/healthchain/internal/devledger"
	"github.com/medrex/healthchain/pkg/contentstore"
	"github.com/medrex/healthchain/pkg/types"
)

var (
	patient  = &types.Session{Principal: "0x1111111111111111111111111111111111111111"}
	provider = &types.Session{Principal: "0x2222222222222222222222222222222222222222"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances by a second per call so every transaction gets its own instant.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	log    *Log
	client *chain.Client
	clock  *clock
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	l, err := devledger.Open(devledger.Options{
		InMemory:     true,
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		Contract:     contract.New(contract.DefaultConfig()),
		Clock:        clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	client := chain.NewClient(l, chain.Options{})
	return &fixture{
		log:    New(client, Options{PageSize: pageSize, Clock: clk.Now}),
		client: client,
		clock:  clk,
	}
}

func (f *fixture) submit(t *testing.T, sess *types.Session, fn string, args ...string) {
	t.Helper()
	_, err := f.client.Submit(context.Background(), sess.Principal, nil, fn, args...)
	require.NoError(t, err)
}

func (f *fixture) registerRecord(t *testing.T, id string) {
	t.Helper()
	ref, err := contentstore.ComputeCID([]byte(id))
	require.NoError(t, err)
	f.submit(t, patient, contract.FnRegisterRecord, id, ref, string(types.RecordTypeLabResults), "{}")
}

func (f *fixture) grant(t *testing.T) {
	t.Helper()
	f.submit(t, provider, contract.FnRequestAccess, string(patient.Principal), "604800", "")
	f.submit(t, patient, contract.FnDecideAccess, string(patient.Principal), string(provider.Principal), "true")
}

func TestAppendRejectsTransitionActions(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.log.Append(context.Background(), provider, types.AuditEntry{
		Subject: patient.Principal,
		Action:  types.AuditActionApprove,
	})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = f.log.Append(context.Background(), provider, types.AuditEntry{
		Actor:   patient.Principal,
		Subject: patient.Principal,
		Action:  types.AuditActionReadRecord,
	})
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestRecordReadRequiresActiveGrant(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.registerRecord(t, "lab-1")

	_, err := f.log.RecordRead(ctx, provider, patient.Principal, "lab-1")
	assert.ErrorIs(t, err, types.ErrForbidden)

	f.grant(t)
	desc, err := f.log.RecordRead(ctx, provider, patient.Principal, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, "lab-1", desc.RecordID)
	assert.NotEmpty(t, desc.ContentRef)

	_, err = f.log.RecordRead(ctx, provider, patient.Principal, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	f.submit(t, patient, contract.FnRevokeAccess, string(patient.Principal), string(provider.Principal))
	_, err = f.log.RecordRead(ctx, provider, patient.Principal, "lab-1")
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestQueryBySubjectPagesLazily(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.registerRecord(t, "lab-1")
	f.grant(t)
	for i := 0; i < 3; i++ {
		_, err := f.log.RecordRead(ctx, provider, patient.Principal, "lab-1")
		require.NoError(t, err)
	}

	it := f.log.QueryBySubject(patient, patient.Principal, time.Time{}, time.Time{})
	entries, err := it.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	actions := make([]types.AuditAction, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
		if i > 0 {
			assert.False(t, e.Timestamp.Before(entries[i-1].Timestamp))
		}
	}
	assert.Equal(t, []types.AuditAction{
		types.AuditActionRequestAccess,
		types.AuditActionApprove,
		types.AuditActionReadRecord,
		types.AuditActionReadRecord,
		types.AuditActionReadRecord,
	}, actions)
	assert.Equal(t, provider.Principal, entries[1].Provider)

	it.Restart()
	require.True(t, it.Next(ctx))
	assert.Equal(t, types.AuditActionRequestAccess, it.Entry().Action)
}

func TestQueryBoundsAreInclusive(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.registerRecord(t, "lab-1")
	f.grant(t)

	all, err := f.log.QueryBySubject(patient, patient.Principal, time.Time{}, time.Time{}).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	only, err := f.log.QueryBySubject(patient, patient.Principal, all[1].Timestamp, all[1].Timestamp).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, types.AuditActionApprove, only[0].Action)

	it := f.log.QueryBySubject(patient, patient.Principal, all[1].Timestamp, all[0].Timestamp)
	assert.False(t, it.Next(ctx))
	assert.ErrorIs(t, it.Err(), types.ErrValidation)
}

func TestQueryByActorIsPrivate(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.grant(t)

	mine, err := f.log.QueryByActor(provider, provider.Principal, time.Time{}, time.Time{}).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, types.AuditActionRequestAccess, mine[0].Action)

	_, err = f.log.QueryByActor(patient, provider.Principal, time.Time{}, time.Time{}).Collect(ctx)
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = f.log.QueryBySubject(nil, patient.Principal, time.Time{}, time.Time{}).Collect(ctx)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}
