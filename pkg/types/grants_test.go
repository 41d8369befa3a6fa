package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessGrantEffectiveStatus(t *testing.T) {
	decided := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := decided.Add(7 * 24 * time.Hour)
	grant := &AccessGrant{
		Status:          GrantStatusApproved,
		DurationSeconds: int64(7 * 24 * time.Hour / time.Second),
		DecidedAt:       &decided,
		ExpiresAt:       &expires,
	}

	assert.True(t, grant.ActiveAt(decided))
	assert.True(t, grant.ActiveAt(expires.Add(-time.Nanosecond)))
	assert.False(t, grant.ActiveAt(expires))
	assert.False(t, grant.ActiveAt(expires.Add(time.Second)))
	assert.Equal(t, GrantStatusExpired, grant.EffectiveStatus(expires.Add(time.Second)))
	assert.Equal(t, GrantStatusApproved, grant.Status)
}

func TestAccessGrantOpen(t *testing.T) {
	now := time.Now()

	assert.True(t, (&AccessGrant{Status: GrantStatusPending}).Open(now))
	assert.False(t, (&AccessGrant{Status: GrantStatusRejected}).Open(now))
	assert.False(t, (&AccessGrant{Status: GrantStatusRevoked}).Open(now))
	assert.True(t, GrantStatusExpired.Terminal())
	assert.False(t, GrantStatusPending.Terminal())
}

func TestParsePrincipal(t *testing.T) {
	p, err := ParsePrincipal("0xAbCdEf0123456789abcdef0123456789ABCDEF01")
	require.NoError(t, err)
	assert.Equal(t, PrincipalID("0xabcdef0123456789abcdef0123456789abcdef01"), p)
	assert.True(t, p.Valid())

	_, err = ParsePrincipal("0x1234")
	assert.ErrorIs(t, err, ErrValidation)

	assert.False(t, PrincipalID("0xABCDEF0123456789abcdef0123456789abcdef01").Valid())
}

func TestRecordTypeValid(t *testing.T) {
	assert.True(t, RecordTypeLabResults.Valid())
	assert.Len(t, RecordTypes, 11)
	assert.False(t, RecordType("Horoscope").Valid())
	assert.True(t, RecordStatusArchived.Valid())
	assert.False(t, RecordStatus("purged").Valid())
}

func TestSessionCaller(t *testing.T) {
	var missing *Session
	_, err := missing.Caller()
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = (&Session{Principal: "not-an-address"}).Caller()
	assert.ErrorIs(t, err, ErrUnauthenticated)

	p := PrincipalID("0x1111111111111111111111111111111111111111")
	got, err := (&Session{Principal: p}).Caller()
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
