package authtoken

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	types "github.com/tideline-chat/core/internal/store/types"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func newTestSessionID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func TestIssueAuthenticateRoundTrip(t *testing.T) {
	a, err := New(testKey(), time.Hour, 1)
	require.NoError(t, err)

	sid := newTestSessionID()
	token, expires, err := a.Issue(types.Uid(42), sid, 0)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), expires, 2*time.Second)

	uid, gotSID, gotExpires, err := a.Authenticate(token)
	require.NoError(t, err)
	require.Equal(t, types.Uid(42), uid)
	require.Equal(t, sid, gotSID)
	require.WithinDuration(t, expires, gotExpires, time.Second)
}

func TestIssueOverrideLifetime(t *testing.T) {
	a, err := New(testKey(), time.Hour, 1)
	require.NoError(t, err)

	token, expires, err := a.Issue(types.Uid(1), newTestSessionID(), 5*time.Minute)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(5*time.Minute), expires, 2*time.Second)

	_, _, _, err = a.Authenticate(token)
	require.NoError(t, err)
}

func TestAuthenticateExpired(t *testing.T) {
	a, err := New(testKey(), time.Hour, 1)
	require.NoError(t, err)
	// Issue ignores a non-positive override, so expire via the default.
	a.lifetime = -time.Minute

	token, _, err := a.Issue(types.Uid(1), newTestSessionID(), 0)
	require.NoError(t, err)

	_, _, _, err = a.Authenticate(token)
	require.ErrorIs(t, err, ErrExpired)
}

func TestAuthenticateBadSignature(t *testing.T) {
	a, err := New(testKey(), time.Hour, 1)
	require.NoError(t, err)
	other, err := New([]byte("11111111111111111111111111111111"), time.Hour, 1)
	require.NoError(t, err)

	token, _, err := a.Issue(types.Uid(1), newTestSessionID(), 0)
	require.NoError(t, err)

	_, _, _, err = other.Authenticate(token)
	require.ErrorIs(t, err, ErrBadSig)
}

func TestAuthenticateSerialMismatchIsRevocation(t *testing.T) {
	a, err := New(testKey(), time.Hour, 1)
	require.NoError(t, err)
	token, _, err := a.Issue(types.Uid(1), newTestSessionID(), 0)
	require.NoError(t, err)

	bumped, err := New(testKey(), time.Hour, 2)
	require.NoError(t, err)

	_, _, _, err = bumped.Authenticate(token)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestAuthenticateMalformed(t *testing.T) {
	a, err := New(testKey(), time.Hour, 1)
	require.NoError(t, err)

	_, _, _, err = a.Authenticate("not-a-valid-token")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestIssueRejectsBadSessionID(t *testing.T) {
	a, err := New(testKey(), time.Hour, 1)
	require.NoError(t, err)

	_, _, err = a.Issue(types.Uid(1), "too-short", 0)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"), time.Hour, 1)
	require.Error(t, err)
}
