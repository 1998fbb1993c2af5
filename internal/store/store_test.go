package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tideline-chat/core/internal/idgen"
	"github.com/tideline-chat/core/internal/store"
	"github.com/tideline-chat/core/internal/store/memstore"
	t "github.com/tideline-chat/core/internal/store/types"
)

func newTestStore(t2 *testing.T) *store.Store {
	db := memstore.New()
	require.NoError(t2, db.Open(""))
	ids, err := idgen.New(0)
	require.NoError(t2, err)
	return store.New(db, ids, nil)
}

func TestCreateOwnerAssignsFixedOwnerUid(t2 *testing.T) {
	s := newTestStore(t2)
	owner, err := s.CreateOwner(context.Background(), "owner", "Owner", "")
	require.NoError(t2, err)
	require.Equal(t2, t.OwnerUid, owner.Id)
	require.True(t2, owner.IsOwner())
}

func TestCreateUserAssignsDistinctNonOwnerIds(t2 *testing.T) {
	s := newTestStore(t2)
	ctx := context.Background()

	_, err := s.CreateOwner(ctx, "owner", "Owner", "")
	require.NoError(t2, err)

	alice, err := s.CreateUser(ctx, "alice", "Alice", "")
	require.NoError(t2, err)
	bob, err := s.CreateUser(ctx, "bob", "Bob", "")
	require.NoError(t2, err)

	require.NotEqual(t2, t.OwnerUid, alice.Id)
	require.NotEqual(t2, t.OwnerUid, bob.Id)
	require.NotEqual(t2, alice.Id, bob.Id)
	require.False(t2, alice.IsOwner())
}

func TestCreateUserRejectsDuplicateUsername(t2 *testing.T) {
	s := newTestStore(t2)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "alice", "Alice", "")
	require.NoError(t2, err)

	_, err = s.CreateUser(ctx, "alice", "Alice Again", "")
	require.ErrorIs(t2, err, store.ErrConflict)
}

func TestEditPublicMessageForbiddenForNonAuthor(t2 *testing.T) {
	s := newTestStore(t2)
	ctx := context.Background()

	author, err := s.CreateUser(ctx, "alice", "Alice", "")
	require.NoError(t2, err)
	other, err := s.CreateUser(ctx, "mallory", "Mallory", "")
	require.NoError(t2, err)

	msg, err := s.InsertPublicMessage(ctx, author.Id, "hello", 0, nil)
	require.NoError(t2, err)

	_, err = s.EditPublicMessage(ctx, msg.ID, other.Id, "hijacked")
	require.ErrorIs(t2, err, store.ErrForbidden)
}

func TestInsertDMRejectsDeletedRecipient(t2 *testing.T) {
	s := newTestStore(t2)
	ctx := context.Background()

	sender, err := s.CreateUser(ctx, "alice", "Alice", "")
	require.NoError(t2, err)
	recipient, err := s.CreateUser(ctx, "bob", "Bob", "")
	require.NoError(t2, err)

	require.NoError(t2, s.DeleteUser(ctx, recipient.Id))

	_, err = s.InsertDM(ctx, sender.Id, recipient.Id, "iv", "ct", "salt", "iv2", "wrapped", 0, nil)
	require.ErrorIs(t2, err, store.ErrNotFound)
}

func TestAppendAndFetchUpdateLogRoundTrip(t2 *testing.T) {
	s := newTestStore(t2)
	ctx := context.Background()
	uid := t.Uid(7)

	require.NoError(t2, s.AppendUpdateLog(ctx, uid, 1, []byte(`[{"kind":"a"}]`)))
	require.NoError(t2, s.AppendUpdateLog(ctx, uid, 2, []byte(`[{"kind":"b"}]`)))

	entries, err := s.FetchUpdateLog(ctx, uid, 0, 2)
	require.NoError(t2, err)
	require.Len(t2, entries, 2)
	require.Equal(t2, uint64(1), entries[0].Sequence)
	require.Equal(t2, uint64(2), entries[1].Sequence)

	max, err := s.MaxSequence(ctx, uid)
	require.NoError(t2, err)
	require.Equal(t2, uint64(2), max)
}

func TestTouchSessionUpdatesLastSeen(t2 *testing.T) {
	s := newTestStore(t2)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice", "Alice", "")
	require.NoError(t2, err)

	sess, err := s.CreateSession(ctx, u.Id, "sess-1", "phone", "ios", "safari", "iphone")
	require.NoError(t2, err)
	require.NoError(t2, s.TouchSession(ctx, sess.SessionID))

	reloaded, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t2, err)
	require.True(t2, reloaded.LastSeen.After(sess.LastSeen) || reloaded.LastSeen.Equal(sess.LastSeen))
}
