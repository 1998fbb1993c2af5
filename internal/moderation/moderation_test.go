package moderation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tideline-chat/core/internal/audit"
	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/profanity"
	"github.com/tideline-chat/core/internal/spam"
	t "github.com/tideline-chat/core/internal/store/types"
)

type fakeStore struct {
	mu         sync.Mutex
	suspended  map[t.Uid]string
	deleted    map[t.Uid]bool
	verified   map[t.Uid]bool
	users      map[t.Uid]*t.User
	blocklist  []string
	deletedIDs []uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		suspended: make(map[t.Uid]string),
		deleted:   make(map[t.Uid]bool),
		verified:  make(map[t.Uid]bool),
		users:     make(map[t.Uid]*t.User),
	}
}

func (f *fakeStore) SuspendUser(ctx context.Context, id t.Uid, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended[id] = reason
	return nil
}

func (f *fakeStore) UnsuspendUser(ctx context.Context, id t.Uid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.suspended, id)
	return nil
}

func (f *fakeStore) SetVerified(ctx context.Context, id t.Uid, verified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified[id] = verified
	return nil
}

func (f *fakeStore) FindUserById(ctx context.Context, id t.Uid) (*t.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return &t.User{Id: id}, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) DeleteUser(ctx context.Context, id t.Uid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[id] = true
	return nil
}

func (f *fakeStore) LoadBlocklist(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.blocklist))
	copy(out, f.blocklist)
	return out, nil
}

func (f *fakeStore) SaveBlocklist(ctx context.Context, phrases []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocklist = phrases
	return nil
}

func (f *fakeStore) DeletePublicMessagesByIds(ctx context.Context, ids []uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedIDs = append(f.deletedIDs, ids...)
	return len(ids), nil
}

type fakeFanout struct {
	mu        sync.Mutex
	toUser    []hub.Update
	broadcast []hub.Update
}

func (f *fakeFanout) ToUser(ctx context.Context, uid t.Uid, u hub.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toUser = append(f.toUser, u)
}

func (f *fakeFanout) Broadcast(ctx context.Context, u hub.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, u)
}

func testAuditSink(t2 *testing.T) *audit.Sink {
	dir := t2.TempDir()
	return audit.New(audit.Config{Path: filepath.Join(dir, "audit.log")})
}

func newTestSurface(t2 *testing.T) (*Surface, *fakeStore, *fakeFanout) {
	return newTestSurfaceWithWhitelist(t2, nil)
}

func newTestSurfaceWithWhitelist(t2 *testing.T, whitelist []string) (*Surface, *fakeStore, *fakeFanout) {
	store := newFakeStore()
	fanout := &fakeFanout{}
	filter := profanity.New(nil, whitelist)
	monitor := spam.New()
	sink := testAuditSink(t2)
	return New(store, fanout, filter, monitor, sink, whitelist), store, fanout
}

func TestSuspendRejectsNonOwnerActor(t2 *testing.T) {
	s, _, _ := newTestSurface(t2)
	err := s.Suspend(context.Background(), t.Uid(2), t.Uid(3), "spam")
	require.ErrorIs(t2, err, ErrNotOwner)
}

func TestSuspendRejectsOwnerTarget(t2 *testing.T) {
	s, _, _ := newTestSurface(t2)
	err := s.Suspend(context.Background(), t.OwnerUid, t.OwnerUid, "spam")
	require.ErrorIs(t2, err, ErrOwnerTarget)
}

func TestSuspendWiresStoreAndFanout(t2 *testing.T) {
	s, store, fanout := newTestSurface(t2)
	err := s.Suspend(context.Background(), t.OwnerUid, t.Uid(5), "spam")
	require.NoError(t2, err)

	require.Equal(t2, "spam", store.suspended[t.Uid(5)])
	require.Len(t2, fanout.toUser, 1)
}

func TestAutoSuspendSkipsOwnerGateAndDeletesMessages(t2 *testing.T) {
	s, store, fanout := newTestSurface(t2)
	err := s.AutoSuspend(context.Background(), t.Uid(9), "burst", audit.AutoSuspensionBurst, []uint64{1, 2, 3})
	require.NoError(t2, err)

	require.Equal(t2, "burst", store.suspended[t.Uid(9)])
	require.ElementsMatch(t2, []uint64{1, 2, 3}, store.deletedIDs)
	require.Len(t2, fanout.toUser, 1)
}

func TestToggleVerifyFlipsState(t2 *testing.T) {
	s, store, _ := newTestSurface(t2)
	store.users[t.Uid(4)] = &t.User{Id: t.Uid(4), Verified: false}

	got, err := s.ToggleVerify(context.Background(), t.OwnerUid, t.Uid(4))
	require.NoError(t2, err)
	require.True(t2, got)

	store.users[t.Uid(4)].Verified = true
	got2, err := s.ToggleVerify(context.Background(), t.OwnerUid, t.Uid(4))
	require.NoError(t2, err)
	require.False(t2, got2)
}

func TestToggleVerifyRejectsNonOwner(t2 *testing.T) {
	s, _, _ := newTestSurface(t2)
	_, err := s.ToggleVerify(context.Background(), t.Uid(2), t.Uid(4))
	require.ErrorIs(t2, err, ErrNotOwner)
}

func TestBlocklistAddDedupsAndRebuildsFilter(t2 *testing.T) {
	s, store, _ := newTestSurface(t2)
	store.blocklist = []string{"foo"}

	merged, err := s.BlocklistAdd(context.Background(), t.OwnerUid, []string{"Foo", "bar"})
	require.NoError(t2, err)
	require.ElementsMatch(t2, []string{"foo", "bar"}, merged)

	require.True(t2, s.filter.Contains("say bar now"))
}

func TestBlocklistRemovePrunesMatchingPhrases(t2 *testing.T) {
	s, store, _ := newTestSurface(t2)
	store.blocklist = []string{"foo", "bar", "baz"}

	kept, err := s.BlocklistRemove(context.Background(), t.OwnerUid, []string{"Bar"})
	require.NoError(t2, err)
	require.ElementsMatch(t2, []string{"foo", "baz"}, kept)
	require.False(t2, s.filter.Contains("say bar now"))
}

func TestBlocklistAddPreservesConfiguredWhitelist(t2 *testing.T) {
	s, store, _ := newTestSurfaceWithWhitelist(t2, []string{"bar"})
	store.blocklist = []string{"foo"}

	_, err := s.BlocklistAdd(context.Background(), t.OwnerUid, []string{"bar"})
	require.NoError(t2, err)

	require.False(t2, s.filter.Contains("bar"), "whitelisted term must survive a blocklist rebuild")
}

func TestBlocklistRemovePreservesConfiguredWhitelist(t2 *testing.T) {
	s, store, _ := newTestSurfaceWithWhitelist(t2, []string{"baz"})
	store.blocklist = []string{"foo", "bar", "baz"}

	_, err := s.BlocklistRemove(context.Background(), t.OwnerUid, []string{"foo"})
	require.NoError(t2, err)

	require.False(t2, s.filter.Contains("baz"), "whitelisted term must survive a blocklist rebuild")
}
