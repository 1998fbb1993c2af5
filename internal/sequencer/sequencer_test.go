package sequencer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	t "github.com/tideline-chat/core/internal/store/types"
)

type fakeAppender struct {
	mu      sync.Mutex
	batches map[t.Uid][]uint64
	maxes   map[t.Uid]uint64
}

func newFakeAppender() *fakeAppender {
	return &fakeAppender{batches: make(map[t.Uid][]uint64), maxes: make(map[t.Uid]uint64)}
}

func (f *fakeAppender) AppendUpdateLog(ctx context.Context, userID t.Uid, seq uint64, updates []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[userID] = append(f.batches[userID], seq)
	return nil
}

func (f *fakeAppender) MaxSequenceAll(ctx context.Context) (map[t.Uid]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[t.Uid]uint64, len(f.maxes))
	for k, v := range f.maxes {
		out[k] = v
	}
	return out, nil
}

func TestNextSeqMonotonicPerUser(t2 *testing.T) {
	s := New(newFakeAppender())
	uid := t.Uid(1)

	require.Equal(t2, uint64(1), s.NextSeq(uid))
	require.Equal(t2, uint64(2), s.NextSeq(uid))
	require.Equal(t2, uint64(3), s.NextSeq(uid))
}

func TestNextSeqIndependentAcrossUsers(t2 *testing.T) {
	s := New(newFakeAppender())
	a, b := t.Uid(1), t.Uid(2)

	require.Equal(t2, uint64(1), s.NextSeq(a))
	require.Equal(t2, uint64(1), s.NextSeq(b))
	require.Equal(t2, uint64(2), s.NextSeq(a))
	require.Equal(t2, uint64(2), s.NextSeq(b))
}

func TestReconcileResumesFromStoreMax(t2 *testing.T) {
	appender := newFakeAppender()
	appender.maxes[t.Uid(5)] = 41

	s := New(appender)
	require.NoError(t2, s.Reconcile(context.Background()))

	require.Equal(t2, uint64(42), s.NextSeq(t.Uid(5)))
}

func TestLogBatchPersistsAndReturnsSeq(t2 *testing.T) {
	appender := newFakeAppender()
	s := New(appender)
	uid := t.Uid(7)

	seq, err := s.LogBatch(context.Background(), uid, []byte(`[{"kind":"newMessage"}]`))
	require.NoError(t2, err)
	require.Equal(t2, uint64(1), seq)

	seq2, err := s.LogBatch(context.Background(), uid, []byte(`[{"kind":"newMessage"}]`))
	require.NoError(t2, err)
	require.Equal(t2, uint64(2), seq2)

	require.Equal(t2, []uint64{1, 2}, appender.batches[uid])
}

func TestNextSeqConcurrentSafe(t2 *testing.T) {
	s := New(newFakeAppender())
	uid := t.Uid(1)

	var wg sync.WaitGroup
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.NextSeq(uid)
		}()
	}
	wg.Wait()

	require.Equal(t2, uint64(n+1), s.NextSeq(uid))
}
