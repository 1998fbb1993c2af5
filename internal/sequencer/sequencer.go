// Package sequencer hands out a strictly increasing per-user sequence
// number for durable update-log batches, grounded on the teacher's
// per-topic sequence counter in server/topic.go (tinode's `seq`
// field), generalized here to per-user instead of per-topic since this
// spec has no topic concept.
package sequencer

import (
	"context"
	"errors"
	"sync"

	"github.com/tideline-chat/core/internal/store"
	t "github.com/tideline-chat/core/internal/store/types"
)

// LogAppender is the subset of the store used to persist batches and
// discover the startup reconciliation snapshot.
type LogAppender interface {
	AppendUpdateLog(ctx context.Context, userID t.Uid, seq uint64, updates []byte) error
	MaxSequenceAll(ctx context.Context) (map[t.Uid]uint64, error)
}

// Sequencer hands out NextSeq values and persists LogBatch calls.
// Every per-user counter is protected by its own mutex so unrelated
// users never contend.
type Sequencer struct {
	store LogAppender

	mu      sync.Mutex
	counter map[t.Uid]*userCounter
}

type userCounter struct {
	mu  sync.Mutex
	seq uint64
}

// New builds a Sequencer. Call Reconcile once at startup before
// serving traffic.
func New(store LogAppender) *Sequencer {
	return &Sequencer{store: store, counter: make(map[t.Uid]*userCounter)}
}

// Reconcile initializes every user's counter to the max logged seq,
// per spec.md §4.4's startup contract.
func (s *Sequencer) Reconcile(ctx context.Context) error {
	maxes, err := s.store.MaxSequenceAll(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, seq := range maxes {
		s.counter[uid] = &userCounter{seq: seq}
	}
	return nil
}

func (s *Sequencer) counterFor(uid t.Uid) *userCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counter[uid]
	if !ok {
		c = &userCounter{}
		s.counter[uid] = c
	}
	return c
}

// NextSeq returns the next strictly increasing sequence number for
// uid, starting at 1.
func (s *Sequencer) NextSeq(uid t.Uid) uint64 {
	c := s.counterFor(uid)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// LogBatch assigns the next sequence number for uid and durably
// appends the batch. On a unique-constraint violation (another session
// already persisted this seq, reported as store.ErrConflict) the call is
// a no-op and returns the seq with a nil error, matching spec.md §4.4.
func (s *Sequencer) LogBatch(ctx context.Context, uid t.Uid, updates []byte) (uint64, error) {
	seq := s.NextSeq(uid)
	if err := s.store.AppendUpdateLog(ctx, uid, seq, updates); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return seq, nil
		}
		return 0, err
	}
	return seq, nil
}
