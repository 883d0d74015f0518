// Package reminder keeps one-shot reminders and answers which are due.
//
// The source of truth is the store; an in-memory min-heap ordered by
// (fire time, id) makes the due scan cheap. Entries leave the heap only
// once the store shows them terminal or gone, so a reminder whose
// dispatch failed stays scheduled and is returned again on the next
// scan. Cancelled entries are filtered against the store the same way.
package reminder

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"assistbot/internal/storage"
	logx "assistbot/pkg/logx"
)

var (
	// ErrInvalidTime rejects schedule times that are not in the future.
	ErrInvalidTime = errors.New("reminder time must be in the future")

	ErrNotFound         = storage.ErrNotFound
	ErrAlreadyFired     = errors.New("reminder already fired")
	ErrAlreadyCancelled = errors.New("reminder already cancelled")
)

type entry struct {
	fireAt time.Time
	id     int64
}

type minHeap []entry

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].id < h[j].id
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type Scheduler struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu   sync.Mutex
	heap minHeap
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithClock replaces the wall clock; tests use it to drive time.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(store storage.Store, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rebuild loads all pending reminders into the heap. Called once at
// startup; reminders persisted before a crash fire on the next tick.
func (s *Scheduler) Rebuild(ctx context.Context) (int, error) {
	pending, err := s.store.ListRemindersByState(ctx, storage.ReminderPending)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.heap = s.heap[:0]
	for _, r := range pending {
		s.heap = append(s.heap, entry{fireAt: r.FireAt, id: r.ID})
	}
	heap.Init(&s.heap)
	s.mu.Unlock()
	return len(pending), nil
}

// Schedule persists a new pending reminder. The fire time must be
// strictly in the future.
func (s *Scheduler) Schedule(ctx context.Context, userID int64, text string, fireAt time.Time) (storage.Reminder, error) {
	if strings.TrimSpace(text) == "" {
		return storage.Reminder{}, errors.New("reminder text is empty")
	}
	now := s.now()
	if !fireAt.After(now) {
		return storage.Reminder{}, fmt.Errorf("%w: %s is not after %s",
			ErrInvalidTime, fireAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	r, err := s.store.PutReminder(ctx, storage.Reminder{
		UserID:    userID,
		Text:      text,
		FireAt:    fireAt,
		State:     storage.ReminderPending,
		CreatedAt: now,
	})
	if err != nil {
		return storage.Reminder{}, err
	}
	s.mu.Lock()
	heap.Push(&s.heap, entry{fireAt: r.FireAt, id: r.ID})
	s.mu.Unlock()

	s.log.Debug("reminder scheduled",
		logx.Int64("id", r.ID),
		logx.Int64("user", userID),
		logx.Time("fire_at", r.FireAt),
	)
	return r, nil
}

// Cancel moves a pending reminder to cancelled. Cancelling twice is a
// no-op; a reminder that already fired stays fired and the caller
// learns the cancel lost the race.
func (s *Scheduler) Cancel(ctx context.Context, userID, id int64) error {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if r.UserID != userID {
		return ErrNotFound
	}
	err = s.store.UpdateReminderState(ctx, id, storage.ReminderPending, storage.ReminderCancelled, s.now())
	if err == nil {
		s.log.Debug("reminder cancelled", logx.Int64("id", id))
		return nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return err
	}
	terr := s.terminalErr(ctx, id)
	if errors.Is(terr, ErrAlreadyCancelled) {
		return nil
	}
	return terr
}

// terminalErr maps a lost CAS to the matching taxonomy error.
func (s *Scheduler) terminalErr(ctx context.Context, id int64) error {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	switch r.State {
	case storage.ReminderFired:
		return ErrAlreadyFired
	case storage.ReminderCancelled:
		return ErrAlreadyCancelled
	default:
		return storage.ErrConflict
	}
}

// Due returns every reminder scheduled at or before now that the store
// still shows as pending. Entries are dropped from the schedule only
// once a terminal state is observed: a reminder whose dispatch failed
// stays scheduled and reappears on the next scan, a fired or cancelled
// one falls out. Cancelled entries are dropped silently.
func (s *Scheduler) Due(ctx context.Context, now time.Time) ([]storage.Reminder, error) {
	s.mu.Lock()
	var batch []entry
	for s.heap.Len() > 0 && !s.heap[0].fireAt.After(now) {
		batch = append(batch, heap.Pop(&s.heap).(entry))
	}
	s.mu.Unlock()

	var out []storage.Reminder
	for i, e := range batch {
		r, err := s.store.GetReminder(ctx, e.id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			// Unread entries go back on the heap so a transient store
			// failure does not lose reminders.
			s.requeue(batch[i:])
			return out, err
		}
		if r.State == storage.ReminderPending {
			s.requeue(batch[i : i+1])
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Scheduler) requeue(batch []entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range batch {
		heap.Push(&s.heap, e)
	}
}

// MarkFired finalizes delivery. ErrConflict means a concurrent cancel
// won; the caller should treat the reminder as not delivered-worthy.
func (s *Scheduler) MarkFired(ctx context.Context, id int64, now time.Time) error {
	err := s.store.UpdateReminderState(ctx, id, storage.ReminderPending, storage.ReminderFired, now)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrConflict) {
		return s.terminalErr(ctx, id)
	}
	return err
}

// Pending reports the heap size, for logs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}
