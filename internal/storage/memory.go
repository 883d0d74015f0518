package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore mirrors the sqlite driver's semantics without I/O. It
// backs tests and the "memory" config driver.
type memoryStore struct {
	mu sync.Mutex

	users     map[int64]User
	tasks     map[int64]Task
	reminders map[int64]Reminder
	subs      map[int64]Subscription
	seen      map[int64]map[string]time.Time // subID -> fingerprint -> seen_at

	nextTask     int64
	nextReminder int64
	nextSub      int64

	closed bool
}

func NewMemory() Store {
	return &memoryStore{
		users:     make(map[int64]User),
		tasks:     make(map[int64]Task),
		reminders: make(map[int64]Reminder),
		subs:      make(map[int64]Subscription),
		seen:      make(map[int64]map[string]time.Time),
	}
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) check() error {
	if m.closed {
		return ErrUnavailable
	}
	return nil
}

func trunc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Truncate(time.Millisecond).UTC()
}

func (m *memoryStore) UpsertUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if prev, ok := m.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.CreatedAt = trunc(u.CreatedAt)
	m.users[u.ID] = u
	return nil
}

func (m *memoryStore) GetUser(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return User{}, err
	}
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) AddTask(_ context.Context, userID int64, text string, now time.Time) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Task{}, err
	}
	m.nextTask++
	t := Task{ID: m.nextTask, UserID: userID, Text: text, CreatedAt: trunc(now)}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *memoryStore) ListTasks(_ context.Context, userID int64, includeDone bool) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range m.tasks {
		if t.UserID != userID {
			continue
		}
		if t.Done && !includeDone {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) CompleteTask(_ context.Context, userID, taskID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	t, ok := m.tasks[taskID]
	if !ok || t.UserID != userID {
		return ErrNotFound
	}
	if t.Done {
		return nil
	}
	t.Done = true
	t.DoneAt = trunc(now)
	m.tasks[taskID] = t
	return nil
}

func (m *memoryStore) PutReminder(_ context.Context, r Reminder) (Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Reminder{}, err
	}
	if r.State == "" {
		r.State = ReminderPending
	}
	if r.State != ReminderPending {
		return Reminder{}, fmt.Errorf("%w: new reminder must be pending", ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.nextReminder++
	r.ID = m.nextReminder
	r.FireAt = trunc(r.FireAt)
	r.CreatedAt = trunc(r.CreatedAt)
	m.reminders[r.ID] = r
	return r, nil
}

func (m *memoryStore) GetReminder(_ context.Context, id int64) (Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Reminder{}, err
	}
	r, ok := m.reminders[id]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

func sortReminders(out []Reminder) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (m *memoryStore) ListReminders(_ context.Context, userID int64) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Reminder
	for _, r := range m.reminders {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (m *memoryStore) ListRemindersByState(_ context.Context, st ReminderState) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Reminder
	for _, r := range m.reminders {
		if r.State == st {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (m *memoryStore) UpdateReminderState(_ context.Context, id int64, from, to ReminderState, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	r, ok := m.reminders[id]
	if !ok {
		return ErrNotFound
	}
	if r.State != from {
		return fmt.Errorf("%w: reminder %d is %s, not %s", ErrConflict, id, r.State, from)
	}
	r.State = to
	if to == ReminderFired {
		r.FiredAt = trunc(now)
	}
	m.reminders[id] = r
	return nil
}

func (m *memoryStore) DeleteReminder(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.reminders[id]; !ok {
		return ErrNotFound
	}
	delete(m.reminders, id)
	return nil
}

func (m *memoryStore) PruneReminders(_ context.Context, userID int64, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	var terminal []Reminder
	for _, r := range m.reminders {
		if r.UserID == userID && r.State != ReminderPending {
			terminal = append(terminal, r)
		}
	}
	if len(terminal) <= keep {
		return 0, nil
	}
	// Newest first; drop everything past keep.
	sort.Slice(terminal, func(i, j int) bool {
		if !terminal[i].FireAt.Equal(terminal[j].FireAt) {
			return terminal[i].FireAt.After(terminal[j].FireAt)
		}
		return terminal[i].ID > terminal[j].ID
	})
	var n int64
	for _, r := range terminal[keep:] {
		delete(m.reminders, r.ID)
		n++
	}
	return n, nil
}

func (m *memoryStore) AddSubscription(_ context.Context, sub Subscription) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Subscription{}, err
	}
	for _, s := range m.subs {
		if s.UserID == sub.UserID && s.URL == sub.URL {
			return Subscription{}, fmt.Errorf("%w: already subscribed to %s", ErrConflict, sub.URL)
		}
	}
	if sub.Interval <= 0 {
		sub.Interval = 15 * time.Minute
	}
	if sub.AddedAt.IsZero() {
		sub.AddedAt = time.Now()
	}
	m.nextSub++
	sub.ID = m.nextSub
	sub.AddedAt = trunc(sub.AddedAt)
	sub.LastPolledAt = time.Time{}
	sub.LastStatus = ""
	m.subs[sub.ID] = sub
	return sub, nil
}

func sortSubs(out []Subscription) {
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
}

func (m *memoryStore) ListSubscriptions(_ context.Context, userID int64) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Subscription
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sortSubs(out)
	return out, nil
}

func (m *memoryStore) AllSubscriptions(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sortSubs(out)
	return out, nil
}

func (m *memoryStore) RemoveSubscription(_ context.Context, userID, subID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	s, ok := m.subs[subID]
	if !ok || s.UserID != userID {
		return ErrNotFound
	}
	delete(m.subs, subID)
	delete(m.seen, subID)
	return nil
}

func (m *memoryStore) MarkPolled(_ context.Context, subID int64, at time.Time, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	s, ok := m.subs[subID]
	if !ok {
		return nil
	}
	at = trunc(at)
	if at.After(s.LastPolledAt) {
		s.LastPolledAt = at
	}
	s.LastStatus = status
	m.subs[subID] = s
	return nil
}

func (m *memoryStore) InsertSeen(_ context.Context, subID int64, fingerprint string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	set := m.seen[subID]
	if set == nil {
		set = make(map[string]time.Time)
		m.seen[subID] = set
	}
	if _, ok := set[fingerprint]; ok {
		return false, nil
	}
	set[fingerprint] = trunc(at)
	return true, nil
}

func (m *memoryStore) HasSeen(_ context.Context, subID int64, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	_, ok := m.seen[subID][fingerprint]
	return ok, nil
}

func (m *memoryStore) PruneSeen(_ context.Context, subID int64, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	set := m.seen[subID]
	if len(set) <= keep {
		return 0, nil
	}
	type entry struct {
		fp string
		at time.Time
	}
	entries := make([]entry, 0, len(set))
	for fp, at := range set {
		entries = append(entries, entry{fp, at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.After(entries[j].at)
		}
		return entries[i].fp > entries[j].fp
	})
	var n int64
	for _, e := range entries[keep:] {
		delete(set, e.fp)
		n++
	}
	return n, nil
}
