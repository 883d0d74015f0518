// Package storage persists users, tasks, reminders, feed subscriptions
// and seen-item markers. Two drivers exist: sqlite (default) and an
// in-memory driver for tests.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps driver-level failures (I/O, locked database).
	// Callers treat it as transient and retry on the next tick.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-set precondition fails
	// or a uniqueness constraint is violated.
	ErrConflict = errors.New("conflict")
)

// Config selects and configures the persistence driver.
type Config struct {
	Driver      string        // "sqlite" (default) or "memory"
	Path        string        // sqlite file path
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type User struct {
	ID        int64 // Telegram user ID
	ChatID    int64 // private chat to deliver to
	Username  string
	FirstName string
	CreatedAt time.Time
}

type Task struct {
	ID        int64
	UserID    int64
	Text      string
	Done      bool
	CreatedAt time.Time
	DoneAt    time.Time // zero until completed
}

// ReminderState is the lifecycle state of a reminder.
//
// Transitions: pending -> fired, pending -> cancelled. Fired and
// cancelled are terminal.
type ReminderState string

const (
	ReminderPending   ReminderState = "pending"
	ReminderFired     ReminderState = "fired"
	ReminderCancelled ReminderState = "cancelled"
)

type Reminder struct {
	ID        int64
	UserID    int64
	Text      string
	FireAt    time.Time
	State     ReminderState
	CreatedAt time.Time
	FiredAt   time.Time // zero until fired
}

type Subscription struct {
	ID           int64
	UserID       int64
	URL          string
	Title        string
	Interval     time.Duration // minimum time between polls
	AddedAt      time.Time
	LastPolledAt time.Time // zero if never polled
	LastStatus   string    // "ok" or last fetch error, "" if never polled
}

// Store is the persistence API. All timestamps are stored with
// millisecond precision; drivers truncate on write.
type Store interface {
	// UpsertUser inserts or refreshes a user keyed by Telegram ID.
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, error)

	AddTask(ctx context.Context, userID int64, text string, now time.Time) (Task, error)
	ListTasks(ctx context.Context, userID int64, includeDone bool) ([]Task, error)
	// CompleteTask marks a task done. Completing an already-done task
	// is a no-op, not an error.
	CompleteTask(ctx context.Context, userID, taskID int64, now time.Time) error

	// PutReminder persists a new reminder and returns it with its
	// assigned ID. State must be pending.
	PutReminder(ctx context.Context, r Reminder) (Reminder, error)
	GetReminder(ctx context.Context, id int64) (Reminder, error)
	ListReminders(ctx context.Context, userID int64) ([]Reminder, error)
	ListRemindersByState(ctx context.Context, st ReminderState) ([]Reminder, error)
	// UpdateReminderState transitions id from state `from` to `to`.
	// Returns ErrConflict when the current state is not `from`, so a
	// cancel racing a fire loses cleanly.
	UpdateReminderState(ctx context.Context, id int64, from, to ReminderState, now time.Time) error
	DeleteReminder(ctx context.Context, id int64) error
	// PruneReminders deletes the oldest terminal reminders of a user
	// beyond keep. Pending reminders are never pruned.
	PruneReminders(ctx context.Context, userID int64, keep int) (int64, error)

	// AddSubscription returns ErrConflict when the user already
	// subscribes to this URL.
	AddSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	ListSubscriptions(ctx context.Context, userID int64) ([]Subscription, error)
	AllSubscriptions(ctx context.Context) ([]Subscription, error)
	RemoveSubscription(ctx context.Context, userID, subID int64) error
	// MarkPolled records a poll outcome: last_status is overwritten,
	// last_polled_at advances monotonically, never backwards.
	MarkPolled(ctx context.Context, subID int64, at time.Time, status string) error

	// InsertSeen records a fingerprint for a subscription. Returns
	// false when the marker already existed.
	InsertSeen(ctx context.Context, subID int64, fingerprint string, at time.Time) (bool, error)
	HasSeen(ctx context.Context, subID int64, fingerprint string) (bool, error)
	// PruneSeen drops the oldest markers of a subscription beyond keep.
	PruneSeen(ctx context.Context, subID int64, keep int) (int64, error)

	Close() error
}
