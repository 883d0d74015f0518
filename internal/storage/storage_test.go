package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "assistbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	mem := NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestUserUpsert(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.GetUser(ctx, 42); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetUser on empty store: got %v, want ErrNotFound", err)
			}
			u := User{ID: 42, ChatID: 42, Username: "alice", FirstName: "Alice"}
			if err := st.UpsertUser(ctx, u); err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}
			u.Username = "alice2"
			if err := st.UpsertUser(ctx, u); err != nil {
				t.Fatalf("UpsertUser (update): %v", err)
			}
			got, err := st.GetUser(ctx, 42)
			if err != nil {
				t.Fatalf("GetUser: %v", err)
			}
			if got.Username != "alice2" || got.ChatID != 42 {
				t.Fatalf("GetUser: got %+v", got)
			}
		})
	}
}

func TestTasksLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			a, err := st.AddTask(ctx, 1, "buy milk", now)
			if err != nil {
				t.Fatalf("AddTask: %v", err)
			}
			b, err := st.AddTask(ctx, 1, "write report", now.Add(time.Minute))
			if err != nil {
				t.Fatalf("AddTask: %v", err)
			}
			if _, err := st.AddTask(ctx, 2, "other user", now); err != nil {
				t.Fatalf("AddTask: %v", err)
			}

			open, err := st.ListTasks(ctx, 1, false)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(open) != 2 || open[0].ID != a.ID || open[1].ID != b.ID {
				t.Fatalf("ListTasks order: got %+v", open)
			}

			if err := st.CompleteTask(ctx, 1, a.ID, now.Add(time.Hour)); err != nil {
				t.Fatalf("CompleteTask: %v", err)
			}
			// Completing twice is a no-op.
			if err := st.CompleteTask(ctx, 1, a.ID, now.Add(2*time.Hour)); err != nil {
				t.Fatalf("CompleteTask (again): %v", err)
			}
			if err := st.CompleteTask(ctx, 1, 9999, now); !errors.Is(err, ErrNotFound) {
				t.Fatalf("CompleteTask missing: got %v, want ErrNotFound", err)
			}
			// A task belongs to its owner.
			if err := st.CompleteTask(ctx, 2, b.ID, now); !errors.Is(err, ErrNotFound) {
				t.Fatalf("CompleteTask wrong user: got %v, want ErrNotFound", err)
			}

			open, err = st.ListTasks(ctx, 1, false)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(open) != 1 || open[0].ID != b.ID {
				t.Fatalf("ListTasks after complete: got %+v", open)
			}
			all, err := st.ListTasks(ctx, 1, true)
			if err != nil {
				t.Fatalf("ListTasks all: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("ListTasks all: got %d, want 2", len(all))
			}
		})
	}
}

func TestReminderStateTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 55, 0, 0, time.UTC)
	fireAt := now.Add(5 * time.Minute)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			r, err := st.PutReminder(ctx, Reminder{UserID: 1, Text: "standup", FireAt: fireAt, CreatedAt: now})
			if err != nil {
				t.Fatalf("PutReminder: %v", err)
			}
			if r.ID == 0 || r.State != ReminderPending {
				t.Fatalf("PutReminder: got %+v", r)
			}
			if !r.FireAt.Equal(fireAt) {
				t.Fatalf("FireAt round-trip: got %v, want %v", r.FireAt, fireAt)
			}

			if err := st.UpdateReminderState(ctx, r.ID, ReminderPending, ReminderFired, fireAt); err != nil {
				t.Fatalf("fire: %v", err)
			}
			// Cancel after fire loses.
			err = st.UpdateReminderState(ctx, r.ID, ReminderPending, ReminderCancelled, fireAt)
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("cancel after fire: got %v, want ErrConflict", err)
			}

			got, err := st.GetReminder(ctx, r.ID)
			if err != nil {
				t.Fatalf("GetReminder: %v", err)
			}
			if got.State != ReminderFired || got.FiredAt.IsZero() {
				t.Fatalf("after fire: got %+v", got)
			}

			err = st.UpdateReminderState(ctx, 9999, ReminderPending, ReminderFired, now)
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("fire missing: got %v, want ErrNotFound", err)
			}

			if _, err := st.PutReminder(ctx, Reminder{UserID: 1, Text: "bad", FireAt: fireAt, State: ReminderFired}); !errors.Is(err, ErrConflict) {
				t.Fatalf("put non-pending: got %v, want ErrConflict", err)
			}
		})
	}
}

func TestReminderListingAndPrune(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			var ids []int64
			for i := 0; i < 5; i++ {
				r, err := st.PutReminder(ctx, Reminder{
					UserID: 7, Text: fmt.Sprintf("r%d", i),
					FireAt: base.Add(time.Duration(i) * time.Minute), CreatedAt: base,
				})
				if err != nil {
					t.Fatalf("PutReminder: %v", err)
				}
				ids = append(ids, r.ID)
			}
			// Fire the first three, keep two pending.
			for _, id := range ids[:3] {
				if err := st.UpdateReminderState(ctx, id, ReminderPending, ReminderFired, base); err != nil {
					t.Fatalf("fire: %v", err)
				}
			}

			pending, err := st.ListRemindersByState(ctx, ReminderPending)
			if err != nil {
				t.Fatalf("ListRemindersByState: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("pending: got %d, want 2", len(pending))
			}
			for i := 1; i < len(pending); i++ {
				if pending[i].FireAt.Before(pending[i-1].FireAt) {
					t.Fatalf("pending not sorted by fire_at: %+v", pending)
				}
			}

			n, err := st.PruneReminders(ctx, 7, 1)
			if err != nil {
				t.Fatalf("PruneReminders: %v", err)
			}
			if n != 2 {
				t.Fatalf("pruned: got %d, want 2", n)
			}
			all, err := st.ListReminders(ctx, 7)
			if err != nil {
				t.Fatalf("ListReminders: %v", err)
			}
			// 2 pending + 1 kept terminal.
			if len(all) != 3 {
				t.Fatalf("after prune: got %d reminders, want 3", len(all))
			}
			for _, r := range all {
				if r.State == ReminderPending {
					continue
				}
				if r.ID != ids[2] {
					t.Fatalf("prune kept wrong terminal reminder: %+v", r)
				}
			}
		})
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			sub, err := st.AddSubscription(ctx, Subscription{UserID: 1, URL: "https://example.com/feed.xml", Title: "Example", AddedAt: now})
			if err != nil {
				t.Fatalf("AddSubscription: %v", err)
			}
			if sub.Interval != 15*time.Minute {
				t.Fatalf("default interval: got %v", sub.Interval)
			}
			if _, err := st.AddSubscription(ctx, Subscription{UserID: 1, URL: "https://example.com/feed.xml", AddedAt: now}); !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate subscription: got %v, want ErrConflict", err)
			}
			// Same URL for another user is fine.
			if _, err := st.AddSubscription(ctx, Subscription{UserID: 2, URL: "https://example.com/feed.xml", AddedAt: now}); err != nil {
				t.Fatalf("AddSubscription other user: %v", err)
			}

			all, err := st.AllSubscriptions(ctx)
			if err != nil {
				t.Fatalf("AllSubscriptions: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("AllSubscriptions: got %d, want 2", len(all))
			}

			if err := st.MarkPolled(ctx, sub.ID, now.Add(time.Hour), "ok"); err != nil {
				t.Fatalf("MarkPolled: %v", err)
			}
			// Watermark never moves backwards; the status always does.
			if err := st.MarkPolled(ctx, sub.ID, now.Add(time.Minute), "fetch failed"); err != nil {
				t.Fatalf("MarkPolled (older): %v", err)
			}
			mine, err := st.ListSubscriptions(ctx, 1)
			if err != nil {
				t.Fatalf("ListSubscriptions: %v", err)
			}
			if len(mine) != 1 || !mine[0].LastPolledAt.Equal(now.Add(time.Hour)) {
				t.Fatalf("LastPolledAt: got %+v", mine)
			}
			if mine[0].LastStatus != "fetch failed" {
				t.Fatalf("LastStatus: got %q", mine[0].LastStatus)
			}

			if err := st.RemoveSubscription(ctx, 2, sub.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("remove wrong user: got %v, want ErrNotFound", err)
			}
			if err := st.RemoveSubscription(ctx, 1, sub.ID); err != nil {
				t.Fatalf("RemoveSubscription: %v", err)
			}
		})
	}
}

func TestSeenMarkers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ins, err := st.InsertSeen(ctx, 5, "fp-1", now)
			if err != nil || !ins {
				t.Fatalf("InsertSeen: inserted=%v err=%v", ins, err)
			}
			ins, err = st.InsertSeen(ctx, 5, "fp-1", now.Add(time.Minute))
			if err != nil || ins {
				t.Fatalf("InsertSeen duplicate: inserted=%v err=%v", ins, err)
			}
			// Marker space is per subscription.
			ins, err = st.InsertSeen(ctx, 6, "fp-1", now)
			if err != nil || !ins {
				t.Fatalf("InsertSeen other sub: inserted=%v err=%v", ins, err)
			}

			ok, err := st.HasSeen(ctx, 5, "fp-1")
			if err != nil || !ok {
				t.Fatalf("HasSeen: ok=%v err=%v", ok, err)
			}
			ok, err = st.HasSeen(ctx, 5, "fp-2")
			if err != nil || ok {
				t.Fatalf("HasSeen unknown: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestPruneSeenKeepsNewest(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				if _, err := st.InsertSeen(ctx, 9, fmt.Sprintf("fp-%02d", i), base.Add(time.Duration(i)*time.Second)); err != nil {
					t.Fatalf("InsertSeen: %v", err)
				}
			}
			n, err := st.PruneSeen(ctx, 9, 3)
			if err != nil {
				t.Fatalf("PruneSeen: %v", err)
			}
			if n != 7 {
				t.Fatalf("pruned: got %d, want 7", n)
			}
			for i := 0; i < 10; i++ {
				ok, err := st.HasSeen(ctx, 9, fmt.Sprintf("fp-%02d", i))
				if err != nil {
					t.Fatalf("HasSeen: %v", err)
				}
				if want := i >= 7; ok != want {
					t.Fatalf("fp-%02d: seen=%v, want %v", i, ok, want)
				}
			}
		})
	}
}
