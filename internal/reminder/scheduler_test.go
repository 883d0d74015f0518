package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"assistbot/internal/storage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newScheduler(t *testing.T, start time.Time) (*Scheduler, *fakeClock, storage.Store) {
	t.Helper()
	clk := &fakeClock{t: start}
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, WithClock(clk.now)), clk, st
}

func TestScheduleRejectsPast(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 55, 0, 0, time.UTC)
	s, _, _ := newScheduler(t, now)
	ctx := context.Background()

	for _, fireAt := range []time.Time{now.Add(-time.Minute), now} {
		if _, err := s.Schedule(ctx, 1, "x", fireAt); !errors.Is(err, ErrInvalidTime) {
			t.Fatalf("Schedule(%v): got %v, want ErrInvalidTime", fireAt, err)
		}
	}
	if _, err := s.Schedule(ctx, 1, "  ", now.Add(time.Hour)); err == nil {
		t.Fatal("Schedule with empty text: want error")
	}
}

func TestReminderFiresOnceAtDueTime(t *testing.T) {
	// Scheduled 09:55 for 10:00; the 10:00:10 tick delivers exactly once.
	start := time.Date(2025, 3, 1, 9, 55, 0, 0, time.UTC)
	s, clk, _ := newScheduler(t, start)
	ctx := context.Background()

	r, err := s.Schedule(ctx, 1, "standup", start.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Before the fire time nothing is due.
	clk.advance(4 * time.Minute)
	due, err := s.Due(ctx, clk.now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due at 09:59: got %d, want 0", len(due))
	}

	clk.advance(time.Minute + 10*time.Second)
	due, err = s.Due(ctx, clk.now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != r.ID {
		t.Fatalf("due at 10:00:10: got %+v", due)
	}
	if err := s.MarkFired(ctx, r.ID, clk.now()); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}

	// Later ticks never re-deliver.
	clk.advance(time.Hour)
	due, err = s.Due(ctx, clk.now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due after fire: got %d, want 0", len(due))
	}
}

func TestUnfiredReminderStaysDue(t *testing.T) {
	// A reminder returned by Due but never confirmed fired (the
	// dispatch may have failed) must come back on the next scan.
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s, clk, _ := newScheduler(t, start)
	ctx := context.Background()

	r, err := s.Schedule(ctx, 1, "pay rent", start.Add(time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	clk.advance(2 * time.Minute)
	for scan := 0; scan < 2; scan++ {
		due, err := s.Due(ctx, clk.now())
		if err != nil {
			t.Fatalf("Due scan %d: %v", scan, err)
		}
		if len(due) != 1 || due[0].ID != r.ID {
			t.Fatalf("Due scan %d: got %+v, want reminder %d", scan, due, r.ID)
		}
	}

	if err := s.MarkFired(ctx, r.ID, clk.now()); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	due, err := s.Due(ctx, clk.now())
	if err != nil {
		t.Fatalf("Due after fire: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("fired reminder came back: %+v", due)
	}
}

func TestCancelSemantics(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s, clk, _ := newScheduler(t, start)
	ctx := context.Background()

	r, err := s.Schedule(ctx, 1, "call mom", start.Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Another user cannot cancel it.
	if err := s.Cancel(ctx, 2, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel by stranger: got %v, want ErrNotFound", err)
	}
	if err := s.Cancel(ctx, 1, r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Cancelling twice is idempotent.
	if err := s.Cancel(ctx, 1, r.ID); err != nil {
		t.Fatalf("Cancel twice: got %v, want nil", err)
	}

	// A cancelled reminder never shows up as due.
	clk.advance(2 * time.Hour)
	due, err := s.Due(ctx, clk.now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("cancelled reminder became due: %+v", due)
	}
}

func TestCancelAfterFired(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s, clk, _ := newScheduler(t, start)
	ctx := context.Background()

	r, err := s.Schedule(ctx, 1, "x", start.Add(time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clk.advance(2 * time.Minute)
	if err := s.MarkFired(ctx, r.ID, clk.now()); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	if err := s.Cancel(ctx, 1, r.ID); !errors.Is(err, ErrAlreadyFired) {
		t.Fatalf("Cancel after fire: got %v, want ErrAlreadyFired", err)
	}
	// Double fire is also surfaced.
	if err := s.MarkFired(ctx, r.ID, clk.now()); !errors.Is(err, ErrAlreadyFired) {
		t.Fatalf("MarkFired twice: got %v, want ErrAlreadyFired", err)
	}
}

func TestRebuildRestoresPending(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s, clk, st := newScheduler(t, start)
	ctx := context.Background()

	early, err := s.Schedule(ctx, 1, "early", start.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	late, err := s.Schedule(ctx, 1, "late", start.Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// A fresh scheduler over the same store simulates a restart.
	s2 := New(st, WithClock(clk.now))
	n, err := s2.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != 2 {
		t.Fatalf("Rebuild: got %d, want 2", n)
	}

	clk.advance(15 * time.Minute)
	due, err := s2.Due(ctx, clk.now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != early.ID {
		t.Fatalf("due after rebuild: got %+v", due)
	}
	_ = late
}

func TestDueOrdersByFireTime(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s, clk, _ := newScheduler(t, start)
	ctx := context.Background()

	b, _ := s.Schedule(ctx, 1, "second", start.Add(2*time.Minute))
	a, _ := s.Schedule(ctx, 1, "first", start.Add(time.Minute))

	clk.advance(5 * time.Minute)
	due, err := s.Due(ctx, clk.now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 || due[0].ID != a.ID || due[1].ID != b.ID {
		t.Fatalf("due order: got %+v", due)
	}
}
