package driver

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"assistbot/internal/dedup"
	"assistbot/internal/feed"
	"assistbot/internal/notifier"
	"assistbot/internal/poller"
	"assistbot/internal/reminder"
	"assistbot/internal/storage"
	kit "assistbot/internal/transport"
	logx "assistbot/pkg/logx"
)

type captureAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *captureAdapter) Stop(context.Context) error                    { return nil }
func (c *captureAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}
func (c *captureAdapter) SendDocument(context.Context, kit.ChatTarget, string, io.Reader, string) error {
	return nil
}
func (c *captureAdapter) Download(context.Context, string) (io.ReadCloser, error) { return nil, nil }

func (c *captureAdapter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type staticFetcher struct {
	mu    sync.Mutex
	items []feed.Item
}

func (s *staticFetcher) Fetch(context.Context, string) (feed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return feed.Feed{Title: "t", Items: append([]feed.Item(nil), s.items...)}, nil
}

type harness struct {
	store   storage.Store
	clock   *time.Time
	sched   *reminder.Scheduler
	adapter *captureAdapter
	fetcher *staticFetcher
	drv     *Driver
	notif   *notifier.Service
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), adapter: &captureAdapter{}, fetcher: &staticFetcher{}}
	now := start
	h.clock = &now
	clock := func() time.Time { return *h.clock }

	ctx := context.Background()
	if err := h.store.UpsertUser(ctx, storage.User{ID: 1, ChatID: 100}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	h.sched = reminder.New(h.store, reminder.WithClock(clock))
	h.notif = notifier.New(notifier.Config{Enabled: true, Workers: 1, RatePerSec: 1000}, h.adapter, logx.Nop(), nil)
	h.notif.Start(ctx)
	t.Cleanup(func() { h.notif.Stop(context.Background()) })

	ix := dedup.NewIndex(h.store, 100)
	pol := poller.New(poller.Config{Workers: 2, RatePerSec: 1000}, h.store, h.fetcher, ix,
		FeedDelivery(h.store, h.notif, logx.Nop()), logx.Nop())

	drv, err := New(Config{Tick: "@every 30s"}, h.sched, pol, h.store, h.notif, nil, logx.Nop(), WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.drv = drv
	return h
}

func (h *harness) advance(d time.Duration) { *h.clock = h.clock.Add(d) }

func (h *harness) waitSent(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.adapter.count() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sent: got %d, want %d", h.adapter.count(), n)
}

func TestTickFiresDueReminderOnce(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 55, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()

	r, err := h.sched.Schedule(ctx, 1, "standup", start.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	h.drv.Tick(ctx)
	if h.adapter.count() != 0 {
		t.Fatalf("fired early: %d sends", h.adapter.count())
	}

	h.advance(5*time.Minute + 10*time.Second)
	h.drv.Tick(ctx)
	h.waitSent(t, 1)

	got, err := h.store.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.State != storage.ReminderFired {
		t.Fatalf("state: got %s", got.State)
	}

	// Subsequent ticks never re-fire.
	h.advance(time.Hour)
	h.drv.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if h.adapter.count() != 1 {
		t.Fatalf("re-fired: %d sends", h.adapter.count())
	}
}

func TestDeferredReminderRetriesNextTick(t *testing.T) {
	// When the queue refuses the message the reminder stays pending;
	// a later tick delivers it exactly once.
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()

	r, err := h.sched.Schedule(ctx, 1, "water plants", start.Add(time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Stopped pipeline rejects every enqueue.
	h.notif.Stop(ctx)

	h.advance(2 * time.Minute)
	h.drv.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if h.adapter.count() != 0 {
		t.Fatalf("delivered through stopped pipeline: %d sends", h.adapter.count())
	}
	got, err := h.store.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.State != storage.ReminderPending {
		t.Fatalf("state after deferred delivery: got %s, want pending", got.State)
	}

	h.notif.Start(ctx)
	h.drv.Tick(ctx)
	h.waitSent(t, 1)

	got, err = h.store.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.State != storage.ReminderFired {
		t.Fatalf("state after retry: got %s", got.State)
	}
	time.Sleep(50 * time.Millisecond)
	if h.adapter.count() != 1 {
		t.Fatalf("retry duplicated delivery: %d sends", h.adapter.count())
	}
}

func TestTickDeliversNewFeedItems(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()

	if _, err := h.store.AddSubscription(ctx, storage.Subscription{
		UserID: 1, URL: "u", Interval: 15 * time.Minute, AddedAt: start,
	}); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	h.fetcher.items = []feed.Item{{GUID: "a", Title: "A"}, {GUID: "b", Title: "B"}}

	h.drv.Tick(ctx)
	h.waitSent(t, 2)

	// Same items on the next due poll: nothing new.
	h.advance(16 * time.Minute)
	h.drv.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if h.adapter.count() != 2 {
		t.Fatalf("duplicates delivered: %d sends", h.adapter.count())
	}
}

func TestNewRejectsBadTickSpec(t *testing.T) {
	if _, err := New(Config{Tick: "every 30 seconds"}, nil, nil, nil, nil, nil, logx.Nop()); err == nil {
		t.Fatal("want error for bad tick spec")
	}
	if _, err := New(Config{Timezone: "Nowhere/Nothing"}, nil, nil, nil, nil, nil, logx.Nop()); err == nil {
		t.Fatal("want error for bad timezone")
	}
}
