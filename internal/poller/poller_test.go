package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"assistbot/internal/dedup"
	"assistbot/internal/feed"
	"assistbot/internal/storage"
	logx "assistbot/pkg/logx"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	feeds map[string]feed.Feed
	errs  map[string]error
	calls map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		feeds: map[string]feed.Feed{},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (f *scriptedFetcher) set(url string, items ...feed.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[url] = feed.Feed{Title: url, Items: items}
	delete(f.errs, url)
}

func (f *scriptedFetcher) setErr(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *scriptedFetcher) Fetch(_ context.Context, url string) (feed.Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err := f.errs[url]; err != nil {
		return feed.Feed{}, err
	}
	return f.feeds[url], nil
}

func (f *scriptedFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type recorder struct {
	mu    sync.Mutex
	items []string // "subID/guid" in delivery order
}

func (r *recorder) deliver(_ context.Context, sub storage.Subscription, items []feed.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		r.items = append(r.items, fmt.Sprintf("%d/%s", sub.ID, it.GUID))
	}
}

func (r *recorder) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

func newPoller(t *testing.T, st storage.Store, f Fetcher, rec *recorder) *Poller {
	t.Helper()
	ix := dedup.NewIndex(st, 100)
	return New(Config{Workers: 2, RatePerSec: 1000}, st, f, ix, rec.deliver, logx.Nop())
}

func TestPollIntervalGating(t *testing.T) {
	// t=0 delivers I1+I2; t=10min is a no-op (15min interval not
	// elapsed); t=15min delivers only I3.
	ctx := context.Background()
	st := storage.NewMemory()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	sub, err := st.AddSubscription(ctx, storage.Subscription{
		UserID: 1, URL: "https://example.com/f", Interval: 15 * time.Minute, AddedAt: t0,
	})
	if err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}

	f := newScriptedFetcher()
	rec := &recorder{}
	p := newPoller(t, st, f, rec)

	f.set(sub.URL, feed.Item{GUID: "I1"}, feed.Item{GUID: "I2"})
	res, err := p.PollDue(ctx, t0)
	if err != nil {
		t.Fatalf("PollDue t=0: %v", err)
	}
	if res.Due != 1 || res.New != 2 {
		t.Fatalf("t=0: got %+v", res)
	}

	f.set(sub.URL, feed.Item{GUID: "I1"}, feed.Item{GUID: "I2"}, feed.Item{GUID: "I3"})
	res, err = p.PollDue(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("PollDue t=10: %v", err)
	}
	if res.Due != 0 {
		t.Fatalf("t=10 should be a no-op: got %+v", res)
	}
	if n := f.callCount(sub.URL); n != 1 {
		t.Fatalf("fetch count after t=10: got %d, want 1", n)
	}

	res, err = p.PollDue(ctx, t0.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("PollDue t=15: %v", err)
	}
	if res.Due != 1 || res.New != 1 {
		t.Fatalf("t=15: got %+v", res)
	}
	want := []string{
		fmt.Sprintf("%d/I1", sub.ID),
		fmt.Sprintf("%d/I2", sub.ID),
		fmt.Sprintf("%d/I3", sub.ID),
	}
	got := rec.delivered()
	if len(got) != len(want) {
		t.Fatalf("delivered: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPollSecondRunDeliversNothingNew(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	sub, _ := st.AddSubscription(ctx, storage.Subscription{
		UserID: 1, URL: "u", Interval: time.Minute, AddedAt: t0,
	})
	f := newScriptedFetcher()
	f.set("u", feed.Item{GUID: "a"}, feed.Item{GUID: "b"})
	rec := &recorder{}
	p := newPoller(t, st, f, rec)

	if _, err := p.PollDue(ctx, t0); err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	res, err := p.PollDue(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	if res.New != 0 {
		t.Fatalf("second poll: got %d new, want 0", res.New)
	}
	_ = sub
}

func TestTightRetentionCapDoesNotRedeliver(t *testing.T) {
	// With the retention cap at the feed size, inserting a new item must
	// not evict the markers of items the same fetch still carries.
	ctx := context.Background()
	st := storage.NewMemory()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	sub, err := st.AddSubscription(ctx, storage.Subscription{
		UserID: 1, URL: "tight", Interval: time.Minute, AddedAt: t0,
	})
	if err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	f := newScriptedFetcher()
	rec := &recorder{}
	ix := dedup.NewIndex(st, 2)
	p := New(Config{Workers: 1, RatePerSec: 1000}, st, f, ix, rec.deliver, logx.Nop())

	f.set("tight", feed.Item{GUID: "a"}, feed.Item{GUID: "b"})
	if _, err := p.PollDue(ctx, t0); err != nil {
		t.Fatalf("PollDue t=0: %v", err)
	}

	f.set("tight", feed.Item{GUID: "z-new"}, feed.Item{GUID: "a"}, feed.Item{GUID: "b"})
	res, err := p.PollDue(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("PollDue t=2: %v", err)
	}
	if res.New != 1 {
		t.Fatalf("second poll: got %d new, want 1 (delivered %v)", res.New, rec.delivered())
	}
	want := []string{
		fmt.Sprintf("%d/a", sub.ID),
		fmt.Sprintf("%d/b", sub.ID),
		fmt.Sprintf("%d/z-new", sub.ID),
	}
	got := rec.delivered()
	if len(got) != len(want) {
		t.Fatalf("delivered: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFetchFailureIsRecordedNotRaised(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	sub, _ := st.AddSubscription(ctx, storage.Subscription{
		UserID: 1, URL: "dead", Interval: time.Minute, AddedAt: t0,
	})
	f := newScriptedFetcher()
	f.setErr("dead", fmt.Errorf("%w: dead: connection refused", feed.ErrFetch))
	rec := &recorder{}
	p := newPoller(t, st, f, rec)

	res, err := p.PollDue(ctx, t0)
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	if res.Failed != 1 || res.New != 0 {
		t.Fatalf("got %+v", res)
	}

	subs, _ := st.ListSubscriptions(ctx, 1)
	if subs[0].LastStatus == "ok" || subs[0].LastStatus == "" {
		t.Fatalf("LastStatus: got %q", subs[0].LastStatus)
	}
	if !subs[0].LastPolledAt.Equal(t0) {
		t.Fatalf("LastPolledAt: got %v, want %v", subs[0].LastPolledAt, t0)
	}

	// Recovery: the next interval delivers normally.
	f.set("dead", feed.Item{GUID: "x"})
	res, err = p.PollDue(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	if res.New != 1 {
		t.Fatalf("after recovery: got %+v", res)
	}
	_ = sub
}

func TestPollManySubscriptionsConcurrently(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newScriptedFetcher()

	for i := 0; i < 10; i++ {
		url := fmt.Sprintf("u%d", i)
		if _, err := st.AddSubscription(ctx, storage.Subscription{
			UserID: 1, URL: url, Interval: time.Minute, AddedAt: t0,
		}); err != nil {
			t.Fatalf("AddSubscription: %v", err)
		}
		f.set(url, feed.Item{GUID: url + "-item"})
	}

	rec := &recorder{}
	p := newPoller(t, st, f, rec)
	res, err := p.PollDue(ctx, t0)
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	if res.Due != 10 || res.Fetched != 10 || res.New != 10 {
		t.Fatalf("got %+v", res)
	}
}
