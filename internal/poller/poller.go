// Package poller fetches due feed subscriptions concurrently and
// reports items that have not been delivered before.
//
// A subscription is due when its interval has elapsed since the last
// poll. Fetches run on a bounded worker pool behind a shared rate
// limiter so one tick cannot flood outbound connections. A fetch
// failure is recorded on the subscription and retried on its normal
// interval; only store failures abort the pass.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"assistbot/internal/dedup"
	"assistbot/internal/feed"
	"assistbot/internal/storage"
	logx "assistbot/pkg/logx"
)

// Fetcher is the fetch capability; *feed.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (feed.Feed, error)
}

// Deliver pushes new items of one subscription to their owner. The
// items arrive oldest first.
type Deliver func(ctx context.Context, sub storage.Subscription, items []feed.Item)

type Config struct {
	Workers    int // default 4
	RatePerSec int // outbound fetches; default 2
}

type Result struct {
	Due     int // subscriptions whose interval had elapsed
	Fetched int // successful fetches
	Failed  int // fetch failures
	New     int // items delivered
}

type Poller struct {
	store   storage.Store
	fetcher Fetcher
	index   *dedup.Index
	deliver Deliver
	log     logx.Logger

	workers int
	limiter *rate.Limiter
}

func New(cfg Config, store storage.Store, fetcher Fetcher, index *dedup.Index, deliver Deliver, log logx.Logger) *Poller {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		store:   store,
		fetcher: fetcher,
		index:   index,
		deliver: deliver,
		log:     log,
		workers: cfg.Workers,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// PollDue runs one poll pass. It returns storage errors only; fetch
// errors are absorbed per subscription.
func (p *Poller) PollDue(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	subs, err := p.store.AllSubscriptions(ctx)
	if err != nil {
		return res, err
	}

	var due []storage.Subscription
	for _, sub := range subs {
		if sub.LastPolledAt.IsZero() || now.Sub(sub.LastPolledAt) >= sub.Interval {
			due = append(due, sub)
		}
	}
	res.Due = len(due)
	if len(due) == 0 {
		return res, nil
	}

	// A store failure cancels the remaining workers; whatever was
	// already polled keeps its watermark.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		storeErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		if storeErr == nil {
			storeErr = err
		}
		mu.Unlock()
		cancel()
	}

	jobs := make(chan storage.Subscription)
	workers := p.workers
	if workers > len(due) {
		workers = len(due)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				fetched, n, err := p.pollOne(wctx, sub, now)
				if err != nil {
					fail(err)
					return
				}
				mu.Lock()
				if fetched {
					res.Fetched++
				} else {
					res.Failed++
				}
				res.New += n
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, sub := range due {
		select {
		case jobs <- sub:
		case <-wctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	return res, storeErr
}

// pollOne fetches one subscription. The bool reports fetch success;
// the error is only ever a store failure.
func (p *Poller) pollOne(ctx context.Context, sub storage.Subscription, now time.Time) (bool, int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return false, 0, nil // cancelled pass, not a store failure
	}

	f, err := p.fetcher.Fetch(ctx, sub.URL)
	if err != nil {
		if ctx.Err() != nil {
			return false, 0, nil
		}
		p.log.Warn("feed fetch failed",
			logx.Int64("sub", sub.ID),
			logx.String("url", sub.URL),
			logx.Err(err),
		)
		// The failure is visible in /rss_list; retried next interval.
		if merr := p.store.MarkPolled(ctx, sub.ID, now, errStatus(err)); merr != nil {
			return false, 0, merr
		}
		return false, 0, nil
	}

	var fresh []feed.Item
	for _, it := range f.Items {
		isNew, err := p.index.IsNew(ctx, sub.ID, it)
		if err != nil {
			return true, 0, err
		}
		if !isNew {
			continue
		}
		inserted, err := p.index.MarkSeen(ctx, sub.ID, it, now)
		if err != nil {
			return true, 0, err
		}
		if inserted {
			fresh = append(fresh, it)
		}
	}
	// Prune only after the whole batch is checked and marked; pruning
	// mid-batch could evict markers this fetch still compares against.
	if _, err := p.index.Prune(ctx, sub.ID); err != nil {
		return true, 0, err
	}

	if len(fresh) > 0 && p.deliver != nil {
		p.deliver(ctx, sub, fresh)
	}
	if err := p.store.MarkPolled(ctx, sub.ID, now, "ok"); err != nil {
		return true, len(fresh), err
	}
	return true, len(fresh), nil
}

func errStatus(err error) string {
	if err == nil {
		return "ok"
	}
	s := err.Error()
	if errors.Is(err, feed.ErrFetch) {
		// Keep the stored status short; the log line has the rest.
		if len(s) > 200 {
			s = s[:200]
		}
	}
	return s
}
