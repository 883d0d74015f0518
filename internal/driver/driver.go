// Package driver owns the periodic tick: on each tick due reminders
// are dispatched and due subscriptions polled, concurrently with each
// other but never overlapping a previous unfinished tick.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"assistbot/internal/eventbus"
	"assistbot/internal/notifier"
	"assistbot/internal/poller"
	"assistbot/internal/reminder"
	"assistbot/internal/storage"
	logx "assistbot/pkg/logx"
)

const defaultTick = "@every 30s"

var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Config struct {
	Tick     string // cron spec or "@every 30s"; empty takes the default
	Timezone string // IANA name; empty means local time

	// RemindersKeep caps retained fired/cancelled reminders per user.
	// Pending reminders are never pruned. Default 200.
	RemindersKeep int
}

// TickReport is published on the bus as "driver.tick" after each tick.
type TickReport struct {
	At            time.Time `json:"at"`
	Took          string    `json:"took"`
	RemindersDue  int       `json:"reminders_due"`
	RemindersSent int       `json:"reminders_sent"`
	FeedsPolled   int       `json:"feeds_polled"`
	FeedsFailed   int       `json:"feeds_failed"`
	ItemsNew      int       `json:"items_new"`
	StoreDown     bool      `json:"store_down,omitempty"`
}

type Driver struct {
	sched *reminder.Scheduler
	pol   *poller.Poller
	store storage.Store
	notif *notifier.Service
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	schedule cron.Schedule
	loc      *time.Location
	keep     int

	ticking atomic.Bool
}

type Option func(*Driver)

// WithClock replaces the wall clock for tests.
func WithClock(now func() time.Time) Option { return func(d *Driver) { d.now = now } }

func New(cfg Config, sched *reminder.Scheduler, pol *poller.Poller, store storage.Store, notif *notifier.Service, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Driver, error) {
	spec := strings.TrimSpace(cfg.Tick)
	if spec == "" {
		spec = defaultTick
	}
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("tick spec %q: %w", spec, err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	keep := cfg.RemindersKeep
	if keep <= 0 {
		keep = 200
	}
	d := &Driver{
		sched:    sched,
		pol:      pol,
		store:    store,
		notif:    notif,
		bus:      bus,
		log:      log,
		now:      time.Now,
		schedule: schedule,
		loc:      loc,
		keep:     keep,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Run blocks until ctx is cancelled. An in-flight tick always finishes
// before Run returns.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("driver started")
	for {
		next := d.schedule.Next(d.now().In(d.loc))
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.log.Info("driver stopped")
			return nil
		case <-timer.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one evaluation. It is a no-op when a previous tick is
// still in flight.
func (d *Driver) Tick(ctx context.Context) {
	if !d.ticking.CompareAndSwap(false, true) {
		d.log.Warn("tick skipped (previous still running)")
		return
	}
	defer d.ticking.Store(false)

	now := d.now()
	started := time.Now()
	var rep TickReport
	rep.At = now

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.fireReminders(ctx, now, &rep)
	}()
	go func() {
		defer wg.Done()
		res, err := d.pol.PollDue(ctx, now)
		rep.FeedsPolled = res.Fetched
		rep.FeedsFailed = res.Failed
		rep.ItemsNew = res.New
		if err != nil {
			rep.StoreDown = true
			d.log.Error("poll pass abandoned", logx.Err(err))
		}
	}()
	wg.Wait()

	rep.Took = time.Since(started).Round(time.Millisecond).String()
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: "driver.tick", Time: now, Data: rep})
	}
	if rep.RemindersDue > 0 || rep.ItemsNew > 0 || rep.FeedsFailed > 0 || rep.StoreDown {
		d.log.Info("tick",
			logx.Int("reminders_due", rep.RemindersDue),
			logx.Int("reminders_sent", rep.RemindersSent),
			logx.Int("feeds_polled", rep.FeedsPolled),
			logx.Int("feeds_failed", rep.FeedsFailed),
			logx.Int("items_new", rep.ItemsNew),
			logx.String("took", rep.Took),
		)
	}
}

// fireReminders delivers every due reminder, then confirms each with
// markFired. Delivery failure leaves the reminder pending for the next
// tick (at-least-once); a store failure abandons the rest of the pass.
// Queue acceptance counts as delivery, so a crash after markFired but
// before the worker flushes the queue can lose that one message.
func (d *Driver) fireReminders(ctx context.Context, now time.Time, rep *TickReport) {
	due, err := d.sched.Due(ctx, now)
	if err != nil {
		rep.StoreDown = true
		d.log.Error("due scan abandoned", logx.Err(err))
		return
	}
	rep.RemindersDue = len(due)

	fired := make(map[int64]struct{})
	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		chatID, err := d.chatFor(ctx, r)
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				rep.StoreDown = true
				d.log.Error("reminder pass abandoned", logx.Err(err))
				return
			}
			// No known chat; confirm anyway so it doesn't loop forever.
			d.log.Warn("reminder has no deliverable chat", logx.Int64("id", r.ID), logx.Err(err))
			chatID = r.UserID
		}

		if err := d.notif.NotifyHTML(ctx, chatID, formatReminder(r)); err != nil {
			// Queue refused; the reminder stays pending and the next
			// tick retries it.
			d.log.Warn("reminder delivery deferred", logx.Int64("id", r.ID), logx.Err(err))
			continue
		}

		err = d.sched.MarkFired(ctx, r.ID, now)
		switch {
		case err == nil:
			rep.RemindersSent++
			fired[r.UserID] = struct{}{}
		case errors.Is(err, reminder.ErrAlreadyFired), errors.Is(err, reminder.ErrAlreadyCancelled):
			// Lost a race with a concurrent cancel or tick; the user
			// saw at most one extra message.
		case errors.Is(err, storage.ErrUnavailable):
			rep.StoreDown = true
			d.log.Error("reminder pass abandoned", logx.Err(err))
			return
		default:
			d.log.Warn("mark fired failed", logx.Int64("id", r.ID), logx.Err(err))
		}
	}

	// Keep the terminal-state backlog bounded for users we just fired for.
	for userID := range fired {
		if ctx.Err() != nil {
			return
		}
		if n, err := d.store.PruneReminders(ctx, userID, d.keep); err != nil {
			d.log.Warn("reminder prune failed", logx.Int64("user", userID), logx.Err(err))
		} else if n > 0 {
			d.log.Debug("reminders pruned", logx.Int64("user", userID), logx.Int64("removed", n))
		}
	}
}

func (d *Driver) chatFor(ctx context.Context, r storage.Reminder) (int64, error) {
	u, err := d.store.GetUser(ctx, r.UserID)
	if err != nil {
		return 0, err
	}
	if u.ChatID != 0 {
		return u.ChatID, nil
	}
	return u.ID, nil
}
