// Package bot is the command surface: it consumes transport updates,
// parses commands and calls through to the scheduling, feed, task,
// file and QR components. No business logic lives here.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"assistbot/internal/feed"
	"assistbot/internal/files"
	"assistbot/internal/reminder"
	"assistbot/internal/storage"
	kit "assistbot/internal/transport"
	logx "assistbot/pkg/logx"
	"assistbot/pkg/tgui"
)

type Config struct {
	// OwnerUserIDs restricts who may talk to the bot. Empty means open.
	OwnerUserIDs []int64
}

type Service struct {
	cfg     Config
	adapter kit.Adapter
	store   storage.Store
	sched   *reminder.Scheduler
	fetcher *feed.Fetcher
	files   *files.Service
	log     logx.Logger
	now     func() time.Time

	ownerMu sync.RWMutex
	owners  map[int64]struct{}
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, adapter kit.Adapter, store storage.Store, sched *reminder.Scheduler, fetcher *feed.Fetcher, fsvc *files.Service, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		adapter: adapter,
		store:   store,
		sched:   sched,
		fetcher: fetcher,
		files:   fsvc,
		log:     log,
		now:     time.Now,
		owners:  make(map[int64]struct{}, len(cfg.OwnerUserIDs)),
	}
	for _, id := range cfg.OwnerUserIDs {
		s.owners[id] = struct{}{}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Commands describes the command menu shown by Telegram.
func (s *Service) Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "help", Description: "show available commands"},
		{Command: "remind_add", Description: "schedule a reminder (YYYY-MM-DD HH:MM, UTC)"},
		{Command: "remind_list", Description: "list your reminders"},
		{Command: "remind_cancel", Description: "cancel a pending reminder"},
		{Command: "rss_add", Description: "subscribe to a feed"},
		{Command: "rss_list", Description: "list your subscriptions"},
		{Command: "rss_remove", Description: "remove a subscription"},
		{Command: "rss_latest", Description: "preview the latest feed entries"},
		{Command: "task_add", Description: "add a task"},
		{Command: "task_list", Description: "list open tasks"},
		{Command: "task_done", Description: "mark a task done"},
		{Command: "files_list", Description: "list stored files"},
		{Command: "files_get", Description: "download a stored file"},
		{Command: "convert_png", Description: "convert a stored image to PNG"},
		{Command: "convert_jpg", Description: "convert a stored image to JPEG"},
		{Command: "qr", Description: "render text as a QR code"},
	}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (s *Service) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			s.dispatch(ctx, up)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		s.handleMessage(ctx, *up.Message)
	case kit.UpdateDocument:
		if up.Document == nil {
			return
		}
		s.handleDocument(ctx, *up.Document)
	}
}

// SetOwners replaces the allow list, typically on config reload.
func (s *Service) SetOwners(ids []int64) {
	owners := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owners[id] = struct{}{}
	}
	s.ownerMu.Lock()
	s.owners = owners
	s.ownerMu.Unlock()
}

func (s *Service) allowed(userID int64) bool {
	s.ownerMu.RLock()
	defer s.ownerMu.RUnlock()
	if len(s.owners) == 0 {
		return true
	}
	_, ok := s.owners[userID]
	return ok
}

func (s *Service) handleMessage(ctx context.Context, m kit.Message) {
	if m.IsGroup || !s.allowed(m.FromID) {
		return
	}
	s.touchUser(ctx, m.FromID, m.ChatID, m.FromUsername, m.FromName)

	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, args := splitCommand(text)

	h, ok := s.handlers()[cmd]
	if !ok {
		s.reply(ctx, m.ChatID, tgui.Lines(
			tgui.Esc("Unknown command."),
			tgui.Esc("Use /help to see what I can do."),
		))
		return
	}
	h(ctx, m, args)
}

func (s *Service) handleDocument(ctx context.Context, d kit.Document) {
	if !s.allowed(d.FromID) {
		return
	}
	s.touchUser(ctx, d.FromID, d.ChatID, "", d.FromName)
	s.saveUpload(ctx, d)
}

// touchUser keeps the user row fresh so reminders and feed items know
// the chat to deliver to.
func (s *Service) touchUser(ctx context.Context, userID, chatID int64, username, firstName string) {
	err := s.store.UpsertUser(ctx, storage.User{
		ID:        userID,
		ChatID:    chatID,
		Username:  username,
		FirstName: firstName,
	})
	if err != nil {
		s.log.Warn("user upsert failed", logx.Int64("user", userID), logx.Err(err))
	}
}

// splitCommand returns the lowercase command name without the leading
// slash or a @botname suffix, plus the remaining argument string.
func splitCommand(text string) (string, string) {
	rest := ""
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		rest = strings.TrimSpace(text[i+1:])
		text = text[:i]
	}
	cmd := strings.ToLower(strings.TrimPrefix(text, "/"))
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, rest
}

func (s *Service) reply(ctx context.Context, chatID int64, h tgui.H) {
	_, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, h.String(), &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	if err != nil {
		s.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}
