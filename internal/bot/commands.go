package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"assistbot/internal/files"
	"assistbot/internal/qrgen"
	"assistbot/internal/reminder"
	"assistbot/internal/storage"
	kit "assistbot/internal/transport"
	logx "assistbot/pkg/logx"
	"assistbot/pkg/tgui"
)

// remindTimeLayout is the user-facing schedule format, always UTC.
const remindTimeLayout = "2006-01-02 15:04"

type handler func(ctx context.Context, m kit.Message, args string)

func (s *Service) handlers() map[string]handler {
	return map[string]handler{
		"start":         s.cmdHelp,
		"help":          s.cmdHelp,
		"remind_add":    s.cmdRemindAdd,
		"remind_list":   s.cmdRemindList,
		"remind_cancel": s.cmdRemindCancel,
		"rss_add":       s.cmdRSSAdd,
		"rss_list":      s.cmdRSSList,
		"rss_remove":    s.cmdRSSRemove,
		"rss_latest":    s.cmdRSSLatest,
		"task_add":      s.cmdTaskAdd,
		"task_list":     s.cmdTaskList,
		"task_done":     s.cmdTaskDone,
		"files_list":    s.cmdFilesList,
		"files_get":     s.cmdFilesGet,
		"convert_png":   func(ctx context.Context, m kit.Message, args string) { s.cmdConvert(ctx, m, args, "png") },
		"convert_jpg":   func(ctx context.Context, m kit.Message, args string) { s.cmdConvert(ctx, m, args, "jpg") },
		"qr":            s.cmdQR,
	}
}

func (s *Service) cmdHelp(ctx context.Context, m kit.Message, _ string) {
	s.reply(ctx, m.ChatID, tgui.Lines(
		tgui.B("Reminders"),
		tgui.Esc("/remind_add 2025-12-31 18:00 buy champagne — schedule (UTC)"),
		tgui.Esc("/remind_list, /remind_cancel <id>"),
		tgui.B("Feeds"),
		tgui.Esc("/rss_add <url> [interval] — subscribe, e.g. /rss_add https://example.com/feed 30m"),
		tgui.Esc("/rss_list, /rss_remove <id>, /rss_latest <id>"),
		tgui.B("Tasks"),
		tgui.Esc("/task_add <text>, /task_list, /task_done <id>"),
		tgui.B("Files"),
		tgui.Esc("Send me any file or photo to store it."),
		tgui.Esc("/files_list, /files_get <name>"),
		tgui.Esc("/convert_png <name>, /convert_jpg <name>"),
		tgui.B("Other"),
		tgui.Esc("/qr <text> — render a QR code"),
	))
}

func (s *Service) cmdRemindAdd(ctx context.Context, m kit.Message, args string) {
	usage := tgui.Esc("Usage: /remind_add YYYY-MM-DD HH:MM <text> (time is UTC)")
	if len(args) < len(remindTimeLayout)+2 {
		s.reply(ctx, m.ChatID, usage)
		return
	}
	when, err := time.ParseInLocation(remindTimeLayout, args[:len(remindTimeLayout)], time.UTC)
	if err != nil {
		s.reply(ctx, m.ChatID, usage)
		return
	}
	text := strings.TrimSpace(args[len(remindTimeLayout):])
	if text == "" {
		s.reply(ctx, m.ChatID, usage)
		return
	}

	r, err := s.sched.Schedule(ctx, m.FromID, text, when)
	if err != nil {
		switch {
		case errors.Is(err, reminder.ErrInvalidTime):
			s.reply(ctx, m.ChatID, tgui.Esc("That time is already in the past (remember: times are UTC)."))
		case errors.Is(err, storage.ErrUnavailable):
			s.replyStoreDown(ctx, m.ChatID)
		default:
			s.replyErr(ctx, m.ChatID, err)
		}
		return
	}
	s.reply(ctx, m.ChatID, tgui.Lines(
		tgui.Hf("Reminder %s set for %s UTC.", tgui.Code(fmt.Sprintf("#%d", r.ID)), tgui.B(r.FireAt.UTC().Format(remindTimeLayout))),
	))
}

func (s *Service) cmdRemindList(ctx context.Context, m kit.Message, _ string) {
	rs, err := s.store.ListReminders(ctx, m.FromID)
	if err != nil {
		s.replyStoreDown(ctx, m.ChatID)
		return
	}
	var lines []tgui.H
	for _, r := range rs {
		var mark string
		switch r.State {
		case storage.ReminderPending:
			mark = "⏳"
		case storage.ReminderFired:
			mark = "✅"
		case storage.ReminderCancelled:
			mark = "✖️"
		}
		lines = append(lines, tgui.Hf("%s %s %s — %s",
			tgui.Esc(mark),
			tgui.Code(fmt.Sprintf("#%d", r.ID)),
			tgui.Esc(r.FireAt.UTC().Format(remindTimeLayout)),
			tgui.Esc(tgui.TruncRunes(r.Text, 80)),
		))
	}
	if len(lines) == 0 {
		s.reply(ctx, m.ChatID, tgui.Esc("No reminders. Add one with /remind_add."))
		return
	}
	s.reply(ctx, m.ChatID, tgui.Lines(append([]tgui.H{tgui.B("Your reminders")}, lines...)...))
}

func (s *Service) cmdRemindCancel(ctx context.Context, m kit.Message, args string) {
	id, ok := parseID(args)
	if !ok {
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /remind_cancel <id>"))
		return
	}
	err := s.sched.Cancel(ctx, m.FromID, id)
	switch {
	case err == nil:
		s.reply(ctx, m.ChatID, tgui.Hf("Reminder %s cancelled.", tgui.Code(fmt.Sprintf("#%d", id))))
	case errors.Is(err, reminder.ErrAlreadyFired):
		s.reply(ctx, m.ChatID, tgui.Esc("Too late — that reminder already fired."))
	case errors.Is(err, reminder.ErrNotFound):
		s.reply(ctx, m.ChatID, tgui.Esc("No such reminder."))
	case errors.Is(err, storage.ErrUnavailable):
		s.replyStoreDown(ctx, m.ChatID)
	default:
		s.replyErr(ctx, m.ChatID, err)
	}
}

func (s *Service) cmdRSSAdd(ctx context.Context, m kit.Message, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 || !strings.Contains(fields[0], "://") {
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /rss_add <url> [interval], e.g. /rss_add https://example.com/feed 30m"))
		return
	}
	url := fields[0]
	interval := 15 * time.Minute
	if len(fields) > 1 {
		d, err := time.ParseDuration(fields[1])
		if err != nil || d < time.Minute {
			s.reply(ctx, m.ChatID, tgui.Esc("Interval must be a duration of at least 1m (e.g. 30m, 2h)."))
			return
		}
		interval = d
	}

	// Probe the feed first so broken URLs are rejected up front.
	f, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		s.reply(ctx, m.ChatID, tgui.Hf("Could not fetch that feed: %s", tgui.Esc(tgui.TruncRunes(err.Error(), 150))))
		return
	}

	sub, err := s.store.AddSubscription(ctx, storage.Subscription{
		UserID:   m.FromID,
		URL:      url,
		Title:    f.Title,
		Interval: interval,
		AddedAt:  s.now(),
	})
	switch {
	case err == nil:
		title := sub.Title
		if title == "" {
			title = sub.URL
		}
		s.reply(ctx, m.ChatID, tgui.Hf("Subscribed %s to %s (every %s).",
			tgui.Code(fmt.Sprintf("#%d", sub.ID)), tgui.B(title), tgui.Esc(interval.String())))
	case errors.Is(err, storage.ErrConflict):
		s.reply(ctx, m.ChatID, tgui.Esc("You are already subscribed to that feed."))
	case errors.Is(err, storage.ErrUnavailable):
		s.replyStoreDown(ctx, m.ChatID)
	default:
		s.replyErr(ctx, m.ChatID, err)
	}
}

func (s *Service) cmdRSSList(ctx context.Context, m kit.Message, _ string) {
	subs, err := s.store.ListSubscriptions(ctx, m.FromID)
	if err != nil {
		s.replyStoreDown(ctx, m.ChatID)
		return
	}
	if len(subs) == 0 {
		s.reply(ctx, m.ChatID, tgui.Esc("No subscriptions. Add one with /rss_add <url>."))
		return
	}
	lines := []tgui.H{tgui.B("Your feeds")}
	for _, sub := range subs {
		title := sub.Title
		if title == "" {
			title = sub.URL
		}
		status := sub.LastStatus
		if status == "" {
			status = "not polled yet"
		}
		lines = append(lines,
			tgui.Hf("%s %s — every %s", tgui.Code(fmt.Sprintf("#%d", sub.ID)),
				tgui.Link(tgui.TruncRunes(title, 60), sub.URL), tgui.Esc(sub.Interval.String())),
			tgui.Hf("   last: %s", tgui.I(tgui.TruncRunes(status, 100))),
		)
	}
	s.reply(ctx, m.ChatID, tgui.Lines(lines...))
}

func (s *Service) cmdRSSRemove(ctx context.Context, m kit.Message, args string) {
	id, ok := parseID(args)
	if !ok {
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /rss_remove <id>"))
		return
	}
	err := s.store.RemoveSubscription(ctx, m.FromID, id)
	switch {
	case err == nil:
		s.reply(ctx, m.ChatID, tgui.Hf("Subscription %s removed.", tgui.Code(fmt.Sprintf("#%d", id))))
	case errors.Is(err, storage.ErrNotFound):
		s.reply(ctx, m.ChatID, tgui.Esc("No such subscription."))
	case errors.Is(err, storage.ErrUnavailable):
		s.replyStoreDown(ctx, m.ChatID)
	default:
		s.replyErr(ctx, m.ChatID, err)
	}
}

func (s *Service) cmdRSSLatest(ctx context.Context, m kit.Message, args string) {
	id, ok := parseID(args)
	if !ok {
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /rss_latest <id>"))
		return
	}
	subs, err := s.store.ListSubscriptions(ctx, m.FromID)
	if err != nil {
		s.replyStoreDown(ctx, m.ChatID)
		return
	}
	var url, title string
	for _, sub := range subs {
		if sub.ID == id {
			url, title = sub.URL, sub.Title
			break
		}
	}
	if url == "" {
		s.reply(ctx, m.ChatID, tgui.Esc("No such subscription."))
		return
	}

	f, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		s.reply(ctx, m.ChatID, tgui.Hf("Fetch failed: %s", tgui.Esc(tgui.TruncRunes(err.Error(), 150))))
		return
	}
	if title == "" {
		title = f.Title
	}
	// Preview only; nothing is marked seen.
	items := f.Items
	if len(items) > 5 {
		items = items[len(items)-5:]
	}
	lines := []tgui.H{tgui.Hf("Latest from %s", tgui.B(title))}
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		name := it.Title
		if name == "" {
			name = it.Link
		}
		if it.Link != "" {
			lines = append(lines, tgui.Hf("• %s", tgui.Link(tgui.TruncRunes(name, 120), it.Link)))
		} else {
			lines = append(lines, tgui.Hf("• %s", tgui.Esc(tgui.TruncRunes(name, 120))))
		}
	}
	s.reply(ctx, m.ChatID, tgui.Lines(lines...))
}

func (s *Service) cmdTaskAdd(ctx context.Context, m kit.Message, args string) {
	text := strings.TrimSpace(args)
	if text == "" {
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /task_add <text>"))
		return
	}
	t, err := s.store.AddTask(ctx, m.FromID, text, s.now())
	if err != nil {
		s.replyStoreDown(ctx, m.ChatID)
		return
	}
	s.reply(ctx, m.ChatID, tgui.Hf("Task %s added.", tgui.Code(fmt.Sprintf("#%d", t.ID))))
}

func (s *Service) cmdTaskList(ctx context.Context, m kit.Message, _ string) {
	ts, err := s.store.ListTasks(ctx, m.FromID, false)
	if err != nil {
		s.replyStoreDown(ctx, m.ChatID)
		return
	}
	if len(ts) == 0 {
		s.reply(ctx, m.ChatID, tgui.Esc("No open tasks. 🎉"))
		return
	}
	lines := []tgui.H{tgui.B("Open tasks")}
	for _, t := range ts {
		lines = append(lines, tgui.Hf("%s %s", tgui.Code(fmt.Sprintf("#%d", t.ID)), tgui.Esc(tgui.TruncRunes(t.Text, 100))))
	}
	s.reply(ctx, m.ChatID, tgui.Lines(lines...))
}

func (s *Service) cmdTaskDone(ctx context.Context, m kit.Message, args string) {
	id, ok := parseID(args)
	if !ok {
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /task_done <id>"))
		return
	}
	err := s.store.CompleteTask(ctx, m.FromID, id, s.now())
	switch {
	case err == nil:
		s.reply(ctx, m.ChatID, tgui.Hf("Task %s done. ✅", tgui.Code(fmt.Sprintf("#%d", id))))
	case errors.Is(err, storage.ErrNotFound):
		s.reply(ctx, m.ChatID, tgui.Esc("No such task."))
	case errors.Is(err, storage.ErrUnavailable):
		s.replyStoreDown(ctx, m.ChatID)
	default:
		s.replyErr(ctx, m.ChatID, err)
	}
}

func (s *Service) cmdFilesList(ctx context.Context, m kit.Message, _ string) {
	list, err := s.files.List()
	if err != nil {
		s.replyErr(ctx, m.ChatID, err)
		return
	}
	if len(list) == 0 {
		s.reply(ctx, m.ChatID, tgui.Esc("No stored files. Send me a document or photo to store it."))
		return
	}
	lines := []tgui.H{tgui.B("Stored files")}
	for _, fi := range list {
		lines = append(lines, tgui.Hf("%s (%s)", tgui.Code(fi.Name), tgui.Esc(humanSize(fi.Size))))
	}
	s.reply(ctx, m.ChatID, tgui.Lines(lines...))
}

func (s *Service) cmdFilesGet(ctx context.Context, m kit.Message, args string) {
	name := strings.TrimSpace(args)
	if name == "" {
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /files_get <name>"))
		return
	}
	rc, info, err := s.files.Open(name)
	if errors.Is(err, files.ErrNotFound) {
		s.reply(ctx, m.ChatID, tgui.Esc("No such file. See /files_list."))
		return
	}
	if err != nil {
		s.replyErr(ctx, m.ChatID, err)
		return
	}
	defer rc.Close()
	if err := s.adapter.SendDocument(ctx, kit.ChatTarget{ChatID: m.ChatID}, info.Name, rc, ""); err != nil {
		s.log.Warn("file send failed", logx.String("name", info.Name), logx.Err(err))
		s.reply(ctx, m.ChatID, tgui.Esc("Sending the file failed, try again later."))
	}
}

func (s *Service) cmdConvert(ctx context.Context, m kit.Message, args, target string) {
	name := strings.TrimSpace(args)
	if name == "" {
		s.reply(ctx, m.ChatID, tgui.Hf("Usage: /convert_%s <stored file name>", tgui.Esc(target)))
		return
	}
	rc, info, err := s.files.Open(name)
	if errors.Is(err, files.ErrNotFound) {
		s.reply(ctx, m.ChatID, tgui.Esc("No such file. See /files_list."))
		return
	}
	if err != nil {
		s.replyErr(ctx, m.ChatID, err)
		return
	}
	out, srcFormat, err := files.ConvertImage(rc, target)
	rc.Close()
	if errors.Is(err, files.ErrBadImage) {
		s.reply(ctx, m.ChatID, tgui.Esc("That file is not an image I can decode (PNG, JPEG, GIF, BMP, WebP)."))
		return
	}
	if err != nil {
		s.replyErr(ctx, m.ChatID, err)
		return
	}

	outName := files.ConvertedName(info.Name, target)
	caption := fmt.Sprintf("%s → %s", srcFormat, target)
	if err := s.adapter.SendDocument(ctx, kit.ChatTarget{ChatID: m.ChatID}, outName, bytes.NewReader(out), caption); err != nil {
		s.log.Warn("converted send failed", logx.String("name", outName), logx.Err(err))
		s.reply(ctx, m.ChatID, tgui.Esc("Sending the converted image failed, try again later."))
	}
}

func (s *Service) cmdQR(ctx context.Context, m kit.Message, args string) {
	png, err := qrgen.Encode(args, 0)
	switch {
	case errors.Is(err, qrgen.ErrEmpty):
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /qr <text or url>"))
		return
	case errors.Is(err, qrgen.ErrTooLong):
		s.reply(ctx, m.ChatID, tgui.Esc("That text is too long for a QR code."))
		return
	case err != nil:
		s.replyErr(ctx, m.ChatID, err)
		return
	}
	if err := s.adapter.SendDocument(ctx, kit.ChatTarget{ChatID: m.ChatID}, "qr.png", bytes.NewReader(png), ""); err != nil {
		s.log.Warn("qr send failed", logx.Err(err))
		s.reply(ctx, m.ChatID, tgui.Esc("Sending the QR code failed, try again later."))
	}
}

func (s *Service) saveUpload(ctx context.Context, d kit.Document) {
	name := d.FileName
	if name == "" {
		if d.IsPhoto {
			name = "photo-" + d.UniqueID + ".jpg"
		} else {
			name = "file-" + d.UniqueID
		}
	}

	rc, err := s.adapter.Download(ctx, d.FileID)
	if err != nil {
		s.log.Warn("upload download failed", logx.String("name", name), logx.Err(err))
		s.reply(ctx, d.ChatID, tgui.Esc("Could not download that file from Telegram."))
		return
	}
	defer rc.Close()

	info, err := s.files.Save(name, rc)
	if errors.Is(err, files.ErrTooLarge) {
		s.reply(ctx, d.ChatID, tgui.Hf("File too large (limit %s).", tgui.Esc(humanSize(s.files.MaxSize()))))
		return
	}
	if err != nil {
		s.replyErr(ctx, d.ChatID, err)
		return
	}
	s.reply(ctx, d.ChatID, tgui.Hf("Stored as %s (%s). Retrieve it with /files_get.",
		tgui.Code(info.Name), tgui.Esc(humanSize(info.Size))))
}

func (s *Service) replyStoreDown(ctx context.Context, chatID int64) {
	s.reply(ctx, chatID, tgui.Esc("Storage is temporarily unavailable, please try again in a moment."))
}

func (s *Service) replyErr(ctx context.Context, chatID int64, err error) {
	s.log.Warn("command failed", logx.Err(err))
	s.reply(ctx, chatID, tgui.Esc("Something went wrong, please try again."))
}

func parseID(args string) (int64, bool) {
	v := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(args), "#"))
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
