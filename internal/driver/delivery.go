package driver

import (
	"context"
	"time"

	"assistbot/internal/feed"
	"assistbot/internal/notifier"
	"assistbot/internal/poller"
	"assistbot/internal/storage"
	logx "assistbot/pkg/logx"
	"assistbot/pkg/tgui"
)

func formatReminder(r storage.Reminder) string {
	return tgui.Lines(
		"⏰ "+tgui.B("Reminder"),
		tgui.Esc(r.Text),
	).String()
}

func formatItem(sub storage.Subscription, it feed.Item) string {
	title := it.Title
	if title == "" {
		title = it.Link
	}
	feedName := sub.Title
	if feedName == "" {
		feedName = sub.URL
	}
	head := "📰 " + tgui.I(feedName)
	var body tgui.H
	if it.Link != "" {
		body = tgui.Link(tgui.TruncRunes(title, 200), it.Link)
	} else {
		body = tgui.Esc(tgui.TruncRunes(title, 200))
	}
	if !it.Published.IsZero() {
		return tgui.Lines(head, body, tgui.Code(it.Published.Format(time.RFC1123))).String()
	}
	return tgui.Lines(head, body).String()
}

// FeedDelivery builds the poller callback that pushes new items to the
// subscription owner, oldest first.
func FeedDelivery(store storage.Store, notif *notifier.Service, log logx.Logger) poller.Deliver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context, sub storage.Subscription, items []feed.Item) {
		chatID := sub.UserID
		if u, err := store.GetUser(ctx, sub.UserID); err == nil && u.ChatID != 0 {
			chatID = u.ChatID
		}
		for _, it := range items {
			if err := notif.NotifyHTML(ctx, chatID, formatItem(sub, it)); err != nil {
				// The marker is already written; the item is skipped
				// rather than duplicated later.
				log.Warn("feed item delivery dropped",
					logx.Int64("sub", sub.ID),
					logx.Int64("chat", chatID),
					logx.Err(err),
				)
			}
		}
	}
}
