package notifier

import (
	"time"

	kit "assistbot/internal/transport"
)

// Config controls the delivery pipeline. Zero values take defaults.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration // 0 disables suppression
	DedupMaxEntries int
}

// Notification is one outbound message. Text is Telegram HTML.
type Notification struct {
	Target  kit.ChatTarget
	Text    string
	Options *kit.SendOptions
}

// DeliveryEvent is published on the bus for queued/sent/failed/dropped.
type DeliveryEvent struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
