// Package dedup decides whether a feed item has been delivered before.
//
// Each item is reduced to a stable fingerprint: the feed GUID when
// present, otherwise a hash of title, link and published date. Markers
// are persisted per subscription so restarts do not re-deliver.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"assistbot/internal/feed"
	"assistbot/internal/storage"
)

// Fingerprint returns the stable identity of an item.
func Fingerprint(it feed.Item) string {
	if it.GUID != "" {
		return it.GUID
	}
	h := sha256.New()
	h.Write([]byte(it.Title))
	h.Write([]byte{'|'})
	h.Write([]byte(it.Link))
	h.Write([]byte{'|'})
	if !it.Published.IsZero() {
		h.Write([]byte(it.Published.UTC().Format(time.RFC3339)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Index is the seen-marker set for all subscriptions, backed by the
// store. Safe for concurrent use by poller workers.
type Index struct {
	store storage.Store
	keep  int
}

// NewIndex builds an index retaining up to keep markers per
// subscription (0 means the default of 500).
func NewIndex(store storage.Store, keep int) *Index {
	if keep <= 0 {
		keep = 500
	}
	return &Index{store: store, keep: keep}
}

// IsNew reports whether the item has not been seen for a subscription.
func (ix *Index) IsNew(ctx context.Context, subID int64, it feed.Item) (bool, error) {
	seen, err := ix.store.HasSeen(ctx, subID, Fingerprint(it))
	if err != nil {
		return false, err
	}
	return !seen, nil
}

// MarkSeen records the item. Returns false when the marker already
// existed, which makes mark-then-deliver safe against concurrent polls
// of the same subscription. MarkSeen never prunes: retention is a
// separate Prune step so an eviction cannot page out a marker the same
// poll cycle still checks against.
func (ix *Index) MarkSeen(ctx context.Context, subID int64, it feed.Item, now time.Time) (bool, error) {
	return ix.store.InsertSeen(ctx, subID, Fingerprint(it), now)
}

// Prune drops the oldest markers beyond the retention cap. Callers run
// it once per poll cycle, strictly after that cycle's MarkSeen calls.
func (ix *Index) Prune(ctx context.Context, subID int64) (int64, error) {
	return ix.store.PruneSeen(ctx, subID, ix.keep)
}
