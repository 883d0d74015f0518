// Package feed fetches and normalizes RSS/Atom feeds.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ErrFetch wraps network and parse failures. Callers treat it as
// transient: the subscription stays intact and is retried next tick.
var ErrFetch = errors.New("feed fetch failed")

type Item struct {
	Title     string
	Link      string
	GUID      string
	Published time.Time // zero when the feed omits a date
}

type Feed struct {
	Title string
	// Items are ordered oldest first so delivery reads chronologically.
	Items []Item
}

type Fetcher struct {
	timeout   time.Duration
	userAgent string
}

func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "assistbot/1.0"
	}
	return &Fetcher{timeout: timeout, userAgent: userAgent}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (Feed, error) {
	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	p := gofeed.NewParser()
	p.UserAgent = f.userAgent

	parsed, err := p.ParseURLWithContext(url, fctx)
	if err != nil {
		return Feed{}, fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	return normalize(parsed), nil
}

func normalize(parsed *gofeed.Feed) Feed {
	out := Feed{Title: strings.TrimSpace(parsed.Title)}
	out.Items = make([]Item, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		item := Item{
			Title: strings.TrimSpace(it.Title),
			Link:  strings.TrimSpace(it.Link),
			GUID:  strings.TrimSpace(it.GUID),
		}
		if it.PublishedParsed != nil {
			item.Published = it.PublishedParsed.UTC()
		} else if it.UpdatedParsed != nil {
			item.Published = it.UpdatedParsed.UTC()
		}
		out.Items = append(out.Items, item)
	}

	// Feeds list newest first; flip, then let real dates win. The
	// stable sort keeps undated items in document order.
	for i, j := 0, len(out.Items)-1; i < j; i, j = i+1, j-1 {
		out.Items[i], out.Items[j] = out.Items[j], out.Items[i]
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		a, b := out.Items[i].Published, out.Items[j].Published
		if a.IsZero() || b.IsZero() {
			return false
		}
		return a.Before(b)
	})
	return out
}
