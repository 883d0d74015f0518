package feed

import (
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
)

const rssDoc = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Example Blog</title>
  <item>
    <title>Third post</title>
    <link>https://example.com/3</link>
    <guid>post-3</guid>
    <pubDate>Mon, 03 Mar 2025 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Second post</title>
    <link>https://example.com/2</link>
    <guid>post-2</guid>
    <pubDate>Sun, 02 Mar 2025 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>First post</title>
    <link>https://example.com/1</link>
    <guid>post-1</guid>
    <pubDate>Sat, 01 Mar 2025 10:00:00 GMT</pubDate>
  </item>
</channel></rss>`

func TestNormalizeOrdersOldestFirst(t *testing.T) {
	parsed, err := gofeed.NewParser().ParseString(rssDoc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := normalize(parsed)
	if f.Title != "Example Blog" {
		t.Fatalf("title: got %q", f.Title)
	}
	if len(f.Items) != 3 {
		t.Fatalf("items: got %d, want 3", len(f.Items))
	}
	want := []string{"post-1", "post-2", "post-3"}
	for i, g := range want {
		if f.Items[i].GUID != g {
			t.Fatalf("item %d: got %q, want %q", i, f.Items[i].GUID, g)
		}
	}
	if f.Items[0].Published.IsZero() || !f.Items[0].Published.Before(f.Items[2].Published) {
		t.Fatalf("published dates not ascending: %v vs %v", f.Items[0].Published, f.Items[2].Published)
	}
}

func TestNormalizeUndatedItemsKeepDocumentOrder(t *testing.T) {
	parsed := &gofeed.Feed{
		Title: "No Dates",
		Items: []*gofeed.Item{
			{Title: "newest", GUID: "n"},
			{Title: "middle", GUID: "m"},
			{Title: "oldest", GUID: "o"},
		},
	}
	f := normalize(parsed)
	want := []string{"o", "m", "n"}
	for i, g := range want {
		if f.Items[i].GUID != g {
			t.Fatalf("item %d: got %q, want %q", i, f.Items[i].GUID, g)
		}
	}
}

func TestNormalizeUsesUpdatedWhenPublishedMissing(t *testing.T) {
	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	parsed := &gofeed.Feed{
		Items: []*gofeed.Item{{Title: "x", GUID: "x", UpdatedParsed: &ts}},
	}
	f := normalize(parsed)
	if !f.Items[0].Published.Equal(ts) {
		t.Fatalf("published: got %v, want %v", f.Items[0].Published, ts)
	}
}
