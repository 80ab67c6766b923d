package sources

import (
	"context"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

// Entry is one parsed feed item.
type Entry struct {
	URL           string
	Title         string
	PublishedDate string // YYYY-MM-DD or empty
	Content       string
	Source        string
}

// FeedConfig is a single configured feed.
type FeedConfig struct {
	URL  string
	Name string
}

// FeedParser reads RSS/Atom feeds of clinical guidance and patient education.
type FeedParser struct {
	feeds      []FeedConfig
	maxPerFeed int
	userAgent  string
	logger     *zap.Logger
}

func NewFeedParser(feeds []FeedConfig, maxPerFeed int, userAgent string, logger *zap.Logger) *FeedParser {
	if maxPerFeed <= 0 {
		maxPerFeed = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedParser{feeds: feeds, maxPerFeed: maxPerFeed, userAgent: userAgent, logger: logger}
}

// ParseAll parses every configured feed. A failing feed is logged and skipped.
func (fp *FeedParser) ParseAll(ctx context.Context) []Entry {
	var all []Entry

	parser := gofeed.NewParser()
	if fp.userAgent != "" {
		parser.UserAgent = fp.userAgent
	}
	for _, fc := range fp.feeds {
		if ctx.Err() != nil {
			break
		}
		name := fc.Name
		if name == "" {
			name = sourceName(fc.URL)
		}

		feed, err := parser.ParseURLWithContext(fc.URL, ctx)
		if err != nil {
			fp.logger.Warn("failed to parse feed", zap.String("url", fc.URL), zap.Error(err))
			continue
		}
		n := 0
		for _, item := range feed.Items {
			if n >= fp.maxPerFeed {
				break
			}
			if e := parseItem(item, name); e != nil {
				all = append(all, *e)
				n++
			}
		}
		fp.logger.Info("parsed feed", zap.String("source", name), zap.Int("entries", n))
	}
	return all
}

func parseItem(item *gofeed.Item, source string) *Entry {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if itemURL == "" || title == "" {
		return nil
	}

	var published string
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.Format("2006-01-02")
	} else if item.UpdatedParsed != nil {
		published = item.UpdatedParsed.Format("2006-01-02")
	}

	body := item.Content
	if body == "" {
		body = item.Description
	}

	return &Entry{
		URL:           itemURL,
		Title:         title,
		PublishedDate: published,
		Content:       stripHTML(body),
		Source:        source,
	}
}

var entities = strings.NewReplacer(
	"&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'",
)

// stripHTML drops tags from a feed summary and collapses whitespace.
func stripHTML(text string) string {
	var b strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(entities.Replace(b.String())), " ")
}

// sourceName derives a display name from a feed host, e.g. "Ada" for
// https://www.ada.org/rss.
func sourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}
	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
