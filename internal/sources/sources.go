// Package sources ingests the reference material generated content is
// grounded on: feed entries plus the full text of their pages.
package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PatientBrief/internal/config"
	"github.com/TobiSchelling/PatientBrief/internal/database"
)

// Result counts one ingestion run.
type Result struct {
	Found       int
	New         int
	Duplicates  int
	Fetched     int
	FetchFailed int
	Sources     map[string]int
}

// Ingester stores feed entries and fills in missing page text.
type Ingester struct {
	db        *database.DB
	parser    *FeedParser
	fetcher   *Fetcher
	fetchFull bool
	logger    *zap.Logger
}

func NewIngester(cfg config.Sources, db *database.DB, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	feeds := make([]FeedConfig, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		feeds[i] = FeedConfig{URL: f.URL, Name: f.Name}
	}
	return &Ingester{
		db:        db,
		parser:    NewFeedParser(feeds, cfg.MaxPerFeed, cfg.UserAgent, logger),
		fetcher:   NewFetcher(0, cfg.UserAgent),
		fetchFull: cfg.FetchFull,
		logger:    logger,
	}
}

// Ingest parses all feeds, stores new entries and, when enabled, fetches the
// full text of entries without content.
func (in *Ingester) Ingest(ctx context.Context) (*Result, error) {
	r := &Result{Sources: make(map[string]int)}

	entries := in.parser.ParseAll(ctx)
	r.Found = len(entries)
	for _, e := range entries {
		id, err := in.db.InsertSourceDocument(e.URL, e.Title, optional(e.Source), optional(e.PublishedDate), optional(e.Content))
		if err != nil {
			return r, fmt.Errorf("storing %s: %w", e.URL, err)
		}
		if id > 0 {
			r.New++
			r.Sources[e.Source]++
		} else {
			r.Duplicates++
		}
	}

	if in.fetchFull {
		if err := in.fetchMissing(ctx, r); err != nil {
			return r, err
		}
	}

	in.logger.Info("source ingestion complete",
		zap.Int("found", r.Found), zap.Int("new", r.New), zap.Int("duplicates", r.Duplicates),
		zap.Int("fetched", r.Fetched), zap.Int("fetch_failed", r.FetchFailed))
	return r, nil
}

// fetchMissing skips the rest of a domain after its first HTTP error.
func (in *Ingester) fetchMissing(ctx context.Context, r *Result) error {
	docs, err := in.db.GetDocumentsNeedingFetch()
	if err != nil {
		return fmt.Errorf("listing documents to fetch: %w", err)
	}

	failedDomains := make(map[string]bool)
	for _, d := range docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		domain := host(d.URL)
		if failedDomains[domain] {
			in.db.MarkFetchAttempted(d.ID)
			r.FetchFailed++
			continue
		}

		page, err := in.fetcher.Fetch(ctx, d.URL)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && domain != "" {
			failedDomains[domain] = true
			in.logger.Warn("http error, skipping remaining pages from domain",
				zap.String("url", d.URL), zap.String("domain", domain), zap.Int("status", httpErr.Code))
		}
		if err != nil || page.Text == "" {
			in.db.MarkFetchAttempted(d.ID)
			r.FetchFailed++
			continue
		}
		text := page.Text
		if err := in.db.UpdateSourceContent(d.ID, &text); err != nil {
			return fmt.Errorf("updating %s: %w", d.URL, err)
		}
		r.Fetched++
		in.logger.Debug("fetched source", zap.String("title", d.Title))
	}
	return nil
}

// AddURL fetches one page and stores it as a source document. It returns 0
// when the URL is already stored.
func (in *Ingester) AddURL(ctx context.Context, pageURL, name string) (int64, error) {
	page, err := in.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return 0, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	if page.Text == "" {
		return 0, fmt.Errorf("no readable text at %s", pageURL)
	}
	title := page.Title
	if title == "" {
		title = pageURL
	}
	if name == "" {
		name = sourceName(pageURL)
	}
	return in.db.InsertSourceDocument(pageURL, title, optional(name), nil, &page.Text)
}

func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
