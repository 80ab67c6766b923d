package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const minTextChars = 100

// HTTPError is a 4xx/5xx response from a source site.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d %s", e.Code, http.StatusText(e.Code))
}

// Page is the readable text of a fetched page.
type Page struct {
	Title string
	Text  string
}

// Fetcher downloads pages and extracts their main text with readability.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if userAgent == "" {
		userAgent = "PatientBrief/1.0 (source ingestion)"
	}
	return &Fetcher{
		userAgent: userAgent,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Fetch returns the page text. A page with too little readable text yields
// an empty Page and no error; status codes >= 400 yield *HTTPError.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (Page, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("parsing url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Page{}, &HTTPError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return Page{}, fmt.Errorf("reading body: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return Page{}, nil
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) <= minTextChars {
		return Page{}, nil
	}
	return Page{Title: strings.TrimSpace(article.Title), Text: text}, nil
}
