// Package retrieve ranks ingested source documents against a free-text query.
package retrieve

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/TobiSchelling/PatientBrief/internal/database"
)

const snippetChars = 800

// Snippet is one ranked piece of source material.
type Snippet struct {
	DocumentID int64   `json:"document_id"`
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Source     string  `json:"source,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Options bounds a retrieval.
type Options struct {
	Limit          int
	ScoreThreshold float64
}

// Retriever returns the source snippets relevant to a query.
type Retriever interface {
	Relevant(ctx context.Context, query string, opts Options) ([]Snippet, error)
}

// DocumentSource lists the documents to rank.
type DocumentSource interface {
	GetSourceDocuments() ([]database.SourceDocument, error)
}

// TermRetriever scores documents by the share of query terms they contain.
type TermRetriever struct {
	docs DocumentSource
}

func NewTermRetriever(docs DocumentSource) *TermRetriever {
	return &TermRetriever{docs: docs}
}

// Relevant returns up to opts.Limit snippets scoring at least opts.ScoreThreshold,
// best first. Ties go to the lower document id.
func (r *TermRetriever) Relevant(ctx context.Context, query string, opts Options) ([]Snippet, error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	docs, err := r.docs.GetSourceDocuments()
	if err != nil {
		return nil, err
	}

	var out []Snippet
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body := ""
		if d.Content != nil {
			body = *d.Content
		}
		score := coverage(terms, d.Title+"\n"+body)
		if score <= 0 || score < opts.ScoreThreshold {
			continue
		}
		src := ""
		if d.Source != nil {
			src = *d.Source
		}
		out = append(out, Snippet{
			DocumentID: d.ID,
			Title:      d.Title,
			URL:        d.URL,
			Source:     src,
			Text:       bestPassage(terms, body),
			Score:      score,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "your": true, "you": true,
	"are": true, "this": true, "that": true, "from": true, "what": true, "about": true,
	"will": true, "can": true, "how": true, "who": true, "our": true, "not": true,
}

// Terms lowercases text and returns its distinct content words in first-seen order.
func Terms(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range words(text) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func coverage(terms []string, text string) float64 {
	present := map[string]bool{}
	for _, w := range words(text) {
		present[w] = true
	}
	hit := 0
	for _, t := range terms {
		if present[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

// bestPassage picks the paragraph covering the most query terms, trimmed.
func bestPassage(terms []string, body string) string {
	best, bestScore := "", -1.0
	for _, p := range strings.Split(body, "\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if s := coverage(terms, p); s > bestScore {
			best, bestScore = p, s
		}
	}
	if len(best) > snippetChars {
		best = best[:snippetChars] + "..."
	}
	return best
}
