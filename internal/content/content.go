// Package content is the gateway to authored and generated report content.
// Lookups walk the tone fallback chain and fall back to the default language.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
	"github.com/TobiSchelling/PatientBrief/internal/scenario"
)

// Origins of stored content.
const (
	OriginAuthored  = "authored"
	OriginGenerated = "generated"
)

// Content is one resolved content body.
type Content struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Tone       string             `json:"tone"`
	Language   string             `json:"language"`
	Title      string             `json:"title,omitempty"`
	Body       string             `json:"body"`
	Scenario   *scenario.Scenario `json:"scenario,omitempty"`
	Origin     string             `json:"origin"`
	Confidence float64            `json:"confidence,omitempty"`
}

// Availability splits requested content ids into found and missing.
type Availability struct {
	Available []string `json:"available"`
	Missing   []string `json:"missing"`
}

// Store is the content gateway used by the pipeline.
type Store interface {
	// Get returns content for id, trying each tone of the fallback chain and
	// then the default language. It returns nil, nil when nothing matches.
	Get(ctx context.Context, id, tone, language string) (*Content, error)
	Exists(ctx context.Context, id, tone, language string) (bool, error)
	ListByType(ctx context.Context, contentType, language string) ([]Content, error)
	CheckAvailability(ctx context.Context, ids []string, language, tone string) (Availability, error)
	Upsert(ctx context.Context, c Content) error
}

// SQLiteStore implements Store on the report database.
type SQLiteStore struct {
	db              *database.DB
	rules           *rules.Set
	defaultLanguage string
}

func NewSQLiteStore(db *database.DB, rs *rules.Set, defaultLanguage string) *SQLiteStore {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	return &SQLiteStore{db: db, rules: rs, defaultLanguage: defaultLanguage}
}

func (s *SQLiteStore) Get(ctx context.Context, id, tone, language string) (*Content, error) {
	for _, lang := range s.languages(language) {
		for _, t := range s.rules.ToneChain(tone) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			item, err := s.db.GetContent(id, t, lang)
			if err != nil {
				return nil, fmt.Errorf("loading content %s/%s/%s: %w", id, t, lang, err)
			}
			if item != nil {
				return fromItem(*item)
			}
		}
	}
	return nil, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id, tone, language string) (bool, error) {
	c, err := s.Get(ctx, id, tone, language)
	return c != nil, err
}

func (s *SQLiteStore) ListByType(ctx context.Context, contentType, language string) ([]Content, error) {
	items, err := s.db.ListContentByType(contentType, language)
	if err != nil {
		return nil, fmt.Errorf("listing %s content: %w", contentType, err)
	}
	out := make([]Content, 0, len(items))
	for _, it := range items {
		c, err := fromItem(it)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *SQLiteStore) CheckAvailability(ctx context.Context, ids []string, language, tone string) (Availability, error) {
	return checkAvailability(ctx, s, ids, language, tone)
}

func (s *SQLiteStore) Upsert(ctx context.Context, c Content) error {
	item, err := toItem(c)
	if err != nil {
		return err
	}
	if err := s.db.UpsertContent(item); err != nil {
		return fmt.Errorf("storing content %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) languages(language string) []string {
	if language == "" || language == s.defaultLanguage {
		return []string{s.defaultLanguage}
	}
	return []string{language, s.defaultLanguage}
}

func checkAvailability(ctx context.Context, st Store, ids []string, language, tone string) (Availability, error) {
	var av Availability
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		ok, err := st.Exists(ctx, id, tone, language)
		if err != nil {
			return Availability{}, err
		}
		if ok {
			av.Available = append(av.Available, id)
		} else {
			av.Missing = append(av.Missing, id)
		}
	}
	return av, nil
}

// Scenarios returns one candidate per scenario id for a language, falling back
// to the store's default-language scenarios when none exist. Rows carrying
// category or section metadata win over rows that do not.
func Scenarios(ctx context.Context, st Store, language string) ([]scenario.Scenario, error) {
	items, err := st.ListByType(ctx, rules.TypeScenario, language)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 && language != "" {
		if items, err = st.ListByType(ctx, rules.TypeScenario, ""); err != nil {
			return nil, err
		}
	}
	pos := make(map[string]int)
	var out []scenario.Scenario
	for _, it := range items {
		if it.Scenario == nil {
			continue
		}
		i, ok := pos[it.ID]
		if !ok {
			pos[it.ID] = len(out)
			out = append(out, *it.Scenario)
			continue
		}
		// A row without metadata never hides one that has it.
		if !hasMetadata(out[i]) && hasMetadata(*it.Scenario) {
			out[i] = *it.Scenario
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func hasMetadata(s scenario.Scenario) bool {
	return s.Category != "" || len(s.Sections) > 0
}

type scenarioMeta struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Sections    []int  `json:"sections"`
}

func fromItem(it database.ContentItem) (*Content, error) {
	c := &Content{
		ID:       it.ContentID,
		Type:     it.Type,
		Tone:     it.Tone,
		Language: it.Language,
		Body:     it.Body,
		Origin:   it.Origin,
	}
	if it.Title != nil {
		c.Title = *it.Title
	}
	if it.Confidence != nil {
		c.Confidence = *it.Confidence
	}
	if it.Type == rules.TypeScenario {
		var m scenarioMeta
		if it.Metadata != nil && *it.Metadata != "" {
			if err := json.Unmarshal([]byte(*it.Metadata), &m); err != nil {
				return nil, fmt.Errorf("decoding scenario metadata for %s: %w", it.ContentID, err)
			}
		}
		c.Scenario = &scenario.Scenario{
			ID:          it.ContentID,
			Category:    m.Category,
			Description: m.Description,
			Sections:    m.Sections,
		}
	}
	return c, nil
}

func toItem(c Content) (database.ContentItem, error) {
	item := database.ContentItem{
		ContentID: c.ID,
		Tone:      c.Tone,
		Language:  c.Language,
		Type:      c.Type,
		Body:      c.Body,
		Origin:    c.Origin,
	}
	if c.Title != "" {
		title := c.Title
		item.Title = &title
	}
	if c.Origin == OriginGenerated {
		conf := c.Confidence
		item.Confidence = &conf
	}
	if c.Scenario != nil {
		data, err := json.Marshal(scenarioMeta{
			Category:    c.Scenario.Category,
			Description: c.Scenario.Description,
			Sections:    c.Scenario.Sections,
		})
		if err != nil {
			return item, err
		}
		meta := string(data)
		item.Metadata = &meta
	}
	return item, nil
}
