// Package compose assembles the per-section patient report from scenario
// text, selected content blocks, tone and match confidence.
package compose

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PatientBrief/internal/content"
	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
	"github.com/TobiSchelling/PatientBrief/internal/scenario"
	"github.com/TobiSchelling/PatientBrief/internal/selection"
	"github.com/TobiSchelling/PatientBrief/internal/tone"
)

// Section is one rendered report section.
type Section struct {
	Number    int      `json:"number"`
	Name      string   `json:"name"`
	Tone      string   `json:"tone"`
	Content   string   `json:"content"`
	Sources   []string `json:"sources"`
	WordCount int      `json:"word_count"`
	Hedged    bool     `json:"hedged,omitempty"`
}

// Skipped records a section left out of the report and why.
type Skipped struct {
	Number int    `json:"number"`
	Reason string `json:"reason"`
}

// Report is a composed report. It is built once and not modified afterwards.
type Report struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Language        string    `json:"language"`
	Tone            string    `json:"tone"`
	ToneName        string    `json:"tone_name"`
	ScenarioID      string    `json:"scenario_id"`
	ScenarioIDs     []string  `json:"scenario_ids"`
	Confidence      string    `json:"confidence"`
	BlockedBy       string    `json:"blocked_by,omitempty"`
	Sections        []Section `json:"sections"`
	Skipped         []Skipped `json:"skipped,omitempty"`
	FactCheckScore  float64   `json:"fact_check_score"`
	FactCheckPassed bool      `json:"fact_check_passed"`
	Issues          []string  `json:"issues,omitempty"`
	Resolved        []string  `json:"resolved_placeholders,omitempty"`
	Unresolved      []string  `json:"unresolved_placeholders,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Section returns a composed section by number.
func (r *Report) Section(n int) (Section, bool) {
	for _, s := range r.Sections {
		if s.Number == n {
			return s, true
		}
	}
	return Section{}, false
}

// Markdown renders the report for delivery.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString("# Your Treatment Summary\n\n")
	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Name, s.Content)
	}
	return strings.TrimSpace(b.String()) + "\n"
}

// TotalWords sums section word counts.
func (r *Report) TotalWords() int {
	n := 0
	for _, s := range r.Sections {
		n += s.WordCount
	}
	return n
}

// Input is everything one composition reads.
type Input struct {
	ReportID        string
	Answers         *intake.Answers
	Drivers         drivers.State
	Scenarios       scenario.Result
	Selections      []selection.Item
	Tone            tone.Profile
	Language        string
	FactCheckScore  float64
	FactCheckPassed bool
	Issues          []string
	Now             time.Time
}

// Composer builds reports from stored content.
type Composer struct {
	store  content.Store
	rules  *rules.Set
	logger *zap.Logger

	mu     sync.Mutex
	banned map[string]*bannedMatcher
}

// NewComposer creates a new report composer.
func NewComposer(store content.Store, rs *rules.Set, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{store: store, rules: rs, logger: logger, banned: make(map[string]*bannedMatcher)}
}

// Compose walks the standard sections in order and emits at most one
// section each. Sections with no resolved content are skipped.
func (c *Composer) Compose(ctx context.Context, in Input) (*Report, error) {
	rs := c.rules
	top := in.Scenarios.Top()
	r := &Report{
		ID:              in.ReportID,
		Language:        in.Language,
		Tone:            in.Tone.ID,
		ToneName:        in.Tone.Name,
		ScenarioID:      top.ID,
		Confidence:      in.Scenarios.Confidence,
		BlockedBy:       selection.BlockingAlert(in.Selections),
		FactCheckScore:  in.FactCheckScore,
		FactCheckPassed: in.FactCheckPassed,
		Issues:          append([]string(nil), in.Issues...),
		CreatedAt:       in.Now,
	}
	if in.Answers != nil {
		r.SessionID = in.Answers.SessionID
	}
	for _, s := range in.Scenarios.Ranked {
		r.ScenarioIDs = append(r.ScenarioIDs, s.ID)
	}

	values := Context(in.Answers, in.Drivers, rs)
	texts := newScenarioTexts(c.store, in.Language)
	seenR, seenU := map[string]bool{}, map[string]bool{}

	for _, sec := range rs.Sections {
		if r.BlockedBy != "" && rs.IsBlocked(sec.Number) {
			r.Skipped = append(r.Skipped, Skipped{sec.Number, "blocked by " + r.BlockedBy})
			continue
		}
		items := selection.ForSection(in.Selections, sec.Number)
		if len(items) > 0 && len(selection.Active(items)) == 0 {
			r.Skipped = append(r.Skipped, Skipped{sec.Number, "all content suppressed"})
			continue
		}

		secTone := in.Tone
		if sec.Tone != "" {
			if p, ok := rs.Tone(sec.Tone); ok {
				secTone = p
			}
		}

		parts, sources, err := c.assemble(ctx, sec, secTone.ID, in, items, texts, r)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			r.Skipped = append(r.Skipped, Skipped{sec.Number, "no content"})
			continue
		}

		hedged := false
		if rs.IsHedged(sec.Number) && in.Scenarios.Confidence != rules.ConfidenceHigh {
			if phrases := rs.Hedges[in.Scenarios.Confidence]; len(phrases) > 0 {
				parts = append([]string{phrases[0]}, parts...)
				hedged = true
			}
		}

		text, resolved, unresolved := Resolve(strings.Join(parts, "\n\n"), values)
		for _, n := range resolved {
			if !seenR[n] {
				seenR[n] = true
				r.Resolved = append(r.Resolved, n)
			}
		}
		for _, n := range unresolved {
			if !seenU[n] {
				seenU[n] = true
				r.Unresolved = append(r.Unresolved, n)
			}
		}
		for _, word := range c.bannedFor(secTone).find(text) {
			r.Issues = append(r.Issues, fmt.Sprintf("section %d uses %q, avoided in tone %s", sec.Number, word, secTone.ID))
		}

		r.Sections = append(r.Sections, Section{
			Number:    sec.Number,
			Name:      sec.Name,
			Tone:      secTone.ID,
			Content:   text,
			Sources:   sources,
			WordCount: WordCount(text),
			Hedged:    hedged,
		})
	}

	c.logger.Debug("report composed",
		zap.String("session_id", r.SessionID),
		zap.Int("sections", len(r.Sections)),
		zap.Int("skipped", len(r.Skipped)),
		zap.Int("unresolved", len(r.Unresolved)))
	return r, nil
}

// assemble resolves one section's source-precedence list.
func (c *Composer) assemble(ctx context.Context, sec rules.Section, toneID string, in Input,
	items []selection.Item, texts *scenarioTexts, r *Report) ([]string, []string, error) {

	// Scenario text is resolved first so block sources can consult preemption
	// regardless of where they sit in the list.
	var scenarioText, scenarioID string
	for _, src := range sec.Sources {
		if src.Kind != rules.TypeScenario {
			continue
		}
		text, id, err := c.scenarioPart(ctx, src, sec.Number, toneID, in.Scenarios, texts)
		if err != nil {
			return nil, nil, err
		}
		if text != "" {
			scenarioText, scenarioID = text, id
			break
		}
	}

	var parts, sources []string
	add := func(text, id string) {
		parts = append(parts, text)
		for _, s := range sources {
			if s == id {
				return
			}
		}
		sources = append(sources, id)
	}

	for _, src := range sec.Sources {
		switch src.Kind {
		case rules.TypeStatic:
			got, err := c.store.Get(ctx, src.ContentID, toneID, in.Language)
			if err != nil {
				return nil, nil, err
			}
			if got == nil || strings.TrimSpace(got.Body) == "" {
				r.Issues = append(r.Issues, fmt.Sprintf("static content %s unavailable", src.ContentID))
				continue
			}
			add(strings.TrimSpace(got.Body), src.ContentID)

		case rules.TypeScenario:
			if scenarioText != "" {
				add(scenarioText, scenarioID)
				scenarioText = ""
			}

		default:
			if scenarioID != "" && c.rules.Preempts(src.Kind, rules.TypeScenario) {
				continue
			}
			emitted := 0
			for _, it := range items {
				if it.Type != src.Kind || it.Suppressed {
					continue
				}
				if src.Cap > 0 && emitted >= src.Cap {
					break
				}
				got, err := c.store.Get(ctx, it.ContentID, it.Tone, in.Language)
				if err != nil {
					return nil, nil, err
				}
				if got == nil || strings.TrimSpace(got.Body) == "" {
					r.Issues = append(r.Issues, fmt.Sprintf("content %s unavailable for section %d", it.ContentID, sec.Number))
					continue
				}
				add(strings.TrimSpace(got.Body), it.ContentID)
				emitted++
			}
		}
	}
	return parts, sources, nil
}

// scenarioPart walks candidates in rank order and returns the first named
// subsection found under the primary key or one of its fallbacks.
func (c *Composer) scenarioPart(ctx context.Context, src rules.Source, section int, toneID string,
	res scenario.Result, texts *scenarioTexts) (string, string, error) {

	keys := append([]string{src.Key}, src.Fallbacks...)
	for _, cand := range res.Ranked {
		if !cand.Covers(section) {
			continue
		}
		subs, err := texts.get(ctx, cand.ID, toneID)
		if err != nil {
			return "", "", err
		}
		for _, k := range keys {
			if text := subs[k]; text != "" {
				return text, cand.ID, nil
			}
		}
	}
	return "", "", nil
}

type scenarioTexts struct {
	store    content.Store
	language string
	cache    map[string]map[string]string
}

func newScenarioTexts(store content.Store, language string) *scenarioTexts {
	return &scenarioTexts{store: store, language: language, cache: map[string]map[string]string{}}
}

func (t *scenarioTexts) get(ctx context.Context, id, toneID string) (map[string]string, error) {
	key := id + "/" + toneID
	if subs, ok := t.cache[key]; ok {
		return subs, nil
	}
	got, err := t.store.Get(ctx, id, toneID, t.language)
	if err != nil {
		return nil, fmt.Errorf("loading scenario %s: %w", id, err)
	}
	subs := map[string]string{}
	if got != nil {
		subs = scenario.Subsections(got.Body)
	}
	t.cache[key] = subs
	return subs, nil
}

// bannedMatcher finds a tone's avoided words with one compiled pattern.
type bannedMatcher struct {
	words []string
	re    *regexp.Regexp
}

func newBannedMatcher(banned []string) *bannedMatcher {
	m := &bannedMatcher{words: banned}
	if len(banned) == 0 {
		return m
	}
	alts := make([]string, len(banned))
	for i, w := range banned {
		alts[i] = regexp.QuoteMeta(w)
	}
	m.re = regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
	return m
}

// find returns the banned words present in text, in configured order.
func (m *bannedMatcher) find(text string) []string {
	if m.re == nil {
		return nil
	}
	hits := m.re.FindAllString(text, -1)
	var found []string
	for _, w := range m.words {
		for _, h := range hits {
			if strings.EqualFold(h, w) {
				found = append(found, w)
				break
			}
		}
	}
	return found
}

// bannedFor returns the cached matcher for a tone.
func (c *Composer) bannedFor(p tone.Profile) *bannedMatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.banned[p.ID]
	if !ok {
		m = newBannedMatcher(p.Banned)
		c.banned[p.ID] = m
	}
	return m
}
