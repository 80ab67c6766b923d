// Package rules holds the decision tables of the report pipeline: question
// mapping, tag synthesis, tone triggers, scenario scoring, section composition
// and content triggers. A Set is parsed once and passed by reference to every
// stage; nothing in the pipeline mutates it.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var DefaultRulesYAML []byte

// Content types a selection or source can refer to.
const (
	TypeScenario      = "scenario"
	TypeAlert         = "alert"
	TypeBuildingBlock = "building_block"
	TypeModule        = "module"
	TypeStatic        = "static"
)

// Confidence tiers describing scenario-match quality.
const (
	ConfidenceHigh     = "HIGH"
	ConfidenceMedium   = "MEDIUM"
	ConfidenceLow      = "LOW"
	ConfidenceFallback = "FALLBACK"
)

type Set struct {
	Questions    Questions           `yaml:"questions"`
	Tags         []TagRule           `yaml:"tags"`
	Tones        []Tone              `yaml:"tones"`
	ToneRules    ToneRules           `yaml:"tone_rules"`
	ToneFallback map[string][]string `yaml:"tone_fallback"`
	Scoring      Scoring             `yaml:"scoring"`
	Confidence   ConfidenceTiers     `yaml:"confidence"`
	Sections     []Section           `yaml:"sections"`
	Preemption   map[string][]string `yaml:"preemption"`
	Hedges       map[string][]string `yaml:"hedges"`
	Hedged       []int               `yaml:"hedged_sections"`
	Blocked      []int               `yaml:"blocked_sections"`
	Triggers     []Trigger           `yaml:"triggers"`
	Calculated   []Calculated        `yaml:"calculated"`
}

// FlagRule derives an L1 safety flag from exactly one answer.
type FlagRule struct {
	Question  string `yaml:"question"`
	Equals    string `yaml:"equals"`
	AnyExcept string `yaml:"any_except"`
}

type Questions struct {
	ActivePain        FlagRule `yaml:"active_pain"`
	ActiveInfection   FlagRule `yaml:"active_infection"`
	Pregnancy         FlagRule `yaml:"pregnancy"`
	Smoking           FlagRule `yaml:"smoking"`
	MedicalConditions FlagRule `yaml:"medical_conditions"`
	IncompleteGrowth  FlagRule `yaml:"incomplete_growth"`
	RecentExtraction  FlagRule `yaml:"recent_extraction"`

	Motivation      string `yaml:"motivation"`
	Satisfaction    string `yaml:"satisfaction"`
	MissingTeeth    string `yaml:"missing_teeth"`
	Budget          string `yaml:"budget"`
	Timeline        string `yaml:"timeline"`
	AgeRange        string `yaml:"age_range"`
	StyleImportance string `yaml:"style_importance"`
	Anxiety         string `yaml:"anxiety"`
	Hygiene         string `yaml:"hygiene"`
	PriorExperience string `yaml:"prior_experience"`
	InfoPreference  string `yaml:"info_preference"`
}

// TagRule maps one driver value to a set of semantic tags.
type TagRule struct {
	Driver string   `yaml:"driver"`
	Value  string   `yaml:"value"`
	Tags   []string `yaml:"tags"`
}

type Tone struct {
	ID     string   `yaml:"id" json:"id"`
	Name   string   `yaml:"name" json:"name"`
	Banned []string `yaml:"banned,omitempty" json:"banned,omitempty"`
}

// ToneRules holds the boundary values of the tone triggers. The composition
// of the unrealistic-expectations heuristic is fixed in code; the values it
// compares against live here so they can be reviewed without a code change.
type ToneRules struct {
	SevereAnxiety       []string `yaml:"severe_anxiety"`
	MildAnxiety         []string `yaml:"mild_anxiety"`
	PremiumStyles       []string `yaml:"premium_styles"`
	LowBudgets          []string `yaml:"low_budgets"`
	UrgentTimelines     []string `yaml:"urgent_timelines"`
	ExtensivePatterns   []string `yaml:"extensive_patterns"`
	PerfectExpectations []string `yaml:"perfect_expectations"`
	PoorHygiene         []string `yaml:"poor_hygiene"`
	NegativeHistory     []string `yaml:"negative_history"`
	DetailedPreference  []string `yaml:"detailed_preference"`

	AnxietyTone     string `yaml:"anxiety_tone"`
	ExpectationTone string `yaml:"expectation_tone"`
	EmpathyTone     string `yaml:"empathy_tone"`
	DetailedTone    string `yaml:"detailed_tone"`
	DefaultTone     string `yaml:"default_tone"`
}

type Increment struct {
	Tag   string  `yaml:"tag"`
	Value float64 `yaml:"value"`
}

type Scoring struct {
	Categories      map[string][]Increment `yaml:"categories"`
	BudgetBonus     float64                `yaml:"budget_bonus"`
	MinScore        float64                `yaml:"min_score"`
	FallbackID      string                 `yaml:"fallback_id"`
	FallbackScore   float64                `yaml:"fallback_score"`
	FallbackSummary string                 `yaml:"fallback_description"`
}

type ConfidenceTiers struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
	Low    float64 `yaml:"low"`
}

// Source is one entry of a section's ordered source-precedence list.
type Source struct {
	Kind      string   `yaml:"kind"`
	ContentID string   `yaml:"content_id,omitempty"`
	Key       string   `yaml:"key,omitempty"`
	Fallbacks []string `yaml:"fallbacks,omitempty"`
	Cap       int      `yaml:"cap,omitempty"`
}

type Section struct {
	Number  int      `yaml:"number"`
	Name    string   `yaml:"name"`
	Tone    string   `yaml:"tone,omitempty"`
	Sources []Source `yaml:"sources"`
}

// Trigger selects a content item when any of its tags is present. Items
// without tags are always selected.
type Trigger struct {
	ContentID       string   `yaml:"content_id"`
	Type            string   `yaml:"type"`
	Section         int      `yaml:"section"`
	Tags            []string `yaml:"tags,omitempty"`
	Priority        int      `yaml:"priority"`
	SuppressWhen    []string `yaml:"suppress_when,omitempty"`
	SuppressReason  string   `yaml:"suppress_reason,omitempty"`
	BlocksTreatment bool     `yaml:"blocks_treatment_options,omitempty"`
	Description     string   `yaml:"description,omitempty"`
}

// Calculated is a placeholder value looked up from one driver value.
type Calculated struct {
	Name   string            `yaml:"name"`
	Driver string            `yaml:"driver"`
	Table  map[string]string `yaml:"table"`
}

// Default parses the embedded rule tables.
func Default() (*Set, error) {
	return Parse(DefaultRulesYAML)
}

// MustDefault is Default for tests and package initialisation.
func MustDefault() *Set {
	s, err := Default()
	if err != nil {
		panic(err)
	}
	return s
}

// Load reads rule tables from path, or the embedded defaults when path is empty.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a rule set.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	sort.SliceStable(s.Sections, func(i, j int) bool { return s.Sections[i].Number < s.Sections[j].Number })
	return &s, nil
}

// Validate checks cross-references between tables.
func (s *Set) Validate() error {
	if len(s.Tones) == 0 {
		return fmt.Errorf("rules: no tones defined")
	}
	for _, id := range []string{
		s.ToneRules.AnxietyTone, s.ToneRules.ExpectationTone, s.ToneRules.EmpathyTone,
		s.ToneRules.DetailedTone, s.ToneRules.DefaultTone,
	} {
		if _, ok := s.Tone(id); !ok {
			return fmt.Errorf("rules: tone rule refers to unknown tone %q", id)
		}
	}
	seen := make(map[int]bool)
	for _, sec := range s.Sections {
		if seen[sec.Number] {
			return fmt.Errorf("rules: section %d defined twice", sec.Number)
		}
		seen[sec.Number] = true
		if sec.Tone != "" {
			if _, ok := s.Tone(sec.Tone); !ok {
				return fmt.Errorf("rules: section %d pinned to unknown tone %q", sec.Number, sec.Tone)
			}
		}
		for _, src := range sec.Sources {
			switch src.Kind {
			case TypeStatic:
				if src.ContentID == "" {
					return fmt.Errorf("rules: static source in section %d has no content_id", sec.Number)
				}
			case TypeScenario:
				if src.Key == "" {
					return fmt.Errorf("rules: scenario source in section %d has no key", sec.Number)
				}
			case TypeAlert, TypeBuildingBlock, TypeModule:
			default:
				return fmt.Errorf("rules: unknown source kind %q in section %d", src.Kind, sec.Number)
			}
		}
	}
	for _, tr := range s.Triggers {
		if !seen[tr.Section] {
			return fmt.Errorf("rules: trigger %s targets undefined section %d", tr.ContentID, tr.Section)
		}
	}
	if s.Scoring.FallbackID == "" {
		return fmt.Errorf("rules: scoring.fallback_id is required")
	}
	return nil
}

// Tone looks up a tone profile by id.
func (s *Set) Tone(id string) (Tone, bool) {
	for _, t := range s.Tones {
		if t.ID == id {
			return t, true
		}
	}
	return Tone{}, false
}

// Section looks up a section by number.
func (s *Set) Section(n int) (Section, bool) {
	for _, sec := range s.Sections {
		if sec.Number == n {
			return sec, true
		}
	}
	return Section{}, false
}

// SectionNumbers returns every standard section number in ascending order.
func (s *Set) SectionNumbers() []int {
	out := make([]int, len(s.Sections))
	for i, sec := range s.Sections {
		out[i] = sec.Number
	}
	return out
}

// ToneChain returns the lookup order for content in a tone: the tone itself
// followed by its configured fallbacks.
func (s *Set) ToneChain(tone string) []string {
	chain := []string{tone}
	for _, t := range s.ToneFallback[tone] {
		if t != tone {
			chain = append(chain, t)
		}
	}
	return chain
}

// IsHedged reports whether a section receives the confidence preamble.
func (s *Set) IsHedged(section int) bool { return containsInt(s.Hedged, section) }

// IsBlocked reports whether a section is removed by a block-treatment alert.
func (s *Set) IsBlocked(section int) bool { return containsInt(s.Blocked, section) }

// Preempts reports whether content of kind by pre-empts a block of type blockType.
func (s *Set) Preempts(blockType, by string) bool {
	for _, k := range s.Preemption[blockType] {
		if k == by {
			return true
		}
	}
	return false
}

// Tier maps a top scenario score to a confidence tier.
func (c ConfidenceTiers) Tier(score float64) string {
	switch {
	case score >= c.High:
		return ConfidenceHigh
	case score >= c.Medium:
		return ConfidenceMedium
	case score >= c.Low:
		return ConfidenceLow
	default:
		return ConfidenceFallback
	}
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
