// Package drivers derives the three-layer driver state from questionnaire
// answers. Derivation is pure: the same answers always give the same state.
package drivers

import (
	"math"
	"sort"
	"strconv"

	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

// Driver names used by tag rules, calculated values and the audit record.
const (
	ActivePain        = "active_pain"
	ActiveInfection   = "active_infection"
	Pregnancy         = "pregnancy"
	Smoking           = "smoking"
	MedicalConditions = "medical_conditions"
	IncompleteGrowth  = "incomplete_growth"
	RecentExtraction  = "recent_extraction"
	Motivation        = "motivation"
	Satisfaction      = "satisfaction"
	MissingTeeth      = "missing_teeth"
	Budget            = "budget"
	Timeline          = "timeline"
	AgeRange          = "age_range"
	StyleImportance   = "style_importance"
	Anxiety           = "anxiety"
	Hygiene           = "hygiene"
	PriorExperience   = "prior_experience"
	InfoPreference    = "info_preference"
)

// Safety is layer 1: boolean clinical flags.
type Safety struct {
	ActivePain        bool `json:"active_pain"`
	ActiveInfection   bool `json:"active_infection"`
	Pregnancy         bool `json:"pregnancy"`
	Smoking           bool `json:"smoking"`
	MedicalConditions bool `json:"medical_conditions"`
	IncompleteGrowth  bool `json:"incomplete_growth"`
	RecentExtraction  bool `json:"recent_extraction"`
}

// Personalization is layer 2.
type Personalization struct {
	Motivation   string `json:"motivation"`
	Satisfaction int    `json:"satisfaction"`
	MissingTeeth string `json:"missing_teeth"`
	Budget       string `json:"budget"`
	Timeline     string `json:"timeline"`
	AgeRange     string `json:"age_range"`
}

// Narrative is layer 3.
type Narrative struct {
	StyleImportance string `json:"style_importance"`
	Anxiety         string `json:"anxiety"`
	Hygiene         string `json:"hygiene"`
	PriorExperience string `json:"prior_experience"`
	InfoPreference  string `json:"info_preference"`
}

// Provenance records which question a driver value came from.
type Provenance struct {
	Driver     string `json:"driver"`
	Value      string `json:"value"`
	QuestionID string `json:"question_id"`
	Answered   bool   `json:"answered"`
}

// State is the derived driver state of one intake. Tags are sorted and unique.
type State struct {
	L1      Safety          `json:"l1_safety"`
	L2      Personalization `json:"l2_personalization"`
	L3      Narrative       `json:"l3_narrative"`
	Tags    []string        `json:"tags"`
	Sources []Provenance    `json:"sources"`
}

// HasTag reports whether the state carries a semantic tag.
func (s State) HasTag(tag string) bool {
	i := sort.SearchStrings(s.Tags, tag)
	return i < len(s.Tags) && s.Tags[i] == tag
}

// Value returns a driver value in its string form. Flags render as "true"/"false".
func (s State) Value(driver string) string {
	switch driver {
	case ActivePain:
		return strconv.FormatBool(s.L1.ActivePain)
	case ActiveInfection:
		return strconv.FormatBool(s.L1.ActiveInfection)
	case Pregnancy:
		return strconv.FormatBool(s.L1.Pregnancy)
	case Smoking:
		return strconv.FormatBool(s.L1.Smoking)
	case MedicalConditions:
		return strconv.FormatBool(s.L1.MedicalConditions)
	case IncompleteGrowth:
		return strconv.FormatBool(s.L1.IncompleteGrowth)
	case RecentExtraction:
		return strconv.FormatBool(s.L1.RecentExtraction)
	case Motivation:
		return s.L2.Motivation
	case Satisfaction:
		if s.L2.Satisfaction == 0 {
			return ""
		}
		return strconv.Itoa(s.L2.Satisfaction)
	case MissingTeeth:
		return s.L2.MissingTeeth
	case Budget:
		return s.L2.Budget
	case Timeline:
		return s.L2.Timeline
	case AgeRange:
		return s.L2.AgeRange
	case StyleImportance:
		return s.L3.StyleImportance
	case Anxiety:
		return s.L3.Anxiety
	case Hygiene:
		return s.L3.Hygiene
	case PriorExperience:
		return s.L3.PriorExperience
	case InfoPreference:
		return s.L3.InfoPreference
	}
	return ""
}

// Derive maps answers to a driver state. Missing or malformed answers resolve
// to the zero value, the same as an unanswered question.
func Derive(a *intake.Answers, rs *rules.Set) State {
	q := rs.Questions
	var s State
	var prov []Provenance

	flag := func(name string, r rules.FlagRule) bool {
		codes := a.Codes(r.Question)
		v := false
		switch {
		case r.AnyExcept != "":
			for _, c := range codes {
				if c != r.AnyExcept {
					v = true
					break
				}
			}
		case len(codes) > 0:
			v = codes[0] == r.Equals
		}
		prov = append(prov, Provenance{Driver: name, Value: strconv.FormatBool(v), QuestionID: r.Question, Answered: len(codes) > 0})
		return v
	}
	code := func(name, question string) string {
		v := a.Code(question)
		prov = append(prov, Provenance{Driver: name, Value: v, QuestionID: question, Answered: v != ""})
		return v
	}

	s.L1 = Safety{
		ActivePain:        flag(ActivePain, q.ActivePain),
		ActiveInfection:   flag(ActiveInfection, q.ActiveInfection),
		Pregnancy:         flag(Pregnancy, q.Pregnancy),
		Smoking:           flag(Smoking, q.Smoking),
		MedicalConditions: flag(MedicalConditions, q.MedicalConditions),
		IncompleteGrowth:  flag(IncompleteGrowth, q.IncompleteGrowth),
		RecentExtraction:  flag(RecentExtraction, q.RecentExtraction),
	}
	s.L2 = Personalization{
		Motivation:   code(Motivation, q.Motivation),
		Satisfaction: satisfaction(code(Satisfaction, q.Satisfaction)),
		MissingTeeth: code(MissingTeeth, q.MissingTeeth),
		Budget:       code(Budget, q.Budget),
		Timeline:     code(Timeline, q.Timeline),
		AgeRange:     code(AgeRange, q.AgeRange),
	}
	s.L3 = Narrative{
		StyleImportance: code(StyleImportance, q.StyleImportance),
		Anxiety:         code(Anxiety, q.Anxiety),
		Hygiene:         code(Hygiene, q.Hygiene),
		PriorExperience: code(PriorExperience, q.PriorExperience),
		InfoPreference:  code(InfoPreference, q.InfoPreference),
	}
	s.Sources = prov
	s.Tags = synthesizeTags(s, rs.Tags)
	return s
}

// satisfaction parses a 1..10 score; anything else is 0 (unknown).
func satisfaction(raw string) int {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) {
		return 0
	}
	n := int(math.Round(f))
	if n < 1 || n > 10 {
		return 0
	}
	return n
}

func synthesizeTags(s State, table []rules.TagRule) []string {
	set := make(map[string]struct{})
	for _, r := range table {
		if s.Value(r.Driver) != r.Value {
			continue
		}
		for _, t := range r.Tags {
			set[t] = struct{}{}
		}
	}
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
