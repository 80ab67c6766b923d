// Package tone picks the communication tone of a report from the driver state.
package tone

import (
	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

// Profile is a tone from the rule set's fixed enumeration.
type Profile = rules.Tone

// Trigger is one evaluated rule, kept for the audit record.
type Trigger struct {
	Rule    string `json:"rule"`
	Matched bool   `json:"matched"`
	Tone    string `json:"tone,omitempty"`
}

// Selection is the chosen tone plus every rule evaluated to reach it.
type Selection struct {
	Profile  Profile   `json:"profile"`
	Rule     string    `json:"rule"`
	Triggers []Trigger `json:"triggers"`
}

type predicate func(s drivers.State, r rules.ToneRules) bool

type rule struct {
	name  string
	match predicate
	tone  func(r rules.ToneRules) string
}

// ordered evaluates top-down; the first match wins. The final rule always matches.
var ordered = []rule{
	{"severe_anxiety", SevereAnxiety, func(r rules.ToneRules) string { return r.AnxietyTone }},
	{"unrealistic_expectations", UnrealisticExpectations, func(r rules.ToneRules) string { return r.ExpectationTone }},
	{"emotional_load", EmotionalLoad, func(r rules.ToneRules) string { return r.EmpathyTone }},
	{"detailed_preference", DetailedPreference, func(r rules.ToneRules) string { return r.DetailedTone }},
	{"default", func(drivers.State, rules.ToneRules) bool { return true }, func(r rules.ToneRules) string { return r.DefaultTone }},
}

// Select applies the ordered tone rules. Every rule up to and including the
// winner is recorded in the trigger trace.
func Select(s drivers.State, rs *rules.Set) Selection {
	var sel Selection
	for _, r := range ordered {
		matched := r.match(s, rs.ToneRules)
		tr := Trigger{Rule: r.name, Matched: matched}
		if matched {
			tr.Tone = r.tone(rs.ToneRules)
		}
		sel.Triggers = append(sel.Triggers, tr)
		if matched {
			p, ok := rs.Tone(tr.Tone)
			if !ok {
				p = Profile{ID: tr.Tone}
			}
			sel.Profile = p
			sel.Rule = r.name
			return sel
		}
	}
	return sel
}

// SevereAnxiety is rule 1.
func SevereAnxiety(s drivers.State, r rules.ToneRules) bool {
	return in(s.L3.Anxiety, r.SevereAnxiety)
}

// UnrealisticExpectations is rule 2: any of its three sub-checks.
func UnrealisticExpectations(s drivers.State, r rules.ToneRules) bool {
	return PremiumStyleLowBudget(s, r) || UrgentExtensive(s, r) || PerfectPoorHygieneSmoker(s, r)
}

func PremiumStyleLowBudget(s drivers.State, r rules.ToneRules) bool {
	return in(s.L3.StyleImportance, r.PremiumStyles) && in(s.L2.Budget, r.LowBudgets)
}

func UrgentExtensive(s drivers.State, r rules.ToneRules) bool {
	return in(s.L2.Timeline, r.UrgentTimelines) && in(s.L2.MissingTeeth, r.ExtensivePatterns)
}

func PerfectPoorHygieneSmoker(s drivers.State, r rules.ToneRules) bool {
	return in(s.L3.StyleImportance, r.PerfectExpectations) && in(s.L3.Hygiene, r.PoorHygiene) && s.L1.Smoking
}

// EmotionalLoad is rule 3: negative history, active pain or infection, or mild anxiety.
func EmotionalLoad(s drivers.State, r rules.ToneRules) bool {
	return in(s.L3.PriorExperience, r.NegativeHistory) ||
		s.L1.ActivePain || s.L1.ActiveInfection ||
		in(s.L3.Anxiety, r.MildAnxiety)
}

// DetailedPreference is rule 4.
func DetailedPreference(s drivers.State, r rules.ToneRules) bool {
	return in(s.L3.InfoPreference, r.DetailedPreference)
}

func in(v string, set []string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
