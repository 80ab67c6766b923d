package compose

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

var placeholderRe = regexp.MustCompile(`\[([a-z][a-z0-9_]*)\]`)

// flagDrivers are not offered as placeholder values.
var flagDrivers = map[string]bool{
	drivers.ActivePain: true, drivers.ActiveInfection: true, drivers.Pregnancy: true,
	drivers.Smoking: true, drivers.MedicalConditions: true, drivers.IncompleteGrowth: true,
	drivers.RecentExtraction: true,
}

var aliasDrivers = []string{
	drivers.Motivation, drivers.Satisfaction, drivers.MissingTeeth, drivers.Budget,
	drivers.Timeline, drivers.AgeRange, drivers.StyleImportance, drivers.Anxiety,
	drivers.Hygiene, drivers.PriorExperience, drivers.InfoPreference,
}

// Context builds the placeholder values for one intake: raw answers by
// question id, driver aliases, intake metadata and calculated values.
// Empty values are left out so they stay unresolved.
func Context(a *intake.Answers, s drivers.State, rs *rules.Set) map[string]string {
	ctx := make(map[string]string)
	set := func(k, v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := ctx[k]; !ok {
			ctx[k] = v
		}
	}
	if a != nil {
		for _, item := range a.Items {
			set(item.QuestionID, item.Value.Text())
		}
	}
	for _, d := range aliasDrivers {
		if !flagDrivers[d] {
			set(d, strings.ReplaceAll(s.Value(d), "_", " "))
		}
	}
	for _, c := range rs.Calculated {
		set(c.Name, c.Table[s.Value(c.Driver)])
	}
	if a != nil {
		for k, v := range a.Metadata {
			if k != "suppress" {
				set(k, v)
			}
		}
	}
	return ctx
}

// Resolve substitutes [name] placeholders. A placeholder directly followed by
// "(" is a markdown link and is left alone. Unknown names stay literal in the
// output and are returned in order of first appearance.
func Resolve(text string, values map[string]string) (string, []string, []string) {
	var b strings.Builder
	var resolved, unresolved []string
	seenR, seenU := map[string]bool{}, map[string]bool{}
	last := 0
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		if end < len(text) && text[end] == '(' {
			continue
		}
		name := text[m[2]:m[3]]
		b.WriteString(text[last:start])
		if v, ok := values[name]; ok && v != "" {
			b.WriteString(v)
			if !seenR[name] {
				seenR[name] = true
				resolved = append(resolved, name)
			}
		} else {
			b.WriteString(text[start:end])
			if !seenU[name] {
				seenU[name] = true
				unresolved = append(unresolved, name)
			}
		}
		last = end
	}
	b.WriteString(text[last:])
	return b.String(), resolved, unresolved
}

// WordCount counts whitespace-separated tokens after stripping punctuation.
// Tokens made only of punctuation are not words.
func WordCount(text string) int {
	n := 0
	for _, tok := range strings.Fields(text) {
		stripped := strings.TrimFunc(tok, unicode.IsPunct)
		if strings.IndexFunc(stripped, func(r rune) bool { return !unicode.IsPunct(r) && !unicode.IsSymbol(r) }) >= 0 {
			n++
		}
	}
	return n
}
