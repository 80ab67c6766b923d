// Package scenario scores clinical scenario templates against a driver state.
package scenario

import (
	"math"
	"sort"
	"strings"

	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

// Scenario is a candidate narrative template.
type Scenario struct {
	ID          string `json:"id" yaml:"id"`
	Category    string `json:"category" yaml:"category"`
	Description string `json:"description" yaml:"description"`
	Sections    []int  `json:"sections" yaml:"sections"`
}

// Scored is a scenario with its relevance score for one intake.
type Scored struct {
	ID          string   `json:"scenario_id"`
	Category    string   `json:"category"`
	Score       float64  `json:"score"`
	Matched     []string `json:"matched_drivers"`
	Sections    []int    `json:"sections"`
	Synthetic   bool     `json:"synthetic,omitempty"`
	Description string   `json:"-"`
}

// Covers reports whether the scenario applies to a section.
func (s Scored) Covers(section int) bool {
	for _, n := range s.Sections {
		if n == section {
			return true
		}
	}
	return false
}

// Result is the ranked candidate list plus what was dropped.
type Result struct {
	Ranked     []Scored `json:"ranked"`
	Dropped    []Scored `json:"dropped,omitempty"`
	Confidence string   `json:"confidence"`
}

// Top returns the best candidate. Ranked is never empty.
func (r Result) Top() Scored { return r.Ranked[0] }

// Score ranks candidates by descending score, ties broken by id. Candidates
// under the minimum are dropped; when none survive, the synthetic fallback
// scenario is returned so the list is never empty.
func Score(s drivers.State, candidates []Scenario, rs *rules.Set) Result {
	sc := rs.Scoring
	var res Result
	for _, c := range candidates {
		scored := scoreOne(s, c, sc)
		if scored.Score < sc.MinScore {
			res.Dropped = append(res.Dropped, scored)
			continue
		}
		res.Ranked = append(res.Ranked, scored)
	}
	sort.SliceStable(res.Ranked, func(i, j int) bool {
		if res.Ranked[i].Score != res.Ranked[j].Score {
			return res.Ranked[i].Score > res.Ranked[j].Score
		}
		return res.Ranked[i].ID < res.Ranked[j].ID
	})
	if len(res.Ranked) == 0 {
		res.Ranked = []Scored{Fallback(rs)}
		res.Confidence = rules.ConfidenceFallback
		return res
	}
	res.Confidence = rs.Confidence.Tier(res.Ranked[0].Score)
	return res
}

// Fallback is the synthetic generic scenario covering every standard section.
func Fallback(rs *rules.Set) Scored {
	return Scored{
		ID:          rs.Scoring.FallbackID,
		Category:    "generic",
		Score:       rs.Scoring.FallbackScore,
		Sections:    rs.SectionNumbers(),
		Synthetic:   true,
		Description: rs.Scoring.FallbackSummary,
	}
}

func scoreOne(s drivers.State, c Scenario, sc rules.Scoring) Scored {
	out := Scored{
		ID:          c.ID,
		Category:    c.Category,
		Sections:    append([]int(nil), c.Sections...),
		Description: c.Description,
	}
	var total float64
	for _, inc := range sc.Categories[c.Category] {
		if s.HasTag(inc.Tag) {
			total += inc.Value
			out.Matched = append(out.Matched, inc.Tag)
		}
	}
	if b := s.L2.Budget; b != "" && strings.Contains(strings.ToLower(c.Description), b) {
		total += sc.BudgetBonus
		out.Matched = append(out.Matched, "budget:"+b)
	}
	out.Score = math.Min(1.0, round4(total))
	return out
}

func round4(f float64) float64 { return math.Round(f*1e4) / 1e4 }

// Subsections splits scenario text into named subsections keyed by the
// lower-cased text of each "## key" header. Text before the first header is
// stored under "".
func Subsections(body string) map[string]string {
	out := make(map[string]string)
	key := ""
	var buf strings.Builder
	flush := func() {
		if text := strings.TrimSpace(buf.String()); text != "" {
			out[key] = text
		}
		buf.Reset()
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, "## ") {
			flush()
			key = normalizeKey(strings.TrimPrefix(line, "## "))
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return out
}

func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, " ", "_")
}
