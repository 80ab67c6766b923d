// Package selection decides which alerts, building blocks and modules a report
// uses, and records why any of them were suppressed.
package selection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

// MetaSuppress is the intake metadata key carrying clinician suppressions.
const MetaSuppress = "suppress"

const ReasonClinician = "clinician override"

// Item is one resolved content selection.
type Item struct {
	ContentID       string `json:"content_id"`
	Type            string `json:"type"`
	Section         int    `json:"section"`
	Tone            string `json:"tone"`
	Priority        int    `json:"priority"`
	Suppressed      bool   `json:"suppressed"`
	Reason          string `json:"reason,omitempty"`
	BlocksTreatment bool   `json:"blocks_treatment_options,omitempty"`
	Description     string `json:"description,omitempty"`
}

// Select evaluates the trigger table. Items are ordered by section, then
// descending priority, then content id.
func Select(s drivers.State, a *intake.Answers, tone string, rs *rules.Set) []Item {
	overrides := clinicianSuppressions(a)
	var items []Item
	for _, tr := range rs.Triggers {
		if !triggered(s, tr.Tags) {
			continue
		}
		it := Item{
			ContentID:       tr.ContentID,
			Type:            tr.Type,
			Section:         tr.Section,
			Tone:            tone,
			Priority:        tr.Priority,
			BlocksTreatment: tr.BlocksTreatment,
			Description:     tr.Description,
		}
		if sec, ok := rs.Section(tr.Section); ok && sec.Tone != "" {
			it.Tone = sec.Tone
		}
		if overrides[tr.ContentID] {
			it.Suppressed, it.Reason = true, ReasonClinician
		} else if tag := firstTag(s, tr.SuppressWhen); tag != "" {
			it.Suppressed = true
			it.Reason = tr.SuppressReason
			if it.Reason == "" {
				it.Reason = "suppressed by " + tag
			}
		}
		items = append(items, it)
	}

	if blocker := BlockingAlert(items); blocker != "" {
		for i := range items {
			if !items[i].Suppressed && rs.IsBlocked(items[i].Section) {
				items[i].Suppressed = true
				items[i].Reason = fmt.Sprintf("treatment options blocked by %s", blocker)
			}
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Section != items[j].Section {
			return items[i].Section < items[j].Section
		}
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].ContentID < items[j].ContentID
	})
	return items
}

// BlockingAlert returns the id of the highest-priority active alert that
// blocks treatment options, or "".
func BlockingAlert(items []Item) string {
	best, id := -1, ""
	for _, it := range items {
		if it.BlocksTreatment && !it.Suppressed && it.Priority > best {
			best, id = it.Priority, it.ContentID
		}
	}
	return id
}

// Active returns the unsuppressed items.
func Active(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if !it.Suppressed {
			out = append(out, it)
		}
	}
	return out
}

// ForSection returns the items of one section in selection order.
func ForSection(items []Item, section int) []Item {
	var out []Item
	for _, it := range items {
		if it.Section == section {
			out = append(out, it)
		}
	}
	return out
}

func triggered(s drivers.State, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	return firstTag(s, tags) != ""
}

func firstTag(s drivers.State, tags []string) string {
	for _, t := range tags {
		if s.HasTag(t) {
			return t
		}
	}
	return ""
}

func clinicianSuppressions(a *intake.Answers) map[string]bool {
	out := make(map[string]bool)
	if a == nil {
		return out
	}
	for _, id := range strings.Split(a.Meta(MetaSuppress), ",") {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = true
		}
	}
	return out
}
