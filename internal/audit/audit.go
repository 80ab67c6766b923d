// Package audit assembles the per-run record of every decision that shaped a
// report: driver values and the questions behind them, scenario scores,
// content selections, tone triggers and the timestamped stage trace.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/TobiSchelling/PatientBrief/internal/content"
	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/evaluate"
	"github.com/TobiSchelling/PatientBrief/internal/events"
	"github.com/TobiSchelling/PatientBrief/internal/gapfill"
	"github.com/TobiSchelling/PatientBrief/internal/scenario"
	"github.com/TobiSchelling/PatientBrief/internal/selection"
	"github.com/TobiSchelling/PatientBrief/internal/tone"
)

// Record is the serialized audit trail of one run.
type Record struct {
	ReportID     string                `json:"report_id"`
	SessionID    string                `json:"session_id"`
	RunID        string                `json:"run_id"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at"`
	Language     string                `json:"language"`
	Drivers      drivers.State         `json:"drivers"`
	Tone         tone.Selection        `json:"tone"`
	Scenarios    scenario.Result       `json:"scenarios"`
	Selections   []selection.Item      `json:"selections"`
	Availability *content.Availability `json:"availability,omitempty"`
	Gaps         []gapfill.Outcome     `json:"gaps,omitempty"`
	Evaluation   *evaluate.Result      `json:"evaluation,omitempty"`
	Unresolved   []string              `json:"unresolved_placeholders,omitempty"`
	Deliverable  bool                  `json:"deliverable"`
	Warnings     []string              `json:"warnings,omitempty"`
	Trace        []events.Event        `json:"trace"`
}

// Builder collects a Record while the pipeline runs. It is an events.Sink,
// so every progress event becomes a trace entry. Safe for concurrent use.
type Builder struct {
	mu  sync.Mutex
	rec Record
	now events.Clock
}

// NewBuilder starts a record. now defaults to time.Now.
func NewBuilder(reportID, sessionID, runID string, now events.Clock) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		now: now,
		rec: Record{
			ReportID:  reportID,
			SessionID: sessionID,
			RunID:     runID,
			StartedAt: now().UTC(),
		},
	}
}

// Emit appends an event to the trace.
func (b *Builder) Emit(_ context.Context, e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}
	b.rec.Trace = append(b.rec.Trace, e)
}

func (b *Builder) Language(lang string) {
	b.mu.Lock()
	b.rec.Language = lang
	b.mu.Unlock()
}

func (b *Builder) Drivers(s drivers.State) {
	b.mu.Lock()
	b.rec.Drivers = s
	b.mu.Unlock()
}

func (b *Builder) Tone(sel tone.Selection) {
	b.mu.Lock()
	b.rec.Tone = sel
	b.mu.Unlock()
}

func (b *Builder) Scenarios(r scenario.Result) {
	b.mu.Lock()
	b.rec.Scenarios = r
	b.mu.Unlock()
}

// Selections records every evaluated selection, suppressed ones included.
func (b *Builder) Selections(items []selection.Item) {
	b.mu.Lock()
	b.rec.Selections = append([]selection.Item(nil), items...)
	b.mu.Unlock()
}

func (b *Builder) Availability(a content.Availability) {
	b.mu.Lock()
	b.rec.Availability = &a
	b.mu.Unlock()
}

// Gaps records gap outcomes and turns degraded ones into warnings.
func (b *Builder) Gaps(outcomes []gapfill.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.Gaps = append([]gapfill.Outcome(nil), outcomes...)
	for _, o := range outcomes {
		switch {
		case o.Warning != "":
			b.rec.Warnings = append(b.rec.Warnings, fmt.Sprintf("%s: %s", o.Gap.Key(), o.Warning))
		case o.State == gapfill.Failed:
			b.rec.Warnings = append(b.rec.Warnings, fmt.Sprintf("%s: %s", o.Gap.Key(), o.Error))
		}
	}
}

func (b *Builder) Evaluation(r evaluate.Result) {
	b.mu.Lock()
	b.rec.Evaluation = &r
	b.mu.Unlock()
}

func (b *Builder) Unresolved(names []string) {
	b.mu.Lock()
	b.rec.Unresolved = append([]string(nil), names...)
	b.mu.Unlock()
}

func (b *Builder) Warn(format string, args ...any) {
	b.mu.Lock()
	b.rec.Warnings = append(b.rec.Warnings, fmt.Sprintf(format, args...))
	b.mu.Unlock()
}

// Finish stamps the end time and deliverability and returns a copy of the record.
func (b *Builder) Finish(deliverable bool) Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.Deliverable = deliverable
	b.rec.FinishedAt = b.now().UTC()
	rec := b.rec
	rec.Trace = append([]events.Event(nil), b.rec.Trace...)
	rec.Warnings = append([]string(nil), b.rec.Warnings...)
	return rec
}

// JSON encodes a finished record for storage.
func (r Record) JSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding audit record: %w", err)
	}
	return string(data), nil
}

// Parse decodes a stored record.
func Parse(data string) (*Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decoding audit record: %w", err)
	}
	return &r, nil
}

// Phases returns the phase names in the order they started.
func (r Record) Phases() []string {
	var out []string
	for _, e := range r.Trace {
		if e.Kind == events.PhaseStarted {
			out = append(out, e.Phase)
		}
	}
	return out
}
