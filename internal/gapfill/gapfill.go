// Package gapfill generates content that is missing from the store. Each gap
// runs a bounded generate and verify loop; distinct gaps run in parallel.
package gapfill

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/PatientBrief/internal/config"
	"github.com/TobiSchelling/PatientBrief/internal/content"
	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/events"
	"github.com/TobiSchelling/PatientBrief/internal/retrieve"
	"github.com/TobiSchelling/PatientBrief/internal/scenario"
)

// ErrNoSourceMaterial aborts a gap when retrieval finds nothing to ground it
// on. A retrieval error or timeout is a missed attempt instead.
var ErrNoSourceMaterial = errors.New("no relevant source material")

// Gap is a required content id missing for a tone and language.
type Gap struct {
	ContentID   string `json:"content_id"`
	Type        string `json:"type"`
	Language    string `json:"language"`
	Tone        string `json:"tone"`
	Description string `json:"description,omitempty"`
	Sections    []int  `json:"sections,omitempty"`

	// Scenario carries the template metadata of a scenario gap so generated
	// rows stay scoreable.
	Scenario *scenario.Scenario `json:"scenario,omitempty"`
}

// Key identifies the gap in events and logs.
func (g Gap) Key() string {
	return g.ContentID + "/" + g.Tone + "/" + g.Language
}

// Query is the retrieval query for the gap.
func (g Gap) Query() string {
	q := g.Description
	if q == "" {
		q = strings.ReplaceAll(strings.ToLower(g.ContentID), "_", " ")
	}
	return q
}

// Citation points at the source material a draft relied on.
type Citation struct {
	Title        string `json:"title"`
	URL          string `json:"url"`
	Contribution string `json:"contribution,omitempty"`
}

// Draft is one generator result.
type Draft struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	WordCount int        `json:"word_count"`
}

// Verdict classifies one checked claim.
type Verdict string

const (
	Verified     Verdict = "verified"
	Unsupported  Verdict = "unsupported"
	Contradicted Verdict = "contradicted"
	Inconclusive Verdict = "inconclusive"
)

// Claim is one statement extracted from a draft and checked against sources.
type Claim struct {
	Text     string  `json:"claim"`
	Verdict  Verdict `json:"verdict"`
	Evidence string  `json:"evidence,omitempty"`
}

// Verification is a verifier result.
type Verification struct {
	Confidence float64 `json:"overall_confidence"`
	Claims     []Claim `json:"claims,omitempty"`
}

// GenerateRequest is everything a generator needs for one attempt. Feedback
// carries the problem claims of the previous attempt.
type GenerateRequest struct {
	Gap      Gap
	Sources  []retrieve.Snippet
	Feedback []Claim
}

// Generator drafts content for a gap.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Draft, error)
}

// Verifier fact-checks a draft against its sources.
type Verifier interface {
	Check(ctx context.Context, contentID, text string, sources []retrieve.Snippet, strict bool) (*Verification, error)
}

// Persister stores resolved content. content.Store satisfies it.
type Persister interface {
	Upsert(ctx context.Context, c content.Content) error
}

// ResultLog records terminal gap states. *database.DB satisfies it.
type ResultLog interface {
	InsertGapResult(g database.GapResult) (int64, error)
}

// Options bounds the loop.
type Options struct {
	MaxAttempts     int
	Threshold       float64
	Concurrency     int
	CallTimeout     time.Duration
	SourceLimit     int
	SourceThreshold float64
	StrictMode      bool
}

// OptionsFrom maps the generation config section.
func OptionsFrom(g config.Generation) Options {
	return Options{
		MaxAttempts:     g.MaxFactCheckAttempts,
		Threshold:       g.ConfidenceThreshold,
		Concurrency:     g.Concurrency,
		CallTimeout:     g.CallTimeout,
		SourceLimit:     g.SourceLimit,
		SourceThreshold: g.SourceScoreThreshold,
		StrictMode:      g.StrictMode,
	}
}

// Outcome is the terminal result of one gap.
type Outcome struct {
	Gap        Gap        `json:"gap"`
	State      State      `json:"state"`
	History    []State    `json:"history"`
	Attempts   int        `json:"attempts"`
	Confidence float64    `json:"confidence"`
	Passed     bool       `json:"passed"`
	Warning    string     `json:"warning,omitempty"`
	Citations  []Citation `json:"citations,omitempty"`
	Err        error      `json:"-"`
	Error      string     `json:"error,omitempty"`
}

// Resolved reports whether content was persisted for the gap.
func (o Outcome) Resolved() bool { return o.State == Done }

// Resolver drives gaps to a terminal state.
type Resolver struct {
	gen       Generator
	ver       Verifier
	retriever retrieve.Retriever
	store     Persister
	results   ResultLog
	opts      Options
	logger    *zap.Logger
}

// NewResolver creates a gap resolver. results may be nil.
func NewResolver(gen Generator, ver Verifier, retriever retrieve.Retriever, store Persister,
	results ResultLog, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Resolver{gen: gen, ver: ver, retriever: retriever, store: store, results: results, opts: opts, logger: logger}
}

// Resolve runs every gap and returns one outcome per gap, in input order.
// Once ctx is cancelled no further gap starts; gaps already started run to
// completion so nothing is half persisted.
func (r *Resolver) Resolve(ctx context.Context, gaps []Gap, em *events.Emitter) []Outcome {
	if em == nil {
		em = events.NewEmitter(nil, "", "", nil)
	}
	out := make([]Outcome, len(gaps))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, gap := range gaps {
		if ctx.Err() != nil {
			out[i] = r.notStarted(detached, gap, ctx.Err(), em)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				out[i] = r.notStarted(detached, gap, ctx.Err(), em)
				return nil
			}
			out[i] = r.resolveOne(detached, gap, em)
			return nil
		})
	}
	g.Wait()
	return out
}

func (r *Resolver) notStarted(ctx context.Context, gap Gap, cause error, em *events.Emitter) Outcome {
	t := newTracker(gap, em)
	t.advance(ctx, Failed, "not started: "+cause.Error())
	o := t.outcome()
	o.Err = fmt.Errorf("gap %s not started: %w", gap.Key(), cause)
	o.Error = o.Err.Error()
	r.record(o, em.RunID())
	return o
}

// resolveOne steps the state machine until it reaches a terminal state.
func (r *Resolver) resolveOne(ctx context.Context, gap Gap, em *events.Emitter) Outcome {
	t := newTracker(gap, em)
	var (
		sources  []retrieve.Snippet
		feedback []Claim
		draft    *Draft
		lastGood *Draft
		lastConf float64
		lastErr  error
	)

	for !t.state.Terminal() {
		var next State
		msg := ""

		switch t.state {
		case Pending, Retrying:
			t.attempt++
			next = Generating

		case Generating:
			var err error
			sources, err = r.sources(ctx, gap)
			if errors.Is(err, ErrNoSourceMaterial) {
				lastErr = err
				next, msg = Failed, err.Error()
				break
			}
			if err != nil {
				lastErr = err
				next, msg = r.afterMiss(t.attempt), err.Error()
				break
			}
			draft, err = r.generate(ctx, GenerateRequest{Gap: gap, Sources: sources, Feedback: feedback})
			if err != nil {
				lastErr = err
				next, msg = r.afterMiss(t.attempt), "generation failed: "+err.Error()
				break
			}
			lastGood, lastConf = draft, 0
			next = Verifying

		case Verifying:
			v, err := r.verify(ctx, gap, draft.Content, sources)
			conf := 0.0
			if err != nil {
				lastErr = err
				msg = "verification failed: " + err.Error()
			} else {
				conf = clamp01(v.Confidence)
				feedback = problems(v.Claims)
				msg = fmt.Sprintf("confidence %.2f", conf)
			}
			lastConf = conf
			if err == nil && conf >= r.opts.Threshold {
				next = Passed
			} else {
				next = r.afterMiss(t.attempt)
			}

		case Passed:
			next = Done
			if err := r.persist(ctx, gap, lastGood, lastConf); err != nil {
				lastErr, next = err, Failed
			}

		case FailedFinal:
			if lastGood == nil {
				next, msg = Failed, "no draft produced"
				break
			}
			t.warning = fmt.Sprintf("confidence %.2f below threshold %.2f after %d attempts",
				lastConf, r.opts.Threshold, t.attempt)
			next, msg = Done, t.warning
			if err := r.persist(ctx, gap, lastGood, lastConf); err != nil {
				lastErr, next = err, Failed
			}

		default:
			lastErr = fmt.Errorf("unknown gap state %q", t.state)
			next = Failed
		}

		if err := t.advance(ctx, next, msg); err != nil {
			lastErr = err
			t.state = Failed
			t.history = append(t.history, Failed)
		}
	}

	o := t.outcome()
	o.Confidence = lastConf
	if lastGood != nil {
		o.Citations = lastGood.Citations
	}
	o.Passed = o.State == Done && t.warning == ""
	if o.State == Failed {
		if lastErr == nil {
			lastErr = errors.New("gap failed")
		}
		o.Err = fmt.Errorf("gap %s: %w", gap.Key(), lastErr)
		o.Error = o.Err.Error()
	}

	level := r.logger.Info
	if o.State == Failed || o.Warning != "" {
		level = r.logger.Warn
	}
	level("gap resolved",
		zap.String("gap_id", gap.Key()),
		zap.String("state", string(o.State)),
		zap.Int("attempts", o.Attempts),
		zap.Float64("confidence", o.Confidence),
		zap.String("warning", o.Warning),
		zap.Error(o.Err))
	r.record(o, em.RunID())
	return o
}

// afterMiss picks the successor of a failed attempt.
func (r *Resolver) afterMiss(attempt int) State {
	if attempt < r.opts.MaxAttempts {
		return Retrying
	}
	return FailedFinal
}

func (r *Resolver) sources(ctx context.Context, gap Gap) ([]retrieve.Snippet, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	got, err := r.retriever.Relevant(ctx, gap.Query(), retrieve.Options{
		Limit:          r.opts.SourceLimit,
		ScoreThreshold: r.opts.SourceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	if len(got) == 0 {
		return nil, ErrNoSourceMaterial
	}
	return got, nil
}

func (r *Resolver) generate(ctx context.Context, req GenerateRequest) (*Draft, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	d, err := r.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if d == nil || strings.TrimSpace(d.Content) == "" {
		return nil, errors.New("empty draft")
	}
	return d, nil
}

func (r *Resolver) verify(ctx context.Context, gap Gap, text string, sources []retrieve.Snippet) (*Verification, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	v, err := r.ver.Check(ctx, gap.ContentID, text, sources, r.opts.StrictMode)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.New("empty verification")
	}
	return v, nil
}

func (r *Resolver) persist(ctx context.Context, gap Gap, d *Draft, conf float64) error {
	c := content.Content{
		ID:         gap.ContentID,
		Type:       gap.Type,
		Tone:       gap.Tone,
		Language:   gap.Language,
		Body:       strings.TrimSpace(d.Content),
		Origin:     content.OriginGenerated,
		Confidence: conf,
	}
	if gap.Scenario != nil {
		meta := *gap.Scenario
		meta.ID = gap.ContentID
		c.Scenario = &meta
	}
	if err := r.store.Upsert(ctx, c); err != nil {
		return fmt.Errorf("persisting: %w", err)
	}
	return nil
}

func (r *Resolver) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, r.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Resolver) record(o Outcome, runID string) {
	if r.results == nil {
		return
	}
	g := database.GapResult{
		RunID:     runID,
		ContentID: o.Gap.ContentID,
		Tone:      o.Gap.Tone,
		Language:  o.Gap.Language,
		State:     string(o.State),
		Attempts:  o.Attempts,
	}
	if o.Attempts > 0 {
		c := o.Confidence
		g.Confidence = &c
	}
	if o.Warning != "" {
		w := o.Warning
		g.Warning = &w
	}
	if o.Error != "" {
		e := o.Error
		g.Error = &e
	}
	if _, err := r.results.InsertGapResult(g); err != nil {
		r.logger.Warn("recording gap result", zap.String("gap_id", o.Gap.Key()), zap.Error(err))
	}
}

// problems keeps the claims a retry should address.
func problems(claims []Claim) []Claim {
	var out []Claim
	for _, c := range claims {
		if c.Verdict != Verified {
			out = append(out, c)
		}
	}
	return out
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// FactCheck summarizes outcomes for the report: the lowest confidence among
// persisted gaps (1.0 when there are none) and whether every gap passed.
func FactCheck(outcomes []Outcome) (float64, bool) {
	score, passed := 1.0, true
	for _, o := range outcomes {
		if !o.Passed {
			passed = false
		}
		if o.Resolved() && o.Confidence < score {
			score = o.Confidence
		}
	}
	return score, passed
}

// Failures returns the outcomes that left their gap unresolved.
func Failures(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if !o.Resolved() {
			out = append(out, o)
		}
	}
	return out
}

// tracker owns the state of one gap and emits every transition.
type tracker struct {
	gap     Gap
	state   State
	attempt int
	history []State
	warning string
	em      *events.Emitter
}

func newTracker(gap Gap, em *events.Emitter) *tracker {
	return &tracker{gap: gap, state: Pending, history: []State{Pending}, em: em}
}

func (t *tracker) advance(ctx context.Context, to State, msg string) error {
	if !t.state.CanTransition(to) {
		return &TransitionError{From: t.state, To: to}
	}
	t.state = to
	t.history = append(t.history, to)
	t.em.Gap(ctx, t.gap.Key(), t.attempt, string(to), msg)
	return nil
}

func (t *tracker) outcome() Outcome {
	return Outcome{
		Gap:      t.gap,
		State:    t.state,
		History:  append([]State(nil), t.history...),
		Attempts: t.attempt,
		Warning:  t.warning,
	}
}
