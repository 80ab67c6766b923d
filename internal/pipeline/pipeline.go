// Package pipeline turns one questionnaire into a persisted report:
// derive, tone, score, select, availability, gap fill, compose, evaluate, persist.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PatientBrief/internal/audit"
	"github.com/TobiSchelling/PatientBrief/internal/compose"
	"github.com/TobiSchelling/PatientBrief/internal/config"
	"github.com/TobiSchelling/PatientBrief/internal/content"
	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/evaluate"
	"github.com/TobiSchelling/PatientBrief/internal/events"
	"github.com/TobiSchelling/PatientBrief/internal/gapfill"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/llm"
	"github.com/TobiSchelling/PatientBrief/internal/retrieve"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
	"github.com/TobiSchelling/PatientBrief/internal/scenario"
	"github.com/TobiSchelling/PatientBrief/internal/selection"
	"github.com/TobiSchelling/PatientBrief/internal/tone"
)

// MetaLanguage is the intake metadata key selecting the report language.
const MetaLanguage = "language"

// Phase names, in execution order.
const (
	PhaseDerive       = "derive"
	PhaseTone         = "tone"
	PhaseScenarios    = "scenarios"
	PhaseSelect       = "select"
	PhaseAvailability = "availability"
	PhaseGaps         = "gaps"
	PhaseCompose      = "compose"
	PhaseEvaluate     = "evaluate"
	PhasePersist      = "persist"
)

// MissingContentError is returned in strict mode when required content could
// not be resolved.
type MissingContentError struct {
	IDs      []string
	Language string
	Tone     string
}

func (e *MissingContentError) Error() string {
	return fmt.Sprintf("missing content for tone %s, language %s: %s",
		e.Tone, e.Language, strings.Join(e.IDs, ", "))
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of one run.
type Result struct {
	RunID       string
	ReportID    string
	SessionID   string
	Steps       []StepResult
	Report      *compose.Report
	Markdown    string
	Gaps        []gapfill.Outcome
	Evaluation  evaluate.Result
	Deliverable bool
	Audit       *audit.Record
}

// Deps are the pipeline collaborators. Zero values get defaults in New.
type Deps struct {
	Store     content.Store
	Generator gapfill.Generator
	Verifier  gapfill.Verifier
	Retriever retrieve.Retriever
	Evaluator evaluate.Evaluator
	Sink      events.Sink
	Logger    *zap.Logger
	Now       events.Clock
	NewID     func() string
}

// Pipeline orchestrates report generation.
type Pipeline struct {
	cfg      *config.Config
	db       *database.DB
	rules    *rules.Set
	store    content.Store
	resolver *gapfill.Resolver
	gate     *evaluate.Gate
	composer *compose.Composer
	sink     events.Sink
	logger   *zap.Logger
	now      events.Clock
	newID    func() string
	closers  []func() error
}

// New creates a pipeline. It fails with evaluate.ErrEvaluatorMisconfigured
// when evaluation is required and no evaluator is given. Gaps are only
// generated when both a generator and a verifier are given.
func New(cfg *config.Config, db *database.DB, rs *rules.Set, deps Deps) (*Pipeline, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Sink == nil {
		deps.Sink = events.NewLogSink(deps.Logger)
	}
	if deps.Store == nil {
		deps.Store = content.NewSQLiteStore(db, rs, cfg.Content.DefaultLanguage)
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieve.NewTermRetriever(db)
	}

	gate, err := evaluate.NewGate(cfg.Evaluation, deps.Evaluator, deps.Logger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		db:       db,
		rules:    rs,
		store:    deps.Store,
		gate:     gate,
		composer: compose.NewComposer(deps.Store, rs, deps.Logger),
		sink:     deps.Sink,
		logger:   deps.Logger,
		now:      deps.Now,
		newID:    deps.NewID,
	}
	if deps.Generator != nil && deps.Verifier != nil {
		p.resolver = gapfill.NewResolver(deps.Generator, deps.Verifier, deps.Retriever, deps.Store,
			db, gapfill.OptionsFrom(cfg.Generation), deps.Logger)
	}
	return p, nil
}

// NewFromConfig wires the configured LLM provider and, when a redis URL is
// set, the content cache and event publisher.
func NewFromConfig(cfg *config.Config, db *database.DB, rs *rules.Set, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps := Deps{Logger: logger}
	sinks := events.Multi{events.NewLogSink(logger)}
	store := content.Store(content.NewSQLiteStore(db, rs, cfg.Content.DefaultLanguage))

	var client *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client = redis.NewClient(opts)
		store = content.NewCachedStore(store, client, cfg.Redis.CacheTTL, logger)
		sinks = append(sinks, events.NewRedisPublisher(client, cfg.Redis.Channel, logger))
	}
	deps.Store = store
	deps.Sink = sinks

	if provider := llm.CreateProvider(cfg.LLM, cfg.APIKey(), logger); provider != nil {
		deps.Generator = gapfill.NewLLMGenerator(provider, rs, cfg.LLM.MaxTokens)
		deps.Verifier = gapfill.NewLLMVerifier(provider, cfg.LLM.MaxTokens)
		deps.Evaluator = evaluate.NewLLMEvaluator(provider, cfg.LLM.MaxTokens)
	} else {
		logger.Warn("no LLM provider available, content gaps will not be generated")
	}

	p, err := New(cfg, db, rs, deps)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, err
	}
	if client != nil {
		p.closers = append(p.closers, client.Close)
	}
	return p, nil
}

// Close releases connections opened by NewFromConfig.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Store returns the content store the pipeline reads from.
func (p *Pipeline) Store() content.Store { return p.store }

// run carries the state of one Generate call between steps.
type run struct {
	answers    *intake.Answers
	language   string
	drivers    drivers.State
	tone       tone.Selection
	scenarios  scenario.Result
	selections []selection.Item
	gaps       []gapfill.Gap
	missing    []string
}

// Generate runs the full pipeline for one questionnaire and persists the
// report with its audit record. The Result is returned even on error, with
// the steps completed so far.
func (p *Pipeline) Generate(ctx context.Context, a *intake.Answers) (*Result, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	res := &Result{RunID: p.newID(), ReportID: p.newID(), SessionID: a.SessionID}
	rec := audit.NewBuilder(res.ReportID, a.SessionID, res.RunID, p.now)
	em := events.NewEmitter(events.Multi{p.sink, rec}, res.RunID, a.SessionID, p.now)
	log := p.logger.With(zap.String("session_id", a.SessionID), zap.String("run_id", res.RunID))

	r := &run{answers: a, language: p.language(a)}
	rec.Language(r.language)

	if err := p.analyze(ctx, em, rec, res, r); err != nil {
		return res, err
	}

	// Gap fill.
	var factScore, factPassed = 1.0, true
	var issues []string
	err := p.step(ctx, em, res, PhaseGaps, func() (string, error) {
		if len(r.gaps) == 0 {
			return "no content gaps", nil
		}
		if p.resolver == nil {
			rec.Warn("%d content items missing and no generator configured", len(r.gaps))
			if p.cfg.Generation.StrictMode {
				return "", p.missingError(r, r.missing)
			}
			factPassed = false
			return fmt.Sprintf("%d gaps left unresolved (no generator)", len(r.gaps)), nil
		}

		res.Gaps = p.resolver.Resolve(ctx, r.gaps, em)
		rec.Gaps(res.Gaps)
		factScore, factPassed = gapfill.FactCheck(res.Gaps)
		for _, o := range res.Gaps {
			if o.Warning != "" {
				issues = append(issues, fmt.Sprintf("%s: %s", o.Gap.ContentID, o.Warning))
			}
		}
		failures := gapfill.Failures(res.Gaps)
		if len(failures) > 0 && p.cfg.Generation.StrictMode {
			ids := make([]string, len(failures))
			for i, o := range failures {
				ids[i] = o.Gap.ContentID
			}
			return "", p.missingError(r, ids)
		}
		return fmt.Sprintf("Resolved %d of %d gaps", len(res.Gaps)-len(failures), len(res.Gaps)), nil
	})
	if err != nil {
		log.Error("gap fill failed", zap.Error(err))
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	// Compose.
	err = p.step(ctx, em, res, PhaseCompose, func() (string, error) {
		report, err := p.composer.Compose(ctx, compose.Input{
			ReportID:        res.ReportID,
			Answers:         a,
			Drivers:         r.drivers,
			Scenarios:       r.scenarios,
			Selections:      r.selections,
			Tone:            r.tone.Profile,
			Language:        r.language,
			FactCheckScore:  factScore,
			FactCheckPassed: factPassed,
			Issues:          issues,
			Now:             p.now().UTC(),
		})
		if err != nil {
			return "", fmt.Errorf("composing report: %w", err)
		}
		res.Report = report
		rec.Unresolved(report.Unresolved)
		return fmt.Sprintf("Composed %d sections (%d skipped, %d words)",
			len(report.Sections), len(report.Skipped), report.TotalWords()), nil
	})
	if err != nil {
		return res, err
	}

	// Evaluate.
	p.step(ctx, em, res, PhaseEvaluate, func() (string, error) {
		res.Evaluation = p.gate.Evaluate(ctx, evaluate.PromptContext{
			Report:     res.Report,
			Drivers:    r.drivers,
			ToneName:   r.tone.Profile.Name,
			ScenarioID: res.Report.ScenarioID,
		}, em)
		rec.Evaluation(res.Evaluation)
		if res.Evaluation.Outcome == evaluate.Skipped {
			return "Skipped: " + res.Evaluation.SkipReason, nil
		}
		return fmt.Sprintf("%s (overall %.2f)", res.Evaluation.Outcome, res.Evaluation.Overall), nil
	})

	res.Deliverable = Deliverable(res.Report, res.Evaluation)
	res.Markdown = Markdown(res.Report, res.Evaluation)
	if len(res.Report.Unresolved) > 0 {
		rec.Warn("unresolved placeholders: %s", strings.Join(res.Report.Unresolved, ", "))
	}

	// Persist.
	err = p.step(ctx, em, res, PhasePersist, func() (string, error) {
		finished := rec.Finish(res.Deliverable)
		res.Audit = &finished
		return "Report " + res.ReportID + " stored", p.persist(res, finished)
	})
	if err != nil {
		log.Error("persisting report failed", zap.Error(err))
		return res, err
	}

	log.Info("report generated",
		zap.String("report_id", res.ReportID),
		zap.String("outcome", string(res.Evaluation.Outcome)),
		zap.Bool("deliverable", res.Deliverable))
	return res, nil
}

// DryRun runs the deterministic stages and reports which content would be
// generated, without calling any model or writing anything.
func (p *Pipeline) DryRun(ctx context.Context, a *intake.Answers) *Result {
	res := &Result{SessionID: a.SessionID}
	if err := a.Validate(); err != nil {
		res.Steps = append(res.Steps, StepResult{Name: PhaseDerive, Err: err})
		return res
	}
	rec := audit.NewBuilder("", a.SessionID, "", p.now)
	em := events.NewEmitter(rec, "", a.SessionID, p.now)
	r := &run{answers: a, language: p.language(a)}
	if err := p.analyze(ctx, em, rec, res, r); err != nil {
		return res
	}

	summary := "[dry-run] no content gaps"
	if len(r.gaps) > 0 {
		summary = fmt.Sprintf("[dry-run] would generate %d items: %s", len(r.gaps), strings.Join(r.missing, ", "))
	}
	res.Steps = append(res.Steps,
		StepResult{Name: PhaseGaps, Summary: summary},
		StepResult{Name: PhaseCompose, Summary: fmt.Sprintf("[dry-run] would compose in tone %s (%s)", r.tone.Profile.ID, r.tone.Profile.Name)},
	)
	finished := rec.Finish(false)
	res.Audit = &finished
	return res
}

// analyze runs the deterministic stages up to and including the availability check.
func (p *Pipeline) analyze(ctx context.Context, em *events.Emitter, rec *audit.Builder, res *Result, r *run) error {
	rs := p.rules

	p.step(ctx, em, res, PhaseDerive, func() (string, error) {
		r.drivers = drivers.Derive(r.answers, rs)
		rec.Drivers(r.drivers)
		for _, id := range r.answers.Malformed() {
			rec.Warn("answer to %s is malformed, treated as absent", id)
		}
		return fmt.Sprintf("Derived %d tags", len(r.drivers.Tags)), nil
	})

	p.step(ctx, em, res, PhaseTone, func() (string, error) {
		r.tone = tone.Select(r.drivers, rs)
		rec.Tone(r.tone)
		return fmt.Sprintf("Tone %s (%s) by rule %s", r.tone.Profile.ID, r.tone.Profile.Name, r.tone.Rule), nil
	})

	err := p.step(ctx, em, res, PhaseScenarios, func() (string, error) {
		all, err := content.Scenarios(ctx, p.store, r.language)
		if err != nil {
			return "", fmt.Errorf("listing scenarios: %w", err)
		}
		var cands []scenario.Scenario
		for _, c := range all {
			if c.ID != rs.Scoring.FallbackID {
				cands = append(cands, c)
			}
		}
		r.scenarios = scenario.Score(r.drivers, cands, rs)
		rec.Scenarios(r.scenarios)
		top := r.scenarios.Top()
		return fmt.Sprintf("Top %s (%.2f, %s), %d ranked, %d dropped",
			top.ID, top.Score, r.scenarios.Confidence, len(r.scenarios.Ranked), len(r.scenarios.Dropped)), nil
	})
	if err != nil {
		return err
	}

	p.step(ctx, em, res, PhaseSelect, func() (string, error) {
		r.selections = selection.Select(r.drivers, r.answers, r.tone.Profile.ID, rs)
		rec.Selections(r.selections)
		active := len(selection.Active(r.selections))
		msg := fmt.Sprintf("%d selections, %d suppressed", len(r.selections), len(r.selections)-active)
		if b := selection.BlockingAlert(r.selections); b != "" {
			msg += ", treatment options blocked by " + b
		}
		return msg, nil
	})

	return p.step(ctx, em, res, PhaseAvailability, func() (string, error) {
		av, gaps, err := p.availability(ctx, r)
		if err != nil {
			return "", fmt.Errorf("checking availability: %w", err)
		}
		rec.Availability(av)
		r.gaps = gaps
		r.missing = av.Missing
		return fmt.Sprintf("%d available, %d missing", len(av.Available), len(av.Missing)), nil
	})
}

// availability collects every content id the report needs, checks each tone
// group against the store and turns missing ids into gaps.
func (p *Pipeline) availability(ctx context.Context, r *run) (content.Availability, []gapfill.Gap, error) {
	rs := p.rules
	mainTone := r.tone.Profile.ID
	need := map[string]*gapfill.Gap{}
	var order []string
	add := func(id, typ, toneID, desc string, sections ...int) *gapfill.Gap {
		if id == "" {
			return nil
		}
		key := id + "\x00" + toneID
		if g, ok := need[key]; ok {
			g.Sections = mergeSections(g.Sections, sections)
			return g
		}
		need[key] = &gapfill.Gap{
			ContentID: id, Type: typ, Language: r.language, Tone: toneID,
			Description: desc, Sections: sections,
		}
		order = append(order, key)
		return need[key]
	}

	for _, s := range r.scenarios.Ranked {
		if s.Synthetic {
			continue
		}
		if g := add(s.ID, rules.TypeScenario, mainTone, s.Description, s.Sections...); g != nil {
			g.Scenario = &scenario.Scenario{
				ID:          s.ID,
				Category:    s.Category,
				Description: s.Description,
				Sections:    append([]int(nil), s.Sections...),
			}
		}
	}
	for _, it := range selection.Active(r.selections) {
		add(it.ContentID, it.Type, it.Tone, it.Description, it.Section)
	}
	blocker := selection.BlockingAlert(r.selections)
	for _, sec := range rs.Sections {
		if blocker != "" && rs.IsBlocked(sec.Number) {
			continue
		}
		items := selection.ForSection(r.selections, sec.Number)
		if len(items) > 0 && len(selection.Active(items)) == 0 {
			continue
		}
		secTone := mainTone
		if sec.Tone != "" {
			secTone = sec.Tone
		}
		for _, src := range sec.Sources {
			if src.Kind == rules.TypeStatic {
				add(src.ContentID, rules.TypeStatic, secTone, sec.Name, sec.Number)
			}
		}
	}

	byTone := map[string][]string{}
	var tones []string
	for _, key := range order {
		g := need[key]
		if _, ok := byTone[g.Tone]; !ok {
			tones = append(tones, g.Tone)
		}
		byTone[g.Tone] = append(byTone[g.Tone], g.ContentID)
	}

	var av content.Availability
	missing := map[string]bool{}
	for _, t := range tones {
		got, err := p.store.CheckAvailability(ctx, byTone[t], r.language, t)
		if err != nil {
			return content.Availability{}, nil, err
		}
		av.Available = append(av.Available, got.Available...)
		av.Missing = append(av.Missing, got.Missing...)
		for _, id := range got.Missing {
			missing[id+"\x00"+t] = true
		}
	}

	var gaps []gapfill.Gap
	for _, key := range order {
		if missing[key] {
			gaps = append(gaps, *need[key])
		}
	}
	return av, gaps, nil
}

func (p *Pipeline) persist(res *Result, rec audit.Record) error {
	reportJSON, err := json.Marshal(res.Report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	recordJSON, err := rec.JSON()
	if err != nil {
		return err
	}
	return p.db.InsertReport(database.Report{
		ID:              res.ReportID,
		SessionID:       res.SessionID,
		RunID:           res.RunID,
		Tone:            res.Report.Tone,
		ScenarioID:      res.Report.ScenarioID,
		Confidence:      res.Report.Confidence,
		Outcome:         string(res.Evaluation.Outcome),
		Deliverable:     res.Deliverable,
		FactCheckScore:  res.Report.FactCheckScore,
		FactCheckPassed: res.Report.FactCheckPassed,
		BodyMarkdown:    res.Markdown,
		ReportJSON:      string(reportJSON),
	}, database.AuditRecord{
		ReportID:   res.ReportID,
		SessionID:  res.SessionID,
		RunID:      res.RunID,
		RecordJSON: recordJSON,
	})
}

// step runs one phase, emitting its start and finish and recording the result.
func (p *Pipeline) step(ctx context.Context, em *events.Emitter, res *Result, name string, fn func() (string, error)) error {
	em.PhaseStarted(ctx, name)
	summary, err := fn()
	res.Steps = append(res.Steps, StepResult{Name: name, Summary: summary, Err: err})
	msg := summary
	if err != nil {
		msg = err.Error()
	}
	em.PhaseFinished(ctx, name, msg)
	return err
}

func (p *Pipeline) missingError(r *run, ids []string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return &MissingContentError{IDs: sorted, Language: r.language, Tone: r.tone.Profile.ID}
}

func (p *Pipeline) language(a *intake.Answers) string {
	if l := strings.TrimSpace(a.Meta(MetaLanguage)); l != "" {
		return strings.ToLower(l)
	}
	if p.cfg.Content.DefaultLanguage != "" {
		return p.cfg.Content.DefaultLanguage
	}
	return "en"
}

// Deliverable reports whether a report may be handed to the patient: no
// unresolved placeholders and not blocked by the quality gate.
func Deliverable(r *compose.Report, eval evaluate.Result) bool {
	return r != nil && len(r.Unresolved) == 0 && eval.Outcome != evaluate.Block
}

// Markdown renders the delivered body. Flagged reports carry a visible review note.
func Markdown(r *compose.Report, eval evaluate.Result) string {
	body := r.Markdown()
	switch eval.Outcome {
	case evaluate.Flag:
		note := "> **Review note:** this report was flagged by the quality check and should be reviewed with your clinician."
		if eval.Reason != "" {
			note += "\n> " + eval.Reason
		}
		return note + "\n\n" + body
	case evaluate.Block:
		return "> **Not for delivery:** this report was blocked by the quality check.\n\n" + body
	}
	return body
}

func mergeSections(a, b []int) []int {
	out := append([]int(nil), a...)
	for _, n := range b {
		found := false
		for _, m := range out {
			if m == n {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
