package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/PatientBrief/internal/audit"
	"github.com/TobiSchelling/PatientBrief/internal/config"
	"github.com/TobiSchelling/PatientBrief/internal/content"
	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/evaluate"
	"github.com/TobiSchelling/PatientBrief/internal/events"
	"github.com/TobiSchelling/PatientBrief/internal/gapfill"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/retrieve"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
	"github.com/TobiSchelling/PatientBrief/internal/scenario"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func withStarter(t *testing.T, db *database.DB) {
	t.Helper()
	st := content.NewSQLiteStore(db, rules.MustDefault(), "en")
	if _, err := content.ImportStarter(context.Background(), st, "en", "TP05"); err != nil {
		t.Fatalf("importing starter content: %v", err)
	}
}

func answers(session string, pairs ...string) *intake.Answers {
	a := &intake.Answers{SessionID: session}
	for i := 0; i+1 < len(pairs); i += 2 {
		a.Items = append(a.Items, intake.Answer{QuestionID: pairs[i], Value: intake.Single(pairs[i+1])})
	}
	return a
}

func anxiousFrontTooth(session string) *intake.Answers {
	return answers(session,
		"q_pain", "yes", "q_anxiety", "severe",
		"q_missing_teeth", "single_front", "q_budget", "flexible",
	)
}

type fakeRetriever struct{}

func (fakeRetriever) Relevant(context.Context, string, retrieve.Options) ([]retrieve.Snippet, error) {
	return []retrieve.Snippet{{DocumentID: 1, Title: "Implant care", URL: "https://example.com/care", Text: "Keep the site clean."}}, nil
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *fakeGenerator) Generate(_ context.Context, req gapfill.GenerateRequest) (*gapfill.Draft, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return &gapfill.Draft{Content: "Guidance about " + strings.ToLower(req.Gap.ContentID) + " for you.", WordCount: 4}, nil
}

type fakeVerifier struct{ confidence float64 }

func (v fakeVerifier) Check(context.Context, string, string, []retrieve.Snippet, bool) (*gapfill.Verification, error) {
	return &gapfill.Verification{Confidence: v.confidence}, nil
}

type fakeEvaluator struct {
	scores *evaluate.Scores
	err    error
}

func (e fakeEvaluator) Evaluate(context.Context, evaluate.PromptContext) (*evaluate.Scores, error) {
	return e.scores, e.err
}

func good() fakeEvaluator {
	return fakeEvaluator{scores: &evaluate.Scores{
		Dimensions: evaluate.Dimensions{Quality: 8, ClinicalAccuracy: 8, Personalization: 8},
		Confidence: 0.9,
	}}
}

func fixedClock() events.Clock {
	t := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newPipeline(t *testing.T, db *database.DB, cfg *config.Config, deps Deps) *Pipeline {
	t.Helper()
	if deps.Retriever == nil {
		deps.Retriever = fakeRetriever{}
	}
	if deps.Now == nil {
		deps.Now = fixedClock()
	}
	if deps.NewID == nil {
		deps.NewID = sequentialIDs()
	}
	p, err := New(cfg, db, rules.MustDefault(), deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestGeneratePersistsReportAndAudit(t *testing.T) {
	db := openTestDB(t)
	withStarter(t, db)
	rec := &events.Recorder{}
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: &fakeGenerator{},
		Verifier:  fakeVerifier{confidence: 0.9},
		Evaluator: good(),
		Sink:      rec,
	})

	res, err := p.Generate(context.Background(), anxiousFrontTooth("sess-1"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Deliverable || res.Evaluation.Outcome != evaluate.Pass {
		t.Errorf("expected deliverable PASS, got %s deliverable=%v", res.Evaluation.Outcome, res.Deliverable)
	}
	if res.Report.Tone != "TP01" {
		t.Errorf("expected anxiety tone TP01, got %s", res.Report.Tone)
	}

	stored, err := db.GetReport(res.ReportID)
	if err != nil || stored == nil {
		t.Fatalf("GetReport: %v", err)
	}
	if stored.RunID != res.RunID || stored.Outcome != "PASS" || !stored.Deliverable {
		t.Errorf("unexpected stored report %+v", stored)
	}
	if !strings.HasPrefix(stored.BodyMarkdown, "# Your Treatment Summary") {
		t.Errorf("unexpected body %q", stored.BodyMarkdown[:40])
	}

	ar, err := db.GetAuditRecord(res.ReportID)
	if err != nil || ar == nil {
		t.Fatalf("GetAuditRecord: %v", err)
	}
	record, err := audit.Parse(ar.RecordJSON)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{PhaseDerive, PhaseTone, PhaseScenarios, PhaseSelect, PhaseAvailability,
		PhaseGaps, PhaseCompose, PhaseEvaluate, PhasePersist}
	if got := record.Phases(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("phases = %v, want %v", got, want)
	}
	if len(record.Drivers.Sources) == 0 || len(record.Tone.Triggers) == 0 || len(record.Scenarios.Ranked) == 0 {
		t.Error("audit record missing drivers, tone triggers or scenarios")
	}
	if record.Evaluation == nil || record.Evaluation.Outcome != evaluate.Pass {
		t.Errorf("audit evaluation = %+v", record.Evaluation)
	}
	if n := len(rec.Of(events.DimensionScored)); n != 3 {
		t.Errorf("expected 3 dimension events on the sink, got %d", n)
	}
}

func TestGenerateFillsGapsFromEmptyStore(t *testing.T) {
	db := openTestDB(t)
	gen := &fakeGenerator{}
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: gen,
		Verifier:  fakeVerifier{confidence: 0.95},
		Evaluator: good(),
	})

	res, err := p.Generate(context.Background(), anxiousFrontTooth("sess-2"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Gaps) == 0 || gen.calls != len(res.Gaps) {
		t.Fatalf("expected one generation per gap, got %d gaps and %d calls", len(res.Gaps), gen.calls)
	}
	fallback := rules.MustDefault().Scoring.FallbackID
	for _, o := range res.Gaps {
		if o.State != gapfill.Done {
			t.Errorf("gap %s ended %s", o.Gap.ContentID, o.State)
		}
		if o.Gap.ContentID == fallback {
			t.Error("fallback scenario must never become a gap")
		}
	}
	if res.Report.FactCheckScore != 0.95 || !res.Report.FactCheckPassed {
		t.Errorf("unexpected fact check %v/%v", res.Report.FactCheckScore, res.Report.FactCheckPassed)
	}
	if len(res.Report.Sections) == 0 {
		t.Error("expected sections from generated content")
	}

	logged, err := db.GetGapResults(res.RunID)
	if err != nil || len(logged) != len(res.Gaps) {
		t.Errorf("expected %d gap results, got %d (%v)", len(res.Gaps), len(logged), err)
	}

	dry := p.DryRun(context.Background(), anxiousFrontTooth("sess-3"))
	last := dry.Steps[len(dry.Steps)-2]
	if last.Name != PhaseGaps || last.Summary != "[dry-run] no content gaps" {
		t.Errorf("expected generated content to close every gap, got %+v", last)
	}
}

func TestGeneratedScenarioStaysScoreable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	st := content.NewSQLiteStore(db, rules.MustDefault(), "en")
	// Authored only in a tone outside the anxiety tone's fallback chain.
	err := st.Upsert(ctx, content.Content{
		ID: "S01_SINGLE_FRONT", Type: rules.TypeScenario, Tone: "TP04", Language: "en",
		Body:     "## situation\nYou are missing one front tooth.\n## priorities\nA natural look.",
		Origin:   content.OriginAuthored,
		Scenario: &scenario.Scenario{Category: "single_tooth", Description: "single front tooth, flexible budget", Sections: []int{1, 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: &fakeGenerator{},
		Verifier:  fakeVerifier{confidence: 0.9},
		Evaluator: good(),
	})

	res, err := p.Generate(ctx, anxiousFrontTooth("sess-scn"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var filled *gapfill.Outcome
	for i, o := range res.Gaps {
		if o.Gap.ContentID == "S01_SINGLE_FRONT" {
			filled = &res.Gaps[i]
		}
	}
	if filled == nil || filled.Gap.Tone != "TP01" || filled.State != gapfill.Done {
		t.Fatalf("expected S01 filled in TP01, got %+v", filled)
	}

	got, err := st.Get(ctx, "S01_SINGLE_FRONT", "TP01", "en")
	if err != nil || got == nil || got.Origin != content.OriginGenerated {
		t.Fatalf("expected generated TP01 row, got %+v (%v)", got, err)
	}
	if got.Scenario == nil || got.Scenario.Category != "single_tooth" {
		t.Errorf("generated row lost scenario metadata: %+v", got.Scenario)
	}

	list, err := content.Scenarios(ctx, st, "en")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Category != "single_tooth" || len(list[0].Sections) == 0 {
		t.Errorf("expected S01 to keep its category and sections, got %+v", list)
	}

	again := p.DryRun(ctx, anxiousFrontTooth("sess-scn-2"))
	for _, step := range again.Steps {
		if step.Name == PhaseScenarios && !strings.Contains(step.Summary, "S01_SINGLE_FRONT") {
			t.Errorf("expected S01 to score on the next run, got %q", step.Summary)
		}
	}
}

func TestMalformedAnswerRecordedInAudit(t *testing.T) {
	db := openTestDB(t)
	withStarter(t, db)
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: &fakeGenerator{},
		Verifier:  fakeVerifier{confidence: 0.9},
		Evaluator: good(),
	})
	a, err := intake.Decode(strings.NewReader(`{"session_id": "sess-bad", "answers": [
		{"question_id": "q_anxiety", "answer": "severe"},
		{"question_id": "q_budget", "answer": {"x": 1}}
	]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	res, err := p.Generate(context.Background(), a)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	found := false
	for _, w := range res.Audit.Warnings {
		if strings.Contains(w, "q_budget") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a malformed-answer warning, got %v", res.Audit.Warnings)
	}
}

func TestStrictModeNamesMissingContent(t *testing.T) {
	db := openTestDB(t)
	p := newPipeline(t, db, config.Defaults(), Deps{Evaluator: good()})

	_, err := p.Generate(context.Background(), anxiousFrontTooth("sess-4"))
	var missing *MissingContentError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingContentError, got %v", err)
	}
	if missing.Tone != "TP01" || missing.Language != "en" || len(missing.IDs) == 0 {
		t.Errorf("unexpected error detail %+v", missing)
	}
	if reports, _ := db.ListReports(10); len(reports) != 0 {
		t.Error("nothing may be persisted after a strict-mode failure")
	}
}

func TestStrictModeFailedGap(t *testing.T) {
	db := openTestDB(t)
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: &fakeGenerator{},
		Verifier:  fakeVerifier{confidence: 0.9},
		Retriever: emptyRetriever{},
		Evaluator: good(),
	})
	_, err := p.Generate(context.Background(), anxiousFrontTooth("sess-5"))
	var missing *MissingContentError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingContentError for gaps without sources, got %v", err)
	}
}

type emptyRetriever struct{}

func (emptyRetriever) Relevant(context.Context, string, retrieve.Options) ([]retrieve.Snippet, error) {
	return nil, nil
}

func TestLenientModeDegrades(t *testing.T) {
	db := openTestDB(t)
	withStarter(t, db)
	cfg := config.Defaults()
	cfg.Generation.StrictMode = false
	p := newPipeline(t, db, cfg, Deps{Evaluator: good()})

	res, err := p.Generate(context.Background(), answers("sess-6", "q_missing_teeth", "multiple"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Report == nil {
		t.Fatal("expected a report")
	}
}

func TestBlockedReportNotDeliverable(t *testing.T) {
	db := openTestDB(t)
	withStarter(t, db)
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: &fakeGenerator{},
		Verifier:  fakeVerifier{confidence: 0.9},
		Evaluator: fakeEvaluator{scores: &evaluate.Scores{
			Dimensions: evaluate.Dimensions{Quality: 8, ClinicalAccuracy: 2, Personalization: 8},
		}},
	})

	res, err := p.Generate(context.Background(), anxiousFrontTooth("sess-7"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Evaluation.Outcome != evaluate.Block || res.Deliverable {
		t.Errorf("expected blocked, undeliverable report, got %s/%v", res.Evaluation.Outcome, res.Deliverable)
	}
	stored, _ := db.GetReport(res.ReportID)
	if stored == nil || stored.Deliverable || !strings.HasPrefix(stored.BodyMarkdown, "> **Not for delivery:**") {
		t.Errorf("unexpected stored report %+v", stored)
	}
}

func TestEvaluatorFailureFallsBackToFlag(t *testing.T) {
	db := openTestDB(t)
	withStarter(t, db)
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: &fakeGenerator{},
		Verifier:  fakeVerifier{confidence: 0.9},
		Evaluator: fakeEvaluator{err: errors.New("model offline")},
	})

	res, err := p.Generate(context.Background(), anxiousFrontTooth("sess-8"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Evaluation.Outcome != evaluate.Flag || !res.Evaluation.Fallback {
		t.Errorf("expected fallback FLAG, got %+v", res.Evaluation)
	}
	if !res.Deliverable || !strings.Contains(res.Markdown, "Review note") {
		t.Error("flagged report should be deliverable with a visible warning")
	}
}

func TestRequiredEvaluatorMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := New(config.Defaults(), db, rules.MustDefault(), Deps{})
	if !errors.Is(err, evaluate.ErrEvaluatorMisconfigured) {
		t.Errorf("expected ErrEvaluatorMisconfigured, got %v", err)
	}
}

func TestReportsAreWriteOnce(t *testing.T) {
	db := openTestDB(t)
	withStarter(t, db)
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: &fakeGenerator{},
		Verifier:  fakeVerifier{confidence: 0.9},
		Evaluator: good(),
		NewID:     func() string { return "same" },
	})
	if _, err := p.Generate(context.Background(), anxiousFrontTooth("sess-9")); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	_, err := p.Generate(context.Background(), anxiousFrontTooth("sess-9"))
	if !errors.Is(err, database.ErrReportExists) {
		t.Errorf("expected ErrReportExists, got %v", err)
	}
}

func TestCancelledRunPersistsNothing(t *testing.T) {
	db := openTestDB(t)
	p := newPipeline(t, db, config.Defaults(), Deps{
		Generator: &fakeGenerator{},
		Verifier:  fakeVerifier{confidence: 0.9},
		Evaluator: good(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Generate(ctx, anxiousFrontTooth("sess-10"))
	if err == nil {
		t.Fatal("expected an error for a cancelled run")
	}
	if reports, _ := db.ListReports(10); len(reports) != 0 {
		t.Error("cancelled run must not persist a report")
	}
}

func TestLanguageFromMetadata(t *testing.T) {
	p := &Pipeline{cfg: config.Defaults()}
	a := answers("s")
	if got := p.language(a); got != "en" {
		t.Errorf("default language = %s", got)
	}
	a.Metadata = map[string]string{MetaLanguage: " DE "}
	if got := p.language(a); got != "de" {
		t.Errorf("metadata language = %s", got)
	}
}

func TestInvalidAnswersRejected(t *testing.T) {
	db := openTestDB(t)
	p := newPipeline(t, db, config.Defaults(), Deps{Evaluator: good()})
	if _, err := p.Generate(context.Background(), &intake.Answers{}); err == nil {
		t.Error("expected validation error for answers without session id")
	}
}
