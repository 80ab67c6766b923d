package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/TobiSchelling/PatientBrief/internal/compose"
	"github.com/TobiSchelling/PatientBrief/internal/config"
	"github.com/TobiSchelling/PatientBrief/internal/events"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

type fakeEvaluator struct {
	scores *Scores
	err    error
	calls  int
}

func (f *fakeEvaluator) Evaluate(context.Context, PromptContext) (*Scores, error) {
	f.calls++
	return f.scores, f.err
}

func cfg() config.Evaluation {
	return config.Defaults().Evaluation
}

func report(session, confidence string) PromptContext {
	return PromptContext{Report: &compose.Report{SessionID: session, Confidence: confidence}}
}

func scores(q, c, p float64) *Scores {
	return &Scores{Dimensions: Dimensions{Quality: q, ClinicalAccuracy: c, Personalization: p}, Confidence: 0.8}
}

func TestDecideOrdering(t *testing.T) {
	c := cfg()
	cases := []struct {
		name    string
		overall float64
		d       Dimensions
		want    Outcome
	}{
		{"overall five, dims six", 5.0, Dimensions{6, 6, 6}, Flag},
		{"overall below block", 3.9, Dimensions{8, 8, 8}, Block},
		{"dimension below block", 8.0, Dimensions{9, 2.5, 9}, Block},
		{"dimension below flag", 8.0, Dimensions{9, 4.5, 9}, Flag},
		{"all good", 7.5, Dimensions{7, 8, 7}, Pass},
		{"exact thresholds", 7.0, Dimensions{5, 5, 5}, Pass},
	}
	for _, tc := range cases {
		if got := Decide(tc.overall, tc.d, c); got != tc.want {
			t.Errorf("%s: Decide = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestGateWeightedOverall(t *testing.T) {
	ev := &fakeEvaluator{scores: scores(8, 6, 10)}
	g, err := NewGate(cfg(), ev, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	rec := &events.Recorder{}
	res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceHigh), events.NewEmitter(rec, "r", "s1", nil))

	want := 0.3*8 + 0.45*6 + 0.25*10
	if math.Abs(res.Overall-want) > 0.01 {
		t.Errorf("overall = %v, want %v", res.Overall, want)
	}
	if res.Outcome != Pass {
		t.Errorf("expected PASS, got %s", res.Outcome)
	}
	if n := len(rec.Of(events.DimensionScored)); n != 3 {
		t.Errorf("expected 3 dimension events, got %d", n)
	}
}

func TestGateNormalizesScores(t *testing.T) {
	ev := &fakeEvaluator{scores: &Scores{Dimensions: Dimensions{Quality: 14, ClinicalAccuracy: 0, Personalization: math.NaN()}, Confidence: 85}}
	g, _ := NewGate(cfg(), ev, nil)
	res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceLow), nil)

	if res.Dimensions.Quality != 10 || res.Dimensions.ClinicalAccuracy != 1 || res.Dimensions.Personalization != 1 {
		t.Errorf("unexpected normalization %+v", res.Dimensions)
	}
	if res.Confidence != 0.85 {
		t.Errorf("expected confidence 0.85, got %v", res.Confidence)
	}
	if res.Outcome != Block {
		t.Errorf("expected BLOCK for dimension 1, got %s", res.Outcome)
	}
}

func TestGateFallbackNeverPasses(t *testing.T) {
	ev := &fakeEvaluator{err: errors.New("connection refused")}
	g, _ := NewGate(cfg(), ev, nil)
	res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceHigh), nil)

	if res.Outcome != Flag || !res.Fallback {
		t.Errorf("expected fallback FLAG, got %+v", res)
	}
	if res.Dimensions != (Dimensions{}) || !strings.Contains(res.Reason, "connection refused") {
		t.Errorf("expected zeroed dimensions and a reason, got %+v", res)
	}

	c := cfg()
	c.FallbackOutcome = "PASS"
	g, _ = NewGate(c, ev, nil)
	if res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceHigh), nil); res.Outcome == Pass {
		t.Error("fallback must never be PASS")
	}

	c.FallbackOutcome = "BLOCK"
	g, _ = NewGate(c, &fakeEvaluator{}, nil)
	if res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceHigh), nil); res.Outcome != Block {
		t.Errorf("expected configured BLOCK fallback for empty evaluation, got %s", res.Outcome)
	}
}

func TestGateSkipOrder(t *testing.T) {
	ev := &fakeEvaluator{scores: scores(9, 9, 9)}

	c := cfg()
	c.Enabled = false
	c.SkipHighConfidence = true
	g, _ := NewGate(c, ev, nil)
	if res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceHigh), nil); res.SkipReason != "evaluation disabled" {
		t.Errorf("disabled must be checked first, got %q", res.SkipReason)
	}

	c = cfg()
	c.SkipHighConfidence = true
	c.SamplingRate = 0
	g, _ = NewGate(c, ev, nil)
	if res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceHigh), nil); res.SkipReason != "high confidence match" {
		t.Errorf("high confidence must be checked before sampling, got %q", res.SkipReason)
	}
	res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceMedium), nil)
	if res.Outcome != Skipped || !strings.HasPrefix(res.SkipReason, "not sampled") {
		t.Errorf("expected sampling skip, got %+v", res)
	}
	if ev.calls != 0 {
		t.Error("evaluator must not be called when skipped")
	}
}

func TestSampledDeterministic(t *testing.T) {
	in := 0
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("session-%d", i)
		a, b := Sampled(id, 30), Sampled(id, 30)
		if a != b {
			t.Fatalf("sampling not deterministic for %s", id)
		}
		if a {
			in++
		}
	}
	if in < 200 || in > 400 {
		t.Errorf("expected roughly 30%% sampled, got %d/1000", in)
	}
	if !Sampled("x", 100) || Sampled("x", 0) {
		t.Error("unexpected bounds")
	}
}

func TestRequiredEvaluatorMissing(t *testing.T) {
	if _, err := NewGate(cfg(), nil, nil); !errors.Is(err, ErrEvaluatorMisconfigured) {
		t.Errorf("expected ErrEvaluatorMisconfigured, got %v", err)
	}
	c := cfg()
	c.Required = false
	g, err := NewGate(c, nil, nil)
	if err != nil {
		t.Fatalf("optional evaluator: %v", err)
	}
	if res := g.Evaluate(context.Background(), report("s1", rules.ConfidenceLow), nil); res.Outcome != Skipped {
		t.Errorf("expected skip without evaluator, got %s", res.Outcome)
	}
}

type mockProvider struct {
	response string
	err      error
	prompt   string
}

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.prompt = prompt
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

func TestLLMEvaluatorParses(t *testing.T) {
	mock := &mockProvider{response: "```json\n" + `{"quality": 8, "clinical_accuracy": {"score": 7}, "personalization": "6", "confidence": 0.7, "overall_assessment": "Clear."}` + "\n```"}
	pc := report("s1", rules.ConfidenceHigh)
	pc.Report.Sections = []compose.Section{{Number: 1, Name: "Your Situation", Content: "You are missing a front tooth."}}
	pc.ToneName = "Reassuring"

	s, err := NewLLMEvaluator(mock, 0).Evaluate(context.Background(), pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if s.Quality != 8 || s.ClinicalAccuracy != 7 || s.Personalization != 6 || s.Assessment != "Clear." {
		t.Errorf("unexpected scores %+v", s)
	}
	if !strings.Contains(mock.prompt, "missing a front tooth") || !strings.Contains(mock.prompt, "Reassuring") {
		t.Error("prompt missing report or tone")
	}
}

func TestLLMEvaluatorMissingDimension(t *testing.T) {
	mock := &mockProvider{response: `{"quality": 8, "personalization": 6}`}
	if _, err := NewLLMEvaluator(mock, 0).Evaluate(context.Background(), report("s1", "HIGH")); err == nil {
		t.Error("expected error for missing clinical_accuracy")
	}
}
