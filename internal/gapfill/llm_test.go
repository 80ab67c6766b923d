package gapfill

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

type mockProvider struct {
	response string
	err      error
	prompts  []string
}

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

func TestLLMGeneratorParsesJSON(t *testing.T) {
	mock := &mockProvider{response: `{
		"content": "Healing usually takes **three to six months**.",
		"citations": [{"title": "Healing", "url": "https://example.com/h", "contribution": "timeline"}]
	}`}
	g := NewLLMGenerator(mock, rules.MustDefault(), 0)
	req := GenerateRequest{
		Gap:      Gap{ContentID: "BB_HEALING_PHASE", Type: "building_block", Language: "en", Tone: "TP01", Sections: []int{7}},
		Sources:  someSources,
		Feedback: []Claim{{Text: "implants last forever", Verdict: Contradicted}},
	}

	d, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(d.Content, "Healing usually") || d.WordCount != 7 {
		t.Errorf("unexpected draft %+v", d)
	}
	if len(d.Citations) != 1 || d.Citations[0].URL != "https://example.com/h" {
		t.Errorf("unexpected citations %+v", d.Citations)
	}
	prompt := mock.prompts[0]
	for _, want := range []string{"BB_HEALING_PHASE", "7 Timeline", "drill", "implants last forever", "Healing takes months."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestLLMGeneratorAsksScenarioSubsections(t *testing.T) {
	mock := &mockProvider{response: `{"content": "## situation\nOne tooth.\n## priorities\nA natural look."}`}
	g := NewLLMGenerator(mock, rules.MustDefault(), 0)
	_, err := g.Generate(context.Background(), GenerateRequest{
		Gap:     Gap{ContentID: "S01", Type: rules.TypeScenario, Language: "en", Tone: "TP01", Sections: []int{1, 2, 7}},
		Sources: someSources,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	prompt := mock.prompts[0]
	for _, want := range []string{"## situation", "## priorities", "## timeline"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("scenario prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "## options") {
		t.Error("prompt asks for a subsection of a section the scenario does not cover")
	}

	mock.prompts = nil
	g.Generate(context.Background(), GenerateRequest{
		Gap: Gap{ContentID: "BB_X", Type: rules.TypeBuildingBlock, Sections: []int{1}}, Sources: someSources,
	})
	if strings.Contains(mock.prompts[0], "## situation") {
		t.Error("non-scenario blocks must not be split into subsections")
	}
}

func TestLLMGeneratorPlainProse(t *testing.T) {
	mock := &mockProvider{response: "Just some prose about healing."}
	d, err := NewLLMGenerator(mock, rules.MustDefault(), 0).Generate(context.Background(), GenerateRequest{
		Gap: Gap{ContentID: "X", Tone: "TP05"}, Sources: someSources,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if d.Content != "Just some prose about healing." || len(d.Citations) != 1 {
		t.Errorf("expected prose kept with source citations, got %+v", d)
	}
}

func TestLLMGeneratorProviderError(t *testing.T) {
	mock := &mockProvider{err: errors.New("timeout")}
	if _, err := NewLLMGenerator(mock, rules.MustDefault(), 0).Generate(context.Background(), GenerateRequest{}); err == nil {
		t.Error("expected provider error")
	}
	if _, err := NewLLMGenerator(nil, rules.MustDefault(), 0).Generate(context.Background(), GenerateRequest{}); err == nil {
		t.Error("expected error without provider")
	}
}

func TestLLMVerifierConfidence(t *testing.T) {
	mock := &mockProvider{response: `{"claims": [
		{"claim": "a", "verdict": "verified"},
		{"claim": "b", "verdict": "UNSUPPORTED"},
		{"claim": "c", "verdict": "maybe"}
	], "overall_confidence": 0.9}`}
	v := NewLLMVerifier(mock, 0)

	res, err := v.Check(context.Background(), "X", "text", someSources, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Confidence != 0.9 || len(res.Claims) != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Claims[1].Verdict != Unsupported || res.Claims[2].Verdict != Inconclusive {
		t.Errorf("unexpected verdicts %+v", res.Claims)
	}

	strict, err := v.Check(context.Background(), "X", "text", someSources, true)
	if err != nil {
		t.Fatalf("Check strict: %v", err)
	}
	if strict.Confidence > 0.34 {
		t.Errorf("strict mode must cap confidence at the verified share, got %v", strict.Confidence)
	}
	if !strings.Contains(mock.prompts[1], "Strict mode") {
		t.Error("strict prompt missing note")
	}
}

func TestLLMVerifierDerivesConfidenceFromClaims(t *testing.T) {
	mock := &mockProvider{response: `{"claims": [{"claim": "a", "verdict": "verified"}, {"claim": "b", "verdict": "contradicted"}]}`}
	res, err := NewLLMVerifier(mock, 0).Check(context.Background(), "X", "t", nil, false)
	if err != nil || res.Confidence != 0.5 {
		t.Errorf("expected 0.5 from claims, got %+v %v", res, err)
	}
}

func TestLLMVerifierUnparseable(t *testing.T) {
	mock := &mockProvider{response: "I think it is fine"}
	if _, err := NewLLMVerifier(mock, 0).Check(context.Background(), "X", "t", nil, false); err == nil {
		t.Error("unparseable verification must be an error")
	}
	mock.response = `{"note": "nothing"}`
	if _, err := NewLLMVerifier(mock, 0).Check(context.Background(), "X", "t", nil, false); err == nil {
		t.Error("empty verification must be an error")
	}
}
