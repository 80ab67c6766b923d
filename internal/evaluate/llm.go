package evaluate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/llm"
)

const evaluationPrompt = `You are a senior dental clinician reviewing a personalized report written for an implant patient before it is sent.

Patient profile:
%s

Intended tone: %s
Matched scenario: %s (match confidence %s)

Report:
%s

Score the report on three dimensions from 1 (unacceptable) to 10 (excellent):
- quality: clarity, structure, readability for a lay patient
- clinical_accuracy: medically correct, no unsafe advice, no invented numbers or guarantees, consistent with the clinical flags
- personalization: addresses this patient's situation, priorities and concerns in the intended tone

Respond with ONLY this JSON:
{
    "quality": 1-10,
    "clinical_accuracy": 1-10,
    "personalization": 1-10,
    "confidence": 0.0-1.0,
    "overall_assessment": "Two or three sentences on the main strengths and problems"
}`

// LLMEvaluator asks an LLM provider to score reports.
type LLMEvaluator struct {
	provider  llm.Provider
	maxTokens int
}

func NewLLMEvaluator(provider llm.Provider, maxTokens int) *LLMEvaluator {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &LLMEvaluator{provider: provider, maxTokens: maxTokens}
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, pc PromptContext) (*Scores, error) {
	if pc.Report == nil {
		return nil, errors.New("no report to evaluate")
	}
	prompt := fmt.Sprintf(evaluationPrompt,
		formatProfile(pc.Drivers), pc.ToneName, pc.ScenarioID, pc.Report.Confidence, pc.Report.Markdown())

	responseText, err := e.provider.Generate(ctx, prompt, e.maxTokens)
	if err != nil {
		return nil, err
	}
	parsed := llm.ParseJSONResponse(responseText)
	if parsed == nil {
		return nil, errors.New("evaluator response could not be parsed")
	}

	s := &Scores{Assessment: llm.String(parsed, "overall_assessment", "")}
	for _, dim := range []struct {
		name string
		dst  *float64
	}{
		{Quality, &s.Quality},
		{ClinicalAccuracy, &s.ClinicalAccuracy},
		{Personalization, &s.Personalization},
	} {
		v, ok := dimensionScore(parsed, dim.name)
		if !ok {
			return nil, fmt.Errorf("evaluator response missing %s score", dim.name)
		}
		*dim.dst = v
	}
	if c, ok := llm.Float(parsed, "confidence"); ok {
		s.Confidence = c
	}
	return s, nil
}

// dimensionScore accepts a bare number or an object with a "score" field.
func dimensionScore(m map[string]any, key string) (float64, bool) {
	if v, ok := llm.Float(m, key); ok {
		return v, true
	}
	if obj, ok := m[key].(map[string]any); ok {
		return llm.Float(obj, "score")
	}
	return 0, false
}

func formatProfile(s drivers.State) string {
	var lines []string
	for _, p := range s.Sources {
		if !p.Answered {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", strings.ReplaceAll(p.Driver, "_", " "), p.Value))
	}
	if len(s.Tags) > 0 {
		lines = append(lines, "- tags: "+strings.Join(s.Tags, ", "))
	}
	if len(lines) == 0 {
		return "- no answers given"
	}
	return strings.Join(lines, "\n")
}
