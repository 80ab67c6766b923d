package gapfill

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/PatientBrief/internal/compose"
	"github.com/TobiSchelling/PatientBrief/internal/llm"
	"github.com/TobiSchelling/PatientBrief/internal/retrieve"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

const generationPrompt = `You are writing one block of a personalized report for a dental implant patient.

Block id: %s
Block type: %s
Appears in report sections: %s
Language: %s
Tone: %s
Words to avoid: %s
Purpose: %s

Write 80-200 words in the requested language and tone. Use ONLY the source material below. Do not invent statistics, prices, success rates or guarantees. Placeholders in square brackets such as [budget] may be used and must be kept exactly as written.
%s%s
Source material:
%s

Respond with ONLY this JSON:
{
    "content": "The text of the block. Use markdown for emphasis.",
    "citations": [
        {"title": "Source Title", "url": "https://...", "contribution": "What this source supported"}
    ]
}`

const verificationPrompt = `You are fact-checking patient-facing dental content against source material.

Split the content into its factual claims and check each one against the sources.
verified = directly supported by a source. unsupported = not covered by any source. contradicted = a source says otherwise. inconclusive = sources are ambiguous.
%s
Block id: %s
Content:
%s

Source material:
%s

Respond with ONLY this JSON:
{
    "claims": [
        {"claim": "The claim", "verdict": "verified" | "unsupported" | "contradicted" | "inconclusive", "evidence": "Quote or source title"}
    ],
    "overall_confidence": 0.0-1.0
}`

const strictNote = "Strict mode: any claim that is not directly supported must be marked unsupported."

// LLMGenerator drafts gap content with an LLM provider.
type LLMGenerator struct {
	provider  llm.Provider
	rules     *rules.Set
	maxTokens int
}

func NewLLMGenerator(provider llm.Provider, rs *rules.Set, maxTokens int) *LLMGenerator {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMGenerator{provider: provider, rules: rs, maxTokens: maxTokens}
}

func (g *LLMGenerator) Generate(ctx context.Context, req GenerateRequest) (*Draft, error) {
	if g.provider == nil {
		return nil, errors.New("no LLM provider configured")
	}
	gap := req.Gap
	toneText, banned := gap.Tone, "none"
	if p, ok := g.rules.Tone(gap.Tone); ok {
		toneText = fmt.Sprintf("%s (%s)", p.ID, p.Name)
		if len(p.Banned) > 0 {
			banned = strings.Join(p.Banned, ", ")
		}
	}

	prompt := fmt.Sprintf(generationPrompt,
		gap.ContentID, gap.Type, g.sectionNames(gap.Sections), gap.Language,
		toneText, banned, orDefault(gap.Description, "general patient information"),
		g.structure(gap), formatFeedback(req.Feedback), formatSources(req.Sources, 1200))

	responseText, err := g.provider.Generate(ctx, prompt, g.maxTokens)
	if err != nil {
		return nil, err
	}

	parsed := llm.ParseJSONResponse(responseText)
	d := &Draft{}
	if parsed != nil {
		d.Content = strings.TrimSpace(llm.String(parsed, "content", ""))
		d.Citations = parseCitations(parsed)
	}
	if d.Content == "" {
		// Plain prose answer: keep it and cite every source it was given.
		d.Content = strings.TrimSpace(responseText)
		d.Citations = nil
		for _, s := range req.Sources {
			d.Citations = append(d.Citations, Citation{Title: s.Title, URL: s.URL})
		}
	}
	d.WordCount = compose.WordCount(d.Content)
	return d, nil
}

func (g *LLMGenerator) sectionNames(numbers []int) string {
	var names []string
	for _, n := range numbers {
		if sec, ok := g.rules.Section(n); ok {
			names = append(names, fmt.Sprintf("%d %s", n, sec.Name))
		}
	}
	if len(names) == 0 {
		return "any"
	}
	return strings.Join(names, ", ")
}

// structure asks scenario drafts for the named subsections the report
// sections read. Other block types are free prose.
func (g *LLMGenerator) structure(gap Gap) string {
	if gap.Type != rules.TypeScenario {
		return ""
	}
	keys := g.subsectionKeys(gap.Sections)
	if len(keys) == 0 {
		return ""
	}
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = "## " + k
	}
	return "\nThis block is a scenario. Split the content into these markdown subsections, each opened by its header line exactly as written, 40-120 words each:\n" +
		strings.Join(lines, "\n") + "\n"
}

// subsectionKeys lists the primary scenario key of each section, in section order.
func (g *LLMGenerator) subsectionKeys(numbers []int) []string {
	var keys []string
	seen := map[string]bool{}
	for _, n := range numbers {
		sec, ok := g.rules.Section(n)
		if !ok {
			continue
		}
		for _, src := range sec.Sources {
			if src.Kind == rules.TypeScenario && src.Key != "" && !seen[src.Key] {
				seen[src.Key] = true
				keys = append(keys, src.Key)
			}
		}
	}
	return keys
}

// LLMVerifier fact-checks drafts with an LLM provider.
type LLMVerifier struct {
	provider  llm.Provider
	maxTokens int
}

func NewLLMVerifier(provider llm.Provider, maxTokens int) *LLMVerifier {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMVerifier{provider: provider, maxTokens: maxTokens}
}

// Check returns an error when the response cannot be read, so an unreadable
// verification never counts as a pass.
func (v *LLMVerifier) Check(ctx context.Context, contentID, text string, sources []retrieve.Snippet, strict bool) (*Verification, error) {
	if v.provider == nil {
		return nil, errors.New("no LLM provider configured")
	}
	note := ""
	if strict {
		note = "\n" + strictNote + "\n"
	}
	prompt := fmt.Sprintf(verificationPrompt, note, contentID, text, formatSources(sources, 2000))

	responseText, err := v.provider.Generate(ctx, prompt, v.maxTokens)
	if err != nil {
		return nil, err
	}
	parsed := llm.ParseJSONResponse(responseText)
	if parsed == nil {
		return nil, errors.New("verifier response could not be parsed")
	}

	res := &Verification{Claims: parseClaims(parsed)}
	verified := 0
	for _, c := range res.Claims {
		if c.Verdict == Verified {
			verified++
		}
	}
	share := 0.0
	if len(res.Claims) > 0 {
		share = float64(verified) / float64(len(res.Claims))
	}

	conf, ok := llm.Float(parsed, "overall_confidence")
	if !ok {
		if len(res.Claims) == 0 {
			return nil, errors.New("verifier returned neither claims nor confidence")
		}
		conf = share
	}
	if strict && len(res.Claims) > 0 && share < conf {
		conf = share
	}
	res.Confidence = clamp01(conf)
	return res, nil
}

func parseClaims(m map[string]any) []Claim {
	arr, ok := m["claims"].([]any)
	if !ok {
		return nil
	}
	var claims []Claim
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		verdict := Verdict(strings.ToLower(llm.String(obj, "verdict", "")))
		switch verdict {
		case Verified, Unsupported, Contradicted, Inconclusive:
		default:
			verdict = Inconclusive
		}
		claims = append(claims, Claim{
			Text:     llm.String(obj, "claim", ""),
			Verdict:  verdict,
			Evidence: llm.String(obj, "evidence", ""),
		})
	}
	return claims
}

func parseCitations(m map[string]any) []Citation {
	arr, ok := m["citations"].([]any)
	if !ok {
		return nil
	}
	var refs []Citation
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		refs = append(refs, Citation{
			Title:        llm.String(obj, "title", ""),
			URL:          llm.String(obj, "url", ""),
			Contribution: llm.String(obj, "contribution", ""),
		})
	}
	return refs
}

func formatSources(sources []retrieve.Snippet, maxChars int) string {
	var parts []string
	for i, s := range sources {
		text := s.Text
		if len(text) > maxChars {
			text = text[:maxChars] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%d] %s\n  URL: %s\n  Excerpt: %s", i+1, s.Title, s.URL, text))
	}
	return strings.Join(parts, "\n\n")
}

func formatFeedback(claims []Claim) string {
	if len(claims) == 0 {
		return ""
	}
	lines := []string{"\nA previous draft had these problems. Do not repeat them:"}
	for _, c := range claims {
		lines = append(lines, fmt.Sprintf("- %s (%s)", c.Text, c.Verdict))
	}
	return strings.Join(lines, "\n") + "\n"
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
