// Package evaluate is the quality gate every composed report passes before
// delivery. It scores three dimensions through an external evaluator and
// maps the weighted result to PASS, FLAG or BLOCK.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PatientBrief/internal/compose"
	"github.com/TobiSchelling/PatientBrief/internal/config"
	"github.com/TobiSchelling/PatientBrief/internal/drivers"
	"github.com/TobiSchelling/PatientBrief/internal/events"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
)

// ErrEvaluatorMisconfigured means evaluation is required but no evaluator is usable.
var ErrEvaluatorMisconfigured = errors.New("quality evaluator required but not configured")

// Outcome is the gate decision.
type Outcome string

const (
	Pass    Outcome = "PASS"
	Flag    Outcome = "FLAG"
	Block   Outcome = "BLOCK"
	Skipped Outcome = "SKIPPED"
)

// Dimension names.
const (
	Quality          = "quality"
	ClinicalAccuracy = "clinical_accuracy"
	Personalization  = "personalization"
)

// Dimensions holds the three scores, each in [1,10] after normalization.
type Dimensions struct {
	Quality          float64 `json:"quality"`
	ClinicalAccuracy float64 `json:"clinical_accuracy"`
	Personalization  float64 `json:"personalization"`
}

// Min returns the lowest dimension score.
func (d Dimensions) Min() float64 {
	return math.Min(d.Quality, math.Min(d.ClinicalAccuracy, d.Personalization))
}

// Scores is the raw evaluator answer.
type Scores struct {
	Dimensions
	Confidence float64
	Assessment string
}

// PromptContext is what the evaluator judges.
type PromptContext struct {
	Report     *compose.Report
	Drivers    drivers.State
	ToneName   string
	ScenarioID string
}

// Evaluator scores a report.
type Evaluator interface {
	Evaluate(ctx context.Context, pc PromptContext) (*Scores, error)
}

// Result is the gate's verdict for one report.
type Result struct {
	Outcome    Outcome    `json:"outcome"`
	SkipReason string     `json:"skip_reason,omitempty"`
	Dimensions Dimensions `json:"dimensions"`
	Overall    float64    `json:"overall_score"`
	Confidence float64    `json:"confidence"`
	Assessment string     `json:"assessment,omitempty"`
	Fallback   bool       `json:"fallback,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Evaluated reports whether the evaluator produced the result.
func (r Result) Evaluated() bool { return r.Outcome != Skipped && !r.Fallback }

// Gate applies skip rules, calls the evaluator and decides the outcome.
type Gate struct {
	cfg    config.Evaluation
	eval   Evaluator
	logger *zap.Logger
}

// NewGate fails with ErrEvaluatorMisconfigured when evaluation is enabled and
// required but eval is nil.
func NewGate(cfg config.Evaluation, eval Evaluator, logger *zap.Logger) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Enabled && cfg.Required && eval == nil {
		return nil, ErrEvaluatorMisconfigured
	}
	if cfg.FallbackOutcome == "" || Outcome(cfg.FallbackOutcome) == Pass {
		cfg.FallbackOutcome = string(Flag)
	}
	return &Gate{cfg: cfg, eval: eval, logger: logger}, nil
}

// Evaluate returns the gate result. Evaluator failures never yield PASS.
func (g *Gate) Evaluate(ctx context.Context, pc PromptContext, em *events.Emitter) Result {
	if em == nil {
		em = events.NewEmitter(nil, "", "", nil)
	}
	if reason := g.skipReason(pc.Report); reason != "" {
		g.logger.Info("evaluation skipped", zap.String("session_id", pc.Report.SessionID), zap.String("reason", reason))
		return Result{Outcome: Skipped, SkipReason: reason}
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if g.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
	}
	scores, err := g.eval.Evaluate(callCtx, pc)
	cancel()
	if err == nil && scores == nil {
		err = errors.New("empty evaluation")
	}
	if err != nil {
		g.logger.Warn("evaluator failed, using fallback outcome",
			zap.String("session_id", pc.Report.SessionID),
			zap.String("fallback", g.cfg.FallbackOutcome),
			zap.Error(err))
		return Result{
			Outcome:  Outcome(g.cfg.FallbackOutcome),
			Fallback: true,
			Reason:   fmt.Sprintf("evaluator unavailable: %v", err),
		}
	}

	d := Dimensions{
		Quality:          normalizeScore(scores.Quality),
		ClinicalAccuracy: normalizeScore(scores.ClinicalAccuracy),
		Personalization:  normalizeScore(scores.Personalization),
	}
	em.Dimension(ctx, Quality, d.Quality)
	em.Dimension(ctx, ClinicalAccuracy, d.ClinicalAccuracy)
	em.Dimension(ctx, Personalization, d.Personalization)

	w := g.cfg.Weights
	overall := round2(w.Quality*d.Quality + w.ClinicalAccuracy*d.ClinicalAccuracy + w.Personalization*d.Personalization)
	res := Result{
		Outcome:    Decide(overall, d, g.cfg),
		Dimensions: d,
		Overall:    overall,
		Confidence: normalizeConfidence(scores.Confidence),
		Assessment: scores.Assessment,
	}
	g.logger.Info("report evaluated",
		zap.String("session_id", pc.Report.SessionID),
		zap.String("outcome", string(res.Outcome)),
		zap.Float64("overall", overall))
	return res
}

func (g *Gate) skipReason(r *compose.Report) string {
	switch {
	case !g.cfg.Enabled:
		return "evaluation disabled"
	case g.cfg.SkipHighConfidence && r.Confidence == rules.ConfidenceHigh:
		return "high confidence match"
	case !Sampled(r.SessionID, g.cfg.SamplingRate):
		return fmt.Sprintf("not sampled at rate %d%%", g.cfg.SamplingRate)
	case g.eval == nil:
		return "no evaluator configured"
	}
	return ""
}

// Decide maps scores to an outcome. BLOCK is checked before FLAG.
func Decide(overall float64, d Dimensions, cfg config.Evaluation) Outcome {
	low := d.Min()
	switch {
	case overall < cfg.BlockBelow || low < cfg.DimensionBlock:
		return Block
	case overall < cfg.FlagBelow || low < cfg.DimensionFlag:
		return Flag
	}
	return Pass
}

// Sampled reports whether a session falls inside the sampling rate. The
// decision depends only on the session id.
func Sampled(sessionID string, rate int) bool {
	if rate >= 100 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32()%100) < rate
}

func normalizeScore(f float64) float64 {
	if math.IsNaN(f) {
		return 1
	}
	return math.Max(1, math.Min(10, f))
}

func normalizeConfidence(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	// Accept percentages.
	if f > 1 && f <= 100 {
		f /= 100
	}
	return math.Max(0, math.Min(1, f))
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
