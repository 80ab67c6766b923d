package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if len(cfg.Sources.Feeds) == 0 {
		t.Error("expected feeds to be populated")
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected provider 'ollama', got %q", cfg.LLM.Provider)
	}
	if cfg.Generation.MaxFactCheckAttempts != 2 {
		t.Errorf("expected 2 fact-check attempts, got %d", cfg.Generation.MaxFactCheckAttempts)
	}
	if cfg.Generation.ConfidenceThreshold != 0.7 {
		t.Errorf("expected threshold 0.7, got %v", cfg.Generation.ConfidenceThreshold)
	}
	if cfg.Generation.CallTimeout != 90*time.Second {
		t.Errorf("expected call timeout 90s, got %v", cfg.Generation.CallTimeout)
	}
	if cfg.Evaluation.FallbackOutcome != "FLAG" {
		t.Errorf("expected fallback FLAG, got %q", cfg.Evaluation.FallbackOutcome)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestClinicalAccuracyWeightedHighest(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}
	w := cfg.Evaluation.Weights
	if w.ClinicalAccuracy <= w.Quality || w.ClinicalAccuracy <= w.Personalization {
		t.Errorf("expected clinical_accuracy to carry the highest weight, got %+v", w)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
llm:
  provider: anthropic
  model: claude-haiku-4-5-20251001
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("expected provider 'anthropic', got %q", cfg.LLM.Provider)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.LLM.OllamaURL != "http://localhost:11434" {
		t.Errorf("expected default ollama_url, got %q", cfg.LLM.OllamaURL)
	}
	if cfg.Evaluation.SamplingRate != 100 {
		t.Errorf("expected default sampling rate 100, got %d", cfg.Evaluation.SamplingRate)
	}
}

func TestParseRejectsPassFallback(t *testing.T) {
	data := []byte(`
evaluation:
  fallback_outcome: PASS
`)
	if _, err := parse(data); err == nil {
		t.Error("expected PASS fallback outcome to be rejected")
	}
}

func TestParseNormalizesWeights(t *testing.T) {
	data := []byte(`
evaluation:
  weights:
    quality: 2
    clinical_accuracy: 5
    personalization: 3
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := cfg.Evaluation.Weights
	sum := w.Quality + w.ClinicalAccuracy + w.Personalization
	if sum < 0.999999 || sum > 1.000001 {
		t.Errorf("expected weights to sum to 1, got %v", sum)
	}
	if w.ClinicalAccuracy != 0.5 {
		t.Errorf("expected clinical_accuracy 0.5, got %v", w.ClinicalAccuracy)
	}
}

func TestParseRejectsClinicalAccuracyNotHighest(t *testing.T) {
	cases := []string{`
evaluation:
  weights:
    quality: 5
    clinical_accuracy: 1
    personalization: 3
`, `
evaluation:
  weights:
    quality: 3
    clinical_accuracy: 3
    personalization: 1
`}
	for _, data := range cases {
		if _, err := parse([]byte(data)); err == nil {
			t.Errorf("expected weights to be rejected:%s", data)
		}
	}
}

func TestParseRejectsZeroAttempts(t *testing.T) {
	data := []byte(`
generation:
  max_fact_check_attempts: 0
`)
	if _, err := parse(data); err == nil {
		t.Error("expected zero attempts to be rejected")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Sources.Feeds) == 0 {
		t.Error("expected feeds to be populated from file")
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	defaultDir := cfg.GetDataDir()
	if defaultDir == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.Output.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
}
