package config

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	LLM        LLM        `yaml:"llm"`
	Generation Generation `yaml:"generation"`
	Evaluation Evaluation `yaml:"evaluation"`
	Content    Content    `yaml:"content"`
	Sources    Sources    `yaml:"sources"`
	Redis      Redis      `yaml:"redis"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type LLM struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	OllamaURL string `yaml:"ollama_url"`
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Generation configures the generation-retry loop for content gaps.
type Generation struct {
	MaxFactCheckAttempts int           `yaml:"max_fact_check_attempts"`
	ConfidenceThreshold  float64       `yaml:"confidence_threshold"`
	Concurrency          int           `yaml:"concurrency"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	SourceLimit          int           `yaml:"source_limit"`
	SourceScoreThreshold float64       `yaml:"source_score_threshold"`
	StrictMode           bool          `yaml:"strict_mode"`
}

type Evaluation struct {
	Enabled            bool          `yaml:"enabled"`
	Required           bool          `yaml:"required"`
	SkipHighConfidence bool          `yaml:"skip_high_confidence"`
	SamplingRate       int           `yaml:"sampling_rate"`
	Weights            Weights       `yaml:"weights"`
	BlockBelow         float64       `yaml:"block_below"`
	FlagBelow          float64       `yaml:"flag_below"`
	DimensionBlock     float64       `yaml:"dimension_block_below"`
	DimensionFlag      float64       `yaml:"dimension_flag_below"`
	FallbackOutcome    string        `yaml:"fallback_outcome"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
}

type Weights struct {
	Quality          float64 `yaml:"quality"`
	ClinicalAccuracy float64 `yaml:"clinical_accuracy"`
	Personalization  float64 `yaml:"personalization"`
}

type Content struct {
	DefaultLanguage string `yaml:"default_language"`
	RulesPath       string `yaml:"rules_path"`
}

type Sources struct {
	Feeds      []Feed `yaml:"feeds"`
	MaxPerFeed int    `yaml:"max_per_feed"`
	FetchFull  bool   `yaml:"fetch_full_text"`
	UserAgent  string `yaml:"user_agent"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// Redis is optional. An empty URL disables the event publisher and content cache.
type Redis struct {
	URL      string        `yaml:"url"`
	Channel  string        `yaml:"channel"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for patientbrief.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "patientbrief")
}

// DataDir returns the XDG data directory for patientbrief.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "patientbrief")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/patientbrief/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'patientbrief init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Defaults returns a Config populated with built-in defaults only.
func Defaults() *Config {
	return &Config{
		LLM: LLM{
			Provider:  "ollama",
			Model:     "qwen2.5:7b",
			OllamaURL: "http://localhost:11434",
			APIKeyEnv: "OPENAI_API_KEY",
			MaxTokens: 1024,
		},
		Generation: Generation{
			MaxFactCheckAttempts: 2,
			ConfidenceThreshold:  0.7,
			Concurrency:          4,
			CallTimeout:          90 * time.Second,
			SourceLimit:          5,
			SourceScoreThreshold: 0.2,
			StrictMode:           true,
		},
		Evaluation: Evaluation{
			Enabled:            true,
			Required:           true,
			SkipHighConfidence: false,
			SamplingRate:       100,
			Weights: Weights{
				Quality:          0.3,
				ClinicalAccuracy: 0.45,
				Personalization:  0.25,
			},
			BlockBelow:      4.0,
			FlagBelow:       7.0,
			DimensionBlock:  3.0,
			DimensionFlag:   5.0,
			FallbackOutcome: "FLAG",
			CallTimeout:     60 * time.Second,
		},
		Content: Content{DefaultLanguage: "en"},
		Sources: Sources{
			MaxPerFeed: 20,
			FetchFull:  true,
			UserAgent:  "PatientBrief/1.0 (source ingestion)",
		},
		Redis:   Redis{Channel: "patientbrief:events", CacheTTL: 10 * time.Minute},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and normalizes the evaluation weights so they
// sum to 1.0. Clinical accuracy must carry the highest weight. A PASS fallback
// outcome is rejected: an evaluator failure must never read as a passing report.
func (c *Config) Validate() error {
	g := &c.Generation
	if g.MaxFactCheckAttempts < 1 {
		return fmt.Errorf("generation.max_fact_check_attempts must be >= 1, got %d", g.MaxFactCheckAttempts)
	}
	if g.ConfidenceThreshold < 0 || g.ConfidenceThreshold > 1 {
		return fmt.Errorf("generation.confidence_threshold must be in [0,1], got %v", g.ConfidenceThreshold)
	}
	if g.Concurrency < 1 {
		g.Concurrency = 1
	}

	e := &c.Evaluation
	if e.SamplingRate < 0 || e.SamplingRate > 100 {
		return fmt.Errorf("evaluation.sampling_rate must be in [0,100], got %d", e.SamplingRate)
	}
	switch strings.ToUpper(e.FallbackOutcome) {
	case "FLAG", "BLOCK":
		e.FallbackOutcome = strings.ToUpper(e.FallbackOutcome)
	case "":
		e.FallbackOutcome = "FLAG"
	default:
		return fmt.Errorf("evaluation.fallback_outcome must be FLAG or BLOCK, got %q", e.FallbackOutcome)
	}

	w := &e.Weights
	sum := w.Quality + w.ClinicalAccuracy + w.Personalization
	if sum <= 0 {
		return fmt.Errorf("evaluation.weights must be positive")
	}
	if w.ClinicalAccuracy <= w.Quality || w.ClinicalAccuracy <= w.Personalization {
		return fmt.Errorf("evaluation.weights.clinical_accuracy must be the highest weight, got %+v", *w)
	}
	if math.Abs(sum-1.0) > 1e-9 {
		w.Quality /= sum
		w.ClinicalAccuracy /= sum
		w.Personalization /= sum
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// APIKey returns the LLM API key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
