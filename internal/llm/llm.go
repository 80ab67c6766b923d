package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	anthropicclient "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"
	jetai "go.jetify.com/ai"
	jetapi "go.jetify.com/ai/api"
	jetanthropic "go.jetify.com/ai/provider/anthropic"
	jetopenai "go.jetify.com/ai/provider/openai"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PatientBrief/internal/config"
)

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured() bool
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string, logger *zap.Logger) *OllamaProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
}

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	o.logger.Warn("ollama model not found", zap.String("model", o.Model))
	return false
}

// Generate sends a prompt to Ollama and returns the response.
func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"stream": false,
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": 0.2,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.BaseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return result.Message.Content, nil
}

// HostedProvider calls OpenAI or Anthropic through the jetify AI SDK.
type HostedProvider struct {
	Kind  string
	Model string
	model jetapi.LanguageModel
}

// NewHostedProvider builds a provider for kind "openai" or "anthropic".
// An empty API key yields an unconfigured provider.
func NewHostedProvider(kind, modelID, apiKey, endpoint string) *HostedProvider {
	p := &HostedProvider{Kind: strings.ToLower(strings.TrimSpace(kind)), Model: modelID}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return p
	}
	endpoint = strings.TrimSpace(endpoint)

	if p.Kind == "anthropic" {
		if p.Model == "" {
			p.Model = "claude-haiku-4-5-20251001"
		}
		opts := []anthropicoption.RequestOption{
			anthropicoption.WithAPIKey(apiKey),
			anthropicoption.WithMaxRetries(0),
		}
		if endpoint != "" {
			opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(endpoint, "/")))
		}
		client := anthropicclient.NewClient(opts...)
		p.model = jetanthropic.NewLanguageModel(p.Model, jetanthropic.WithClient(client))
		return p
	}

	if p.Model == "" {
		p.Model = "gpt-4o-mini"
	}
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if normalized := normalizeOpenAIBaseURL(endpoint); normalized != "" {
		opts = append(opts, openaioption.WithBaseURL(normalized))
	}
	client := openaiclient.NewClient(opts...)
	p.model = jetopenai.NewLanguageModel(p.Model, jetopenai.WithClient(client))
	return p
}

// IsConfigured reports whether an API key was supplied.
func (p *HostedProvider) IsConfigured() bool { return p.model != nil }

// Generate sends a single user prompt and returns the concatenated text blocks.
func (p *HostedProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if p.model == nil {
		return "", fmt.Errorf("%s API key not configured", p.Kind)
	}
	resp, err := jetai.GenerateText(
		ctx,
		[]jetapi.Message{&jetapi.UserMessage{Content: jetapi.ContentFromText(prompt)}},
		jetai.WithModel(p.model),
		jetai.WithMaxOutputTokens(maxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("%s API error: %w", p.Kind, err)
	}
	return extractText(resp)
}

func extractText(resp *jetapi.Response) (string, error) {
	if resp == nil {
		return "", errors.New("empty response from model")
	}
	var full strings.Builder
	for _, block := range resp.Content {
		textBlock, ok := block.(*jetapi.TextBlock)
		if !ok || textBlock.Text == "" {
			continue
		}
		full.WriteString(textBlock.Text)
	}
	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty response from model")
	}
	return text, nil
}

func normalizeOpenAIBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}

	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/")
}

// CreateProvider creates an LLM provider based on configuration. Ollama falls
// back to a hosted provider when it is not reachable. Returns nil when no
// provider is usable.
func CreateProvider(cfg config.LLM, apiKey string, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Provider))

	if kind == "ollama" || kind == "" {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL, logger)
		if p.IsConfigured() {
			logger.Info("using ollama", zap.String("model", cfg.Model))
			return p
		}
		logger.Warn("ollama not available, trying hosted fallback")
		kind = "openai"
	}

	model := cfg.Model
	if strings.ToLower(strings.TrimSpace(cfg.Provider)) == "ollama" {
		model = ""
	}
	p := NewHostedProvider(kind, model, apiKey, cfg.Endpoint)
	if p.IsConfigured() {
		logger.Info("using hosted model", zap.String("provider", p.Kind), zap.String("model", p.Model))
		return p
	}

	logger.Warn("no LLM provider available", zap.String("api_key_env", cfg.APIKeyEnv))
	return nil
}
