package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults for the primary extraction service.
const (
	DefaultMaxChars      = 15000
	DefaultConfidence    = 0.7
	defaultModel         = "gpt-4o"
	defaultTimeout       = 60 * time.Second
	defaultRatePerMinute = 50.0
	defaultBurst         = 5
	defaultMaxTokens     = 4000
	defaultMaxRetries    = 2
	defaultBaseBackoff   = time.Second
)

// Config configures the primary extraction service.
type Config struct {
	Provider      string
	BaseURL       string
	Model         string
	APIKey        string `json:"-"`
	MaxChars      int
	Timeout       time.Duration
	RatePerMinute float64
}

// Generator is the slice of llms.Model the extractor uses.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Candidate is a rule as returned by a strategy, before it is given an id.
type Candidate struct {
	// ExternalID is the identifier the extraction service gave the rule,
	// e.g. RETENTION_001. Empty for keyword matches.
	ExternalID      string
	Text            string
	RuleType        RuleType
	KeyRequirements []string
	TimePeriods     []string
	Confidence      float64
	Context         string
}

// LLMExtractor is the primary strategy: one JSON-mode chat completion per
// document.
type LLMExtractor struct {
	gen        Generator
	limiter    *rate.Limiter
	maxChars   int
	timeout    time.Duration
	maxRetries int
	logger     *zap.Logger
}

// NewLLMExtractor wraps gen. Zero config values take the defaults.
func NewLLMExtractor(gen Generator, cfg Config, logger *zap.Logger) *LLMExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	return &LLMExtractor{
		gen:        gen,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60.0), defaultBurst),
		maxChars:   cfg.MaxChars,
		timeout:    cfg.Timeout,
		maxRetries: defaultMaxRetries,
		logger:     logger,
	}
}

// NewOpenAIExtractor builds the primary strategy over an OpenAI-compatible
// endpoint.
func NewOpenAIExtractor(cfg Config, logger *zap.Logger) (*LLMExtractor, error) {
	if cfg.Provider != "" && cfg.Provider != "openai" {
		return nil, fmt.Errorf("unknown extraction provider: %s", cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewLLMExtractor(llm, cfg, logger), nil
}

const systemPrompt = `You extract structured policy rules from organizational documents.
Identify every explicitly stated policy rule, requirement or compliance statement. Do not infer rules that are not written down.

Respond only with a JSON object of the form:
{"rules": [{"rule_id": "RETENTION_001", "rule_text": "...", "rule_type": "data_retention", "key_requirements": ["..."], "time_periods": ["5 years"], "confidence": 0.95, "context": "..."}]}

rule_type is one of: data_retention, access_control, compliance, security, privacy, operational, other.
confidence is between 0.0 and 1.0 and reflects how explicit the rule is.
rule_id, rule_text, rule_type and confidence are required.`

type llmRule struct {
	RuleID          string   `json:"rule_id"`
	RuleText        string   `json:"rule_text"`
	RuleType        string   `json:"rule_type"`
	KeyRequirements []string `json:"key_requirements"`
	TimePeriods     []string `json:"time_periods"`
	Confidence      *float64 `json:"confidence"`
	Context         string   `json:"context"`
}

type llmResponse struct {
	Rules []llmRule `json:"rules"`
}

// Extract asks the service for rules. Any failure is wrapped in
// ErrExtractionService.
func (e *LLMExtractor) Extract(ctx context.Context, text, documentName string) ([]Candidate, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrExtractionService, err)
	}

	prompt := fmt.Sprintf("Document name: %s\n\nText:\n%s", documentName, tail(text, e.maxChars))
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrExtractionService, ctx.Err())
			}
		}

		content, err := e.complete(ctx, msgs)
		if err != nil {
			lastErr = err
			e.logger.Debug("extraction attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		candidates, err := parseRulesJSON(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtractionService, err)
		}
		return candidates, nil
	}
	return nil, fmt.Errorf("%w: max retries exceeded: %v", ErrExtractionService, lastErr)
}

func (e *LLMExtractor) complete(ctx context.Context, msgs []llms.MessageContent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.gen.GenerateContent(ctx, msgs,
		llms.WithTemperature(0.2),
		llms.WithMaxTokens(defaultMaxTokens),
		llms.WithJSONMode(),
	)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("empty response from extraction service")
	}
	return resp.Choices[0].Content, nil
}

// parseRulesJSON decodes the service response, dropping rules without text.
func parseRulesJSON(content string) ([]Candidate, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var resp llmResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	out := make([]Candidate, 0, len(resp.Rules))
	for _, r := range resp.Rules {
		text := strings.TrimSpace(r.RuleText)
		if text == "" {
			continue
		}
		c := Candidate{
			ExternalID:      strings.TrimSpace(r.RuleID),
			Text:            text,
			RuleType:        RuleType(strings.ToLower(strings.TrimSpace(r.RuleType))),
			KeyRequirements: nonNil(r.KeyRequirements),
			TimePeriods:     nonNil(r.TimePeriods),
			Confidence:      DefaultConfidence,
			Context:         r.Context,
		}
		if !c.RuleType.Valid() {
			c.RuleType = TypeOther
		}
		if r.Confidence != nil {
			c.Confidence = clamp(*r.Confidence)
		}
		out = append(out, c)
	}
	return out, nil
}

// tail keeps the last max runes of s. Conclusions tend to sit at the end
// of policy documents.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
