// Package classify assigns a business category to an announcement using a
// language-model provider. A provider answer that cannot be used becomes
// the model.CategoryError sentinel rather than an error, so the pipeline
// guard can count it against the job's retry budget.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/exchange-feed/internal/config"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
	"github.com/sells-group/exchange-feed/pkg/anthropic"
)

// Classifier is the classification provider contract.
type Classifier interface {
	Classify(ctx context.Context, a model.Announcement) (model.Classification, error)
}

// Options tunes prompt size, acceptance threshold, and provider protection.
type Options struct {
	MinConfidence float64
	MaxInputChars int
	Timeout       time.Duration
	Breaker       resilience.CircuitBreakerConfig
}

// OptionsFromConfig builds Options from the classifier config section.
func OptionsFromConfig(cfg config.ClassifierConfig) Options {
	return Options{
		MinConfidence: cfg.MinConfidence,
		MaxInputChars: cfg.MaxInputChars,
		Timeout:       time.Duration(cfg.TimeoutSecs) * time.Second,
		Breaker:       resilience.FromCircuitConfig(cfg.BreakerFailures, cfg.BreakerResetSec),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxInputChars <= 0 {
		o.MaxInputChars = 20000
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	return o
}

// New builds the classifier named by cfg.Provider.
func New(ctx context.Context, cfg config.ClassifierConfig) (Classifier, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Provider {
	case "", "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, eris.New("classify: anthropic_key is required")
		}
		return NewAnthropic(anthropic.NewClient(cfg.AnthropicKey), cfg.AnthropicModel, opts), nil
	case "gemini":
		return NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel, "", opts)
	}
	return nil, eris.Errorf("classify: unknown provider %q", cfg.Provider)
}

const systemPrompt = `You classify stock-exchange announcements for investors.
Choose exactly one category:
results, dividend, board_change, merger_acquisition, capital_raise, guidance, regulatory, other.
Respond with a valid JSON object only:
{"category": "<category>", "confidence": <0.0-1.0>, "summary": "<one or two sentences>"}`

const userPrompt = `Exchange: %s
Company: %s
Title: %s

Announcement text (first %d chars):
%s`

func buildPrompt(a model.Announcement, maxChars int) string {
	text := a.Text
	if len(text) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return fmt.Sprintf(userPrompt, a.Exchange, a.CompanyName, a.Title, maxChars, text)
}

// cleanJSON extracts a JSON object from text that may contain markdown
// code fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// parseResult turns a provider answer into a Classification. Unusable
// answers become the error sentinel with a reason.
func parseResult(text, modelName string, minConfidence float64) model.Classification {
	var raw struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Summary    string  `json:"summary"`
	}
	out := model.Classification{Model: modelName}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		out.Category = model.ErrorCategory("unparseable response")
		return out
	}
	out.Confidence = raw.Confidence
	out.Summary = strings.TrimSpace(raw.Summary)

	kind, ok := model.ParseCategoryKind(raw.Category)
	switch {
	case !ok:
		out.Category = model.ErrorCategory(fmt.Sprintf("unknown category %q", raw.Category))
	case raw.Confidence < minConfidence:
		out.Category = model.ErrorCategory(fmt.Sprintf("confidence %.2f below %.2f", raw.Confidence, minConfidence))
	default:
		out.Category = model.ValidCategory(kind)
	}
	return out
}

// emptyDocument reports whether there is nothing to classify.
func emptyDocument(a model.Announcement) bool {
	return strings.TrimSpace(a.Text) == "" && strings.TrimSpace(a.Title) == ""
}

// providerError maps a provider failure onto the retry taxonomy. status is
// the HTTP status carried by the failure, or 0 for transport errors.
func providerError(provider string, err error, status int) error {
	switch {
	case eris.Is(err, resilience.ErrCircuitOpen):
		return resilience.NewTransientError(eris.Wrapf(err, "classify: %s", provider), 0)
	case status == 0 || resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(eris.Wrapf(err, "classify: %s call", provider), status)
	}
	return eris.Wrapf(err, "classify: %s call (status %d)", provider, status)
}
