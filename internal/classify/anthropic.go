package classify

import (
	"context"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
	"github.com/sells-group/exchange-feed/pkg/anthropic"
)

// Anthropic classifies announcements with a Claude model.
type Anthropic struct {
	client  anthropic.Client
	model   string
	opts    Options
	breaker *resilience.CircuitBreaker
}

// NewAnthropic creates an Anthropic-backed classifier.
func NewAnthropic(client anthropic.Client, modelName string, opts Options) *Anthropic {
	opts = opts.withDefaults()
	bcfg := opts.Breaker
	bcfg.Name = "anthropic"
	bcfg.ShouldTrip = func(err error) bool {
		s := anthropic.StatusCode(err)
		return s == 0 || resilience.IsTransientHTTPStatus(s)
	}
	return &Anthropic{
		client:  client,
		model:   modelName,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker(bcfg),
	}
}

// Classify implements Classifier.
func (c *Anthropic) Classify(ctx context.Context, a model.Announcement) (model.Classification, error) {
	if emptyDocument(a) {
		return model.Classification{Category: model.ErrorCategory("empty document"), Model: c.model}, nil
	}

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.SystemBlock{
			{Text: systemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages:    []anthropic.Message{{Role: "user", Content: buildPrompt(a, c.opts.MaxInputChars)}},
		Temperature: &temp,
	}

	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		return c.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return model.Classification{}, providerError("anthropic", err, anthropic.StatusCode(err))
	}
	resp.Usage.LogCost(c.model, "classify")

	return parseResult(resp.Text(), c.model, c.opts.MinConfidence), nil
}
