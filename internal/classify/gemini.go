package classify

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
)

// generator is the subset of genai.Models used here.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini classifies announcements with a Gemini model.
type Gemini struct {
	gen     generator
	model   string
	opts    Options
	breaker *resilience.CircuitBreaker
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"category":   {Type: genai.TypeString},
		"confidence": {Type: genai.TypeNumber},
		"summary":    {Type: genai.TypeString},
	},
	Required: []string{"category", "confidence", "summary"},
}

// NewGemini creates a Gemini-backed classifier. baseURL overrides the API
// endpoint when non-empty.
func NewGemini(ctx context.Context, apiKey, modelName, baseURL string, opts Options) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, eris.New("classify: gemini_key is required")
	}
	if strings.TrimSpace(modelName) == "" {
		return nil, eris.New("classify: gemini_model is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions.BaseURL = baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, eris.Wrap(err, "classify: gemini client")
	}
	return newGemini(client.Models, modelName, opts), nil
}

func newGemini(gen generator, modelName string, opts Options) *Gemini {
	opts = opts.withDefaults()
	bcfg := opts.Breaker
	bcfg.Name = "gemini"
	bcfg.ShouldTrip = func(err error) bool {
		s := geminiStatus(err)
		return s == 0 || resilience.IsTransientHTTPStatus(s)
	}
	return &Gemini{
		gen:     gen,
		model:   modelName,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker(bcfg),
	}
}

// Classify implements Classifier.
func (c *Gemini) Classify(ctx context.Context, a model.Announcement) (model.Classification, error) {
	if emptyDocument(a) {
		return model.Classification{Category: model.ErrorCategory("empty document"), Model: c.model}, nil
	}

	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		return c.gen.GenerateContent(ctx, c.model,
			genai.Text(systemPrompt+"\n\n"+buildPrompt(a, c.opts.MaxInputChars)),
			&genai.GenerateContentConfig{
				CandidateCount:   1,
				ResponseMIMEType: "application/json",
				ResponseSchema:   outputSchema,
			},
		)
	})
	if err != nil {
		return model.Classification{}, providerError("gemini", err, geminiStatus(err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return model.Classification{Category: model.ErrorCategory("no candidates"), Model: c.model}, nil
	}
	return parseResult(resp.Text(), c.model, c.opts.MinConfidence), nil
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
