package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings required by a run mode. Modes are
// "worker", "serve", "discover", and "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	// Common checks
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	switch c.Queue.Driver {
	case "postgres", "sqlite":
		if c.Queue.Driver != c.Store.Driver {
			errs = append(errs, fmt.Sprintf("queue.driver %q must match store.driver %q or be memory", c.Queue.Driver, c.Store.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("queue.driver %q must be postgres, sqlite, or memory", c.Queue.Driver))
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 20 {
		errs = append(errs, "retry.max_attempts must be between 1 and 20")
	}
	if c.Retry.BaseBackoffMs < 0 || c.Retry.MaxBackoffMs < c.Retry.BaseBackoffMs {
		errs = append(errs, "retry.max_backoff_ms must be >= retry.base_backoff_ms >= 0")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		errs = append(errs, "retry.jitter_fraction must be in [0, 1)")
	}

	switch mode {
	case "worker":
		if c.Queue.LeaseSecs <= c.Workers.StageTimeoutSecs {
			errs = append(errs, "queue.lease_secs must exceed workers.stage_timeout_secs")
		}
		for _, stage := range []string{"scrape", "classify", "dedup", "persist", "notify"} {
			if n := c.Workers.Count(stage); n < 0 || n > 64 {
				errs = append(errs, fmt.Sprintf("workers.%s must be between 0 and 64", stage))
			}
		}
		if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
			errs = append(errs, "classifier.min_confidence must be between 0 and 1")
		}
		switch c.Classifier.Provider {
		case "anthropic":
			if c.Classifier.AnthropicKey == "" {
				errs = append(errs, "classifier.anthropic_key is required")
			}
		case "gemini":
			if c.Classifier.GeminiKey == "" {
				errs = append(errs, "classifier.gemini_key is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("classifier.provider %q must be anthropic or gemini", c.Classifier.Provider))
		}
		if c.Workers.Notify > 0 && c.Notify.TelegramToken == "" {
			errs = append(errs, "notify.telegram_token is required when notify workers run")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Review.ClaimTTLMins <= 0 {
			errs = append(errs, "review.claim_ttl_mins must be > 0")
		}
		if len(c.Review.ReviewerTokens) == 0 {
			errs = append(errs, "review.reviewer_tokens must name at least one reviewer")
		}
	case "discover":
		if len(c.Scrape.Sources) == 0 {
			errs = append(errs, "scrape.sources must list at least one listing page")
		}
		for i, s := range c.Scrape.Sources {
			if s.ListingURL == "" || s.RowSelector == "" || s.LinkSelector == "" {
				errs = append(errs, fmt.Sprintf("scrape.sources[%d] needs listing_url, row_selector, and link_selector", i))
			}
		}
	case "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed for mode %q: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}
