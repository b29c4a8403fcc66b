// Package scrape fetches exchange announcement documents and discovers new
// announcements on configured listing pages.
package scrape

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/config"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
	"github.com/sells-group/exchange-feed/internal/store"
)

// Cache stores fetched documents between deliveries of the same job.
type Cache interface {
	GetCachedDocument(ctx context.Context, url string) (*store.CachedDocument, error)
	SetCachedDocument(ctx context.Context, doc store.CachedDocument) error
}

// Document is a fetched announcement with its extracted text.
type Document struct {
	URL         string
	ContentType string
	Title       string
	Text        string
	Fingerprint string
	SizeBytes   int64
	Cached      bool
}

// Fetcher downloads announcement documents over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	cache     Cache
	ttl       time.Duration
	now       func() time.Time

	// listingRetry bounds in-process retries of listing page fetches.
	listingRetry resilience.RetryConfig
}

// NewFetcher creates a Fetcher. cache may be nil.
func NewFetcher(cfg config.ScrapeConfig, cache Cache) *Fetcher {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "exchange-feed/1.0"
	}
	f := &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: ua,
		maxBytes:  maxBytes,
		cache:     cache,
		ttl:       time.Duration(cfg.CacheTTLHrs) * time.Hour,
		now:       time.Now,
	}
	f.listingRetry = resilience.DefaultRetryConfig()
	f.listingRetry.OnRetry = resilience.RetryLogger("scrape", "listing")
	return f
}

// Fetch downloads rawURL, or serves it from the cache, and extracts its
// text. Throttling, server errors, and anti-bot pages are transient; other
// client errors and oversized documents are terminal.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	if f.cache != nil {
		cached, err := f.cache.GetCachedDocument(ctx, rawURL)
		if err != nil {
			zap.L().Warn("scrape: cache read failed", zap.String("url", rawURL), zap.Error(err))
		} else if cached != nil {
			doc, err := buildDocument(rawURL, cached.ContentType, cached.Body)
			if err != nil {
				return nil, err
			}
			doc.Cached = true
			return doc, nil
		}
	}

	contentType, body, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	doc, err := buildDocument(rawURL, contentType, body)
	if err != nil {
		return nil, err
	}

	if f.cache != nil && f.ttl > 0 {
		now := f.now().UTC()
		if err := f.cache.SetCachedDocument(ctx, store.CachedDocument{
			URL:         rawURL,
			ContentType: contentType,
			Body:        body,
			FetchedAt:   now,
			ExpiresAt:   now.Add(f.ttl),
		}); err != nil {
			zap.L().Warn("scrape: cache write failed", zap.String("url", rawURL), zap.Error(err))
		}
	}
	return doc, nil
}

func buildDocument(rawURL, contentType string, body []byte) (*Document, error) {
	title, text, err := ExtractText(contentType, body)
	if err != nil {
		return nil, resilience.Terminal(err)
	}
	// Binary documents are fingerprinted on their bytes.
	fp := model.Fingerprint(body)
	if text != "" {
		fp = model.Fingerprint([]byte(text))
	}
	return &Document{
		URL:         rawURL,
		ContentType: contentType,
		Title:       title,
		Text:        text,
		Fingerprint: fp,
		SizeBytes:   int64(len(body)),
	}, nil
}

// get performs a GET and classifies failures.
func (f *Fetcher) get(ctx context.Context, rawURL string) (string, []byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", nil, resilience.Terminal(eris.Errorf("scrape: invalid url %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, resilience.Terminal(eris.Wrap(err, "scrape: create request"))
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, resilience.NewTransientError(eris.Wrap(err, "scrape: fetch"), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", nil, resilience.NewTransientError(eris.Wrap(err, "scrape: read body"), resp.StatusCode)
	}

	if blocked, kind := DetectBlock(resp, body); blocked {
		return "", nil, resilience.NewTransientError(eris.Errorf("scrape: blocked (%s) at %s", kind, rawURL), resp.StatusCode)
	}

	switch {
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return "", nil, resilience.NewTransientError(eris.Errorf("scrape: status %d at %s", resp.StatusCode, rawURL), resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", nil, resilience.Terminal(eris.Errorf("scrape: status %d at %s", resp.StatusCode, rawURL))
	}

	if int64(len(body)) > f.maxBytes {
		return "", nil, resilience.Terminal(eris.Errorf("scrape: document exceeds %d bytes", f.maxBytes))
	}
	return resp.Header.Get("Content-Type"), body, nil
}
