package scrape

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/config"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
)

// Listing is one announcement discovered on an exchange listing page.
type Listing struct {
	OwnerKey string
	Payload  model.ScrapePayload
}

// Discover reads a listing page and returns the announcements it links to.
// Rows without a link or owner key are skipped.
func (f *Fetcher) Discover(ctx context.Context, src config.SourceConfig) ([]Listing, error) {
	if src.ListingURL == "" || src.RowSelector == "" {
		return nil, eris.Errorf("scrape: source %q needs listing_url and row_selector", src.Exchange)
	}
	base, err := url.Parse(src.ListingURL)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: parse listing url for %s", src.Exchange)
	}

	type page struct {
		contentType string
		body        []byte
	}
	pg, err := resilience.DoVal(ctx, f.listingRetry, func(ctx context.Context) (page, error) {
		ct, body, err := f.get(ctx, src.ListingURL)
		return page{ct, body}, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: listing %s", src.Exchange)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(decodeCharset(pg.contentType, pg.body)))
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: parse listing %s", src.Exchange)
	}
	return parseListing(doc, base, src), nil
}

func parseListing(doc *goquery.Document, base *url.URL, src config.SourceConfig) []Listing {
	linkSel := src.LinkSelector
	if linkSel == "" {
		linkSel = "a[href]"
	}

	var out []Listing
	seen := make(map[string]struct{})
	doc.Find(src.RowSelector).Each(func(_ int, row *goquery.Selection) {
		link := row.Find(linkSel).First()
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			return
		}

		owner := ownerKey(row, src.OwnerKeyAttr)
		if owner == "" {
			zap.L().Debug("scrape: listing row without owner key",
				zap.String("exchange", src.Exchange), zap.String("url", abs))
			return
		}
		seen[abs] = struct{}{}

		title := selText(row, src.TitleSelector)
		if title == "" {
			title = NormalizeText(link.Text())
		}

		out = append(out, Listing{
			OwnerKey: owner,
			Payload: model.ScrapePayload{
				SourceURL:   abs,
				SourceID:    abs,
				Exchange:    src.Exchange,
				CompanyName: selText(row, src.CompanySelector),
				Title:       title,
				PublishedAt: parseDate(selText(row, src.DateSelector), src.DateLayout),
			},
		})
	})
	return out
}

func ownerKey(row *goquery.Selection, attr string) string {
	if attr == "" {
		return ""
	}
	if v, ok := row.Attr(attr); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(row.Find("["+attr+"]").First().AttrOr(attr, ""))
}

func selText(row *goquery.Selection, sel string) string {
	if sel == "" {
		return ""
	}
	return NormalizeText(row.Find(sel).First().Text())
}

func parseDate(s, layout string) time.Time {
	if s == "" || layout == "" {
		return time.Time{}
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
