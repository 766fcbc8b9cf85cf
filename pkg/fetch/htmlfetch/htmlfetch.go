// Package htmlfetch is a fetch.Fetcher for lease listing pages. It reads the
// deal from the page's embedded JSON payload when there is one and falls
// back to data-* attributes in the markup.
package htmlfetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/leasesync/leasesync/pkg/fetch"
	"github.com/leasesync/leasesync/pkg/listing"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	maxBodyBytes     = 8 << 20
)

type Options struct {
	UserAgent string
	// Proxy is an optional HTTP proxy URL.
	Proxy string
	// Timeout bounds a request when the caller's context has no deadline.
	Timeout time.Duration
}

// Fetcher fetches listing pages over HTTP. It never retries; the pool does.
type Fetcher struct {
	client    *retryablehttp.Client
	userAgent string
}

func New(opts Options) (*Fetcher, error) {
	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %v", err)
		}
		client.HTTPClient.Transport = &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &Fetcher{client: client, userAgent: ua}, nil
}

func (f *Fetcher) Fetch(ctx context.Context, pageURL string, kind listing.FetchKind) (listing.Record, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return listing.Record{}, fmt.Errorf("%w: %v", fetch.ErrFetchTransport, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("Cache-Control", "no-transform")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return listing.Record{}, fmt.Errorf("%w: %v", fetch.ErrFetchTimeout, err)
		}
		return listing.Record{}, fmt.Errorf("%w: %v", fetch.ErrFetchTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return listing.Record{}, fmt.Errorf("%w: listing no longer exists (HTTP %d)", fetch.ErrExtraction, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return listing.Record{}, fmt.Errorf("%w: HTTP %d", fetch.ErrFetchTransport, resp.StatusCode)
	case resp.StatusCode >= 300:
		return listing.Record{}, fmt.Errorf("%w: unexpected HTTP %d", fetch.ErrFetchTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return listing.Record{}, fmt.Errorf("%w: reading body: %v", fetch.ErrFetchTransport, err)
	}
	rec, err := Extract(body, kind)
	if err != nil {
		return listing.Record{}, err
	}
	return rec, nil
}

// Extract reads a deal out of a listing page.
func Extract(body []byte, kind listing.FetchKind) (listing.Record, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return listing.Record{}, fmt.Errorf("%w: parsing html: %v", fetch.ErrExtraction, err)
	}
	doc := goquery.NewDocumentFromNode(root)

	rec := listing.Record{Kind: kind}
	if deal, ok := embeddedDeal(doc); ok {
		fromJSON(&rec, deal, kind)
	}
	if !rec.Price.Valid || (kind == listing.KindFull && len(rec.MoneyFactors) == 0) {
		fromAttributes(&rec, doc, kind)
	}
	if !rec.Price.Valid {
		if price, ok := jsonLDPrice(doc); ok {
			rec.Price = decimal.NewNullDecimal(price)
		}
	}
	if !rec.Price.Valid {
		return listing.Record{}, fmt.Errorf("%w: no price on page", fetch.ErrExtraction)
	}
	return rec, nil
}

// embeddedDeal returns the deal object of a Next.js style payload.
func embeddedDeal(doc *goquery.Document) (gjson.Result, bool) {
	payload := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if payload == "" || !gjson.Valid(payload) {
		return gjson.Result{}, false
	}
	for _, path := range []string{"props.pageProps.deal", "props.pageProps.offer", "props.pageProps.listing.deal"} {
		if r := gjson.Get(payload, path); r.IsObject() {
			return r, true
		}
	}
	return gjson.Result{}, false
}

func fromJSON(rec *listing.Record, deal gjson.Result, kind listing.FetchKind) {
	if v, ok := decimalOf(deal.Get("price")); ok {
		rec.Price = decimal.NewNullDecimal(v)
	}
	if kind == listing.KindLightweight {
		return
	}
	if n := deal.Get("termMonths"); n.Exists() {
		rec.TermMonths = int(n.Int())
	}
	if v, ok := decimalOf(deal.Get("residualPercent")); ok {
		rec.ResidualPercent = decimal.NewNullDecimal(v)
	}

	mf := deal.Get("moneyFactors")
	switch {
	case mf.IsObject():
		mf.ForEach(func(tier, value gjson.Result) bool {
			if v, ok := decimalOf(value); ok {
				setTier(&rec.MoneyFactors, tier.String(), v)
			}
			return true
		})
	case mf.IsArray():
		for _, item := range mf.Array() {
			if v, ok := decimalOf(item.Get("value")); ok {
				setTier(&rec.MoneyFactors, item.Get("tier").String(), v)
			}
		}
	}

	deal.Get("fees").ForEach(func(name, value gjson.Result) bool {
		if v, ok := decimalOf(value); ok {
			setTier(&rec.Fees, name.String(), v)
		}
		return true
	})
	for _, img := range deal.Get("images").Array() {
		if s := strings.TrimSpace(img.String()); s != "" {
			rec.Images = append(rec.Images, s)
		}
	}
}

// fromAttributes fills whatever the JSON payload did not provide.
func fromAttributes(rec *listing.Record, doc *goquery.Document, kind listing.FetchKind) {
	deal := doc.Find("[data-lease-deal]").First()
	if deal.Length() == 0 {
		return
	}
	if !rec.Price.Valid {
		if v, ok := attrDecimal(deal, "data-price"); ok {
			rec.Price = decimal.NewNullDecimal(v)
		}
	}
	if kind == listing.KindLightweight {
		return
	}
	if rec.TermMonths == 0 {
		if v, ok := attrDecimal(deal, "data-term"); ok {
			rec.TermMonths = int(v.IntPart())
		}
	}
	if !rec.ResidualPercent.Valid {
		if v, ok := attrDecimal(deal, "data-residual"); ok {
			rec.ResidualPercent = decimal.NewNullDecimal(v)
		}
	}
	if len(rec.MoneyFactors) == 0 {
		deal.Find("[data-mf-tier]").Each(func(_ int, s *goquery.Selection) {
			if v, ok := attrDecimal(s, "data-mf"); ok {
				setTier(&rec.MoneyFactors, s.AttrOr("data-mf-tier", ""), v)
			}
		})
	}
	if len(rec.Fees) == 0 {
		deal.Find("[data-fee]").Each(func(_ int, s *goquery.Selection) {
			if v, ok := attrDecimal(s, "data-amount"); ok {
				setTier(&rec.Fees, s.AttrOr("data-fee", ""), v)
			}
		})
	}
	if len(rec.Images) == 0 {
		deal.Find("img[data-deal-image]").Each(func(_ int, s *goquery.Selection) {
			if src := strings.TrimSpace(s.AttrOr("src", "")); src != "" {
				rec.Images = append(rec.Images, src)
			}
		})
	}
}

// jsonLDPrice reads offers.price from schema.org markup.
func jsonLDPrice(doc *goquery.Document) (decimal.Decimal, bool) {
	var (
		price decimal.Decimal
		found bool
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		payload := strings.TrimSpace(s.Text())
		if !gjson.Valid(payload) {
			return true
		}
		for _, path := range []string{"offers.price", "offers.0.price", "price"} {
			if v, ok := decimalOf(gjson.Get(payload, path)); ok {
				price, found = v, true
				return false
			}
		}
		return true
	})
	return price, found
}

// decimalOf parses a JSON number or numeric string without going through
// float64, so 0.00175 stays exactly 0.00175.
func decimalOf(r gjson.Result) (decimal.Decimal, bool) {
	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		raw = cleanNumber(r.Str)
	default:
		return decimal.Decimal{}, false
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return v, true
}

func attrDecimal(s *goquery.Selection, name string) (decimal.Decimal, bool) {
	raw, ok := s.Attr(name)
	if !ok {
		return decimal.Decimal{}, false
	}
	v, err := decimal.NewFromString(cleanNumber(raw))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return v, true
}

// cleanNumber strips currency symbols, percent signs and thousands
// separators: "$1,299.00" -> "1299.00".
func cleanNumber(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, strings.TrimSpace(s))
}

func setTier(m *map[string]decimal.Decimal, key string, v decimal.Decimal) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if *m == nil {
		*m = make(map[string]decimal.Decimal)
	}
	(*m)[key] = v
}
