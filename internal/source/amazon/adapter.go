// Package amazon implements the Amazon search-page adapter. The identifier
// is submitted as a search query and the first result tile is extracted; a
// robot interstitial on the plain fetch is retried once through the headless
// renderer before being reported as throttling.
package amazon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
	"github.com/ksuzuki/jancollect/internal/source/headless"
)

// Name is the registry key for this adapter.
const Name = "amazon"

// Renderer is the headless fallback used when the plain fetch is blocked.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (headless.Result, error)
}

// Config captures the Amazon adapter parameters. SearchTemplate must contain
// a single %s that receives the canonical code.
type Config struct {
	SearchTemplate string
	UserAgent      string
	Timeout        time.Duration
}

// Adapter fetches Amazon search pages via colly, with optional headless
// promotion.
type Adapter struct {
	cfg      Config
	base     *colly.Collector
	renderer Renderer
	clock    collect.Clock
	hasher   collect.Hasher
}

// New constructs the adapter. renderer may be nil to disable promotion.
func New(cfg Config, renderer Renderer, clock collect.Clock) (*Adapter, error) {
	if cfg.SearchTemplate == "" {
		return nil, fmt.Errorf("amazon search template is required")
	}
	if !strings.Contains(cfg.SearchTemplate, "%s") {
		return nil, fmt.Errorf("amazon search template must contain %%s")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if clock == nil {
		clock = collect.SystemClock{}
	}

	opts := []colly.CollectorOption{colly.Async(true)}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.Timeout)

	return &Adapter{
		cfg:      cfg,
		base:     base,
		renderer: renderer,
		clock:    clock,
		hasher:   collect.SHA256Hasher{},
	}, nil
}

// Name identifies the adapter inside the registry.
func (a *Adapter) Name() string { return Name }

// Fetch retrieves the search page for the code. A blocked response is
// promoted to a headless render when a renderer is configured; a block that
// survives promotion is reported as throttling so the scheduler backs off.
func (a *Adapter) Fetch(ctx context.Context, code jan.Code) (collect.RawDocument, error) {
	pageURL := fmt.Sprintf(a.cfg.SearchTemplate, code.String())

	status, body, err := a.fetchPlain(ctx, pageURL)
	if err != nil {
		return collect.RawDocument{}, err
	}
	if headless.Blocked(status, body) {
		if a.renderer == nil {
			return collect.RawDocument{}, fmt.Errorf("robot interstitial served and no renderer configured: %w", collect.ErrThrottled)
		}
		rendered, renderErr := a.renderer.Render(ctx, pageURL)
		if renderErr != nil {
			return collect.RawDocument{}, fmt.Errorf("headless promotion: %w: %v", collect.ErrTransientFetch, renderErr)
		}
		status, body = rendered.Status, rendered.Body
		if headless.Blocked(status, body) {
			return collect.RawDocument{}, fmt.Errorf("robot interstitial survived headless render: %w", collect.ErrThrottled)
		}
	}
	if statusErr := collect.ClassifyStatus(status); statusErr != nil {
		return collect.RawDocument{}, statusErr
	}

	hash, _ := a.hasher.Hash(body)
	return collect.RawDocument{
		Source:      Name,
		Code:        code,
		URL:         pageURL,
		StatusCode:  status,
		FetchedAt:   a.clock.Now(),
		Body:        body,
		ContentHash: hash,
	}, nil
}

type fetchResult struct {
	status int
	body   []byte
	err    error
}

// fetchPlain runs one request on a cloned collector. HTTP error statuses are
// delivered as statuses, not errors, so the caller can classify them.
func (a *Adapter) fetchPlain(ctx context.Context, pageURL string) (int, []byte, error) {
	collector := a.base.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{status: r.StatusCode, body: append([]byte{}, r.Body...)})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			send(fetchResult{status: r.StatusCode, body: append([]byte{}, r.Body...)})
			return
		}
		if err == nil {
			err = errors.New("unknown collector error")
		}
		send(fetchResult{err: fmt.Errorf("fetch %s: %w: %v", pageURL, collect.ErrTransientFetch, err)})
	})

	if err := collector.Visit(pageURL); err != nil {
		return 0, nil, fmt.Errorf("visit %s: %w: %v", pageURL, collect.ErrTransientFetch, err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return res.status, res.body, res.err
	default:
		return 0, nil, fmt.Errorf("collector produced no result for %s: %w", pageURL, collect.ErrTransientFetch)
	}
}

// Parse extracts the first organic result tile from the search page.
func (a *Adapter) Parse(doc collect.RawDocument) (collect.PartialRecord, error) {
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name, Code: doc.Code,
			Reason: "document is not parseable HTML",
			Err:    err,
		}
	}

	tile := root.Find(`div[data-component-type="s-search-result"]`).First()
	if tile.Length() == 0 {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name, Code: doc.Code,
			Reason: "no search result tile found; page layout may have changed",
		}
	}

	fields := map[collect.Field]string{}
	if title := strings.TrimSpace(tile.Find("h2 span").First().Text()); title != "" {
		fields[collect.FieldTitle] = title
	}
	if price := extractPrice(tile); price != "" {
		fields[collect.FieldPrice] = price
	}
	if brand := strings.TrimSpace(tile.Find(".s-line-clamp-1 span").First().Text()); brand != "" {
		fields[collect.FieldBrand] = brand
	}
	if href, ok := tile.Find("h2 a, a.a-link-normal").First().Attr("href"); ok && href != "" {
		fields[collect.FieldDetailURL] = absolutize(doc.URL, href)
	}
	if img, ok := tile.Find("img.s-image").First().Attr("src"); ok && img != "" {
		fields[collect.FieldImageURLs] = img
	}
	if len(fields) == 0 {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name, Code: doc.Code,
			Reason: "result tile carries none of the expected fields",
		}
	}
	return collect.PartialRecord{
		Code:      doc.Code,
		Source:    Name,
		FetchedAt: doc.FetchedAt,
		Fields:    fields,
	}, nil
}

// extractPrice prefers the machine-readable offscreen price, falling back to
// assembling whole and fraction spans.
func extractPrice(tile *goquery.Selection) string {
	if off := strings.TrimSpace(tile.Find(".a-price .a-offscreen").First().Text()); off != "" {
		return digitsOnly(off)
	}
	whole := strings.TrimSpace(tile.Find(".a-price-whole").First().Text())
	fraction := strings.TrimSpace(tile.Find(".a-price-fraction").First().Text())
	return digitsOnly(whole + fraction)
}

// digitsOnly strips currency symbols and separators, keeping digits and one
// decimal point.
func digitsOnly(s string) string {
	var b strings.Builder
	seenDot := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' && !seenDot && b.Len() > 0:
			seenDot = true
			b.WriteRune(r)
		}
	}
	return strings.TrimSuffix(b.String(), ".")
}

func absolutize(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
