// Package jancode implements the jancode.xyz lookup-service adapter. The
// site renders one detail page per code with a th/td attribute table; this
// adapter fetches that page and lifts the maker, genre and image fields out
// of it.
package jancode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

// Name is the registry key for this adapter.
const Name = "jancode"

// Config captures the lookup-service parameters. URLTemplate must contain a
// single %s that receives the canonical code.
type Config struct {
	URLTemplate  string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Adapter fetches code detail pages from jancode.xyz.
type Adapter struct {
	cfg    Config
	client *http.Client
	clock  collect.Clock
	hasher collect.Hasher
}

// New constructs the adapter.
func New(cfg Config, client *http.Client, clock collect.Clock) (*Adapter, error) {
	if cfg.URLTemplate == "" {
		return nil, fmt.Errorf("jancode url template is required")
	}
	if !strings.Contains(cfg.URLTemplate, "%s") {
		return nil, fmt.Errorf("jancode url template must contain %%s")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if clock == nil {
		clock = collect.SystemClock{}
	}
	return &Adapter{cfg: cfg, client: client, clock: clock, hasher: collect.SHA256Hasher{}}, nil
}

// Name identifies the adapter inside the registry.
func (a *Adapter) Name() string { return Name }

// Fetch retrieves the detail page for the code.
func (a *Adapter) Fetch(ctx context.Context, code jan.Code) (collect.RawDocument, error) {
	pageURL := fmt.Sprintf(a.cfg.URLTemplate, code.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return collect.RawDocument{}, fmt.Errorf("build request: %w", err)
	}
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return collect.RawDocument{}, fmt.Errorf("request timeout: %w: %v", collect.ErrTransientFetch, err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return collect.RawDocument{}, err
		}
		return collect.RawDocument{}, fmt.Errorf("request failed: %w: %v", collect.ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxBodyBytes))
	if err != nil {
		return collect.RawDocument{}, fmt.Errorf("read body: %w: %v", collect.ErrTransientFetch, err)
	}
	if statusErr := collect.ClassifyStatus(resp.StatusCode); statusErr != nil {
		return collect.RawDocument{}, statusErr
	}
	hash, _ := a.hasher.Hash(body)
	return collect.RawDocument{
		Source:      Name,
		Code:        code,
		URL:         pageURL,
		StatusCode:  resp.StatusCode,
		FetchedAt:   a.clock.Now(),
		Body:        body,
		ContentHash: hash,
	}, nil
}

// Row labels on the detail page, as rendered by the site.
const (
	rowProductName = "商品名"
	rowMakerName   = "会社名"
	rowMakerKana   = "会社名カナ"
	rowGenre       = "商品ジャンル"
	rowCodeType    = "コードタイプ"
	rowCodeNumber  = "コード番号"
	rowImage       = "商品イメージ"
)

// Parse extracts the attribute table. A page without the table, or a table
// whose code number disagrees with the requested code, is a layout change or
// a mis-routed page and reported as a ParseError.
func (a *Adapter) Parse(doc collect.RawDocument) (collect.PartialRecord, error) {
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name, Code: doc.Code,
			Reason: "document is not parseable HTML",
			Err:    err,
		}
	}
	table := root.Find("table.table-block").First()
	if table.Length() == 0 {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name, Code: doc.Code,
			Reason: "detail table not found; page layout may have changed",
		}
	}

	fields := map[collect.Field]string{}
	pageCode := ""
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		th := strings.TrimSpace(row.Find("th").First().Text())
		td := row.Find("td").First()
		if th == "" || td.Length() == 0 {
			return
		}
		switch th {
		case rowProductName:
			fields[collect.FieldTitle] = strings.TrimSpace(td.Text())
		case rowMakerName:
			fields[collect.FieldMaker] = strings.TrimSpace(td.Text())
		case rowMakerKana:
			fields[collect.FieldMakerKana] = strings.TrimSpace(td.Text())
		case rowCodeType:
			fields[collect.FieldCodeType] = strings.TrimSpace(td.Text())
		case rowCodeNumber:
			pageCode = strings.TrimSpace(td.Text())
		case rowGenre:
			var parts []string
			td.Find("a").Each(func(_ int, link *goquery.Selection) {
				if t := strings.TrimSpace(link.Text()); t != "" {
					parts = append(parts, t)
				}
			})
			if len(parts) > 0 {
				fields[collect.FieldGenre] = strings.Join(parts, " > ")
			}
		case rowImage:
			if src, ok := td.Find("img").First().Attr("src"); ok {
				fields[collect.FieldImageURLs] = resolveRef(doc.URL, src)
			}
		}
	})

	if pageCode != "" && pageCode != doc.Code.String() {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name, Code: doc.Code,
			Reason: fmt.Sprintf("page reports code %s, expected %s", pageCode, doc.Code),
		}
	}
	if len(fields) == 0 {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name, Code: doc.Code,
			Reason: "detail table carries no recognized rows",
		}
	}
	fields[collect.FieldDetailURL] = doc.URL
	return collect.PartialRecord{
		Code:      doc.Code,
		Source:    Name,
		FetchedAt: doc.FetchedAt,
		Fields:    fields,
	}, nil
}

// resolveRef absolutizes relative image references against the page URL.
func resolveRef(pageURL, ref string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
