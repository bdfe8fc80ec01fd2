// Package rakuten implements the Rakuten item-search adapter. Book-range
// JANs are looked up through the Books API first and fall back to the Ichiba
// item search when the Books catalog has no matching entry.
package rakuten

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

// Name is the registry key for this adapter.
const Name = "rakuten"

// Config captures the Rakuten API parameters.
type Config struct {
	AppID        string
	AffiliateID  string
	IchibaURL    string
	BooksURL     string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Adapter fetches product data from the Rakuten APIs.
type Adapter struct {
	cfg    Config
	client *http.Client
	clock  collect.Clock
	hasher collect.Hasher
}

// New constructs the adapter. A nil client gets a default with the configured
// timeout.
func New(cfg Config, client *http.Client, clock collect.Clock) (*Adapter, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("rakuten app id is required")
	}
	if cfg.IchibaURL == "" {
		return nil, fmt.Errorf("rakuten ichiba url is required")
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

// Fetch queries the Rakuten API for the code. Book-range codes hit the Books
// endpoint first; an empty Books result falls through to Ichiba. A final
// empty result is a permanent failure for the identifier.
func (a *Adapter) Fetch(ctx context.Context, code jan.Code) (collect.RawDocument, error) {
	if a.cfg.BooksURL != "" && code.IsBookRange() {
		doc, err := a.fetchEndpoint(ctx, a.cfg.BooksURL, code, "isbnJan")
		if err == nil {
			if hit, matchErr := booksResultMatches(doc.Body, code); matchErr == nil && hit {
				return doc, nil
			}
			// Books miss or ISBN mismatch: fall through to the item search.
		} else if !errors.Is(err, collect.ErrPermanentFetch) {
			return collect.RawDocument{}, err
		}
	}
	doc, err := a.fetchEndpoint(ctx, a.cfg.IchibaURL, code, "keyword")
	if err != nil {
		return collect.RawDocument{}, err
	}
	if empty, emptyErr := resultEmpty(doc.Body); emptyErr == nil && empty {
		return collect.RawDocument{}, fmt.Errorf("no rakuten listing for %s: %w", code, collect.ErrPermanentFetch)
	}
	return doc, nil
}

func (a *Adapter) fetchEndpoint(ctx context.Context, endpoint string, code jan.Code, queryKey string) (collect.RawDocument, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return collect.RawDocument{}, fmt.Errorf("parse endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("applicationId", a.cfg.AppID)
	if a.cfg.AffiliateID != "" {
		q.Set("affiliateId", a.cfg.AffiliateID)
	}
	q.Set(queryKey, code.String())
	q.Set("formatVersion", "2")
	q.Set("hits", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return collect.RawDocument{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return collect.RawDocument{}, classifyNetErr(err)
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
		URL:         u.String(),
		StatusCode:  resp.StatusCode,
		FetchedAt:   a.clock.Now(),
		Body:        body,
		ContentHash: hash,
	}, nil
}

// Parse extracts the first item from the API response. The Books and Ichiba
// payloads share enough shape that one decode covers both.
func (a *Adapter) Parse(doc collect.RawDocument) (collect.PartialRecord, error) {
	var payload itemSearchResponse
	if err := json.Unmarshal(doc.Body, &payload); err != nil {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name,
			Code:   doc.Code,
			Reason: "response is not valid JSON",
			Err:    err,
		}
	}
	if len(payload.Items) == 0 {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name,
			Code:   doc.Code,
			Reason: "response carries no items",
		}
	}
	item := payload.Items[0]
	fields := map[collect.Field]string{}
	setIfPresent(fields, collect.FieldTitle, firstNonEmpty(item.ItemName, item.Title))
	if item.ItemPrice > 0 {
		fields[collect.FieldPrice] = strconv.FormatInt(item.ItemPrice, 10)
	}
	setIfPresent(fields, collect.FieldShop, firstNonEmpty(item.ShopName, item.PublisherName))
	setIfPresent(fields, collect.FieldCaption, firstNonEmpty(item.ItemCaption, item.ItemCaptionAlt))
	setIfPresent(fields, collect.FieldDetailURL, item.ItemURL)
	if item.ReviewAverage > 0 {
		fields[collect.FieldReviewAverage] = strconv.FormatFloat(float64(item.ReviewAverage), 'f', -1, 64)
	}
	if imgs := collectImageURLs(item); imgs != "" {
		fields[collect.FieldImageURLs] = imgs
	}
	if len(fields) == 0 {
		return collect.PartialRecord{}, &collect.ParseError{
			Source: Name,
			Code:   doc.Code,
			Reason: "item carries none of the expected fields",
		}
	}
	return collect.PartialRecord{
		Code:      doc.Code,
		Source:    Name,
		FetchedAt: doc.FetchedAt,
		Fields:    fields,
	}, nil
}

type itemSearchResponse struct {
	Count int               `json:"count"`
	Items []itemSearchEntry `json:"Items"`
}

// itemSearchEntry covers both the Ichiba and Books item shapes
// (formatVersion 2 flattens the per-item envelope).
type itemSearchEntry struct {
	ItemName        string    `json:"itemName"`
	Title           string    `json:"title"`
	ItemPrice       int64     `json:"itemPrice"`
	ItemURL         string    `json:"itemUrl"`
	ShopName        string    `json:"shopName"`
	PublisherName   string    `json:"publisherName"`
	ItemCaption     string    `json:"itemCaption"`
	ItemCaptionAlt  string    `json:"caption"`
	ReviewAverage   flexFloat `json:"reviewAverage"`
	ISBN            string    `json:"isbn"`
	MediumImageURLs []string  `json:"mediumImageUrls"`
	LargeImageURL   string    `json:"largeImageUrl"`
}

// flexFloat decodes a JSON number or a numeric string; the Rakuten APIs have
// shipped reviewAverage both ways.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse review average %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// resultEmpty peeks at the response to see whether the search had any hits.
func resultEmpty(body []byte) (bool, error) {
	var payload itemSearchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("decode result: %w", err)
	}
	return len(payload.Items) == 0, nil
}

// booksResultMatches reports whether the Books response returned the same
// code that was asked for. The Books search matches loosely, so a returned
// ISBN differing from the query means the hit is for some other edition.
func booksResultMatches(body []byte, code jan.Code) (bool, error) {
	var payload itemSearchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("decode books result: %w", err)
	}
	if len(payload.Items) == 0 {
		return false, nil
	}
	returned := strings.ReplaceAll(payload.Items[0].ISBN, "-", "")
	return returned == code.String(), nil
}

func collectImageURLs(item itemSearchEntry) string {
	urls := make([]string, 0, len(item.MediumImageURLs)+1)
	for _, u := range item.MediumImageURLs {
		if u == "" {
			continue
		}
		// Static thumbnails carry a size suffix the consumers do not want.
		urls = append(urls, strings.TrimSuffix(u, "?_ex=128x128"))
	}
	if len(urls) == 0 && item.LargeImageURL != "" {
		urls = append(urls, item.LargeImageURL)
	}
	return strings.Join(urls, "\n")
}

func setIfPresent(fields map[collect.Field]string, key collect.Field, value string) {
	if value != "" {
		fields[key] = value
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("request timeout: %w: %v", collect.ErrTransientFetch, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("request failed: %w: %v", collect.ErrTransientFetch, err)
}
