package rakuten

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

const ichibaHit = `{
	"count": 1,
	"Items": [{
		"itemName": "テスト商品",
		"itemPrice": 1280,
		"itemUrl": "https://item.rakuten.co.jp/shop/item/",
		"shopName": "テストショップ",
		"itemCaption": "説明文",
		"reviewAverage": "4.38",
		"mediumImageUrls": [
			"https://thumbnail.image.rakuten.co.jp/a.jpg?_ex=128x128",
			"https://thumbnail.image.rakuten.co.jp/b.jpg?_ex=128x128"
		]
	}]
}`

const emptyResult = `{"count": 0, "Items": []}`

func newAdapter(t *testing.T, ichibaURL, booksURL string) *Adapter {
	t.Helper()
	a, err := New(Config{
		AppID:     "test-app-id",
		IchibaURL: ichibaURL,
		BooksURL:  booksURL,
		Timeout:   5 * time.Second,
	}, nil, fixedClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	return a
}

func TestFetch_IchibaHit(t *testing.T) {
	t.Parallel()
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("keyword")
		require.Equal(t, "test-app-id", r.URL.Query().Get("applicationId"))
		w.Write([]byte(ichibaHit))
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	doc, err := a.Fetch(context.Background(), jan.MustNormalize("4901234567894"))
	require.NoError(t, err)
	require.Equal(t, "4901234567894", gotQuery)
	require.Equal(t, Name, doc.Source)
	require.NotEmpty(t, doc.ContentHash)
	require.False(t, doc.FetchedAt.IsZero())
}

func TestFetch_NoHitIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(emptyResult))
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	_, err := a.Fetch(context.Background(), jan.MustNormalize("4901234567894"))
	require.ErrorIs(t, err, collect.ErrPermanentFetch)
}

func TestFetch_ThrottleIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	_, err := a.Fetch(context.Background(), jan.MustNormalize("4901234567894"))
	require.ErrorIs(t, err, collect.ErrThrottled)
	require.ErrorIs(t, err, collect.ErrTransientFetch)
}

func TestFetch_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	_, err := a.Fetch(context.Background(), jan.MustNormalize("4901234567894"))
	require.ErrorIs(t, err, collect.ErrTransientFetch)
	require.NotErrorIs(t, err, collect.ErrThrottled)
}

func TestFetch_BooksFallbackToIchiba(t *testing.T) {
	t.Parallel()
	booksCalls, ichibaCalls := 0, 0
	books := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		booksCalls++
		require.Equal(t, "9784873119687", r.URL.Query().Get("isbnJan"))
		w.Write([]byte(emptyResult))
	}))
	defer books.Close()
	ichiba := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ichibaCalls++
		require.Equal(t, "9784873119687", r.URL.Query().Get("keyword"))
		w.Write([]byte(ichibaHit))
	}))
	defer ichiba.Close()

	a := newAdapter(t, ichiba.URL, books.URL)
	_, err := a.Fetch(context.Background(), jan.MustNormalize("9784873119687"))
	require.NoError(t, err)
	require.Equal(t, 1, booksCalls)
	require.Equal(t, 1, ichibaCalls)
}

func TestFetch_BooksHitSkipsIchiba(t *testing.T) {
	t.Parallel()
	const booksHit = `{
		"count": 1,
		"Items": [{
			"title": "実用Go言語",
			"itemPrice": 3520,
			"itemUrl": "https://books.rakuten.co.jp/rb/1/",
			"publisherName": "出版社",
			"isbn": "9784873119687"
		}]
	}`
	books := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(booksHit))
	}))
	defer books.Close()
	ichiba := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("ichiba must not be called when books matched")
	}))
	defer ichiba.Close()

	a := newAdapter(t, ichiba.URL, books.URL)
	doc, err := a.Fetch(context.Background(), jan.MustNormalize("9784873119687"))
	require.NoError(t, err)

	rec, err := a.Parse(doc)
	require.NoError(t, err)
	require.Equal(t, "実用Go言語", rec.Fields[collect.FieldTitle])
	require.Equal(t, "3520", rec.Fields[collect.FieldPrice])
	require.Equal(t, "出版社", rec.Fields[collect.FieldShop])
}

func TestParse_IchibaFields(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, "http://unused.invalid", "")
	fetchedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	doc := collect.RawDocument{
		Source:    Name,
		Code:      jan.MustNormalize("4901234567894"),
		FetchedAt: fetchedAt,
		Body:      []byte(ichibaHit),
	}
	rec, err := a.Parse(doc)
	require.NoError(t, err)
	require.Equal(t, fetchedAt, rec.FetchedAt)
	require.Equal(t, "テスト商品", rec.Fields[collect.FieldTitle])
	require.Equal(t, "1280", rec.Fields[collect.FieldPrice])
	require.Equal(t, "テストショップ", rec.Fields[collect.FieldShop])
	require.Equal(t, "4.38", rec.Fields[collect.FieldReviewAverage])
	require.Equal(t,
		"https://thumbnail.image.rakuten.co.jp/a.jpg\nhttps://thumbnail.image.rakuten.co.jp/b.jpg",
		rec.Fields[collect.FieldImageURLs])
}

func TestParse_GarbageIsParseError(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, "http://unused.invalid", "")
	doc := collect.RawDocument{Source: Name, Code: "4901234567894", Body: []byte("<html>not json</html>")}
	_, err := a.Parse(doc)
	var perr *collect.ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, Name, perr.Source)
}

func TestParse_EmptyItemsIsParseError(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, "http://unused.invalid", "")
	doc := collect.RawDocument{Source: Name, Code: "4901234567894", Body: []byte(emptyResult)}
	_, err := a.Parse(doc)
	var perr *collect.ParseError
	require.ErrorAs(t, err, &perr)
}
