package jancode

import (
	"context"
	"fmt"
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

const detailPage = `<html><body>
<table class="table-block">
<tr><th>コード番号</th><td>4901234567894</td></tr>
<tr><th>商品名</th><td> テスト飲料 500ml </td></tr>
<tr><th>会社名</th><td>テスト食品株式会社</td></tr>
<tr><th>会社名カナ</th><td>テストショクヒン</td></tr>
<tr><th>商品ジャンル</th><td><a href="/g/1">食品</a><a href="/g/2">飲料</a></td></tr>
<tr><th>コードタイプ</th><td>JAN-13</td></tr>
<tr><th>商品イメージ</th><td><img src="/images/4901234567894.jpg"></td></tr>
</table>
</body></html>`

func newAdapter(t *testing.T, template string) *Adapter {
	t.Helper()
	a, err := New(Config{
		URLTemplate: template,
		UserAgent:   "jancollect-test/0.1",
		Timeout:     5 * time.Second,
	}, nil, fixedClock{now: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	return a
}

func TestFetchAndParse_DetailPage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/4901234567894/", r.URL.Path)
		require.Equal(t, "jancollect-test/0.1", r.Header.Get("User-Agent"))
		fmt.Fprint(w, detailPage)
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL+"/%s/")
	code := jan.MustNormalize("4901234567894")
	doc, err := a.Fetch(context.Background(), code)
	require.NoError(t, err)
	require.Equal(t, Name, doc.Source)
	require.Equal(t, code, doc.Code)

	rec, err := a.Parse(doc)
	require.NoError(t, err)
	require.Equal(t, "テスト飲料 500ml", rec.Fields[collect.FieldTitle])
	require.Equal(t, "テスト食品株式会社", rec.Fields[collect.FieldMaker])
	require.Equal(t, "テストショクヒン", rec.Fields[collect.FieldMakerKana])
	require.Equal(t, "食品 > 飲料", rec.Fields[collect.FieldGenre])
	require.Equal(t, "JAN-13", rec.Fields[collect.FieldCodeType])
	require.Equal(t, srv.URL+"/images/4901234567894.jpg", rec.Fields[collect.FieldImageURLs])
	require.Equal(t, doc.URL, rec.Fields[collect.FieldDetailURL])
}

func TestFetch_NotFoundIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL+"/%s/")
	_, err := a.Fetch(context.Background(), jan.MustNormalize("4901234567894"))
	require.ErrorIs(t, err, collect.ErrPermanentFetch)
}

func TestFetch_TooManyRequestsIsThrottled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL+"/%s/")
	_, err := a.Fetch(context.Background(), jan.MustNormalize("4901234567894"))
	require.ErrorIs(t, err, collect.ErrThrottled)
}

func TestParse_MissingTableIsParseError(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, "http://unused.invalid/%s/")
	doc := collect.RawDocument{
		Source: Name,
		Code:   "4901234567894",
		URL:    "http://unused.invalid/4901234567894/",
		Body:   []byte("<html><body><p>redesigned page</p></body></html>"),
	}
	_, err := a.Parse(doc)
	var perr *collect.ParseError
	require.ErrorAs(t, err, &perr)
	require.Contains(t, perr.Reason, "layout")
}

func TestParse_CodeMismatchIsParseError(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, "http://unused.invalid/%s/")
	page := `<html><body><table class="table-block">
<tr><th>コード番号</th><td>4999999999996</td></tr>
<tr><th>商品名</th><td>別の商品</td></tr>
</table></body></html>`
	doc := collect.RawDocument{
		Source: Name,
		Code:   "4901234567894",
		Body:   []byte(page),
	}
	_, err := a.Parse(doc)
	var perr *collect.ParseError
	require.ErrorAs(t, err, &perr)
	require.Contains(t, perr.Reason, "4999999999996")
}
