// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/rewrite-proxy/allowlist"
	"github.com/Jigsaw-Code/rewrite-proxy/rewrite"
	"github.com/Jigsaw-Code/rewrite-proxy/route"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://proxy.test"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// noFetchClient fails the test if any upstream request is made.
func noFetchClient(t *testing.T) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Errorf("unexpected upstream request to %v", r.URL)
		return nil, errors.New("no upstream")
	})}
}

type testProxy struct {
	handler  *Handler
	metrics  *Metrics
	upstream *url.URL
}

// newTestProxy routes /app and /evil, and allow-lists only the upstream host.
func newTestProxy(t *testing.T, upstream string, client *http.Client) *testProxy {
	u, err := url.Parse(upstream)
	require.NoError(t, err)
	table, err := route.NewTable(map[string]string{
		"/app":  upstream,
		"/evil": "https://evil.example",
	})
	require.NoError(t, err)
	rw, err := rewrite.New([]string{u.Host}, nil)
	require.NoError(t, err)
	if client == nil {
		client, err = NewClient(&transport.TCPDialer{})
		require.NoError(t, err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	h, err := NewHandler(Options{
		AllowList:    allowlist.New(u.Hostname()),
		Resolver:     route.NewResolver(table),
		Rewriter:     rw,
		Client:       client,
		Fallback:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "fallback") }),
		PublicOrigin: testOrigin,
		Metrics:      metrics,
	})
	require.NoError(t, err)
	return &testProxy{handler: h, metrics: metrics, upstream: u}
}

func (p *testProxy) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, testOrigin+path, body)
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_RequiresTables(t *testing.T) {
	_, err := NewHandler(Options{})
	require.Error(t, err)
}

func TestHandler_Preflight(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t, "http://127.0.0.1:1", noFetchClient(t))

	for _, path := range []string{"/app/x", "/proxy/https://evil.example/", "/nowhere"} {
		rec := p.do(http.MethodOptions, path, nil)
		require.Equal(t, http.StatusNoContent, rec.Code, path)
		h := rec.Header()
		require.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
		require.Equal(t, "GET, POST, PUT, DELETE, PATCH, OPTIONS", h.Get("Access-Control-Allow-Methods"))
		require.Equal(t, "Content-Type, Authorization, X-Requested-With, Accept, Origin, Range", h.Get("Access-Control-Allow-Headers"))
		require.Equal(t, "86400", h.Get("Access-Control-Max-Age"))
		require.Equal(t, "public, max-age=86400", h.Get("Cache-Control"))
		require.Empty(t, rec.Body.String())
	}
}

func TestHandler_ForbiddenHost(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t, "http://127.0.0.1:1", noFetchClient(t))

	for _, tc := range []struct {
		path string
		want string
	}{
		{"/proxy/https://evil.example/x", "禁止代理该域名：evil.example"},
		{"/proxy/https%3A%2F%2Fevil.example%2Fx", "禁止代理该域名：evil.example"},
		{"/proxy/evil.example/x", "禁止代理该域名：evil.example"},
		{"/evil/x", "目标域名 evil.example 不在允许列表内"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			rec := p.do(http.MethodGet, tc.path, nil)
			require.Equal(t, http.StatusForbidden, rec.Code)
			require.Equal(t, tc.want, rec.Body.String())
			require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHandler_InvalidGenericTarget(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t, "http://127.0.0.1:1", noFetchClient(t))

	rec := p.do(http.MethodGet, "/proxy/ftp://files.example/a", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.True(t, strings.HasPrefix(rec.Body.String(), "无效的目标地址："), rec.Body.String())
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_Fallback(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t, "http://127.0.0.1:1", noFetchClient(t))

	rec := p.do(http.MethodGet, "/application", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fallback", rec.Body.String())
}

func TestHandler_UpstreamFailure(t *testing.T) {
	t.Parallel()
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	p := newTestProxy(t, closed.URL, nil)

	rec := p.do(http.MethodGet, "/app/x", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.True(t, strings.HasPrefix(rec.Body.String(), "上游请求失败："), rec.Body.String())
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.requests.WithLabelValues("prefix", "502")))
}

func TestHandler_RewritesHTML(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/dir/page", r.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Frame-Options", "DENY")
		io.WriteString(w, `<html><body><img src="/a.png"><a href="next">n</a></body></html>`)
	}))
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	rec := p.do(http.MethodGet, "/app/dir/page", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `<img src="http://proxy.test/app/a.png">`)
	require.NotContains(t, body, `"/a.png"`)
	require.Contains(t, body, `<a href="http://proxy.test/app/dir/next">`)
	require.Equal(t, 1, strings.Count(body, rewrite.PatchMarker))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Empty(t, rec.Header().Get("Content-Security-Policy"))
	require.Empty(t, rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.rewrites.WithLabelValues("html")))
}

func TestHandler_RewritesCSS(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, `body{background: url(/img/x.png)}`)
	}))
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	rec := p.do(http.MethodGet, "/app/site.css", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `body{background: url(http://proxy.test/app/img/x.png)}`, rec.Body.String())
	require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
}

func TestHandler_DecodesCompressedBody(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		io.WriteString(zw, `a{b:url(/x.png)}`)
		zw.Close()
	}))
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	rec := p.do(http.MethodGet, "/app/site.css", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, `a{b:url(http://proxy.test/app/x.png)}`, rec.Body.String())
}

func TestHandler_PassesThroughUnknownStackedEncoding(t *testing.T) {
	t.Parallel()
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	io.WriteString(zw, `a{b:url(/x.png)}`)
	require.NoError(t, zw.Close())
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Content-Encoding", "x-custom, gzip")
		w.Write(compressed.Bytes())
	}))
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	rec := p.do(http.MethodGet, "/app/site.css", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "x-custom, gzip", rec.Header().Get("Content-Encoding"))
	require.True(t, bytes.Equal(compressed.Bytes(), rec.Body.Bytes()))
	require.Equal(t, strconv.Itoa(compressed.Len()), rec.Header().Get("Content-Length"))
}

func TestHandler_OpaquePassThrough(t *testing.T) {
	t.Parallel()
	png := []byte("\x89PNG\r\n\x1a\n src=\"/not-rewritten\"")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Write(png)
	}))
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	for _, path := range []string{"/app/i.png", "/proxy/" + upstream.URL + "/i.png"} {
		rec := p.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.True(t, bytes.Equal(png, rec.Body.Bytes()), path)
		require.Empty(t, rec.Header().Get("X-Content-Type-Options"))
		require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestHandler_GenericDoesNotRewrite(t *testing.T) {
	t.Parallel()
	const page = `<img src="/a.png">`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, page)
	}))
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	rec := p.do(http.MethodGet, "/proxy/"+upstream.URL+"/page", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, page, rec.Body.String())
}

func TestHandler_Redirects(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login-redirect":
			http.Redirect(w, r, "/login?next=%2Fhome", http.StatusFound)
		case "/evil-redirect":
			http.Redirect(w, r, "https://evil.example/phish", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	t.Run("prefix", func(t *testing.T) {
		rec := p.do(http.MethodGet, "/app/login-redirect", nil)
		require.Equal(t, http.StatusFound, rec.Code)
		require.Equal(t, "http://proxy.test/app/login?next=%2Fhome", rec.Header().Get("Location"))
	})
	t.Run("generic", func(t *testing.T) {
		rec := p.do(http.MethodGet, "/proxy/"+upstream.URL+"/login-redirect", nil)
		require.Equal(t, http.StatusFound, rec.Code)
		want := "http://proxy.test/proxy/" + url.PathEscape(upstream.URL+"/login?next=%2Fhome")
		require.Equal(t, want, rec.Header().Get("Location"))
	})
	t.Run("prefix forbidden", func(t *testing.T) {
		rec := p.do(http.MethodGet, "/app/evil-redirect", nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, "重定向目标 evil.example 不在允许列表内", rec.Body.String())
		require.Empty(t, rec.Header().Get("Location"))
		require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})
	t.Run("generic forbidden", func(t *testing.T) {
		rec := p.do(http.MethodGet, "/proxy/"+upstream.URL+"/evil-redirect", nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, "禁止重定向到该域名：evil.example", rec.Body.String())
	})
}

func TestHandler_ForwardsRequest(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/items", r.URL.Path)
		require.Equal(t, "q=1", r.URL.RawQuery)
		require.Equal(t, "192.0.2.1", r.Header.Get("X-Forwarded-For"))
		require.Equal(t, "proxy.test", r.Header.Get("X-Forwarded-Host"))
		require.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
		require.Equal(t, "http://"+r.Host+"/app/prev", r.Header.Get("Referer"))
		require.Empty(t, r.Header.Get("X-Drop-Me"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, `{"a":1}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	req := httptest.NewRequest(http.MethodPost, testOrigin+"/app/api/items?q=1", strings.NewReader(`{"a":1}`))
	req.Header.Set("Referer", testOrigin+"/app/prev")
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "1")
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"ok":true}`, rec.Body.String())
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
}
