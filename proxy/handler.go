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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/rewrite-proxy/allowlist"
	"github.com/Jigsaw-Code/rewrite-proxy/rewrite"
	"github.com/Jigsaw-Code/rewrite-proxy/route"
)

// DefaultCacheMaxAge is the max-age in seconds given to non-HTML responses on prefix routes.
const DefaultCacheMaxAge = 3600

// Options configures a [Handler].
type Options struct {
	// Required.
	AllowList *allowlist.List
	Resolver  *route.Resolver
	Rewriter  *rewrite.Rewriter

	// Client sends upstream requests. Defaults to [NewClient] over direct TCP.
	Client *http.Client
	// Fallback serves paths that match no route. Defaults to a 404 handler.
	Fallback http.Handler
	// PublicOrigin, when set, is used as the proxy origin instead of deriving it from each request.
	PublicOrigin string
	// ClientIPHeader names a request header set by a trusted front end that carries the client IP.
	ClientIPHeader string
	// CacheMaxAge defaults to DefaultCacheMaxAge.
	CacheMaxAge int
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Handler is the proxy entry point.
type Handler struct {
	allowList      *allowlist.List
	resolver       *route.Resolver
	rewriter       *rewrite.Rewriter
	client         *http.Client
	fallback       http.Handler
	publicOrigin   string
	clientIPHeader string
	cacheMaxAge    int
	metrics        *Metrics
	logger         *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a [Handler]. It must be installed as the server handler directly:
// [http.ServeMux] cleans paths, which breaks targets embedded in /proxy/ paths.
func NewHandler(opts Options) (*Handler, error) {
	if opts.AllowList == nil || opts.Resolver == nil || opts.Rewriter == nil {
		return nil, errors.New("allow list, resolver and rewriter are required")
	}
	h := &Handler{
		allowList:      opts.AllowList,
		resolver:       opts.Resolver,
		rewriter:       opts.Rewriter,
		client:         opts.Client,
		fallback:       opts.Fallback,
		publicOrigin:   strings.TrimSuffix(opts.PublicOrigin, "/"),
		clientIPHeader: opts.ClientIPHeader,
		cacheMaxAge:    opts.CacheMaxAge,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
	if h.client == nil {
		client, err := NewClient(&transport.TCPDialer{})
		if err != nil {
			return nil, err
		}
		h.client = client
	}
	if h.fallback == nil {
		h.fallback = http.NotFoundHandler()
	}
	if h.cacheMaxAge <= 0 {
		h.cacheMaxAge = DefaultCacheMaxAge
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		if err := ServeInMemory(w, http.StatusNoContent, preflightHeader(), nil); err != nil {
			h.logger.Debug("Failed to write preflight response", "error", err)
		}
		return
	}

	outcome, err := h.resolver.Resolve(r.URL)
	if err != nil {
		h.fail(w, r, outcome.Kind, err)
		return
	}
	if outcome.Kind == route.NoMatch {
		h.fallback.ServeHTTP(w, r)
		return
	}

	rc := &RequestContext{
		Request:     r,
		Kind:        outcome.Kind,
		Prefix:      outcome.Prefix,
		Target:      outcome.Target,
		ClientIP:    clientIP(r, h.clientIPHeader),
		ProxyOrigin: h.publicOrigin,
		AllowList:   h.allowList,
		Logger:      h.logger,
	}
	if rc.ProxyOrigin == "" {
		rc.ProxyOrigin = requestOrigin(r)
	}
	if host := rc.Target.Hostname(); !h.allowList.Allows(host) {
		h.fail(w, r, rc.Kind, &ForbiddenHostError{Host: host})
		return
	}
	h.forward(w, rc)
}

func (h *Handler) forward(w http.ResponseWriter, rc *RequestContext) {
	h.logger.Debug("Proxying request", "route", rc.Kind, "method", rc.Request.Method, "target", rc.Target.String())
	req, err := NewUpstreamRequest(rc)
	if err != nil {
		h.fail(w, rc.Request, rc.Kind, &UpstreamError{Err: err})
		return
	}
	start := time.Now()
	resp, err := h.client.Do(req)
	h.metrics.upstream(rc.Kind, time.Since(start))
	if err != nil {
		h.fail(w, rc.Request, rc.Kind, &UpstreamError{Err: err})
		return
	}
	defer resp.Body.Close()

	location, err := ValidateRedirect(resp, rc)
	if err != nil {
		h.fail(w, rc.Request, rc.Kind, err)
		return
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	normalizeHeaders(header)
	if location != "" {
		header.Set("Location", location)
	}
	out := &http.Response{
		StatusCode:    resp.StatusCode,
		Header:        header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}

	if rc.Kind == route.Prefix {
		class := rewrite.Classify(header.Get("Content-Type"))
		if class != rewrite.Opaque && hasBody(rc.Request, resp) {
			body, ok, err := h.rewriteBody(rc, class, resp)
			if err != nil {
				h.fail(w, rc.Request, rc.Kind, err)
				return
			}
			if ok {
				header.Del("Content-Encoding")
				out.Body = io.NopCloser(strings.NewReader(body))
				out.ContentLength = int64(len(body))
			}
		}
		applyCachePolicy(header, class, h.cacheMaxAge)
	}

	h.metrics.request(rc.Kind, out.StatusCode)
	if err := ServeResponse(w, out); err != nil {
		h.logger.Debug("Failed to write response", "target", rc.Target.String(), "error", err)
	}
}

// rewriteBody reads, decodes and rewrites the upstream body. It reports false when the body
// uses a content coding that cannot be undone and must be passed through untouched.
func (h *Handler) rewriteBody(rc *RequestContext, class rewrite.Class, resp *http.Response) (string, bool, error) {
	var body io.Reader = resp.Body
	if coding := resp.Header.Get("Content-Encoding"); coding != "" {
		decoded, err := rewrite.Decode(coding, resp.Body)
		if errors.Is(err, rewrite.ErrUnsupportedEncoding) {
			h.logger.Debug("Passing through encoded body", "target", rc.Target.String(), "encoding", coding)
			return "", false, nil
		}
		if err != nil {
			return "", false, &UpstreamError{Err: err}
		}
		defer decoded.Close()
		body = decoded
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", false, &UpstreamError{Err: fmt.Errorf("failed to read body: %w", err)}
	}
	h.metrics.rewrite(class)
	target := rewrite.Target{ProxyOrigin: rc.ProxyOrigin, Prefix: rc.Prefix, URL: rc.Target}
	return h.rewriter.Rewrite(class, string(data), target), true, nil
}

func hasBody(r *http.Request, resp *http.Response) bool {
	return r.Method != http.MethodHead && bodyAllowed(resp.StatusCode)
}

// fail answers with the plain-text error response for err.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, kind route.Kind, err error) {
	code, msg := errorResponse(kind, err)
	var forbidden *ForbiddenHostError
	if errors.As(err, &forbidden) {
		h.metrics.refusal(kind, forbidden.Redirect)
		h.logger.Info("Refused host", "route", kind, "host", forbidden.Host, "redirect", forbidden.Redirect)
	} else {
		h.logger.Warn("Proxy request failed", "route", kind, "path", r.URL.EscapedPath(), "error", err)
	}
	h.metrics.request(kind, code)

	header := make(http.Header)
	setCORS(header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	if err := ServeInMemory(w, code, header, []byte(msg)); err != nil {
		h.logger.Debug("Failed to write error response", "error", err)
	}
}
