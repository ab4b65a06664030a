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
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/Jigsaw-Code/rewrite-proxy/allowlist"
	"github.com/Jigsaw-Code/rewrite-proxy/route"
)

// RequestContext carries what is known about one inbound request while it is handled.
// It is created per request and never shared.
type RequestContext struct {
	// Original inbound request.
	Request *http.Request

	// Kind is [route.Generic] or [route.Prefix].
	Kind route.Kind

	// Prefix is the matched route prefix. Empty on the generic path.
	Prefix string

	// Target is the resolved upstream URL.
	Target *url.URL

	// ClientIP is the best-known address of the client, possibly empty.
	ClientIP string

	// ProxyOrigin is the scheme and host the client used to reach the proxy.
	ProxyOrigin string

	// AllowList decides which hosts may be contacted or redirected to.
	AllowList *allowlist.List

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

func (rc *RequestContext) logger() *slog.Logger {
	if rc.Logger == nil {
		return slog.Default()
	}
	return rc.Logger
}

// proxyURL returns ProxyOrigin as a URL.
func (rc *RequestContext) proxyURL() *url.URL {
	u, err := url.Parse(rc.ProxyOrigin)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// clientIP returns the client address from the trusted header if one is configured and
// present, then from the connection, then from an inbound X-Forwarded-For.
func clientIP(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if ip := firstListValue(r.Header.Get(trustedHeader)); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return firstListValue(r.Header.Get("X-Forwarded-For"))
}

func firstListValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

// requestOrigin derives the origin the client used from the request itself.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(firstListValue(r.Header.Get("X-Forwarded-Proto")), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
