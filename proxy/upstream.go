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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"golang.org/x/net/http2"
)

// Hop-by-hop headers. They apply to a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// NewUpstreamRequest builds the request sent to rc.Target. Method, headers and body are
// copied from the inbound request and forwarding metadata is added.
func NewUpstreamRequest(rc *RequestContext) (*http.Request, error) {
	in := rc.Request
	req, err := http.NewRequestWithContext(in.Context(), in.Method, rc.Target.String(), in.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.ContentLength = in.ContentLength
	if in.Body == nil || in.ContentLength == 0 {
		req.Body = http.NoBody
	}

	req.Header = in.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	removeHopHeaders(req.Header)
	req.Host = rc.Target.Host

	if rc.ClientIP != "" {
		req.Header.Set("X-Forwarded-For", rc.ClientIP)
	} else {
		req.Header.Del("X-Forwarded-For")
	}
	proxyURL := rc.proxyURL()
	req.Header.Set("X-Forwarded-Host", proxyURL.Host)
	req.Header.Set("X-Forwarded-Proto", proxyURL.Scheme)

	// The body may have to be rewritten as text.
	req.Header.Del("Accept-Encoding")

	if referer, err := upstreamReferer(in.Header.Get("Referer"), rc.Target); err != nil {
		rc.logger().Debug("Keeping unparseable referer", "referer", in.Header.Get("Referer"), "error", err)
	} else {
		req.Header.Set("Referer", referer)
	}
	return req, nil
}

// upstreamReferer moves referer onto the origin of target, keeping its path and query.
// It returns an error when referer cannot be rewritten, in which case it is forwarded as is.
func upstreamReferer(referer string, target *url.URL) (string, error) {
	origin := target.Scheme + "://" + target.Host
	if referer == "" {
		return origin + "/", nil
	}
	u, err := url.Parse(referer)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("referer is not an absolute URL")
	}
	u.Scheme = target.Scheme
	u.Host = target.Host
	u.User = nil
	return u.String(), nil
}

// NewClient creates the [http.Client] used for upstream requests. Connections are made with
// dialer. The client returns redirects to the caller instead of following them and never
// asks for compressed bodies.
func NewClient(dialer transport.StreamDialer) (*http.Client, error) {
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}
	tr := &http.Transport{
		DialContext:           dialContext,
		DisableCompression:    true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
	}
	return &http.Client{
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
