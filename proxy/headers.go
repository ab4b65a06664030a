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
	"io"
	"net/http"
	"strconv"

	"github.com/Jigsaw-Code/rewrite-proxy/rewrite"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With, Accept, Origin, Range"
	preflightMaxAge  = "86400"
)

// Upstream protections that would stop rewritten pages from working under the proxy origin.
var strippedHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"X-Content-Type-Options",
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

// normalizeHeaders applies the CORS and security header policy shared by every response class.
func normalizeHeaders(h http.Header) {
	setCORS(h)
	for _, name := range strippedHeaders {
		h.Del(name)
	}
}

// applyCachePolicy marks HTML uncacheable and everything else cacheable for maxAge seconds.
func applyCachePolicy(h http.Header, class rewrite.Class, maxAge int) {
	if class == rewrite.HTML {
		h.Set("Cache-Control", "no-store")
		return
	}
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
}

func preflightHeader() http.Header {
	h := make(http.Header)
	setCORS(h)
	h.Set("Access-Control-Max-Age", preflightMaxAge)
	h.Set("Cache-Control", "public, max-age="+preflightMaxAge)
	return h
}

// InMemoryResponse creates an [http.Response] with the given status, header and body.
func InMemoryResponse(code int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	resp := &http.Response{
		Status:     strconv.Itoa(code) + " " + http.StatusText(code),
		StatusCode: code,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       http.NoBody,
	}
	if body != nil {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
	}
	return resp
}

// ServeResponse writes resp to w and closes its body.
func ServeResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	h := w.Header()
	for k, v := range resp.Header {
		h[k] = append([]string(nil), v...)
	}
	if resp.ContentLength > 0 || resp.ContentLength == 0 && bodyAllowed(resp.StatusCode) {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

func bodyAllowed(code int) bool {
	return code >= 200 && code != http.StatusNoContent && code != http.StatusNotModified
}

// ServeInMemory writes a response built from the arguments to w.
func ServeInMemory(w http.ResponseWriter, code int, header http.Header, body []byte) error {
	return ServeResponse(w, InMemoryResponse(code, header, body))
}
