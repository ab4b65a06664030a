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
	"net/http"
	"net/url"

	"github.com/Jigsaw-Code/rewrite-proxy/route"
)

// ValidateRedirect checks the Location of a 3xx response and returns the value to send to
// the client instead. It returns "" when resp is not a redirect with a Location. A Location
// on a host outside the allow-list yields a [*ForbiddenHostError].
func ValidateRedirect(resp *http.Response, rc *RequestContext) (string, error) {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", nil
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", nil
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", &UpstreamError{Err: err}
	}
	resolved := rc.Target.ResolveReference(ref)
	if host := resolved.Hostname(); !rc.AllowList.Allows(host) {
		return "", &ForbiddenHostError{Host: host, Redirect: true}
	}

	if rc.Kind == route.Prefix {
		// Cross-host redirects stay under the matched prefix, so they are fetched from the route origin.
		rewritten := rc.ProxyOrigin + rc.Prefix + resolved.EscapedPath()
		if resolved.RawQuery != "" {
			rewritten += "?" + resolved.RawQuery
		}
		if resolved.Fragment != "" {
			rewritten += "#" + resolved.EscapedFragment()
		}
		return rewritten, nil
	}
	return rc.ProxyOrigin + route.GenericPrefix + url.PathEscape(resolved.String()), nil
}
