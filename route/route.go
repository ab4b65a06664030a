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

// Package route maps inbound request paths to upstream targets.
//
// Two kinds of paths are recognized:
//
//   - Prefix routes from a static [Table], e.g. "/steam/app/10" → "https://store.steampowered.com/app/10".
//   - The generic escape path "/proxy/<url>", where the target URL, plain or percent-encoded,
//     is carried in the path itself.
//
// The resolver only computes targets. Whether a target host may be contacted is decided by the
// caller against an allow-list, since the generic path derives its target from untrusted input.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// GenericPrefix is the escape path that carries an arbitrary target URL.
const GenericPrefix = "/proxy/"

// ErrInvalidTarget is returned when the target URL cannot be constructed.
var ErrInvalidTarget = errors.New("invalid target")

// Kind tells which kind of route matched.
type Kind int

const (
	// NoMatch means the path belongs to neither the generic path nor a route.
	NoMatch Kind = iota
	// Generic is the /proxy/<url> escape path.
	Generic
	// Prefix is a configured prefix route.
	Prefix
)

func (k Kind) String() string {
	switch k {
	case Generic:
		return "generic"
	case Prefix:
		return "prefix"
	default:
		return "none"
	}
}

// Outcome is the result of resolving a request URL.
type Outcome struct {
	Kind Kind
	// Target is the full upstream URL. Nil for NoMatch.
	Target *url.URL
	// Prefix is the matched route prefix. Empty unless Kind is Prefix.
	Prefix string
	// Origin is the configured upstream base origin. Empty unless Kind is Prefix.
	Origin string
	// Remainder is the escaped path left after stripping Prefix.
	Remainder string
}

// Route binds a path prefix to an upstream base origin.
type Route struct {
	Prefix string
	// Origin is scheme and host, without path or trailing slash.
	Origin string
}

// Table is an immutable set of routes ordered from most to least specific.
type Table struct {
	routes []Route
}

// NewTable validates the prefix → origin mapping and builds a [Table].
// Prefixes must start with "/", must not end with "/" and must not shadow [GenericPrefix].
// Origins must be absolute http or https URLs without a path, query or fragment;
// a single trailing slash is tolerated and removed.
func NewTable(routes map[string]string) (*Table, error) {
	t := &Table{routes: make([]Route, 0, len(routes))}
	for prefix, origin := range routes {
		if err := validatePrefix(prefix); err != nil {
			return nil, err
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", prefix, err)
		}
		t.routes = append(t.routes, Route{Prefix: prefix, Origin: normalized})
	}
	// Longest prefix first. Lexical order only breaks ties so the order is deterministic.
	sort.Slice(t.routes, func(i, j int) bool {
		pi, pj := t.routes[i].Prefix, t.routes[j].Prefix
		if len(pi) != len(pj) {
			return len(pi) > len(pj)
		}
		return pi < pj
	})
	return t, nil
}

func validatePrefix(prefix string) error {
	switch {
	case !strings.HasPrefix(prefix, "/"):
		return fmt.Errorf("route prefix %q must start with /", prefix)
	case len(prefix) < 2:
		return fmt.Errorf("route prefix %q must name a path", prefix)
	case strings.HasSuffix(prefix, "/"):
		return fmt.Errorf("route prefix %q must not end with /", prefix)
	case prefix+"/" == GenericPrefix || strings.HasPrefix(prefix, GenericPrefix):
		return fmt.Errorf("route prefix %q collides with %v", prefix, GenericPrefix)
	}
	return nil
}

func normalizeOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("origin %q must use http or https", origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("origin %q must be scheme and host only", origin)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Routes returns the routes, most specific first.
func (t *Table) Routes() []Route {
	if t == nil {
		return nil
	}
	return append([]Route(nil), t.routes...)
}

// Match finds the longest prefix such that path equals it or continues it with "/".
// It returns the route and the rest of the path.
func (t *Table) Match(path string) (Route, string, bool) {
	if t == nil {
		return Route{}, "", false
	}
	for _, r := range t.routes {
		if path == r.Prefix {
			return r, "", true
		}
		if strings.HasPrefix(path, r.Prefix+"/") {
			return r, path[len(r.Prefix):], true
		}
	}
	return Route{}, "", false
}

// Resolver resolves request URLs against a [Table] and the generic escape path.
type Resolver struct {
	table *Table
}

// NewResolver creates a [Resolver]. A nil table only resolves the generic path.
func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Resolve maps the inbound request URL to an [Outcome].
// Errors wrap [ErrInvalidTarget]; the returned Outcome still names the kind of route that failed.
func (r *Resolver) Resolve(u *url.URL) (Outcome, error) {
	path := u.EscapedPath()
	if strings.HasPrefix(path, GenericPrefix) {
		target, err := genericTarget(path[len(GenericPrefix):], u.RawQuery)
		if err != nil {
			return Outcome{Kind: Generic}, err
		}
		return Outcome{Kind: Generic, Target: target}, nil
	}

	rt, rest, ok := r.table.Match(path)
	if !ok {
		return Outcome{Kind: NoMatch}, nil
	}
	target, err := url.Parse(rt.Origin + rest)
	if err != nil {
		return Outcome{Kind: Prefix, Prefix: rt.Prefix, Origin: rt.Origin}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	// The inbound query always wins on prefix routes.
	target.RawQuery = u.RawQuery
	target.ForceQuery = false
	return Outcome{
		Kind:      Prefix,
		Target:    target,
		Prefix:    rt.Prefix,
		Origin:    rt.Origin,
		Remainder: rest,
	}, nil
}

var (
	collapsedSchemeRE = regexp.MustCompile(`(?i)^(https?):/([^/])`)
	schemeRE          = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

func genericTarget(raw, inboundQuery string) (*url.URL, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	// Some clients and path normalizers collapse "https://" into "https:/".
	decoded = collapsedSchemeRE.ReplaceAllString(decoded, "$1://$2")
	if !schemeRE.MatchString(decoded) {
		decoded = "https://" + strings.TrimLeft(decoded, "/")
	}
	target, err := url.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, target.Scheme)
	}
	if target.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	// Unlike prefix routes, the inbound query only fills in a missing one.
	if inboundQuery != "" && target.RawQuery == "" {
		target.RawQuery = inboundQuery
	}
	return target, nil
}
