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

// Package rewrite rewrites URLs embedded in HTML, CSS and JavaScript bodies so that they point
// back at the proxy.
//
// Rewriting is pattern based: bodies are scanned with regular expressions, not parsed. Passes
// run in a fixed order and each pass only produces absolute proxy URLs, which later passes
// never match again. Running a pass on its own output is therefore a no-op.
package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Target describes the document being rewritten and where the proxy serves it.
type Target struct {
	// ProxyOrigin is the scheme and host the client used to reach the proxy, e.g. "https://proxy.example".
	ProxyOrigin string
	// Prefix is the route prefix the document was served under, e.g. "/steam".
	Prefix string
	// URL is the upstream URL of the document.
	URL *url.URL
}

// Root is the proxy URL that upstream root-relative paths are appended to.
func (t Target) Root() string {
	return t.ProxyOrigin + t.Prefix
}

// Dir is the directory of the upstream document path, ending in "/".
func (t Target) Dir() string {
	p := t.URL.Path
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/"
	}
	return p[:i+1]
}

// ExtraRule is an additional substitution for documents of one upstream host.
// Replacement uses [regexp.Regexp.Expand] syntax and may contain the placeholders
// {root}, {proxy_origin}, {prefix} and {target_host}.
type ExtraRule struct {
	Pattern     string
	Replacement string
}

// Rule is a compiled [ExtraRule].
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Rewriter applies the rewrite passes. It is immutable and safe for concurrent use.
type Rewriter struct {
	hosts map[string]*hostRules
	extra map[string][]Rule
}

// New creates a [Rewriter]. Patterns for the given upstream hosts are compiled up front;
// other hosts get their patterns compiled per call. extra maps a hostname to rules applied
// to its HTML documents after the built-in passes.
func New(hosts []string, extra map[string][]ExtraRule) (*Rewriter, error) {
	rw := &Rewriter{
		hosts: make(map[string]*hostRules, len(hosts)),
		extra: make(map[string][]Rule, len(extra)),
	}
	for _, h := range hosts {
		rw.hosts[h] = compileHostRules(h)
	}
	for host, rules := range extra {
		for i, r := range rules {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("extra rule %d for %v: %w", i, host, err)
			}
			rw.extra[host] = append(rw.extra[host], Rule{Pattern: re, Replacement: r.Replacement})
		}
	}
	return rw, nil
}

func (rw *Rewriter) rules(host string) *hostRules {
	if hr, ok := rw.hosts[host]; ok {
		return hr
	}
	return compileHostRules(host)
}

// Rewrite applies the passes for class. Opaque bodies are returned unchanged.
func (rw *Rewriter) Rewrite(class Class, body string, t Target) string {
	switch class {
	case HTML:
		return rw.HTML(body, t)
	case CSS:
		return rw.CSS(body, t)
	case Script:
		return rw.Script(body, t)
	default:
		return body
	}
}

// HTML rewrites an HTML document and appends the patch script.
func (rw *Rewriter) HTML(body string, t Target) string {
	hr := rw.rules(t.URL.Host)
	root := t.Root()

	// Same-target absolute URLs, then protocol-relative ones.
	body = replaceAllSubmatchFunc(hr.attrAbsolute, body, rootAttr(root))
	body = replaceAllSubmatchFunc(hr.attrProtoRel, body, rootAttr(root))

	// Root-relative attribute values.
	body = replaceAllSubmatchFunc(attrRootRelRE, body, rootAttr(root))
	body = replaceAllSubmatchFunc(srcsetRE, body, func(g []string) string {
		return g[1] + g[2] + rewriteSrcset(g[3], root, hr) + g[4]
	})

	// url(...) in inline styles and <style> blocks.
	body = cssURLs(body, root, hr)

	body = replaceAllSubmatchFunc(baseHrefRE, body, func(g []string) string {
		return g[1] + g[2] + rewriteBase(g[3], root, hr) + g[4]
	})

	// Bare relative references resolve against the document directory.
	dir := t.Dir()
	body = replaceAllSubmatchFunc(attrRelativeRE, body, func(g []string) string {
		if !isBareRelative(g[3]) {
			return g[0]
		}
		resolved, ok := resolveDir(dir, g[3])
		if !ok {
			return g[0]
		}
		return g[1] + g[2] + root + resolved + g[4]
	})

	body = rw.applyExtra(body, t)
	return injectPatch(body, t)
}

// CSS rewrites a stylesheet.
func (rw *Rewriter) CSS(body string, t Target) string {
	hr := rw.rules(t.URL.Host)
	root := t.Root()
	body = cssURLs(body, root, hr)

	dir := t.Dir()
	return replaceAllSubmatchFunc(cssAnyRE, body, func(g []string) string {
		if !isBareRelative(g[2]) {
			return g[0]
		}
		resolved, ok := resolveDir(dir, g[2])
		if !ok {
			return g[0]
		}
		return "url(" + g[1] + root + resolved + g[3] + ")"
	})
}

// Script rewrites quoted URL literals in JavaScript. This is a heuristic: only same-target
// absolute or protocol-relative literals and root-relative literals naming a static asset
// are touched.
func (rw *Rewriter) Script(body string, t Target) string {
	hr := rw.rules(t.URL.Host)
	root := t.Root()
	literal := func(g []string) string {
		return g[1] + root + g[2] + g[3]
	}
	body = replaceAllSubmatchFunc(hr.scriptAbsolute, body, literal)
	body = replaceAllSubmatchFunc(hr.scriptProtoRel, body, literal)
	return replaceAllSubmatchFunc(scriptAssetRE, body, func(g []string) string {
		return g[1] + root + g[2] + g[3] + g[4]
	})
}

func cssURLs(body, root string, hr *hostRules) string {
	body = replaceAllSubmatchFunc(hr.cssAbsolute, body, rootCSS(root))
	body = replaceAllSubmatchFunc(hr.cssProtoRel, body, rootCSS(root))
	return replaceAllSubmatchFunc(cssRootRelRE, body, rootCSS(root))
}

func rewriteSrcset(srcset, root string, hr *hostRules) string {
	candidates := strings.Split(srcset, ",")
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		u := fields[0]
		if rest, ok := hr.stripTarget(u); ok {
			fields[0] = root + rest
		} else if strings.HasPrefix(u, "/") && !strings.HasPrefix(u, "//") {
			fields[0] = root + u
		} else {
			continue
		}
		lead := c[:len(c)-len(strings.TrimLeft(c, " \t\r\n"))]
		candidates[i] = lead + strings.Join(fields, " ")
	}
	return strings.Join(candidates, ",")
}

// rewriteBase points a <base href> on the upstream host at the proxy root, keeping a trailing slash.
func rewriteBase(v, root string, hr *hostRules) string {
	rest, ok := hr.stripTarget(v)
	if !ok {
		if v != root && !strings.HasPrefix(v, root+"/") {
			return v
		}
		rest = v[len(root):]
	}
	if rest == "" {
		rest = "/"
	}
	return root + rest
}

func (rw *Rewriter) applyExtra(body string, t Target) string {
	rules := rw.extra[t.URL.Hostname()]
	if len(rules) == 0 {
		return body
	}
	placeholders := strings.NewReplacer(
		"{root}", escapeDollar(t.Root()),
		"{proxy_origin}", escapeDollar(t.ProxyOrigin),
		"{prefix}", escapeDollar(t.Prefix),
		"{target_host}", escapeDollar(t.URL.Host),
	)
	for _, r := range rules {
		body = r.Pattern.ReplaceAllString(body, placeholders.Replace(r.Replacement))
	}
	return body
}

func escapeDollar(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
