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

package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// Attributes whose absolute and root-relative URL values are proxy-rooted.
const urlAttrs = `(?:href|src|action|content)`

// Host-independent patterns.
var (
	attrRootRelRE = regexp.MustCompile(`(?i)(\b` + urlAttrs + `\s*=\s*)(["'])(/(?:[^/"'][^"']*)?)(["'])`)
	// Bare relative values only on navigational attributes; "content" carries too much non-URL text.
	attrRelativeRE = regexp.MustCompile(`(?i)(\b(?:href|src|action)\s*=\s*)(["'])([^"']*)(["'])`)
	srcsetRE       = regexp.MustCompile(`(?i)(\bsrcset\s*=\s*)(["'])([^"']*)(["'])`)
	baseHrefRE     = regexp.MustCompile(`(?i)(<base\b[^>]*?\bhref\s*=\s*)(["'])([^"']*)(["'])`)
	cssRootRelRE   = regexp.MustCompile(`(?i)url\(\s*(["']?)(/(?:[^/"')\s][^"')\s]*)?)(["']?)\s*\)`)
	cssAnyRE       = regexp.MustCompile(`(?i)url\(\s*(["']?)([^"')\s]+)(["']?)\s*\)`)
	scriptAssetRE  = regexp.MustCompile(`(?i)(["'])(/[^/"'\s][^"'\s]*?\.(?:js|mjs|css|png|jpe?g|gif|webp|avif|svg|ico|bmp|woff2?|ttf|otf|eot|mp3|wav|ogg|m4a|aac|flac|mp4|webm|ogv|mov|m3u8))((?:\?[^"'\s]*)?)(["'])`)
	schemeRE       = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// hostRules holds the patterns that embed the upstream host.
type hostRules struct {
	attrAbsolute   *regexp.Regexp
	attrProtoRel   *regexp.Regexp
	cssAbsolute    *regexp.Regexp
	cssProtoRel    *regexp.Regexp
	scriptAbsolute *regexp.Regexp
	scriptProtoRel *regexp.Regexp
	// sameTarget matches a whole URL value pointing at the host and captures what follows it.
	sameTarget *regexp.Regexp
}

func compileHostRules(host string) *hostRules {
	h := regexp.QuoteMeta(host)
	// What may follow the host: nothing, or a path, query or fragment.
	const attrTail = `((?:[/?#][^"']*)?)`
	const cssTail = `((?:[/?#][^"')\s]*)?)`
	const scriptTail = `((?:[/?#][^"'\s]*)?)`
	return &hostRules{
		attrAbsolute:   regexp.MustCompile(`(?i)(\b` + urlAttrs + `\s*=\s*)(["'])https?://` + h + attrTail + `(["'])`),
		attrProtoRel:   regexp.MustCompile(`(?i)(\b` + urlAttrs + `\s*=\s*)(["'])//` + h + attrTail + `(["'])`),
		cssAbsolute:    regexp.MustCompile(`(?i)url\(\s*(["']?)https?://` + h + cssTail + `(["']?)\s*\)`),
		cssProtoRel:    regexp.MustCompile(`(?i)url\(\s*(["']?)//` + h + cssTail + `(["']?)\s*\)`),
		scriptAbsolute: regexp.MustCompile(`(?i)(["'])https?://` + h + scriptTail + `(["'])`),
		scriptProtoRel: regexp.MustCompile(`(?i)(["'])//` + h + scriptTail + `(["'])`),
		sameTarget:     regexp.MustCompile(`(?i)^(?:https?:)?//` + h + `([/?#].*)?$`),
	}
}

// stripTarget returns the part of v after the upstream host when v is an absolute
// or protocol-relative URL on that host.
func (hr *hostRules) stripTarget(v string) (string, bool) {
	m := hr.sameTarget.FindStringSubmatch(v)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// replaceAllSubmatchFunc replaces every match of re in s with fn(groups), where
// groups[0] is the whole match and groups[i] the i-th capture ("" when it did not participate).
func replaceAllSubmatchFunc(re *regexp.Regexp, s string, fn func(groups []string) string) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		groups := make([]string, len(m)/2)
		for i := range groups {
			if m[2*i] >= 0 {
				groups[i] = s[m[2*i]:m[2*i+1]]
			}
		}
		b.WriteString(fn(groups))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// rootAttr rewrites "<attr>=<q><tail><q>" captures as "<attr>=<q><root><tail><q>".
func rootAttr(root string) func([]string) string {
	return func(g []string) string {
		return g[1] + g[2] + root + g[3] + g[4]
	}
}

// rootCSS rewrites "url(<q><tail><q>)" captures as "url(<q><root><tail><q>)".
func rootCSS(root string) func([]string) string {
	return func(g []string) string {
		return "url(" + g[1] + root + g[2] + g[3] + ")"
	}
}

// asciiSpace is the whitespace HTML allows around URL attribute values.
const asciiSpace = " \t\n\f\r"

// isBareRelative reports whether v is a relative reference that is neither
// root-relative nor fragment or query only, and has no scheme. Surrounding ASCII
// whitespace is ignored.
func isBareRelative(v string) bool {
	v = strings.Trim(v, asciiSpace)
	if v == "" || schemeRE.MatchString(v) {
		return false
	}
	switch v[0] {
	case '/', '#', '?', '{', '$', '\\':
		return false
	}
	return true
}

// resolveDir resolves the relative reference v against directory dir and returns
// the result as path, query and fragment.
func resolveDir(dir, v string) (string, bool) {
	ref, err := url.Parse(strings.Trim(v, asciiSpace))
	if err != nil {
		return "", false
	}
	return (&url.URL{Path: dir}).ResolveReference(ref).String(), true
}
