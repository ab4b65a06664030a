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

import "strings"

// Class is the content family of a response body. It selects the rewrite passes.
type Class int

const (
	Opaque Class = iota
	HTML
	CSS
	Script
)

func (c Class) String() string {
	switch c {
	case HTML:
		return "html"
	case CSS:
		return "css"
	case Script:
		return "script"
	default:
		return "opaque"
	}
}

var (
	htmlTypes   = []string{"text/html", "application/xhtml+xml"}
	cssTypes    = []string{"text/css"}
	scriptTypes = []string{
		"application/javascript",
		"text/javascript",
		"application/x-javascript",
		"application/ecmascript",
		"text/ecmascript",
	}
)

// Classify derives the [Class] from a Content-Type header value.
// Matching is a case-insensitive substring test; HTML is checked first, then CSS, then Script.
func Classify(contentType string) Class {
	ct := strings.ToLower(contentType)
	switch {
	case containsAny(ct, htmlTypes):
		return HTML
	case containsAny(ct, cssTypes):
		return CSS
	case containsAny(ct, scriptTypes):
		return Script
	default:
		return Opaque
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
