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
	_ "embed"
	"encoding/json"
	"strings"
)

// PatchMarker is the attribute carried by the injected script tag. A document that
// already contains it is not patched again.
const PatchMarker = "data-rewrite-proxy-patch"

//go:embed patch.js
var patchSource string

// PatchScript returns the <script> element that keeps dynamically inserted
// root-relative URLs under the proxy root.
func PatchScript(t Target) string {
	// JSON strings escape <, > and &, so they are safe inside a script element.
	root, _ := json.Marshal(t.Root())
	prefix, _ := json.Marshal(t.Prefix)
	body := strings.NewReplacer("__ROOT__", string(root), "__PREFIX__", string(prefix)).Replace(patchSource)
	return "<script " + PatchMarker + ">" + body + "</script>"
}

// injectPatch inserts the patch script before the last </body>, or appends it when
// there is none.
func injectPatch(body string, t Target) string {
	if strings.Contains(body, PatchMarker) {
		return body
	}
	script := PatchScript(t)
	i := lastIndexFold(body, "</body")
	if i < 0 {
		return body + script
	}
	return body[:i] + script + body[i:]
}

// lastIndexFold is an ASCII case-insensitive strings.LastIndex.
func lastIndexFold(s, substr string) int {
	for i := len(s) - len(substr); i >= 0; i-- {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}
