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

// Package allowlist holds the set of upstream hosts the proxy may contact or redirect to.
package allowlist

import "sort"

// List is an immutable set of hostnames. Membership is exact and case-sensitive:
// "Example.com" and "example.com" are different entries.
type List struct {
	hosts map[string]struct{}
}

// New creates a [List] with the given hosts. Empty strings are ignored.
func New(hosts ...string) *List {
	l := &List{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		l.hosts[h] = struct{}{}
	}
	return l
}

// Allows reports whether host may be contacted or redirected to.
// A nil List allows nothing.
func (l *List) Allows(host string) bool {
	if l == nil {
		return false
	}
	_, ok := l.hosts[host]
	return ok
}

// Hosts returns the members in lexical order.
func (l *List) Hosts() []string {
	if l == nil {
		return nil
	}
	hosts := make([]string, 0, len(l.hosts))
	for h := range l.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Len returns the number of hosts.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.hosts)
}
