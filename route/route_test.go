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

package route

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	table, err := NewTable(map[string]string{
		"/steam":       "https://store.steampowered.com",
		"/steam/extra": "https://extra.steampowered.com/",
		"/cdn":         "https://cdn.example.com",
	})
	require.NoError(t, err)
	return NewResolver(table)
}

func TestResolve_Prefix(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t)

	out, err := r.Resolve(mustParse(t, "/steam/app/10/?cc=us"))
	require.NoError(t, err)
	require.Equal(t, Prefix, out.Kind)
	require.Equal(t, "/steam", out.Prefix)
	require.Equal(t, "https://store.steampowered.com", out.Origin)
	require.Equal(t, "/app/10/", out.Remainder)
	require.Equal(t, "https://store.steampowered.com/app/10/?cc=us", out.Target.String())
}

func TestResolve_PrefixExact(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t)

	out, err := r.Resolve(mustParse(t, "/cdn"))
	require.NoError(t, err)
	require.Equal(t, Prefix, out.Kind)
	require.Equal(t, "", out.Remainder)
	require.Equal(t, "https://cdn.example.com", out.Target.String())
}

func TestResolve_PrefixNeedsSlashBoundary(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t)

	out, err := r.Resolve(mustParse(t, "/steamworks/x"))
	require.NoError(t, err)
	require.Equal(t, NoMatch, out.Kind)
	require.Nil(t, out.Target)
}

// The more specific prefix governs even though the shorter one also matches.
func TestResolve_LongestPrefixWins(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t)

	out, err := r.Resolve(mustParse(t, "/steam/extra/page"))
	require.NoError(t, err)
	require.Equal(t, "/steam/extra", out.Prefix)
	require.Equal(t, "https://extra.steampowered.com/page", out.Target.String())

	out, err = r.Resolve(mustParse(t, "/steam/extras"))
	require.NoError(t, err)
	require.Equal(t, "/steam", out.Prefix)
	require.Equal(t, "https://store.steampowered.com/extras", out.Target.String())
}

// Ordering is by explicit length, not by a reverse lexical sort.
// "/b" sorts after "/a/long" lexically but must still be tried after it.
func TestNewTable_OrdersByLength(t *testing.T) {
	t.Parallel()
	table, err := NewTable(map[string]string{
		"/b":      "https://b.example",
		"/a/long": "https://along.example",
		"/a":      "https://a.example",
		"/c":      "https://c.example",
	})
	require.NoError(t, err)

	var prefixes []string
	for _, rt := range table.Routes() {
		prefixes = append(prefixes, rt.Prefix)
	}
	require.Equal(t, []string{"/a/long", "/a", "/b", "/c"}, prefixes)
}

func TestResolve_PrefixInboundQueryOverwrites(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t)

	// An encoded "?" stays in the path. The computed target never carries its own query.
	out, err := r.Resolve(mustParse(t, "/cdn/a%3Fx=1"))
	require.NoError(t, err)
	require.Equal(t, "", out.Target.RawQuery)
	require.Equal(t, "/a%3Fx=1", out.Target.EscapedPath())

	out, err = r.Resolve(mustParse(t, "/cdn/a?y=2"))
	require.NoError(t, err)
	require.Equal(t, "y=2", out.Target.RawQuery)
}

func TestResolve_Generic(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "/proxy/https://api.example.com/v1/items", "https://api.example.com/v1/items"},
		{"encoded", "/proxy/https%3A%2F%2Fapi.example.com%2Fv1%2Fitems", "https://api.example.com/v1/items"},
		{"no scheme", "/proxy/api.example.com/v1", "https://api.example.com/v1"},
		{"protocol relative", "/proxy///api.example.com/v1", "https://api.example.com/v1"},
		{"collapsed scheme", "/proxy/https:/api.example.com/v1", "https://api.example.com/v1"},
		{"http kept", "/proxy/http://api.example.com/", "http://api.example.com/"},
		{"inbound query appended", "/proxy/https://api.example.com/v1?page=2", "https://api.example.com/v1?page=2"},
		{"target query kept", "/proxy/https%3A%2F%2Fapi.example.com%2Fv1%3Fa%3D1?b=2", "https://api.example.com/v1?a=1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := r.Resolve(mustParse(t, tc.in))
			require.NoError(t, err)
			require.Equal(t, Generic, out.Kind)
			require.Empty(t, out.Prefix)
			require.Equal(t, tc.want, out.Target.String())
		})
	}
}

func TestResolve_GenericInvalid(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t)

	for _, in := range []string{"/proxy/", "/proxy/ftp://files.example.com/a", "/proxy/https://"} {
		out, err := r.Resolve(mustParse(t, in))
		require.Error(t, err, in)
		require.True(t, errors.Is(err, ErrInvalidTarget), in)
		require.Equal(t, Generic, out.Kind, in)
	}
}

func TestResolve_GenericTakesPrecedence(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil)

	out, err := r.Resolve(mustParse(t, "/proxy/example.com"))
	require.NoError(t, err)
	require.Equal(t, Generic, out.Kind)

	out, err = r.Resolve(mustParse(t, "/steam/x"))
	require.NoError(t, err)
	require.Equal(t, NoMatch, out.Kind)
}

func TestNewTable_Invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]map[string]string{
		"no leading slash":   {"steam": "https://store.steampowered.com"},
		"root prefix":        {"/": "https://store.steampowered.com"},
		"trailing slash":     {"/steam/": "https://store.steampowered.com"},
		"generic collision":  {"/proxy": "https://store.steampowered.com"},
		"generic shadowing":  {"/proxy/x": "https://store.steampowered.com"},
		"origin with path":   {"/steam": "https://store.steampowered.com/app"},
		"origin with query":  {"/steam": "https://store.steampowered.com/?a=1"},
		"origin bad scheme":  {"/steam": "ftp://store.steampowered.com"},
		"origin no host":     {"/steam": "https://"},
		"origin unparseable": {"/steam": "https://store.steam powered.com:x"},
	}
	for name, routes := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewTable(routes)
			require.Error(t, err)
		})
	}
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "generic", Generic.String())
	require.Equal(t, "prefix", Prefix.String())
	require.Equal(t, "none", NoMatch.String())
}
