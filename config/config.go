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

// Package config loads the proxy configuration from YAML.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/Jigsaw-Code/rewrite-proxy/allowlist"
	"github.com/Jigsaw-Code/rewrite-proxy/rewrite"
	"github.com/Jigsaw-Code/rewrite-proxy/route"
	"github.com/goccy/go-yaml"
)

//go:embed default.yaml
var defaultYAML []byte

// ExtraRule is a per-host substitution applied to HTML after the built-in rewrites.
type ExtraRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Config is the proxy configuration. It is immutable once loaded.
type Config struct {
	Listen         string                 `yaml:"listen"`
	PublicOrigin   string                 `yaml:"public_origin"`
	ClientIPHeader string                 `yaml:"client_ip_header"`
	Transport      string                 `yaml:"transport"`
	CacheMaxAge    int                    `yaml:"cache_max_age"`
	StaticDir      string                 `yaml:"static_dir"`
	AllowList      []string               `yaml:"allow_list"`
	Routes         map[string]string      `yaml:"routes"`
	ExtraRules     map[string][]ExtraRule `yaml:"extra_rules"`
}

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	return Parse(defaultYAML)
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML configuration. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Listen:      "localhost:8080",
		CacheMaxAge: 3600,
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that are not checked when the tables are built.
func (c *Config) Validate() error {
	var errs []error
	if len(c.AllowList) == 0 {
		errs = append(errs, errors.New("allow_list must not be empty"))
	}
	for _, host := range c.AllowList {
		if host == "" || strings.ContainsAny(host, "/: ") {
			errs = append(errs, fmt.Errorf("allow_list entry %q is not a hostname", host))
		}
	}
	if c.PublicOrigin != "" {
		u, err := url.Parse(c.PublicOrigin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || strings.TrimSuffix(u.Path, "/") != "" {
			errs = append(errs, fmt.Errorf("public_origin %q must be an http or https origin", c.PublicOrigin))
		}
	}
	if c.CacheMaxAge < 0 {
		errs = append(errs, fmt.Errorf("cache_max_age must not be negative, got %d", c.CacheMaxAge))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewAllowList builds the allow-list.
func (c *Config) NewAllowList() *allowlist.List {
	return allowlist.New(c.AllowList...)
}

// NewRouteTable builds the route table.
func (c *Config) NewRouteTable() (*route.Table, error) {
	return route.NewTable(c.Routes)
}

// NewRewriter builds a rewriter with patterns precompiled for every route origin and
// allow-listed host.
func (c *Config) NewRewriter(table *route.Table) (*rewrite.Rewriter, error) {
	var hosts []string
	for _, rt := range table.Routes() {
		u, err := url.Parse(rt.Origin)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, u.Host)
	}
	hosts = append(hosts, c.AllowList...)

	extra := make(map[string][]rewrite.ExtraRule, len(c.ExtraRules))
	for host, rules := range c.ExtraRules {
		for _, r := range rules {
			extra[host] = append(extra[host], rewrite.ExtraRule{Pattern: r.Pattern, Replacement: r.Replacement})
		}
	}
	return rewrite.New(hosts, extra)
}

// UnlistedRouteHosts returns the route origins whose host is not allow-listed. Requests on
// those routes are refused at runtime.
func (c *Config) UnlistedRouteHosts(table *route.Table) []string {
	list := c.NewAllowList()
	var unlisted []string
	for _, rt := range table.Routes() {
		u, err := url.Parse(rt.Origin)
		if err == nil && !list.Allows(u.Hostname()) {
			unlisted = append(unlisted, u.Hostname())
		}
	}
	return unlisted
}
