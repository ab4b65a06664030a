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

// Package upstream selects the stream dialer used to reach upstream origins.
package upstream

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/Jigsaw-Code/outline-sdk/transport/socks5"
)

// NewStreamDialer creates the dialer described by transportConfig:
//
//   - "" dials directly over TCP.
//   - socks5://[user:password@]host:port goes through a SOCKS5 proxy.
//   - ss://<base64url(cipher:secret)>@host:port[?prefix=<bytes>] goes through a Shadowsocks server.
func NewStreamDialer(transportConfig string) (transport.StreamDialer, error) {
	if transportConfig == "" {
		return &transport.TCPDialer{}, nil
	}

	configURL, err := url.Parse(transportConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transport config: %w", err)
	}
	if configURL.Host == "" {
		return nil, fmt.Errorf("transport config %v:// has no server address", configURL.Scheme)
	}
	endpoint := &transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: configURL.Host}

	switch configURL.Scheme {
	case "socks5":
		client, err := socks5.NewClient(endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 client: %w", err)
		}
		if configURL.User != nil {
			password, _ := configURL.User.Password()
			if err := client.SetCredentials([]byte(configURL.User.Username()), []byte(password)); err != nil {
				return nil, fmt.Errorf("invalid SOCKS5 credentials: %w", err)
			}
		}
		return client, nil

	case "ss":
		return newShadowsocksDialer(configURL, endpoint)

	default:
		return nil, fmt.Errorf("transport scheme %v:// is not supported", configURL.Scheme)
	}
}

func newShadowsocksDialer(configURL *url.URL, endpoint transport.StreamEndpoint) (transport.StreamDialer, error) {
	if configURL.User == nil {
		return nil, fmt.Errorf("shadowsocks config has no cipher info")
	}
	cipherInfoBytes, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(configURL.User.String(), "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cipher info [%v]: %w", configURL.User.String(), err)
	}
	cipherName, secret, found := strings.Cut(string(cipherInfoBytes), ":")
	if !found {
		return nil, fmt.Errorf("invalid cipher info: no ':' separator")
	}
	key, err := shadowsocks.NewEncryptionKey(cipherName, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	dialer, err := shadowsocks.NewStreamDialer(endpoint, key)
	if err != nil {
		return nil, err
	}

	if prefixStr := configURL.Query().Get("prefix"); prefixStr != "" {
		prefix, err := parseStringPrefix(prefixStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse prefix: %w", err)
		}
		dialer.SaltGenerator = shadowsocks.NewPrefixSaltGenerator(prefix)
	}
	return dialer, nil
}

// parseStringPrefix maps each rune of utf8Str to one byte. Runes above 0xFF are rejected.
func parseStringPrefix(utf8Str string) ([]byte, error) {
	runes := []rune(utf8Str)
	rawBytes := make([]byte, len(runes))
	for i, r := range runes {
		if (r & 0xFF) != r {
			return nil, fmt.Errorf("character out of range: %d", r)
		}
		rawBytes[i] = byte(r)
	}
	return rawBytes, nil
}
