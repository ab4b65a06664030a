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
	"errors"
	"fmt"
	"net/http"

	"github.com/Jigsaw-Code/rewrite-proxy/route"
)

var (
	// ErrInvalidTarget reports a target URL that could not be constructed.
	ErrInvalidTarget = route.ErrInvalidTarget
	// ErrForbiddenHost reports a target or redirect host outside the allow-list.
	ErrForbiddenHost = errors.New("host not allowed")
	// ErrUpstreamFailure reports a failed upstream exchange.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// ForbiddenHostError is returned when a request or a redirect would reach a host
// that is not allow-listed.
type ForbiddenHostError struct {
	Host string
	// Redirect is set when the host came from an upstream Location header.
	Redirect bool
}

func (e *ForbiddenHostError) Error() string {
	if e.Redirect {
		return fmt.Sprintf("redirect to %v: %v", e.Host, ErrForbiddenHost)
	}
	return fmt.Sprintf("%v: %v", e.Host, ErrForbiddenHost)
}

func (e *ForbiddenHostError) Is(target error) bool {
	return target == ErrForbiddenHost
}

// UpstreamError wraps the cause of a failed upstream exchange.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%v: %v", ErrUpstreamFailure, e.Err)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamFailure
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// errorResponse maps err to the status code and plain-text message sent to the client.
func errorResponse(kind route.Kind, err error) (int, string) {
	var forbidden *ForbiddenHostError
	var upstream *UpstreamError
	switch {
	case errors.As(err, &forbidden):
		return http.StatusForbidden, forbiddenMessage(kind, forbidden)
	case errors.Is(err, ErrInvalidTarget):
		return http.StatusBadGateway, "无效的目标地址：" + err.Error()
	case errors.As(err, &upstream):
		return http.StatusBadGateway, "上游请求失败：" + upstream.Err.Error()
	default:
		return http.StatusBadGateway, "上游请求失败：" + err.Error()
	}
}

func forbiddenMessage(kind route.Kind, err *ForbiddenHostError) string {
	switch {
	case kind == route.Prefix && err.Redirect:
		return "重定向目标 " + err.Host + " 不在允许列表内"
	case kind == route.Prefix:
		return "目标域名 " + err.Host + " 不在允许列表内"
	case err.Redirect:
		return "禁止重定向到该域名：" + err.Host
	default:
		return "禁止代理该域名：" + err.Host
	}
}
