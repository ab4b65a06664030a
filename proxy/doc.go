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

/*
Package proxy implements the rewriting reverse proxy handler.

A request is resolved to an upstream target by [route.Resolver], checked against the
[allowlist.List], forwarded with [NewUpstreamRequest], and the response is passed back with
its embedded URLs, redirects and headers adjusted so the browser keeps talking to the proxy.

# Security Considerations

The allow-list is consulted before every upstream fetch and before every redirect is passed
on to the client, on both the prefix routes and the generic /proxy/ path. The handler strips
Content-Security-Policy and framing headers from upstream responses so rewritten pages can
render under the proxy origin; do not put origins behind it whose protections you rely on.
The handler does not authenticate its clients.
*/
package proxy
