// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package engine is the request-dispatching proxy core: the listener
// and its per-connection state machine (C7), the HTTP forwarding path
// (C4), and the CONNECT tunneling path (C5). The policy hook's body is
// out of scope (spec §1) — engine only calls it.
package engine

import (
	"context"
	"net/http"

	"github.com/go-core-stack/proxychain/pkg/upstream"
)

// CustomResponse short-circuits a request: the engine writes this
// response verbatim to the client and never dials a target (spec §3
// PolicyResult.customResponseFunction).
type CustomResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// PolicyResult is the value the policy hook returns per request. Every
// field is optional; nil/zero means "no effect," per spec §3.
type PolicyResult struct {
	// RequestAuthentication rejects unauthenticated clients with 407.
	RequestAuthentication bool
	// Realm sets the Proxy-Authenticate challenge realm.
	Realm string

	// UpstreamProxyURL, when non-empty, forwards via this upstream (C6).
	// Must parse as http:// or https:// with an explicit port; see
	// upstream.ParseURL.
	UpstreamProxyURL string
	// IgnoreUpstreamProxyCertificate disables certificate verification
	// when dialing an https:// upstream.
	IgnoreUpstreamProxyCertificate bool

	// CustomResponse, when non-nil, short-circuits the request.
	CustomResponse *CustomResponse

	// HTTPAgent and HTTPSAgent are injected connection pools; the engine
	// never closes them. HTTPAgent serves direct origin dials and dials
	// to http:// upstreams, HTTPSAgent serves dials to https:// upstreams
	// (see agentFor).
	HTTPAgent  upstream.Agent
	HTTPSAgent upstream.Agent

	// DNSLookup resolves hostnames for both direct-to-origin and
	// upstream-proxy dials.
	DNSLookup upstream.DNSLookup

	// LocalAddress binds outbound connections to this local address.
	LocalAddress string
}

// agentFor returns the agent matching scheme ("http" or "https"),
// honoring spec §4.6: "HTTPS upstream ⇒ use httpsAgent ... HTTP
// upstream ⇒ use httpAgent."
func (p *PolicyResult) agentFor(scheme string) upstream.Agent {
	if p == nil {
		return nil
	}
	if scheme == "https" {
		return p.HTTPSAgent
	}
	return p.HTTPAgent
}

// PolicyFunc is the pluggable policy contract: given the incoming
// request, decide authentication, routing, and dial options. A
// returned error is mapped to a 500 response (spec §4.8
// PolicyHookFailed) and never crashes the listener.
type PolicyFunc func(ctx context.Context, r *RequestInfo) (*PolicyResult, error)

// RequestInfo is the subset of an inbound request the policy hook may
// inspect, deliberately narrower than *http.Request so the hook cannot
// mutate state the engine has already committed to (e.g. it cannot
// consume the body before the engine streams it).
type RequestInfo struct {
	Method        string
	URL           string // absolute-URI target, or "host:port" for CONNECT
	Header        http.Header
	RemoteAddr    string
	ProxyAuthUser string // decoded from Proxy-Authorization, if present and well-formed
}
