// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package engine

import (
	"errors"
	"net/http"

	"github.com/go-core-stack/proxychain/pkg/upstream"
)

// Kind enumerates the error taxonomy the engine distinguishes (spec
// §7). Each Kind maps to a client-visible status via StatusFor, except
// ClientGone (no reply) and UpstreamBadStatus (forwards the upstream's
// own status, carried out-of-band).
type Kind int

const (
	KindNone Kind = iota
	KindInvalidURL
	KindUnsupportedProtocol
	KindNoFreePorts
	KindAuthRequired
	KindAuthRejectedByUpstream
	KindTargetDNSFailed
	KindTargetConnectFailed
	KindTargetTimeout
	KindUpstreamDNSFailed
	KindUpstreamConnectFailed
	KindUpstreamBadStatus
	KindPolicyHookFailed
	KindClientGone
	KindMalformedRequest
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "InvalidUrl"
	case KindUnsupportedProtocol:
		return "UnsupportedProtocol"
	case KindNoFreePorts:
		return "NoFreePorts"
	case KindAuthRequired:
		return "AuthRequired"
	case KindAuthRejectedByUpstream:
		return "AuthRejectedByUpstream"
	case KindTargetDNSFailed:
		return "TargetDnsFailed"
	case KindTargetConnectFailed:
		return "TargetConnectFailed"
	case KindTargetTimeout:
		return "TargetTimeout"
	case KindUpstreamDNSFailed:
		return "UpstreamDnsFailed"
	case KindUpstreamConnectFailed:
		return "UpstreamConnectFailed"
	case KindUpstreamBadStatus:
		return "UpstreamBadStatus"
	case KindPolicyHookFailed:
		return "PolicyHookFailed"
	case KindClientGone:
		return "ClientGone"
	case KindMalformedRequest:
		return "MalformedRequest"
	default:
		return "None"
	}
}

// Error wraps a Kind with the underlying cause, and (for
// UpstreamBadStatus) the upstream's verbatim status code.
type Error struct {
	Kind           Kind
	Cause          error
	UpstreamStatus int // meaningful only for KindUpstreamBadStatus
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Cause.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusFor maps an engine Error to the HTTP status the client should
// see, per spec §4.8. KindClientGone has no sensible status (the
// caller must not write a response at all); KindUpstreamBadStatus
// carries its own status in UpstreamStatus.
func StatusFor(err *Error) int {
	switch err.Kind {
	case KindAuthRequired:
		return http.StatusProxyAuthRequired
	case KindMalformedRequest, KindInvalidURL:
		return http.StatusBadRequest
	case KindPolicyHookFailed:
		return http.StatusInternalServerError
	case KindTargetDNSFailed:
		return http.StatusNotFound
	case KindTargetConnectFailed, KindAuthRejectedByUpstream, KindUpstreamConnectFailed:
		return http.StatusBadGateway
	case KindTargetTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamDNSFailed:
		return 593 // non-standard: distinguishes upstream-side DNS failure (spec §4.8)
	case KindUpstreamBadStatus:
		return err.UpstreamStatus
	case KindUnsupportedProtocol:
		return http.StatusBadRequest
	case KindNoFreePorts:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// classifyTargetErr maps a direct-to-origin dial error (no upstream
// involved) to the engine's Kind taxonomy.
func classifyTargetErr(err error) *Error {
	switch {
	case errors.Is(err, upstream.ErrDNSFailed):
		return &Error{Kind: KindTargetDNSFailed, Cause: err}
	case errors.Is(err, upstream.ErrTimeout):
		return &Error{Kind: KindTargetTimeout, Cause: err}
	default:
		return &Error{Kind: KindTargetConnectFailed, Cause: err}
	}
}

// classifyUpstreamErr maps an upstream-proxy dial/CONNECT error to the
// engine's Kind taxonomy.
func classifyUpstreamErr(err error) *Error {
	var badStatus *upstream.BadStatusError
	if errors.As(err, &badStatus) {
		return &Error{Kind: KindUpstreamBadStatus, Cause: err, UpstreamStatus: badStatus.StatusCode}
	}
	switch {
	case errors.Is(err, upstream.ErrDNSFailed):
		return &Error{Kind: KindUpstreamDNSFailed, Cause: err}
	default:
		return &Error{Kind: KindUpstreamConnectFailed, Cause: err}
	}
}
