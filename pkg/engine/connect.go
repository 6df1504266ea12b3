// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package engine

import (
	"context"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/proxychain/pkg/registry"
	"github.com/go-core-stack/proxychain/pkg/relay"
	"github.com/go-core-stack/proxychain/pkg/upstream"
)

// connectEstablished is the exact bytes the spec requires on a
// successful CONNECT (spec §4.5 step 4): no Date or Server header, no
// body, CRLF-CRLF terminated.
const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect implements C5: authenticate and dial (directly or via
// a chained upstream), acknowledge the tunnel, then relay raw bytes
// opaquely between client and target until either side closes (spec
// §4.5). Unlike handleForward, a CONNECT tunnel never returns to
// request reading — the caller always treats the connection as done
// once this returns.
func (s *Server) handleConnect(conn net.Conn, connRecord *registry.Connection, req *http.Request, event zerolog.Logger) {
	info := &RequestInfo{
		Method:     http.MethodConnect,
		URL:        req.Host,
		Header:     req.Header.Clone(),
		RemoteAddr: req.RemoteAddr,
	}

	result, ok := s.runPolicy(conn, connRecord, info, req.Header.Get("Proxy-Authorization"))
	if !ok {
		return
	}

	if result.CustomResponse != nil {
		writeCustomResponse(conn, result.CustomResponse)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.cfg.DialTimeout)
	defer cancel()

	target, engErr := s.dialConnectTarget(ctx, connRecord, result, req.Host)
	if engErr != nil {
		s.writeError(conn, connRecord, engErr, s.cfg.Realm)
		event.Warn().Err(engErr).Msg("connect failed")
		return
	}
	defer target.Close()

	if _, err := conn.Write([]byte(connectEstablished)); err != nil {
		s.registry.ReportFailure(connRecord.ID, err)
		return
	}

	event.Info().Str("target", req.Host).Msg("tunnel established")

	err := relay.Relay(conn, target,
		func(n uint64) {
			connRecord.AddSrcRx(n)
			connRecord.AddTrgTx(n)
		},
		func(n uint64) {
			connRecord.AddTrgRx(n)
			connRecord.AddSrcTx(n)
		},
	)
	if err != nil {
		s.registry.ReportFailure(connRecord.ID, err)
	}
}

// dialConnectTarget dials the CONNECT destination, either directly or
// by chaining through an upstream proxy's own CONNECT (spec §4.6). On
// a chained dial, the upstream's response is reported to
// ServerConfig.ConnectObserver before being discarded — the tunnel
// itself carries no HTTP framing once established.
func (s *Server) dialConnectTarget(ctx context.Context, connRecord *registry.Connection, result *PolicyResult, destination string) (net.Conn, *Error) {
	if result.UpstreamProxyURL == "" {
		conn, err := upstream.DialHostPort(ctx, destination, result.agentFor("http"), result.DNSLookup, result.LocalAddress, s.cfg.DialTimeout)
		if err != nil {
			return nil, classifyTargetErr(err)
		}
		return conn, nil
	}

	upURL, err := upstream.ParseURL(result.UpstreamProxyURL)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, Cause: err}
	}

	opts := &upstream.Options{
		URL:                upURL,
		InsecureSkipVerify: result.IgnoreUpstreamProxyCertificate,
		DNSLookup:          result.DNSLookup,
		LocalAddress:       result.LocalAddress,
		Agent:              result.agentFor(upURL.Scheme),
		DialTimeout:        s.cfg.DialTimeout,
	}

	conn, resp, err := upstream.Connect(ctx, opts, destination)
	if obs := s.connectObserver(); obs != nil && resp != nil {
		obs(connRecord.ID, resp, nil)
	}
	if err != nil {
		return nil, classifyUpstreamErr(err)
	}
	return conn, nil
}
