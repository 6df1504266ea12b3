// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/proxychain/pkg/proxyurl"
	"github.com/go-core-stack/proxychain/pkg/registry"
	"github.com/go-core-stack/proxychain/pkg/upstream"
)

// handleForward implements C4: rewrite a received absolute-URI HTTP
// request, strip hop-by-hop headers, dial the origin (directly or
// through an upstream's HTTP interface), stream the response back, and
// map errors per §4.8. It returns whether the client connection may be
// reused for a further keep-alive request.
func (s *Server) handleForward(conn net.Conn, connRecord *registry.Connection, req *http.Request, event zerolog.Logger) bool {
	info := requestInfoFor(req)

	result, ok := s.runPolicy(conn, connRecord, info, req.Header.Get("Proxy-Authorization"))
	if !ok {
		return false
	}

	if result.CustomResponse != nil {
		writeCustomResponse(conn, result.CustomResponse)
		return keepAliveRequested(req)
	}

	stripHopByHop(req.Header)

	ctx, cancel := context.WithTimeout(req.Context(), s.cfg.DialTimeout)
	defer cancel()

	resp, engErr := s.dialAndForward(ctx, connRecord, result, req)
	if engErr != nil {
		s.writeError(conn, connRecord, engErr, s.cfg.Realm)
		event.Warn().Err(engErr).Msg("forward failed")
		return false
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)

	if writeErr := writeResponse(conn, connRecord, resp); writeErr != nil {
		s.registry.ReportFailure(connRecord.ID, fmt.Errorf("%w: %v", ErrClientGoneSentinel, writeErr))
		return false
	}

	event.Info().Int("status", resp.StatusCode).Msg("request forwarded")
	return keepAliveRequested(req) && !resp.Close
}

// ErrClientGoneSentinel marks a failure writing the response back to
// the client (spec §4.8 ClientGone): "connection destroyed,
// requestFailed emitted," no further reply attempted.
var ErrClientGoneSentinel = fmt.Errorf("engine: client gone")

// dialAndForward performs the origin (or upstream) dial and request
// round-trip for a forward request, returning a mapped *Error on any
// failure path in spec §4.8.
func (s *Server) dialAndForward(ctx context.Context, connRecord *registry.Connection, result *PolicyResult, req *http.Request) (*http.Response, *Error) {
	if result.UpstreamProxyURL != "" {
		return s.forwardViaUpstream(ctx, connRecord, result, req)
	}
	return s.forwardDirect(ctx, connRecord, result, req)
}

func (s *Server) forwardDirect(ctx context.Context, connRecord *registry.Connection, result *PolicyResult, req *http.Request) (*http.Response, *Error) {
	addr := req.URL.Host
	if !strings.Contains(addr, ":") {
		addr += ":80"
	}

	rawConn, err := upstream.DialHostPort(ctx, addr, result.agentFor("http"), result.DNSLookup, result.LocalAddress, s.cfg.DialTimeout)
	if err != nil {
		return nil, classifyTargetErr(err)
	}
	conn := &countingConn{Conn: rawConn, connRecord: connRecord}

	outReq := req.Clone(ctx)
	outReq.URL.Scheme = ""
	outReq.URL.Host = ""
	outReq.RequestURI = ""
	outReq.Host = req.URL.Host

	if err := outReq.Write(conn); err != nil {
		conn.Close()
		return nil, &Error{Kind: KindTargetConnectFailed, Cause: err}
	}

	resp, err := readResponseAndOwnConn(conn, outReq)
	if err != nil {
		conn.Close()
		return nil, classifyTargetErr(err)
	}
	return resp, nil
}

func (s *Server) forwardViaUpstream(ctx context.Context, connRecord *registry.Connection, result *PolicyResult, req *http.Request) (*http.Response, *Error) {
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

	resp, err := upstream.ForwardViaUpstream(ctx, opts, req)
	if err != nil {
		return nil, classifyUpstreamErr(err)
	}
	return resp, nil
}

// requestInfoFor narrows an *http.Request to the policy-visible shape.
func requestInfoFor(req *http.Request) *RequestInfo {
	info := &RequestInfo{
		Method:     req.Method,
		URL:        req.URL.String(),
		Header:     req.Header.Clone(),
		RemoteAddr: req.RemoteAddr,
	}
	if auth := proxyurl.ParseProxyAuth(req.Header.Get("Proxy-Authorization")); auth != nil {
		info.ProxyAuthUser = auth.Username
	}
	return info
}

// stripHopByHop removes the standard hop-by-hop headers and any header
// named in the message's own Connection value (spec §4.1).
func stripHopByHop(h http.Header) {
	values := h.Values("Connection")
	for name := range h {
		if proxyurl.IsHopByHop(name, values...) {
			h.Del(name)
		}
	}
}

// keepAliveRequested reports whether the client's request did not
// explicitly ask to close the connection (spec §4.7's FORWARDING ->
// KEEP_ALIVE_IDLE transition; spec §5 "pipelining is not supported").
func keepAliveRequested(req *http.Request) bool {
	if req.Close {
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		if strings.EqualFold(strings.TrimSpace(v), "close") {
			return false
		}
	}
	return req.ProtoAtLeast(1, 1) || strings.EqualFold(req.Header.Get("Connection"), "keep-alive")
}

// writeCustomResponse writes a policy-supplied short-circuit response
// (spec §3 PolicyResult.customResponseFunction) without dialing a
// target.
func writeCustomResponse(w io.Writer, cr *CustomResponse) {
	header := cr.Header
	if header == nil {
		header = make(http.Header)
	}
	resp := &http.Response{
		StatusCode:    cr.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(cr.Body)),
	}
	resp.Body = io.NopCloser(bytes.NewReader(cr.Body))
	_ = resp.Write(w)
}

// writeResponse strips hop-by-hop headers (done by the caller) and
// streams resp to conn, tallying the written bytes as SrcTx (spec §3
// Connection.srcTxBytes: bytes sent to the client).
func writeResponse(w io.Writer, connRecord *registry.Connection, resp *http.Response) error {
	counted := &countingWriter{w: w, connRecord: connRecord}
	return resp.Write(counted)
}

type countingWriter struct {
	w          io.Writer
	connRecord *registry.Connection
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 && c.connRecord != nil {
		c.connRecord.AddSrcTx(uint64(n))
	}
	return n, err
}

// countingConn wraps a dialed target connection, tallying bytes per
// spec §3's trgTxBytes/trgRxBytes (bytes sent to / read from the
// target-side socket).
type countingConn struct {
	net.Conn
	connRecord *registry.Connection
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 && c.connRecord != nil {
		c.connRecord.AddTrgTx(uint64(n))
	}
	return n, err
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.connRecord != nil {
		c.connRecord.AddTrgRx(uint64(n))
	}
	return n, err
}

// readResponseAndOwnConn reads one HTTP response from conn. The
// returned response's Body, when closed, also closes conn (mirrors
// http.Transport's contract so callers can defer resp.Body.Close()).
func readResponseAndOwnConn(conn interface {
	io.Writer
	io.Reader
	Close() error
}, req *http.Request) (*http.Response, error) {
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	resp.Body = &connClosingBody{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

type connClosingBody struct {
	io.ReadCloser
	conn io.Closer
}

func (b *connClosingBody) Close() error {
	err := b.ReadCloser.Close()
	_ = b.conn.Close()
	return err
}
