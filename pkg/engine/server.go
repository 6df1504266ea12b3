// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/proxychain/pkg/registry"
)

// ConnectObserver receives the upstream's parsed CONNECT response, for
// callers that want to inspect a chained CONNECT's status without
// demuxing the tunnel (spec §4.5, used by the anonymizer's
// listen_connect_anonymized_proxy facade). The engine does not capture
// the raw response bytes: headBytes is always nil.
type ConnectObserver func(connID uint64, resp *http.Response, headBytes []byte)

// ServerConfig configures one listener (C7).
type ServerConfig struct {
	// Addr is the address to listen on, e.g. ":8080".
	Addr string
	// ServerType selects plain TCP ("http") or TLS ("https").
	ServerType string
	// TLSConfig is required when ServerType is "https".
	TLSConfig *tls.Config
	// Realm is the default Proxy-Authenticate realm when the policy
	// does not set one.
	Realm string
	// DialTimeout bounds origin and upstream dials.
	DialTimeout time.Duration
	// ReadHeaderTimeout bounds how long a connection may sit idle
	// waiting for the next request line (including the KEEP_ALIVE_IDLE
	// state in spec §4.7).
	ReadHeaderTimeout time.Duration
	// ShutdownTimeout bounds a graceful Shutdown's drain wait.
	ShutdownTimeout time.Duration
	// ConnectObserver, if set, is invoked for every chained CONNECT's
	// upstream response (spec §4.5).
	ConnectObserver ConnectObserver
}

func (c *ServerConfig) withDefaults() ServerConfig {
	out := *c
	if out.Realm == "" {
		out.Realm = "proxychain"
	}
	if out.DialTimeout == 0 {
		out.DialTimeout = 30 * time.Second
	}
	if out.ReadHeaderTimeout == 0 {
		out.ReadHeaderTimeout = 2 * time.Minute
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	return out
}

// Server is the request-dispatching proxy engine (C7): it accepts
// sockets, runs the per-connection state machine described in spec
// §4.7, and routes each request to the forward handler (C4) or the
// CONNECT handler (C5).
type Server struct {
	cfg      ServerConfig
	policy   PolicyFunc
	registry *registry.Registry
	logger   zerolog.Logger

	mu           sync.Mutex
	listener     net.Listener
	shuttingDown bool
	conns        map[net.Conn]struct{}
	wg           sync.WaitGroup

	connObsMu sync.RWMutex
	connObs   ConnectObserver
}

// NewServer constructs a Server. reg may be shared across multiple
// Server instances (spec §5: "share only C2's ID counter ... both
// guarded by the single event-loop serialization" — in Go this is a
// mutex-guarded registry rather than an event loop, but the sharing
// contract is the same).
func NewServer(cfg ServerConfig, policy PolicyFunc, reg *registry.Registry) *Server {
	if reg == nil {
		reg = registry.New()
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		policy:   policy,
		registry: reg,
		logger:   log.With().Str("component", "engine").Logger(),
		conns:    make(map[net.Conn]struct{}),
		connObs:  cfg.ConnectObserver,
	}
}

// SetConnectObserver replaces the server's CONNECT-response observer
// (spec §6 listen_connect_anonymized_proxy), safe to call while the
// server is already accepting connections.
func (s *Server) SetConnectObserver(obs ConnectObserver) {
	s.connObsMu.Lock()
	s.connObs = obs
	s.connObsMu.Unlock()
}

// connectObserver returns the currently configured CONNECT observer,
// if any.
func (s *Server) connectObserver() ConnectObserver {
	s.connObsMu.RLock()
	defer s.connObsMu.RUnlock()
	return s.connObs
}

// Registry exposes the connection registry for operational queries
// (spec §6: get_connection_ids / get_connection_stats).
func (s *Server) Registry() *registry.Registry { return s.registry }

// ListenAndServe binds the listener and accepts connections until the
// listener is closed by Shutdown/Close. It blocks.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts on an already-bound listener. Exposed separately so
// callers can bind the listener themselves and know its port before
// serving (the anonymizer pool binds a port from its range; tests bind
// port 0).
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("type", s.cfg.ServerType).Msg("proxy listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			shuttingDown := s.shuttingDown
			s.mu.Unlock()
			if shuttingDown {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the bound listener's address, or nil if not yet serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting new connections and waits for in-flight
// connections to finish, bounded by ctx or the configured
// ShutdownTimeout, whichever is sooner. Remaining connections are then
// forcibly closed. Both graceful and forced modes close the listener
// first (spec §4.7).
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-time.After(time.Until(deadline)):
		s.Close()
		return context.DeadlineExceeded
	}
}

// Close forcibly destroys all sockets immediately (spec §4.7 "forced"
// shutdown): in-flight writes are discarded.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shuttingDown = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (s *Server) forgetConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn runs the per-connection state machine of spec §4.7:
//
//	ACCEPTED -> [optional TLS handshake] -> READING_REQUEST
//	READING_REQUEST --absolute-URI--> FORWARDING (C4)
//	READING_REQUEST --CONNECT--> TUNNELING (C5)
//	READING_REQUEST --malformed--> RESPOND_400 -> CLOSED
//	FORWARDING -> RESPONSE_STREAMED -> CLOSED | KEEP_ALIVE_IDLE
//	TUNNELING -> TUNNEL_OPEN (C3) -> CLOSED
//
// KEEP_ALIVE_IDLE returns to READING_REQUEST on the same socket.
func (s *Server) handleConn(rawConn net.Conn) {
	defer s.wg.Done()
	defer s.forgetConn(rawConn)

	conn := rawConn
	if s.cfg.ServerType == "https" {
		tlsConn := tls.Server(rawConn, s.cfg.TLSConfig)
		hsCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			// TLS failures are pre-registration: never create a
			// Connection entry, never emit connectionClosed (spec §4.7,
			// §8).
			s.registry.ReportTLSError(err)
			_ = rawConn.Close()
			return
		}
		conn = tlsConn
	}

	connRecord := s.registry.Register(conn.RemoteAddr().String())
	defer s.registry.Unregister(connRecord.ID)
	defer conn.Close()

	// Every byte read off the client socket to parse a request line,
	// its headers, or (when forwarding) its body flows through br, so
	// wrapping its source here is enough to keep srcRxBytes current
	// (spec §3 Connection.srcRxBytes) without touching the CONNECT
	// tunnel's own byte accounting in connect.go, which relays directly
	// on conn once the tunnel is established.
	br := bufio.NewReader(&srcCountingReader{r: conn, connRecord: connRecord})

	for {
		connRecord.SetState(registry.StateReadingRequest)
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadHeaderTimeout))

		req, err := http.ReadRequest(br)
		if err != nil {
			// A client that simply disconnects between requests (EOF),
			// or a socket closed by Close, is not a failure worth
			// reporting. Socket errors such as a read timeout are
			// reported as-is; anything else is a malformed request and
			// gets a 400 (MalformedRequest).
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				s.registry.ReportFailure(connRecord.ID, fmt.Errorf("read request: %w", err))
				return
			}
			s.writeError(conn, connRecord, &Error{Kind: KindMalformedRequest, Cause: err}, s.cfg.Realm)
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		reqID := uuid.NewString()
		event := s.logger.With().Uint64("conn_id", connRecord.ID).Str("req_id", reqID).Logger()

		keepGoing := s.dispatch(conn, connRecord, req, event)
		if !keepGoing {
			return
		}
		connRecord.SetState(registry.StateKeepAliveIdle)
	}
}

// dispatch classifies the request and routes it to C4 or C5. It
// returns whether the connection may continue to a further
// keep-alive request on the same socket.
func (s *Server) dispatch(conn net.Conn, connRecord *registry.Connection, req *http.Request, event zerolog.Logger) bool {
	if req.Method == http.MethodConnect {
		connRecord.SetState(registry.StateTunneling)
		s.handleConnect(conn, connRecord, req, event)
		return false // a CONNECT tunnel never returns to request reading
	}

	if req.URL.IsAbs() {
		connRecord.SetState(registry.StateForwarding)
		return s.handleForward(conn, connRecord, req, event)
	}

	s.writeError(conn, connRecord, &Error{Kind: KindMalformedRequest}, s.cfg.Realm)
	return false
}

// runPolicy invokes the user-supplied policy hook and checks the
// authentication requirement it returns, writing a 407 and signaling
// "stop" when required credentials are absent. It only checks that a
// Proxy-Authorization header is present; checking its content is left
// to the policy hook. The second
// return value is false when the caller must not proceed further (a
// response has already been written).
func (s *Server) runPolicy(conn net.Conn, connRecord *registry.Connection, info *RequestInfo, proxyAuthHeader string) (*PolicyResult, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.policy(ctx, info)
	if err != nil {
		s.writeError(conn, connRecord, &Error{Kind: KindPolicyHookFailed, Cause: err}, s.cfg.Realm)
		return nil, false
	}
	if result == nil {
		result = &PolicyResult{}
	}

	if result.RequestAuthentication && proxyAuthHeader == "" {
		realm := result.Realm
		if realm == "" {
			realm = s.cfg.Realm
		}
		s.writeAuthRequired(conn, realm)
		return nil, false
	}

	return result, true
}

// writeError maps err to an HTTP status per §4.8 and writes it to the
// client if no response has been sent yet; the caller must not attempt
// to write twice on the same connection.
func (s *Server) writeError(conn net.Conn, connRecord *registry.Connection, err *Error, realm string) {
	status := StatusFor(err)
	resp := &http.Response{
		StatusCode: status,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	resp.Header.Set("Content-Length", "0")
	resp.Header.Set("Connection", "close")
	if status == http.StatusProxyAuthRequired {
		resp.Header.Set("Proxy-Authenticate", fmt.Sprintf(`Basic realm="%s"`, realm))
	}
	_ = resp.Write(conn)

	if connRecord != nil && err.Kind != KindNone {
		s.registry.ReportFailure(connRecord.ID, err)
	}
}

// srcCountingReader wraps the client socket's read side, tallying bytes
// per spec §3's srcRxBytes (bytes read from the client). It backs the
// per-connection bufio.Reader in handleConn, so it covers every
// request line, header block, and (for forwarded requests) any body
// bytes later drained from the same reader.
type srcCountingReader struct {
	r          io.Reader
	connRecord *registry.Connection
}

func (r *srcCountingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 && r.connRecord != nil {
		r.connRecord.AddSrcRx(uint64(n))
	}
	return n, err
}

// writeAuthRequired writes the 407 challenge per spec §4.4/§4.5 step 1.
func (s *Server) writeAuthRequired(conn net.Conn, realm string) {
	resp := &http.Response{
		StatusCode: http.StatusProxyAuthRequired,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	resp.Header.Set("Proxy-Authenticate", fmt.Sprintf(`Basic realm="%s"`, realm))
	resp.Header.Set("Content-Length", "0")
	resp.Header.Set("Connection", "close")
	_ = resp.Write(conn)
}
