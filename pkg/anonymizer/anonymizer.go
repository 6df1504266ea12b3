// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package anonymizer implements C8: an ephemeral local proxy facade
// that hides an authenticated upstream's credentials from unmodified
// downstream clients. Each Open call gets its own local endpoint —
// concurrent opens of the same upstream URL are never deduplicated
// (spec §9's resolution of the "keyed by call, not by URL" open
// question), so N concurrent Open(u) calls yield N distinct ports.
package anonymizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/proxychain/pkg/engine"
	"github.com/go-core-stack/proxychain/pkg/proxyurl"
)

// ErrNoFreePorts is returned by Open when every port in the configured
// range is already bound.
var ErrNoFreePorts = errors.New("anonymizer: no free ports in range")

// ErrUnsupportedProtocol mirrors engine.KindUnsupportedProtocol: only
// http:// upstreams can be anonymized (spec §6).
var ErrUnsupportedProtocol = errors.New("anonymizer: unsupported upstream scheme")

// entry is one ephemeral local proxy backing a single Open call.
type entry struct {
	mu     sync.Mutex
	srv    *engine.Server
	port   int
	closed bool
}

// Pool is a process-wide map of ephemeral local proxies, one per Open
// call, drawing ports from [low, high].
type Pool struct {
	low, high int

	mu      sync.Mutex
	used    map[int]struct{}
	entries map[string]*entry
	logger  zerolog.Logger
}

// New constructs a Pool allocating ports from the inclusive range
// [low, high].
func New(low, high int) *Pool {
	return &Pool{
		low:     low,
		high:    high,
		used:    make(map[int]struct{}),
		entries: make(map[string]*entry),
		logger:  log.With().Str("component", "anonymizer").Logger(),
	}
}

// Open returns a local http:// URL that transparently chains every
// request through upstreamURL, stripping the need for the downstream
// client to know upstreamURL's credentials. Already-credential-less
// URLs pass through unchanged and no server is started (spec §4.9).
func (p *Pool) Open(ctx context.Context, upstreamURL string) (string, error) {
	u, err := proxyurl.Parse(upstreamURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" {
		return "", ErrUnsupportedProtocol
	}
	if u.Username == "" {
		return upstreamURL, nil
	}

	ln, port, err := p.allocate()
	if err != nil {
		return "", err
	}

	policy := func(ctx context.Context, r *engine.RequestInfo) (*engine.PolicyResult, error) {
		return &engine.PolicyResult{UpstreamProxyURL: upstreamURL}, nil
	}
	srv := engine.NewServer(engine.ServerConfig{}, policy, nil)

	localURL := "http://127.0.0.1:" + strconv.Itoa(port)
	e := &entry{srv: srv, port: port}

	p.mu.Lock()
	p.entries[localURL] = e
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil {
			p.logger.Debug().Err(err).Str("local_url", localURL).Msg("anonymized proxy stopped")
		}
	}()

	p.logger.Info().Str("local_url", localURL).Msg("anonymized proxy opened")
	return localURL, nil
}

// Close tears down the ephemeral proxy behind localURL when doClose is
// true, returning true on the first call for that URL and false on
// every subsequent call (spec §4.9/§8: "close returns true exactly
// once and false thereafter").
func (p *Pool) Close(localURL string, doClose bool) bool {
	p.mu.Lock()
	e, ok := p.entries[localURL]
	if ok {
		delete(p.entries, localURL)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true

	if doClose {
		_ = e.srv.Close()
		p.mu.Lock()
		delete(p.used, e.port)
		p.mu.Unlock()
	}
	return true
}

// ListenConnectObserver attaches obs as the CONNECT-response observer
// for the ephemeral server behind localURL (spec §6
// listen_connect_anonymized_proxy), so callers can inspect a chained
// CONNECT's upstream status without demuxing the tunnel.
func (p *Pool) ListenConnectObserver(localURL string, obs engine.ConnectObserver) bool {
	p.mu.Lock()
	e, ok := p.entries[localURL]
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.srv.SetConnectObserver(obs)
	return true
}

func (p *Pool) allocate() (net.Listener, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.low; port <= p.high; port++ {
		if _, taken := p.used[port]; taken {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		p.used[port] = struct{}{}
		return ln, port, nil
	}
	return nil, 0, ErrNoFreePorts
}
