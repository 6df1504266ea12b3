// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/proxychain/pkg/registry"
	"github.com/go-core-stack/proxychain/pkg/upstream"
)

// fakeOrigin serves fixed responses to every request it receives on
// one accepted connection, counting requests so tests can assert
// keep-alive reuse.
func fakeOrigin(t *testing.T, body string) (addr string, requests *int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var n int32
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			n++
			resp := &http.Response{
				StatusCode:    http.StatusOK,
				ProtoMajor:    1,
				ProtoMinor:    1,
				Header:        make(http.Header),
				Body:          http.NoBody,
				ContentLength: int64(len(body)),
			}
			resp.Header.Set("Content-Length", itoa(len(body)))
			_ = resp.Write(conn)
			conn.Write([]byte(body))
			req.Body.Close()
		}
	}()

	return ln.Addr().String(), &n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestServer(t *testing.T, policy PolicyFunc) (*Server, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	reg := registry.New()
	srv := NewServer(ServerConfig{
		DialTimeout:       2 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}, policy, reg)

	go srv.Serve(ln)
	return srv, ln
}

func allowAll(ctx context.Context, r *RequestInfo) (*PolicyResult, error) {
	return &PolicyResult{}, nil
}

func TestForwardDirectRoundTrip(t *testing.T) {
	originAddr, reqCount := fakeOrigin(t, "hello")
	srv, ln := newTestServer(t, allowAll)
	defer srv.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	req, err := http.NewRequest(http.MethodGet, "http://"+originAddr+"/", nil)
	require.NoError(t, err)
	require.NoError(t, req.WriteProxy(client))

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool { return *reqCount == 1 }, time.Second, 10*time.Millisecond)
}

func TestForwardRequiresAuthWhenPolicyDemandsIt(t *testing.T) {
	originAddr, _ := fakeOrigin(t, "hi")
	policy := func(ctx context.Context, r *RequestInfo) (*PolicyResult, error) {
		return &PolicyResult{RequestAuthentication: true, Realm: "proxychain"}, nil
	}
	srv, ln := newTestServer(t, policy)
	defer srv.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	req, err := http.NewRequest(http.MethodGet, "http://"+originAddr+"/", nil)
	require.NoError(t, err)
	require.NoError(t, req.WriteProxy(client))

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Proxy-Authenticate"))
}

func TestForwardTargetDNSFailureMaps404(t *testing.T) {
	policy := func(ctx context.Context, r *RequestInfo) (*PolicyResult, error) {
		return &PolicyResult{
			DNSLookup: func(ctx context.Context, host string) (net.IP, error) {
				return nil, errors.New("ENOTFOUND")
			},
		}, nil
	}
	reg := registry.New()
	var failureErr error
	reg.Subscribe(func(ev registry.Event) {
		if ev.Kind == "requestFailed" {
			failureErr = ev.Err
		}
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ServerConfig{
		DialTimeout:       2 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}, policy, reg)
	go srv.Serve(ln)
	defer srv.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	req, err := http.NewRequest(http.MethodGet, "http://nosuchhost.invalid:80/", nil)
	require.NoError(t, err)
	require.NoError(t, req.WriteProxy(client))

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool { return failureErr != nil }, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, failureErr, upstream.ErrDNSFailed)
}

// TestForwardDirectCountsSrcRxBytes covers spec §8 scenario 7: a
// successful forward must leave all four Connection.Stats counters
// positive, with srcRxBytes accounting for the request the client sent
// (not just the response written back to it).
func TestForwardDirectCountsSrcRxBytes(t *testing.T) {
	originAddr, _ := fakeOrigin(t, "hello, world")
	reg := registry.New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ServerConfig{
		DialTimeout:       2 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}, allowAll, reg)
	go srv.Serve(ln)
	defer srv.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	req, err := http.NewRequest(http.MethodPost, "http://"+originAddr+"/", strings.NewReader("payload=1"))
	require.NoError(t, err)
	require.NoError(t, req.WriteProxy(client))

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var connID uint64
	require.Eventually(t, func() bool {
		ids := reg.GetIDs()
		if len(ids) == 0 {
			return false
		}
		connID = ids[0]
		return true
	}, time.Second, 10*time.Millisecond)

	stats := reg.GetStats(connID)
	require.NotNil(t, stats)
	require.Positive(t, stats.SrcRxBytes)
	require.Positive(t, stats.SrcTxBytes)
	require.Positive(t, stats.TrgTxBytes)
	require.Positive(t, stats.TrgRxBytes)
	require.Greater(t, stats.SrcRxBytes, stats.TrgTxBytes)
}


func TestConnectTunnelDirect(t *testing.T) {
	echoAddr := startEchoServer(t)
	srv, ln := newTestServer(t, allowAll)
	defer srv.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	connectReq := "CONNECT " + echoAddr + " HTTP/1.1\r\nHost: " + echoAddr + "\r\n\r\n"
	_, err = client.Write([]byte(connectReq))
	require.NoError(t, err)

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")

	// drain the trailing CRLF
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestConnectTunnelViaUpstreamRejection(t *testing.T) {
	upstreamAddr, _ := fakeUpstreamProxyRejecting(t)
	policy := func(ctx context.Context, r *RequestInfo) (*PolicyResult, error) {
		return &PolicyResult{UpstreamProxyURL: "http://" + upstreamAddr}, nil
	}
	srv, ln := newTestServer(t, policy)
	defer srv.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	connectReq := "CONNECT origin.example.com:443 HTTP/1.1\r\nHost: origin.example.com:443\r\n\r\n"
	_, err = client.Write([]byte(connectReq))
	require.NoError(t, err)

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "407")
}

func fakeUpstreamProxyRejecting(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		_, _ = http.ReadRequest(br)
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	}()
	return ln.Addr().String(), done
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestTLSHandshakeFailureNeverRegisters(t *testing.T) {
	reg := registry.New()
	var tlsErrs int
	reg.Subscribe(func(ev registry.Event) {
		if ev.Kind == "tlsError" {
			tlsErrs++
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		ServerType:  "https",
		TLSConfig:   &tls.Config{}, // no certificate needed: the client never sends a valid ClientHello
		DialTimeout: time.Second,
	}, allowAll, reg)
	go srv.Serve(ln)
	defer srv.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	client.Write([]byte("not tls\r\n\r\n"))

	require.Eventually(t, func() bool { return tlsErrs == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, reg.GetIDs())
}
