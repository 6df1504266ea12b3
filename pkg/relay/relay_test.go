// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopbackPair returns two connected TCP sockets suitable for exercising
// CloseWrite-based half-close semantics (net.Pipe does not implement it).
func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		acceptCh <- result{c, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	r := <-acceptCh
	require.NoError(t, r.err)

	return client, r.conn
}

func TestRelayCopiesBothDirectionsAndCounts(t *testing.T) {
	clientA, serverA := loopbackPair(t)
	defer clientA.Close()
	defer serverA.Close()

	clientB, serverB := loopbackPair(t)
	defer clientB.Close()
	defer serverB.Close()

	var aToB, bToA atomic.Uint64

	done := make(chan error, 1)
	go func() {
		done <- Relay(serverA, serverB, func(n uint64) { aToB.Add(n) }, func(n uint64) { bToA.Add(n) })
	}()

	// clientA -> serverA -> serverB -> clientB
	payload := []byte("hello from a")
	_, err := clientA.Write(payload)
	require.NoError(t, err)

	readBuf := make([]byte, len(payload))
	clientB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(clientB, readBuf)
	require.NoError(t, err)
	require.Equal(t, payload, readBuf)

	reply := []byte("hello from b")
	_, err = clientB.Write(reply)
	require.NoError(t, err)

	readBuf2 := make([]byte, len(reply))
	clientA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(clientA, readBuf2)
	require.NoError(t, err)
	require.Equal(t, reply, readBuf2)

	clientA.Close()
	clientB.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not return after both sides closed")
	}

	require.Equal(t, uint64(len(payload)), aToB.Load())
	require.Equal(t, uint64(len(reply)), bToA.Load())
}

func TestRelayHalfClosePropagates(t *testing.T) {
	clientA, serverA := loopbackPair(t)
	defer clientA.Close()

	clientB, serverB := loopbackPair(t)
	defer clientB.Close()

	done := make(chan error, 1)
	go func() {
		done <- Relay(serverA, serverB, nil, nil)
	}()

	// Half-close clientA's write side; serverA should see EOF, which
	// Relay propagates as a CloseWrite on serverB, which clientB should
	// observe as EOF without closing the rest of the connection.
	require.NoError(t, clientA.(*net.TCPConn).CloseWrite())

	buf := make([]byte, 1)
	clientB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := clientB.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	clientB.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not return after half-close drained")
	}
}
