// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	r := New()
	c1 := r.Register("127.0.0.1:1")
	c2 := r.Register("127.0.0.1:2")
	require.Greater(t, c2.ID, c1.ID)
}

func TestUnregisterEmitsExactlyOnce(t *testing.T) {
	r := New()
	var closedEvents int
	r.Subscribe(func(ev Event) {
		if ev.Kind == "connectionClosed" {
			closedEvents++
		}
	})

	conn := r.Register("127.0.0.1:1")
	conn.AddSrcRx(100)
	conn.AddTrgTx(80)

	r.Unregister(conn.ID)
	r.Unregister(conn.ID) // second call must be a no-op

	require.Equal(t, 1, closedEvents)
	require.Nil(t, r.Get(conn.ID))
}

func TestGetIDsExcludesClosedConnections(t *testing.T) {
	r := New()
	c1 := r.Register("a")
	c2 := r.Register("b")

	ids := r.GetIDs()
	require.ElementsMatch(t, []uint64{c1.ID, c2.ID}, ids)

	r.Unregister(c1.ID)
	ids = r.GetIDs()
	require.ElementsMatch(t, []uint64{c2.ID}, ids)
}

func TestStatsMonotonicallyIncrease(t *testing.T) {
	r := New()
	conn := r.Register("a")
	conn.AddSrcRx(10)
	conn.AddSrcRx(20)

	stats := r.GetStats(conn.ID)
	require.NotNil(t, stats)
	require.Equal(t, uint64(30), stats.SrcRxBytes)
}

func TestTLSErrorNeverRegistersOrCloses(t *testing.T) {
	r := New()
	var tlsErrors, closedEvents int
	r.Subscribe(func(ev Event) {
		switch ev.Kind {
		case "tlsError":
			tlsErrors++
		case "connectionClosed":
			closedEvents++
		}
	})

	r.ReportTLSError(errors.New("handshake failure"))

	require.Equal(t, 1, tlsErrors)
	require.Equal(t, 0, closedEvents)
	require.Empty(t, r.GetIDs())
}

func TestReportFailureDoesNotUnregister(t *testing.T) {
	r := New()
	conn := r.Register("a")
	r.ReportFailure(conn.ID, errors.New("client gone"))
	require.NotNil(t, r.Get(conn.ID))
}
