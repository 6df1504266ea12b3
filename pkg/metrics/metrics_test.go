// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/proxychain/pkg/engine"
	"github.com/go-core-stack/proxychain/pkg/registry"
)

func TestObserveCountsLifecycleEvents(t *testing.T) {
	reg := registry.New()
	m := New()
	unsub := m.Observe(reg)
	defer unsub()

	conn := reg.Register("127.0.0.1:1234")
	conn.AddSrcRx(10)
	conn.AddTrgTx(10)
	reg.Unregister(conn.ID)

	reg.ReportFailure(0, &engine.Error{Kind: engine.KindTargetDNSFailed})
	reg.ReportTLSError(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)
	require.Contains(t, rr.Body.String(), "proxychain_connections_accepted_total 1")
	require.Contains(t, rr.Body.String(), "proxychain_tls_handshake_failures_total 1")
}
