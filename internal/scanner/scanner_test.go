// ABOUTME: Tests for gateway discovery probes and address enumeration.
// ABOUTME: Probes run against in-process fake gateways on loopback.

package scanner

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// startProbeTarget runs a server and returns its loopback ip and port.
func startProbeTarget(t *testing.T, handler http.HandlerFunc) (string, int) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestProbeFindsGateway(t *testing.T) {
	ip, port := startProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(probeFrame{Type: "event", Event: "connect.challenge"})
		var req probeFrame
		if err := conn.ReadJSON(&req); err != nil || req.Method != "connect" {
			return
		}
		conn.WriteJSON(probeFrame{Type: "res", ID: req.ID, OK: true,
			Payload: json.RawMessage(`{"snapshot":{"sessionDefaults":{"model":"claude-sonnet"},"gatewayInfo":{"name":"home"}}}`)})
	})

	d := Probe(context.Background(), ip, port, time.Second)
	require.NotNil(t, d)
	assert.Equal(t, ip, d.IP)
	assert.Equal(t, port, d.Port)
	assert.Equal(t, "ws://"+net.JoinHostPort(ip, strconv.Itoa(port)), d.URL)
	assert.JSONEq(t, `{"model":"claude-sonnet"}`, string(d.SessionDefaults))
	assert.JSONEq(t, `{"name":"home"}`, string(d.GatewayInfo))
}

func TestProbeIgnoresNonGateway(t *testing.T) {
	// Speaks HTTP but not websocket.
	ip, port := startProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	assert.Nil(t, Probe(context.Background(), ip, port, time.Second))
}

func TestProbeIgnoresWrongFirstFrame(t *testing.T) {
	ip, port := startProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(probeFrame{Type: "event", Event: "something.else"})
	})
	assert.Nil(t, Probe(context.Background(), ip, port, time.Second))
}

func TestProbeIgnoresRejectedConnect(t *testing.T) {
	ip, port := startProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(probeFrame{Type: "event", Event: "connect.challenge"})
		var req probeFrame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(probeFrame{Type: "res", ID: req.ID, OK: false})
	})
	assert.Nil(t, Probe(context.Background(), ip, port, time.Second))
}

func TestProbeUnreachableHost(t *testing.T) {
	// Port 1 on loopback is almost certainly closed; the probe must fail fast.
	assert.Nil(t, Probe(context.Background(), "127.0.0.1", 1, 500*time.Millisecond))
}

func TestHostAddresses(t *testing.T) {
	_, slash24, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)
	ips := hostAddresses(slash24)
	require.Len(t, ips, 254)
	assert.Equal(t, "192.168.1.1", ips[0])
	assert.Equal(t, "192.168.1.254", ips[253])

	_, slash30, err := net.ParseCIDR("10.0.0.0/30")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, hostAddresses(slash30))

	// A /32 is the host itself.
	_, slash32, err := net.ParseCIDR("10.0.0.7/32")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.7"}, hostAddresses(slash32))

	_, v6, err := net.ParseCIDR("2001:db8::/64")
	require.NoError(t, err)
	assert.Nil(t, hostAddresses(v6))
}

func TestScanFindsGatewayInSubnet(t *testing.T) {
	ip, port := startProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(probeFrame{Type: "event", Event: "connect.challenge"})
		var req probeFrame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(probeFrame{Type: "res", ID: req.ID, OK: true})
	})

	// A /32 subnet keeps the scan to the one listening host.
	found, err := Scan(context.Background(), ip+"/32", port, 4, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ip, found[0].IP)
}
