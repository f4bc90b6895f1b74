// ABOUTME: Best-effort subnet discovery of OpenClaw gateways.
// ABOUTME: Probes candidate hosts with a read-only challenge/connect handshake.

package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPort is the conventional gateway listen port.
	DefaultPort = 18789

	// DefaultConcurrency caps simultaneous probes during a subnet scan.
	DefaultConcurrency = 50

	probeTimeout = 2 * time.Second
)

// Discovered describes one gateway found by a probe.
type Discovered struct {
	IP              string          `json:"ip"`
	Port            int             `json:"port"`
	URL             string          `json:"url"`
	SessionDefaults json.RawMessage `json:"sessionDefaults,omitempty"`
	GatewayInfo     json.RawMessage `json:"gatewayInfo,omitempty"`
}

// probe wire shapes, mirroring the link handshake but read-only.
type probeFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type probeClient struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

type probeParams struct {
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Permissions map[string]bool `json:"permissions"`
	Client      probeClient     `json:"client"`
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
}

// LocalSubnet detects the primary interface's /24 network in CIDR notation.
// The UDP dial carries no traffic; it only selects the outbound interface.
func LocalSubnet() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr := conn.LocalAddr().(*net.UDPAddr)
	ip := addr.IP.To4()
	if ip == nil {
		return "", net.InvalidAddrError("no IPv4 address")
	}

	network := net.IPNet{
		IP:   ip.Mask(net.CIDRMask(24, 32)),
		Mask: net.CIDRMask(24, 32),
	}
	return network.String(), nil
}

// Probe checks whether one address hosts a gateway. It performs the
// challenge/connect handshake with a minimal read-only scope and closes
// without retaining the session. Returns nil when the host is not a gateway
// or is unreachable; the scan treats every failure as silence.
func Probe(ctx context.Context, ip string, port int, timeout time.Duration) *Discovered {
	if port == 0 {
		port = DefaultPort
	}
	if timeout == 0 {
		timeout = probeTimeout
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	url := "ws://" + addr
	origin := "http://" + addr

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{"Origin": []string{origin}})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(timeout))
	var challenge probeFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		return nil
	}
	if challenge.Type != "event" || challenge.Event != "connect.challenge" {
		return nil
	}

	req := probeFrame{
		Type:   "req",
		ID:     "scan_probe",
		Method: "connect",
		Params: probeParams{
			Role:        "operator",
			Scopes:      []string{"operator.read"},
			Permissions: map[string]bool{},
			Client: probeClient{
				ID:         "openclaw-scanner",
				Version:    "1.0.0",
				Platform:   "backend",
				Mode:       "scan",
				InstanceID: "scanner",
			},
			MinProtocol: 3,
			MaxProtocol: 3,
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	var res probeFrame
	if err := conn.ReadJSON(&res); err != nil {
		return nil
	}
	if !res.OK {
		return nil
	}

	var payload struct {
		Snapshot struct {
			SessionDefaults json.RawMessage `json:"sessionDefaults"`
			GatewayInfo     json.RawMessage `json:"gatewayInfo"`
		} `json:"snapshot"`
	}
	_ = json.Unmarshal(res.Payload, &payload)

	return &Discovered{
		IP:              ip,
		Port:            port,
		URL:             url,
		SessionDefaults: payload.Snapshot.SessionDefaults,
		GatewayInfo:     payload.Snapshot.GatewayInfo,
	}
}

// Scan probes every host address in the subnet (CIDR notation; auto-detected
// when empty) with bounded concurrency and returns whatever answered the
// handshake. The scan is stateless and best-effort.
func Scan(ctx context.Context, subnet string, port, maxConcurrent int, logger *slog.Logger) ([]*Discovered, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if subnet == "" {
		detected, err := LocalSubnet()
		if err != nil {
			return nil, err
		}
		subnet = detected
	}
	if port == 0 {
		port = DefaultPort
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultConcurrency
	}

	_, network, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, err
	}

	ips := hostAddresses(network)
	logger.Info("scanning network", "subnet", subnet, "port", port, "hosts", len(ips))

	results := make([]*Discovered, len(ips))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, ip := range ips {
		i, ip := i, ip
		g.Go(func() error {
			results[i] = Probe(gctx, ip, port, 0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var discovered []*Discovered
	for _, r := range results {
		if r != nil {
			discovered = append(discovered, r)
		}
	}
	logger.Info("scan complete", "found", len(discovered))
	return discovered, nil
}

// hostAddresses enumerates usable host IPs, skipping network and broadcast
// addresses for /31-or-wider networks.
func hostAddresses(network *net.IPNet) []string {
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return nil
	}

	base := network.IP.To4()
	if base == nil {
		return nil
	}
	total := 1 << (bits - ones)

	var ips []string
	for i := 0; i < total; i++ {
		if total > 2 && (i == 0 || i == total-1) {
			continue
		}
		ip := make(net.IP, 4)
		copy(ip, base)
		v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
		v += uint32(i)
		ip[0], ip[1], ip[2], ip[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		ips = append(ips, ip.String())
	}
	return ips
}
