// ABOUTME: Background health poller for monitored devices.
// ABOUTME: Checks reachability via ping and service state via SSH systemctl queries.

package devices

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openclaw/claw-relay/internal/store"
)

const (
	defaultPollInterval = 60 * time.Second
	pingTimeout         = 3 * time.Second
	sshDialTimeout      = 5 * time.Second
	sshCommandTimeout   = 10 * time.Second
)

// ServiceStatus is the state of one systemd service on a device.
type ServiceStatus struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}

// Status is one device's last observed health.
type Status struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Icon      string          `json:"icon"`
	Online    bool            `json:"online"`
	Services  []ServiceStatus `json:"services"`
	LastCheck time.Time       `json:"last_check"`
	Error     string          `json:"error,omitempty"`
}

// Poller periodically checks every enabled device and caches the results.
// It is unrelated to the relay core; a dead device never affects chat flow.
type Poller struct {
	store      store.Store
	logger     *slog.Logger
	interval   time.Duration
	sshKeyFile string

	mu    sync.RWMutex
	cache map[string]*Status
}

// PollerParams configures a new Poller.
type PollerParams struct {
	Store      store.Store
	Logger     *slog.Logger
	Interval   time.Duration
	SSHKeyFile string
}

// NewPoller creates a Poller. Call Run on its own goroutine.
func NewPoller(params PollerParams) *Poller {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := params.Interval
	if interval == 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		store:      params.Store,
		logger:     logger.With("component", "devices"),
		interval:   interval,
		sshKeyFile: params.SSHKeyFile,
		cache:      make(map[string]*Status),
	}
}

// Run polls until the context is cancelled. Poll failures degrade to
// per-device error statuses; the loop itself never dies.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	devices, err := p.store.ListEnabledDevices(ctx)
	if err != nil {
		p.logger.Warn("listing devices failed", "error", err)
		return
	}

	for _, d := range devices {
		status := p.Check(ctx, d)
		p.mu.Lock()
		p.cache[d.ID] = status
		p.mu.Unlock()
	}
}

// CachedStatus returns the last poll result for one device.
func (p *Poller) CachedStatus(id string) (*Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.cache[id]
	return s, ok
}

// AllStatuses returns the last poll result for every device.
func (p *Poller) AllStatuses() []*Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Status, 0, len(p.cache))
	for _, s := range p.cache {
		out = append(out, s)
	}
	return out
}

// Check performs one on-demand health check of a device.
func (p *Poller) Check(ctx context.Context, d *store.Device) *Status {
	status := &Status{
		ID:        d.ID,
		Name:      d.Name,
		Icon:      d.Icon,
		Services:  []ServiceStatus{},
		LastCheck: time.Now().UTC(),
	}

	if err := pingHost(ctx, d.IP); err != nil {
		status.Error = "Device offline (ping failed)"
		return status
	}
	status.Online = true

	if d.SSHUser == "" || len(d.Services) == 0 {
		return status
	}

	client, err := p.sshConnect(d)
	if err != nil {
		status.Error = "SSH unavailable: " + err.Error()
		return status
	}
	defer client.Close()

	for _, service := range d.Services {
		status.Services = append(status.Services, checkService(client, service))
	}
	return status
}

// pingHost sends a single ICMP echo via the system ping binary.
func pingHost(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "ping", "-c", "1", "-W", "2", ip).Run()
}

func (p *Poller) sshConnect(d *store.Device) (*ssh.Client, error) {
	auth, err := p.sshAuth()
	if err != nil {
		return nil, err
	}

	port := d.SSHPort
	if port == 0 {
		port = 22
	}

	cfg := &ssh.ClientConfig{
		User: d.SSHUser,
		Auth: auth,
		// Devices are LAN hosts managed by the operator; pinning would make
		// first contact fail.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}
	return ssh.Dial("tcp", net.JoinHostPort(d.IP, strconv.Itoa(port)), cfg)
}

// sshAuth builds auth methods from the configured key file.
func (p *Poller) sshAuth() ([]ssh.AuthMethod, error) {
	if p.sshKeyFile == "" {
		return nil, errNoKey
	}
	key, err := os.ReadFile(p.sshKeyFile)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

var errNoKey = errors.New("no ssh key configured")

// checkService asks systemd whether one service is active.
func checkService(client *ssh.Client, service string) ServiceStatus {
	session, err := client.NewSession()
	if err != nil {
		return ServiceStatus{Name: service, Error: err.Error()}
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput("systemctl is-active " + service)
		resCh <- result{out, err}
	}()

	select {
	case res := <-resCh:
		state := strings.TrimSpace(string(res.out))
		if res.err == nil && state == "active" {
			return ServiceStatus{Name: service, Active: true}
		}
		return ServiceStatus{Name: service, Error: state}
	case <-time.After(sshCommandTimeout):
		// Abandon the stuck session; Close on the deferred path unblocks it.
		return ServiceStatus{Name: service, Error: "check timed out"}
	}
}
