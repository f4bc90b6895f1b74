// ABOUTME: Store interface and record types for claw-relay persistence.
// ABOUTME: Covers gateway identities, sessions, message turns, federated sessions, and devices.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Gateway is a configured gateway identity. Token and password are never
// exposed through the HTTP surface.
type Gateway struct {
	ID        string
	Name      string
	URL       string
	Token     string
	Password  string
	CreatedAt time.Time
}

// Session is a conversation thread on one gateway, identified by
// (gateway_id, session_key).
type Session struct {
	ID           int64
	GatewayID    string
	SessionKey   string
	Title        string
	AgentID      string
	Model        string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Message is one persisted turn of a session. Content is the JSON-encoded
// content block array as it appeared on the wire.
type Message struct {
	ID        int64
	SessionID int64
	Role      string
	Content   string
	Timestamp *int64
	CreatedAt time.Time
}

// FederatedTarget pairs a gateway with the session key used on it.
type FederatedTarget struct {
	GatewayID  string `json:"gateway_id"`
	SessionKey string `json:"session_key"`
}

// FederatedSession is a logical conversation spanning several gateways.
type FederatedSession struct {
	ID           string
	Title        string
	Gateways     []FederatedTarget
	CreatedAt    time.Time
	LastActivity time.Time
}

// Device is a monitored host record for the health poller.
type Device struct {
	ID        string
	Name      string
	IP        string
	Icon      string
	SSHUser   string
	SSHPort   int
	Services  []string
	Enabled   bool
	CreatedAt time.Time
}

// Store is the keyed record store consumed by the relay core. The core only
// assumes keyed lookup and ordered range reads, never a particular
// storage engine.
type Store interface {
	CreateGateway(ctx context.Context, gw *Gateway) error
	ListGateways(ctx context.Context) ([]*Gateway, error)
	GetGateway(ctx context.Context, id string) (*Gateway, error)
	DeleteGateway(ctx context.Context, id string) error

	// EnsureSession creates the (gatewayID, sessionKey) session if absent and
	// returns its row id either way.
	EnsureSession(ctx context.Context, gatewayID, sessionKey string) (int64, error)
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, gatewayID, sessionKey string) (*Session, error)
	ListSessions(ctx context.Context, gatewayID string) ([]*Session, error)
	DeleteSession(ctx context.Context, gatewayID, sessionKey string) error

	// SaveMessage appends a turn and touches the session's last activity.
	SaveMessage(ctx context.Context, m *Message) error
	// RecentMessages returns up to limit turns ordered oldest first. A nonzero
	// before restricts results to ids below it, for pagination.
	RecentMessages(ctx context.Context, sessionID int64, limit int, before int64) ([]*Message, error)

	CreateFederatedSession(ctx context.Context, fs *FederatedSession) error
	ListFederatedSessions(ctx context.Context) ([]*FederatedSession, error)
	GetFederatedSession(ctx context.Context, id string) (*FederatedSession, error)
	DeleteFederatedSession(ctx context.Context, id string) error

	CreateDevice(ctx context.Context, d *Device) error
	UpdateDevice(ctx context.Context, d *Device) error
	ListDevices(ctx context.Context) ([]*Device, error)
	ListEnabledDevices(ctx context.Context) ([]*Device, error)
	GetDevice(ctx context.Context, id string) (*Device, error)
	DeleteDevice(ctx context.Context, id string) error

	Close() error
}
