// ABOUTME: Persistent WebSocket link to one OpenClaw gateway.
// ABOUTME: Owns the challenge handshake, request correlation, read loop, and reconnect supervisor.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Link errors. Callers must treat "no response" (these errors) and "response
// present but not ok" as distinct outcomes.
var (
	// ErrNotConnected means the link has no live gateway connection.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrRequestTimeout means no response arrived within the request budget.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrLinkClosed means the connection dropped while the request was in flight.
	ErrLinkClosed = errors.New("link closed")
)

const (
	defaultGatewayPort = 18789

	dialTimeout      = 15 * time.Second
	handshakeTimeout = 10 * time.Second

	defaultRequestTimeout    = 30 * time.Second
	initialReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 60 * time.Second
	idleRecheckInterval      = 5 * time.Second

	protocolVersion = 3
)

// Protocol scopes requested at connect time.
var operatorScopes = []string{
	"operator.read",
	"operator.write",
	"operator.admin",
	"operator.approvals",
	"operator.pairing",
}

// LinkParams configures a new Link.
type LinkParams struct {
	ID       string
	URL      string
	Token    string
	Password string
	Logger   *slog.Logger

	// RequestTimeout and MaxReconnectDelay override the defaults when nonzero.
	// Used by tests to keep the backoff schedule short.
	RequestTimeout    time.Duration
	MaxReconnectDelay time.Duration
}

// Link maintains one persistent connection to one gateway for as long as it
// is registered. Connect, read, and reconnect all run on the link's own
// goroutines; public methods are safe for concurrent use.
type Link struct {
	ID  string
	URL string

	token    string
	password string
	logger   *slog.Logger

	requestTimeout    time.Duration
	maxReconnectDelay time.Duration

	running atomic.Bool
	stopCh  chan struct{}
	reqSeq  atomic.Int64

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	reconnectDelay time.Duration
	agents         []json.RawMessage
	models         []json.RawMessage
	defaultModel   string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	subsMu sync.RWMutex
	subs   map[string][]*Subscription
	subSeq atomic.Uint64

	callbackMu sync.Mutex
	callbacks  []reconnectCallback
}

// NewLink creates a link in the Idle state. Call Start to begin connecting.
func NewLink(params LinkParams) *Link {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requestTimeout := params.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}
	maxDelay := params.MaxReconnectDelay
	if maxDelay == 0 {
		maxDelay = defaultMaxReconnectDelay
	}

	return &Link{
		ID:                params.ID,
		URL:               params.URL,
		token:             params.Token,
		password:          params.Password,
		logger:            logger.With("gateway_id", params.ID),
		requestTimeout:    requestTimeout,
		maxReconnectDelay: maxDelay,
		stopCh:            make(chan struct{}),
		reconnectDelay:    initialReconnectDelay,
		pending:           make(map[string]*pendingCall),
		subs:              make(map[string][]*Subscription),
	}
}

// Start begins the connect/listen/reconnect chain without blocking the caller.
func (l *Link) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

// Stop tears the link down: the reconnect loop observes the cleared running
// flag and exits, the socket closes, and every pending request fails.
func (l *Link) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	close(l.stopCh)

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.connected = false
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	l.failAllPending()
}

// Connected reports whether the handshake has completed on a live socket.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Agents returns the agent list cached from the last metadata refresh.
func (l *Link) Agents() []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]json.RawMessage(nil), l.agents...)
}

// Models returns the model list cached from the last metadata refresh.
func (l *Link) Models() []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]json.RawMessage(nil), l.models...)
}

// DefaultModel returns the session-default model reported at handshake, if any.
func (l *Link) DefaultModel() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.defaultModel
}

// Request sends one request frame and suspends the caller until the matching
// response arrives, the request budget elapses, or the link fails. Exactly one
// of those outcomes resolves the request.
func (l *Link) Request(ctx context.Context, method string, params any) (*Response, error) {
	l.mu.Lock()
	conn := l.conn
	connected := l.connected
	l.mu.Unlock()

	if conn == nil || !connected {
		return nil, ErrNotConnected
	}

	id := l.nextReqID()
	call := l.registerPending(id)

	req := frame{Type: frameTypeReq, ID: id, Method: method, Params: params}
	if err := l.writeFrame(conn, req); err != nil {
		call.resolve(nil)
		l.dropPending(id)
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	timer := time.NewTimer(l.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		if res == nil {
			return nil, ErrLinkClosed
		}
		return res, nil
	case <-timer.C:
		call.resolve(nil)
		l.dropPending(id)
		l.logger.Warn("request timed out", "request_id", id, "method", method)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		call.resolve(nil)
		l.dropPending(id)
		return nil, ctx.Err()
	}
}

// nextReqID allocates a request id. Ids are scoped to this link and never
// reused concurrently.
func (l *Link) nextReqID() string {
	return "r" + strconv.FormatInt(l.reqSeq.Add(1), 10)
}

// writeFrame serializes concurrent writers onto the single websocket.
func (l *Link) writeFrame(conn *websocket.Conn, f frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// run drives the initial connect, then hands control to the reconnect loop
// for the rest of the link's registered lifetime.
func (l *Link) run() {
	if conn := l.connect(); conn != nil {
		go l.readLoop(conn)
		l.fetchMetadata()
	}
	l.reconnectLoop()
}

// connect dials the gateway and performs the challenge handshake, returning
// the established connection or nil. The remote end must speak first with a
// connect.challenge event; anything else fails this attempt without affecting
// the link's registered lifetime. The caller receives the connection directly
// rather than reading it back from the link, since a concurrent Stop may nil
// the shared field at any point.
func (l *Link) connect() *websocket.Conn {
	l.logger.Info("connecting to gateway", "url", l.URL)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{"Origin": []string{originFor(l.URL)}}
	conn, resp, err := dialer.Dial(l.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		l.logger.Warn("dial failed", "error", err)
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var challenge frame
	if err := conn.ReadJSON(&challenge); err != nil {
		l.logger.Warn("reading challenge failed", "error", err)
		conn.Close()
		return nil
	}
	if challenge.Type != frameTypeEvent || challenge.Event != eventChallenge {
		l.logger.Warn("unexpected first message from gateway",
			"type", challenge.Type, "event", challenge.Event)
		conn.Close()
		return nil
	}

	req := frame{
		Type:   frameTypeReq,
		ID:     l.nextReqID(),
		Method: "connect",
		Params: l.connectParams(),
	}
	if err := conn.WriteJSON(req); err != nil {
		l.logger.Warn("sending connect request failed", "error", err)
		conn.Close()
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var res frame
	if err := conn.ReadJSON(&res); err != nil {
		l.logger.Warn("reading connect response failed", "error", err)
		conn.Close()
		return nil
	}
	if res.Type != frameTypeRes || !res.OK {
		l.logger.Warn("gateway rejected connect", "error", rawToText(res.Error, "not ok"))
		conn.Close()
		return nil
	}
	conn.SetReadDeadline(time.Time{})

	var snap connectSnapshot
	if len(res.Payload) > 0 {
		// Best effort; a missing snapshot just leaves the default model empty.
		_ = json.Unmarshal(res.Payload, &snap)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.reconnectDelay = initialReconnectDelay
	l.defaultModel = snap.Snapshot.SessionDefaults.Model
	l.mu.Unlock()

	l.logger.Info("connected to gateway")
	return conn
}

// connectParams builds the connect request parameters. Auth is omitted
// entirely when no credentials are configured, never sent empty.
func (l *Link) connectParams() connectParams {
	params := connectParams{
		Role:   "operator",
		Scopes: operatorScopes,
		Permissions: map[string]bool{
			"operator.admin":     true,
			"operator.approvals": true,
			"operator.pairing":   true,
		},
		Client: clientInfo{
			ID:         "openclaw-control-ui",
			Version:    "2.0.0",
			Platform:   "web",
			Mode:       "webchat",
			InstanceID: "backend_" + l.ID,
		},
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
	}
	if l.token != "" || l.password != "" {
		params.Auth = &connectAuth{Token: l.token, Password: l.password}
	}
	return params
}

// fetchMetadata refreshes the cached agent and model lists. It must only run
// once the read loop is live, since responses cannot be delivered before then.
// Failures here are logged, not fatal.
func (l *Link) fetchMetadata() {
	ctx := context.Background()

	if res, err := l.Request(ctx, "agents.list", struct{}{}); err == nil && res.OK {
		var body struct {
			Agents []json.RawMessage `json:"agents"`
		}
		if err := json.Unmarshal(res.Payload, &body); err == nil {
			l.mu.Lock()
			l.agents = body.Agents
			l.mu.Unlock()
		}
	} else {
		l.logger.Warn("fetching agent list failed", "error", err)
	}

	if res, err := l.Request(ctx, "models.list", struct{}{}); err == nil && res.OK {
		var body struct {
			Models []json.RawMessage `json:"models"`
		}
		if err := json.Unmarshal(res.Payload, &body); err == nil {
			l.mu.Lock()
			l.models = body.Models
			l.mu.Unlock()
		}
	} else {
		l.logger.Warn("fetching model list failed", "error", err)
	}
}

// readLoop is the single reader for the connection. Responses resolve their
// pending slots; events fan out to subscribers. Reader exit, clean or not,
// marks the link disconnected and fails all pending requests.
func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if l.running.Load() {
				l.logger.Warn("gateway connection closed", "error", err)
			}
			break
		}

		switch f.Type {
		case frameTypeRes:
			l.resolvePending(f.ID, &Response{OK: f.OK, Payload: f.Payload, Err: f.Error})
		case frameTypeEvent:
			l.dispatch(f.Event, f.Payload)
		}
	}

	l.markDisconnected(conn)
}

// markDisconnected records the loss of a specific connection. A stale reader
// from a superseded connection must not clobber the current one.
func (l *Link) markDisconnected(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	l.mu.Lock()
	if l.conn == conn {
		l.connected = false
		l.conn = nil
	}
	l.mu.Unlock()

	conn.Close()
	l.failAllPending()
}

// reconnectLoop re-establishes a dropped link with exponential backoff for as
// long as the link is registered. A success resets the delay to its minimum
// and re-announces the link to every reconnect callback.
func (l *Link) reconnectLoop() {
	for l.running.Load() {
		if l.Connected() {
			if !l.sleep(idleRecheckInterval) {
				return
			}
			continue
		}

		delay := l.currentDelay()
		l.logger.Info("reconnecting to gateway", "delay", delay)
		if !l.sleep(delay) {
			return
		}
		if !l.running.Load() {
			return
		}

		if conn := l.connect(); conn != nil {
			go l.readLoop(conn)
			l.fetchMetadata()
			l.notifyReconnected()
		} else {
			l.bumpDelay()
		}
	}
}

// sleep waits d or until Stop, reporting false when the link was stopped.
func (l *Link) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.stopCh:
		return false
	}
}

func (l *Link) currentDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnectDelay
}

func (l *Link) bumpDelay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnectDelay *= 2
	if l.reconnectDelay > l.maxReconnectDelay {
		l.reconnectDelay = l.maxReconnectDelay
	}
}

// originFor derives an Origin header from the gateway URL so the handshake
// passes the gateway's origin check.
func originFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "http://localhost:" + strconv.Itoa(defaultGatewayPort)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(defaultGatewayPort)
	}
	return "http://" + host + ":" + port
}
