// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides gateway/session/message persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// created if it doesn't exist, as are parent directories.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS gateways (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			token TEXT,
			password TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gateway_id TEXT NOT NULL REFERENCES gateways(id),
			session_key TEXT NOT NULL,
			title TEXT,
			agent_id TEXT,
			model TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_activity TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gateway_id, session_key)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS federated_sessions (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_activity TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS federated_session_gateways (
			federated_session_id TEXT NOT NULL REFERENCES federated_sessions(id),
			gateway_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			PRIMARY KEY (federated_session_id, gateway_id)
		);

		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			ip TEXT NOT NULL,
			icon TEXT,
			ssh_user TEXT,
			ssh_port INTEGER DEFAULT 22,
			services TEXT,
			enabled INTEGER DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateGateway inserts a gateway identity record.
func (s *SQLiteStore) CreateGateway(ctx context.Context, gw *Gateway) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateways (id, name, url, token, password) VALUES (?, ?, ?, ?, ?)`,
		gw.ID, gw.Name, gw.URL, nullable(gw.Token), nullable(gw.Password),
	)
	if err != nil {
		return fmt.Errorf("inserting gateway: %w", err)
	}
	return nil
}

// ListGateways returns all configured gateways.
func (s *SQLiteStore) ListGateways(ctx context.Context) ([]*Gateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, token, password, created_at FROM gateways`)
	if err != nil {
		return nil, fmt.Errorf("listing gateways: %w", err)
	}
	defer rows.Close()

	var out []*Gateway
	for rows.Next() {
		gw, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gw)
	}
	return out, rows.Err()
}

// GetGateway fetches one gateway by id.
func (s *SQLiteStore) GetGateway(ctx context.Context, id string) (*Gateway, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, token, password, created_at FROM gateways WHERE id = ?`, id)
	gw, err := scanGateway(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return gw, err
}

// DeleteGateway removes a gateway identity record.
func (s *SQLiteStore) DeleteGateway(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gateways WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return notFoundIfZero(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGateway(row rowScanner) (*Gateway, error) {
	var gw Gateway
	var token, password sql.NullString
	if err := row.Scan(&gw.ID, &gw.Name, &gw.URL, &token, &password, &gw.CreatedAt); err != nil {
		return nil, err
	}
	gw.Token = token.String
	gw.Password = password.String
	return &gw, nil
}

// EnsureSession creates the session if absent and returns its row id.
func (s *SQLiteStore) EnsureSession(ctx context.Context, gatewayID, sessionKey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE gateway_id = ? AND session_key = ?`,
		gatewayID, sessionKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("looking up session: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (gateway_id, session_key) VALUES (?, ?)`,
		gatewayID, sessionKey)
	if err != nil {
		return 0, fmt.Errorf("creating session: %w", err)
	}
	return res.LastInsertId()
}

// CreateSession inserts a session record and backfills its generated fields.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (gateway_id, session_key, title, agent_id, model)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.GatewayID, sess.SessionKey, nullable(sess.Title), nullable(sess.AgentID), nullable(sess.Model))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	created, err := s.getSessionByID(ctx, id)
	if err != nil {
		return err
	}
	*sess = *created
	return nil
}

func (s *SQLiteStore) getSessionByID(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, gateway_id, session_key, title, agent_id, model, created_at, last_activity
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// GetSession fetches one session by its (gateway, key) pair.
func (s *SQLiteStore) GetSession(ctx context.Context, gatewayID, sessionKey string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, gateway_id, session_key, title, agent_id, model, created_at, last_activity
		 FROM sessions WHERE gateway_id = ? AND session_key = ?`, gatewayID, sessionKey)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns a gateway's sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, gatewayID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, gateway_id, session_key, title, agent_id, model, created_at, last_activity
		 FROM sessions WHERE gateway_id = ? ORDER BY last_activity DESC`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and all of its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, gatewayID, sessionKey string) error {
	sess, err := s.GetSession(ctx, gatewayID, sessionKey)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sess.ID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var title, agentID, model sql.NullString
	if err := row.Scan(&sess.ID, &sess.GatewayID, &sess.SessionKey,
		&title, &agentID, &model, &sess.CreatedAt, &sess.LastActivity); err != nil {
		return nil, err
	}
	sess.Title = title.String
	sess.AgentID = agentID.String
	sess.Model = model.String
	return &sess, nil
}

// SaveMessage appends a turn and touches the session's last activity.
func (s *SQLiteStore) SaveMessage(ctx context.Context, m *Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, m.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = CURRENT_TIMESTAMP WHERE id = ?`, m.SessionID)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit turns ordered oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID int64, limit int, before int64) ([]*Message, error) {
	var rows *sql.Rows
	var err error
	if before > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, session_id, role, content, timestamp, created_at FROM messages
			 WHERE session_id = ? AND id < ? ORDER BY id DESC LIMIT ?`,
			sessionID, before, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, session_id, role, content, timestamp, created_at FROM messages
			 WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
			sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []*Message
	for rows.Next() {
		var m Message
		var ts sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts, &m.CreatedAt); err != nil {
			return nil, err
		}
		if ts.Valid {
			m.Timestamp = &ts.Int64
		}
		newestFirst = append(newestFirst, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query descends for the LIMIT; callers want increasing order.
	out := make([]*Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		out = append(out, newestFirst[i])
	}
	return out, nil
}

// CreateFederatedSession inserts a federated session and its gateway targets.
func (s *SQLiteStore) CreateFederatedSession(ctx context.Context, fs *FederatedSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO federated_sessions (id, title) VALUES (?, ?)`,
		fs.ID, nullable(fs.Title)); err != nil {
		return fmt.Errorf("inserting federated session: %w", err)
	}
	for _, gw := range fs.Gateways {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO federated_session_gateways (federated_session_id, gateway_id, session_key)
			 VALUES (?, ?, ?)`,
			fs.ID, gw.GatewayID, gw.SessionKey); err != nil {
			return fmt.Errorf("inserting federated target: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	created, err := s.GetFederatedSession(ctx, fs.ID)
	if err != nil {
		return err
	}
	*fs = *created
	return nil
}

// ListFederatedSessions returns all federated sessions, most recent first.
func (s *SQLiteStore) ListFederatedSessions(ctx context.Context) ([]*FederatedSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_activity FROM federated_sessions
		 ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing federated sessions: %w", err)
	}
	defer rows.Close()

	var out []*FederatedSession
	for rows.Next() {
		var fs FederatedSession
		var title sql.NullString
		if err := rows.Scan(&fs.ID, &title, &fs.CreatedAt, &fs.LastActivity); err != nil {
			return nil, err
		}
		fs.Title = title.String
		out = append(out, &fs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, fs := range out {
		if fs.Gateways, err = s.federatedTargets(ctx, fs.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetFederatedSession fetches one federated session with its targets.
func (s *SQLiteStore) GetFederatedSession(ctx context.Context, id string) (*FederatedSession, error) {
	var fs FederatedSession
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, last_activity FROM federated_sessions WHERE id = ?`,
		id).Scan(&fs.ID, &title, &fs.CreatedAt, &fs.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fs.Title = title.String

	if fs.Gateways, err = s.federatedTargets(ctx, id); err != nil {
		return nil, err
	}
	return &fs, nil
}

func (s *SQLiteStore) federatedTargets(ctx context.Context, id string) ([]FederatedTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gateway_id, session_key FROM federated_session_gateways
		 WHERE federated_session_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying federated targets: %w", err)
	}
	defer rows.Close()

	var targets []FederatedTarget
	for rows.Next() {
		var t FederatedTarget
		if err := rows.Scan(&t.GatewayID, &t.SessionKey); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// DeleteFederatedSession removes a federated session and its targets.
func (s *SQLiteStore) DeleteFederatedSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM federated_session_gateways WHERE federated_session_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM federated_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return notFoundIfZero(res)
}

// CreateDevice inserts a monitored host record.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	services, err := json.Marshal(d.Services)
	if err != nil {
		return fmt.Errorf("encoding services: %w", err)
	}
	port := d.SSHPort
	if port == 0 {
		port = 22
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, ip, icon, ssh_user, ssh_port, services, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.IP, nullable(d.Icon), nullable(d.SSHUser), port, string(services), d.Enabled)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// UpdateDevice replaces every mutable field of a device record.
func (s *SQLiteStore) UpdateDevice(ctx context.Context, d *Device) error {
	services, err := json.Marshal(d.Services)
	if err != nil {
		return fmt.Errorf("encoding services: %w", err)
	}
	port := d.SSHPort
	if port == 0 {
		port = 22
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices
		 SET name = ?, ip = ?, icon = ?, ssh_user = ?, ssh_port = ?, services = ?, enabled = ?
		 WHERE id = ?`,
		d.Name, d.IP, nullable(d.Icon), nullable(d.SSHUser), port, string(services), d.Enabled, d.ID)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return notFoundIfZero(res)
}

// ListDevices returns every device record.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	return s.queryDevices(ctx,
		`SELECT id, name, ip, icon, ssh_user, ssh_port, services, enabled, created_at FROM devices`)
}

// ListEnabledDevices returns only devices the poller should check.
func (s *SQLiteStore) ListEnabledDevices(ctx context.Context) ([]*Device, error) {
	return s.queryDevices(ctx,
		`SELECT id, name, ip, icon, ssh_user, ssh_port, services, enabled, created_at
		 FROM devices WHERE enabled = 1`)
}

func (s *SQLiteStore) queryDevices(ctx context.Context, query string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDevice fetches one device by id.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, ip, icon, ssh_user, ssh_port, services, enabled, created_at
		 FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// DeleteDevice removes a device record.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return notFoundIfZero(res)
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var icon, sshUser, services sql.NullString
	if err := row.Scan(&d.ID, &d.Name, &d.IP, &icon, &sshUser, &d.SSHPort,
		&services, &d.Enabled, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Icon = icon.String
	d.SSHUser = sshUser.String
	if services.Valid && services.String != "" {
		if err := json.Unmarshal([]byte(services.String), &d.Services); err != nil {
			return nil, fmt.Errorf("decoding services: %w", err)
		}
	}
	return &d, nil
}

// notFoundIfZero maps a zero-row write to ErrNotFound.
func notFoundIfZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
