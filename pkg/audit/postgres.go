// Package audit implements the optional Postgres connect/reconnect/
// disconnect log (SPEC_FULL.md §4.8). It is read-only with respect to
// protocol state: it never gates a transition, only observes one already
// decided by pkg/endpoint, so its absence or failure cannot affect
// spec.md §8's invariants — every write here is best-effort from the
// caller's perspective (errors are returned for the caller to log, never
// to roll back a transition already applied in memory). Grounded on
// pkg/persistence/postgres.go, narrowed from that file's general peer/
// session/challenge schema to a single append-only events table.
package audit

import (
	"database/sql"
	"fmt"
	"net"
	"time"

	_ "github.com/lib/pq"
)

// Event names written to the log.
const (
	EventConnect    = "connect"
	EventReconnect  = "reconnect"
	EventDisconnect = "disconnect"
)

// Config holds the Postgres connection settings (mirrors
// pkg/config.AuditConfig).
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Log appends peer lifecycle events to Postgres.
type Log struct {
	db *sql.DB
}

// Open connects to Postgres, verifies reachability, and ensures the
// events table exists.
func Open(cfg Config) (*Log, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: open connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	l := &Log{db: db}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return l, nil
}

func (l *Log) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS peer_events (
		event_id    BIGSERIAL PRIMARY KEY,
		peer_id     SMALLINT NOT NULL,
		real_addr   VARCHAR(64) NOT NULL,
		vpn_addr    VARCHAR(45) NOT NULL,
		event       VARCHAR(16) NOT NULL,
		occurred_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_peer_events_peer_id ON peer_events(peer_id);
	CREATE INDEX IF NOT EXISTS idx_peer_events_occurred_at ON peer_events(occurred_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one lifecycle event row.
func (l *Log) Record(id uint8, real *net.UDPAddr, vpn net.IP, event string) error {
	query := `
		INSERT INTO peer_events (peer_id, real_addr, vpn_addr, event)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := l.db.Exec(query, id, udpAddrString(real), ipString(vpn), event); err != nil {
		return fmt.Errorf("audit: record %s event for peer %d: %w", event, id, err)
	}
	return nil
}

// udpAddrString renders addr for storage, or "" if addr is nil (the
// server-side disconnect path may not always have a real address on hand).
func udpAddrString(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ipString renders ip for storage, or "" if ip is nil.
func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

// RecentEvents returns the most recent events for id, newest first,
// bounded by limit.
func (l *Log) RecentEvents(id uint8, limit int) ([]Record, error) {
	rows, err := l.db.Query(
		`SELECT peer_id, real_addr, vpn_addr, event, occurred_at
		 FROM peer_events WHERE peer_id = $1
		 ORDER BY occurred_at DESC LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent events: %w", err)
	}
	defer rows.Close()

	var events []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.PeerID, &r.RealAddr, &r.VPNAddr, &r.Event, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan event row: %w", err)
		}
		events = append(events, r)
	}
	return events, rows.Err()
}

// Record is one row of the peer_events table.
type Record struct {
	PeerID     uint8
	RealAddr   string
	VPNAddr    string
	Event      string
	OccurredAt time.Time
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
