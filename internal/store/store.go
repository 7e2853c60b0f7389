// Package store is the single process-wide persistence boundary over
// SQLite (spec §4.1). Every other component reaches the entities in
// §3 only through this package's exported operations. Grounded on the
// teacher's internal/memory/sqlite.go (WAL-pragma open string,
// CREATE TABLE IF NOT EXISTS migration style) and
// internal/opstate/store.go (INSERT ... ON CONFLICT DO UPDATE upsert
// idiom), generalized from an LLM conversation/KV schema to the mesh
// entity model in spec §3.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hollowoak/meshbot/internal/events"
)

// Store is the SQLite-backed observation store. All operations are
// serialized behind mu; SQLite operations are short (ms), so this
// never becomes a bottleneck for the event loop's single-threaded
// consumer (spec §5).
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
	bus    *events.Bus

	statsMu    sync.RWMutex
	statsCache Stats
}

// Stats is a snapshot of store-wide counters, refreshed on a periodic
// maintenance tick and at startup (spec §4.1).
type Stats struct {
	NodeCount      int
	PacketCount    int
	SessionCount   int
	RefreshedAt    time.Time
}

// Open opens (creating if necessary) the production SQLite database at
// path via the cgo mattn/go-sqlite3 driver, applies pragmas, and runs
// migrations.
func Open(path string, logger *slog.Logger, bus *events.Bus) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; avoids pool-level lock contention.

	s, err := NewFromDB(db, logger, bus)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an already-open *sql.DB and runs migrations against
// it. Production code should use Open; tests open their own *sql.DB
// against the pure-Go modernc.org/sqlite driver (blank-imported in the
// relevant _test.go file, matching the teacher's own split in
// internal/watchlist/store_test.go) and call NewFromDB directly.
func NewFromDB(db *sql.DB, logger *slog.Logger, bus *events.Bus) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, logger: logger, bus: bus}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := s.RefreshStats(); err != nil {
		logger.Warn("initial stats refresh failed", "error", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// publishRefresh emits the broadcast refresh signal plus a specific
// kind/data payload for external observers (spec §2, §5).
func (s *Store) publishRefresh(kind string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceStore, Kind: kind, Data: data})
	s.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceStore, Kind: events.KindRefresh})
}

// migrate creates the v1 schema: CREATE TABLE IF NOT EXISTS for every
// table and index. There is no additive ALTER TABLE path yet — a
// future schema change needs a PRAGMA table_info guard per added
// column before this is safe to run against an existing database.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		node_id INTEGER PRIMARY KEY,
		short_name TEXT,
		long_name TEXT,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		last_welcome TIMESTAMP,
		latitude REAL,
		longitude REAL,
		via_mqtt BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen);

	CREATE TABLE IF NOT EXISTS packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		from_node INTEGER NOT NULL,
		to_node INTEGER,
		channel INTEGER NOT NULL DEFAULT 0,
		direction TEXT NOT NULL,
		via_mqtt BOOLEAN NOT NULL DEFAULT 0,
		rssi INTEGER,
		snr REAL,
		hop_count INTEGER,
		hop_start INTEGER,
		packet_type TEXT NOT NULL,
		payload TEXT,
		mesh_packet_id INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON packets(timestamp);
	CREATE INDEX IF NOT EXISTS idx_packets_from_node ON packets(from_node);
	CREATE INDEX IF NOT EXISTS idx_packets_type ON packets(packet_type);

	CREATE TABLE IF NOT EXISTS mail (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		from_node INTEGER NOT NULL,
		to_node INTEGER NOT NULL,
		body TEXT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_mail_to_node ON mail(to_node, read);

	CREATE TABLE IF NOT EXISTS traceroute_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_key TEXT NOT NULL UNIQUE,
		source_node INTEGER NOT NULL,
		dest_node INTEGER,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		via_mqtt BOOLEAN NOT NULL DEFAULT 0,
		request_hops INTEGER,
		request_hop_start INTEGER,
		response_hops INTEGER,
		response_hop_start INTEGER,
		status TEXT NOT NULL,
		sample_count INTEGER NOT NULL DEFAULT 1,
		request_packet_id INTEGER,
		response_packet_id INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_trsessions_last_seen ON traceroute_sessions(last_seen);

	CREATE TABLE IF NOT EXISTS traceroute_session_hops (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		hop_index INTEGER NOT NULL,
		node_id INTEGER NOT NULL,
		observed_at TIMESTAMP NOT NULL,
		packet_id INTEGER,
		source_kind TEXT NOT NULL,
		UNIQUE(session_id, direction, hop_index, node_id),
		FOREIGN KEY (session_id) REFERENCES traceroute_sessions(id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// RefreshStats recomputes the cached Stats snapshot. Called at
// startup and on the event loop's periodic maintenance tick (spec
// §4.2, source 6).
func (s *Store) RefreshStats() error {
	s.mu.Lock()
	var nodeCount, packetCount, sessionCount int
	err := s.db.QueryRow(`SELECT count(*) FROM nodes`).Scan(&nodeCount)
	if err == nil {
		err = s.db.QueryRow(`SELECT count(*) FROM packets`).Scan(&packetCount)
	}
	if err == nil {
		err = s.db.QueryRow(`SELECT count(*) FROM traceroute_sessions`).Scan(&sessionCount)
	}
	s.mu.Unlock()

	if err != nil {
		return newTransient("refresh_stats", err)
	}

	s.statsMu.Lock()
	s.statsCache = Stats{
		NodeCount:    nodeCount,
		PacketCount:  packetCount,
		SessionCount: sessionCount,
		RefreshedAt:  time.Now(),
	}
	s.statsMu.Unlock()

	return nil
}

// CachedStats returns the most recently refreshed Stats snapshot.
func (s *Store) CachedStats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.statsCache
}

// bucketClause returns the SQLite strftime format for time-bucketing a
// query window: hourly for windows of 48h or less, daily otherwise.
// hours=0 means "all history", which uses the daily bucket.
func bucketClause(hours int) string {
	if hours > 0 && hours <= 48 {
		return "%Y-%m-%d %H:00:00"
	}
	return "%Y-%m-%d"
}

// windowSince returns the cutoff timestamp for hours, or the zero time
// if hours<=0 (meaning "all history").
func windowSince(hours int) time.Time {
	if hours <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-time.Duration(hours) * time.Hour)
}
