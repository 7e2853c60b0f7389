package store

import (
	"database/sql"
	"time"

	"github.com/hollowoak/meshbot/internal/events"
	"github.com/hollowoak/meshbot/internal/mesh"
)

// UpsertNode records an observation of node. On first observation a
// row is inserted with first_seen=last_seen=now. On every subsequent
// observation: last_seen is bumped to now, names are updated only if
// the incoming ones are non-empty, via_mqtt reflects the incoming
// transport, and any existing position is preserved if the new
// observation carries none (spec §4.1).
func (s *Store) UpsertNode(nodeID uint32, shortName, longName string, transport mesh.Transport, lat, lon *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	viaMQTT := transport == mesh.TransportMQTT

	_, err := s.db.Exec(`
		INSERT INTO nodes (node_id, short_name, long_name, first_seen, last_seen, latitude, longitude, via_mqtt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			short_name = CASE WHEN excluded.short_name != '' THEN excluded.short_name ELSE nodes.short_name END,
			long_name = CASE WHEN excluded.long_name != '' THEN excluded.long_name ELSE nodes.long_name END,
			via_mqtt = excluded.via_mqtt,
			latitude = CASE WHEN excluded.latitude IS NOT NULL THEN excluded.latitude ELSE nodes.latitude END,
			longitude = CASE WHEN excluded.longitude IS NOT NULL THEN excluded.longitude ELSE nodes.longitude END
	`, nodeID, shortName, longName, now, now, lat, lon, viaMQTT)
	if err != nil {
		return newTransient("upsert_node", err)
	}

	s.publishRefresh(events.KindNodeUpdated, map[string]any{"node_id": nodeID})
	return nil
}

// GetNode looks up a single node by id. Returns nil, nil if not found.
func (s *Store) GetNode(nodeID uint32) (*mesh.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT node_id, short_name, long_name, first_seen, last_seen, last_welcome, latitude, longitude, via_mqtt
		FROM nodes WHERE node_id = ?`, nodeID)

	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newCorruption("get_node", err)
	}
	return n, nil
}

// MarkWelcomed records that node has received its welcome message.
func (s *Store) MarkWelcomed(nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE nodes SET last_welcome = ? WHERE node_id = ?`, time.Now().UTC(), nodeID)
	if err != nil {
		return newTransient("mark_welcomed", err)
	}
	return nil
}

// RecentNodes returns nodes whose last_seen falls within hours (0 =
// all time), most-recent first, capped at limit. mqttFilter narrows to
// "local" (via_mqtt=0) or "mqtt_only" (via_mqtt=1); any other value,
// including "all", applies no transport filter.
func (s *Store) RecentNodes(hours int, limit int, mqttFilter string) ([]mesh.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clauses := []string{}
	args := []any{}
	if hours > 0 {
		clauses = append(clauses, "last_seen >= ?")
		args = append(args, windowSince(hours))
	}
	switch mqttFilter {
	case "local":
		clauses = append(clauses, "via_mqtt = 0")
	case "mqtt_only":
		clauses = append(clauses, "via_mqtt = 1")
	}

	query := `SELECT node_id, short_name, long_name, first_seen, last_seen, last_welcome, latitude, longitude, via_mqtt FROM nodes`
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY last_seen DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, newTransient("recent_nodes", err)
	}
	defer rows.Close()

	var out []mesh.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, newCorruption("recent_nodes", err)
		}
		out = append(out, *n)
	}
	return out, nil
}

// NodesEligibleForProbe returns up to limit nodes last seen via RF
// within recentWithin that have no stored inbound RF traceroute hop
// sample, ordered most-recently-seen first. Grounds the probe
// scheduler's candidate-selection windows (spec §4.4).
func (s *Store) NodesEligibleForProbe(myNodeID uint32, recentWithin time.Duration, limit int) ([]mesh.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT n.node_id, n.short_name, n.long_name, n.first_seen, n.last_seen, n.last_welcome, n.latitude, n.longitude, n.via_mqtt
		FROM nodes n
		WHERE n.node_id != ?
		  AND n.via_mqtt = 0
		  AND n.last_seen >= ?
		  AND NOT EXISTS (
		    SELECT 1 FROM traceroute_session_hops h
		    JOIN traceroute_sessions ts ON ts.id = h.session_id
		    WHERE h.node_id = n.node_id
		      AND h.direction = 'request'
		      AND ts.via_mqtt = 0
		  )
		ORDER BY n.last_seen DESC
		LIMIT ?
	`, myNodeID, time.Now().Add(-recentWithin).UTC(), limit)
	if err != nil {
		return nil, newTransient("nodes_eligible_for_probe", err)
	}
	defer rows.Close()

	var out []mesh.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, newCorruption("nodes_eligible_for_probe", err)
		}
		out = append(out, *n)
	}
	return out, nil
}

type nodeScanner interface {
	Scan(dest ...any) error
}

func scanNode(row nodeScanner) (*mesh.Node, error) {
	var n mesh.Node
	var lastWelcome sql.NullTime
	var lat, lon sql.NullFloat64
	if err := row.Scan(&n.NodeID, &n.ShortName, &n.LongName, &n.FirstSeen, &n.LastSeen, &lastWelcome, &lat, &lon, &n.ViaMQTT); err != nil {
		return nil, err
	}
	if lastWelcome.Valid {
		n.LastWelcome = &lastWelcome.Time
	}
	if lat.Valid {
		n.Latitude = &lat.Float64
	}
	if lon.Valid {
		n.Longitude = &lon.Float64
	}
	return &n, nil
}
