package store

import (
	"database/sql"
	"time"

	"github.com/hollowoak/meshbot/internal/events"
	"github.com/hollowoak/meshbot/internal/mesh"
)

// GetSessionByKey looks up a traceroute session by its canonical
// trace_key. Returns nil, nil if no session exists — the correlator
// uses this distinction to decide whether a reply may be correlated
// (spec §4.3: "no session is forged — correlator requires a
// pre-existing request row").
func (s *Store) GetSessionByKey(traceKey string) (*mesh.TracerouteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionByKeyLocked(traceKey)
}

func (s *Store) getSessionByKeyLocked(traceKey string) (*mesh.TracerouteSession, error) {
	row := s.db.QueryRow(`
		SELECT id, trace_key, source_node, dest_node, first_seen, last_seen, via_mqtt,
		       request_hops, request_hop_start, response_hops, response_hop_start,
		       status, sample_count, request_packet_id, response_packet_id
		FROM traceroute_sessions WHERE trace_key = ?`, traceKey)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newCorruption("get_session_by_key", err)
	}
	return sess, nil
}

// CreateSession inserts a new session at status=observed. Used both
// when the correlator first observes a trace_key and when the probe
// scheduler records the session for a request it is about to
// transmit (spec §4.4).
func (s *Store) CreateSession(traceKey string, sourceNode uint32, destNode *uint32, viaMQTT bool, requestPacketID *int64) (*mesh.TracerouteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO traceroute_sessions
			(trace_key, source_node, dest_node, first_seen, last_seen, via_mqtt, status, sample_count, request_packet_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, traceKey, sourceNode, destNode, now, now, viaMQTT, string(mesh.StatusObserved), requestPacketID)
	if err != nil {
		return nil, newTransient("create_session", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, newTransient("create_session_id", err)
	}

	s.publishRefresh(events.KindTracerouteUpdated, map[string]any{"trace_key": traceKey, "status": string(mesh.StatusObserved)})

	return &mesh.TracerouteSession{
		ID: id, TraceKey: traceKey, SourceNode: sourceNode, DestNode: destNode,
		FirstSeen: now, LastSeen: now, ViaMQTT: viaMQTT,
		Status: mesh.StatusObserved, SampleCount: 1, RequestPacketID: requestPacketID,
	}, nil
}

// SessionUpdate carries the fields TouchSession may set on a merge.
// Pointer fields left nil are not modified. Status is only ever
// promoted, never regressed (mesh.SessionStatus.Promotes enforces
// this; TouchSession clamps a regressing Status to the existing one).
type SessionUpdate struct {
	Status           mesh.SessionStatus
	RequestHops      *int
	RequestHopStart  *int
	ResponseHops     *int
	ResponseHopStart *int
	ResponsePacketID *int64
}

// TouchSession merges a new observation into an existing session:
// last_seen advances, sample_count increments, and any non-nil fields
// in upd are applied — status only if it is a forward (or equal)
// transition from the current status (spec §3 invariant: status never
// regresses).
func (s *Store) TouchSession(id int64, upd SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current mesh.SessionStatus
	if err := s.db.QueryRow(`SELECT status FROM traceroute_sessions WHERE id = ?`, id).Scan(&current); err != nil {
		return newIntegrity("touch_session_lookup", err)
	}

	newStatus := current
	if upd.Status != "" && current.Promotes(upd.Status) {
		newStatus = upd.Status
	}

	_, err := s.db.Exec(`
		UPDATE traceroute_sessions SET
			last_seen = ?,
			sample_count = sample_count + 1,
			status = ?,
			request_hops = COALESCE(?, request_hops),
			request_hop_start = COALESCE(?, request_hop_start),
			response_hops = COALESCE(?, response_hops),
			response_hop_start = COALESCE(?, response_hop_start),
			response_packet_id = COALESCE(?, response_packet_id)
		WHERE id = ?
	`, time.Now().UTC(), string(newStatus), upd.RequestHops, upd.RequestHopStart, upd.ResponseHops, upd.ResponseHopStart, upd.ResponsePacketID, id)
	if err != nil {
		return newTransient("touch_session", err)
	}

	if newStatus != current {
		s.publishRefresh(events.KindTracerouteUpdated, map[string]any{"session_id": id, "status": string(newStatus)})
	}
	return nil
}

// InsertHop idempotently inserts one traceroute hop row; repeated
// ingestion of the same (session_id, direction, hop_index, node_id)
// is a no-op thanks to the table's UNIQUE constraint (spec §3, §8
// round-trip law).
func (s *Store) InsertHop(h mesh.TracerouteSessionHop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.ObservedAt.IsZero() {
		h.ObservedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO traceroute_session_hops (session_id, direction, hop_index, node_id, observed_at, packet_id, source_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, direction, hop_index, node_id) DO NOTHING
	`, h.SessionID, string(h.Direction), h.HopIndex, h.NodeID, h.ObservedAt, h.PacketID, string(h.SourceKind))
	if err != nil {
		return newTransient("insert_hop", err)
	}
	return nil
}

// HopsForSession returns all hop rows for a session ordered by
// direction then hop_index, for tests and the dashboard's session
// detail view.
func (s *Store) HopsForSession(sessionID int64) ([]mesh.TracerouteSessionHop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, direction, hop_index, node_id, observed_at, packet_id, source_kind
		FROM traceroute_session_hops WHERE session_id = ?
		ORDER BY direction, hop_index`, sessionID)
	if err != nil {
		return nil, newTransient("hops_for_session", err)
	}
	defer rows.Close()

	var out []mesh.TracerouteSessionHop
	for rows.Next() {
		var h mesh.TracerouteSessionHop
		var direction, sourceKind string
		var packetID sql.NullInt64
		if err := rows.Scan(&h.ID, &h.SessionID, &direction, &h.HopIndex, &h.NodeID, &h.ObservedAt, &packetID, &sourceKind); err != nil {
			return nil, newCorruption("hops_for_session", err)
		}
		h.Direction = mesh.HopDirection(direction)
		h.SourceKind = mesh.SourceKind(sourceKind)
		if packetID.Valid {
			h.PacketID = &packetID.Int64
		}
		out = append(out, h)
	}
	return out, nil
}

// TracerouteSessions returns sessions with last_seen within hours (0 =
// all time), most-recent first, for the dashboard's session list.
// mqttFilter narrows to "local" or "mqtt_only"; any other value,
// including "all", applies no transport filter.
func (s *Store) TracerouteSessions(hours int, limit int, mqttFilter string) ([]mesh.TracerouteSession, error) {
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

	query := `
		SELECT id, trace_key, source_node, dest_node, first_seen, last_seen, via_mqtt,
		       request_hops, request_hop_start, response_hops, response_hop_start,
		       status, sample_count, request_packet_id, response_packet_id
		FROM traceroute_sessions`
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
		return nil, newTransient("traceroute_sessions", err)
	}
	defer rows.Close()

	var out []mesh.TracerouteSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, newCorruption("traceroute_sessions", err)
		}
		out = append(out, *sess)
	}
	return out, nil
}

// TracerouteRequesters returns a count of sessions per source_node
// (who has been requesting traceroutes), for the dashboard.
func (s *Store) TracerouteRequesters(hours int) ([]NodeCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeCountQuery(`SELECT source_node, count(*) FROM traceroute_sessions`, false, "source_node", hours)
}

// TracerouteDestinations returns a count of sessions per dest_node.
func (s *Store) TracerouteDestinations(hours int) ([]NodeCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeCountQuery(`SELECT dest_node, count(*) FROM traceroute_sessions WHERE dest_node IS NOT NULL`, true, "dest_node", hours)
}

// NodeCount is a node id paired with a count, for requester/destination
// distribution endpoints.
type NodeCount struct {
	NodeID uint32
	Count  int
}

func (s *Store) nodeCountQuery(baseQuery string, hasWhere bool, timeCol string, hours int) ([]NodeCount, error) {
	query := baseQuery
	var rows *sql.Rows
	var err error
	if hours > 0 {
		if hasWhere {
			query += " AND last_seen >= ?"
		} else {
			query += " WHERE last_seen >= ?"
		}
		query += " GROUP BY 1 ORDER BY 2 DESC"
		rows, err = s.db.Query(query, windowSince(hours))
	} else {
		query += " GROUP BY 1 ORDER BY 2 DESC"
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, newTransient("node_count_query", err)
	}
	defer rows.Close()

	var out []NodeCount
	for rows.Next() {
		var nc NodeCount
		if err := rows.Scan(&nc.NodeID, &nc.Count); err != nil {
			return nil, newCorruption("node_count_query", err)
		}
		out = append(out, nc)
	}
	return out, nil
}

// TracerouteEvents returns the most recent sessions touched within
// hours, an alias view over TracerouteSessions matching the
// dashboard's "events" terminology (spec §6).
func (s *Store) TracerouteEvents(hours int, limit int, mqttFilter string) ([]mesh.TracerouteSession, error) {
	return s.TracerouteSessions(hours, limit, mqttFilter)
}

func scanSession(row nodeScanner) (*mesh.TracerouteSession, error) {
	var sess mesh.TracerouteSession
	var destNode sql.NullInt64
	var reqHops, reqHopStart, respHops, respHopStart sql.NullInt64
	var status string
	var reqPktID, respPktID sql.NullInt64

	if err := row.Scan(
		&sess.ID, &sess.TraceKey, &sess.SourceNode, &destNode, &sess.FirstSeen, &sess.LastSeen, &sess.ViaMQTT,
		&reqHops, &reqHopStart, &respHops, &respHopStart,
		&status, &sess.SampleCount, &reqPktID, &respPktID,
	); err != nil {
		return nil, err
	}

	sess.Status = mesh.SessionStatus(status)
	if destNode.Valid {
		v := uint32(destNode.Int64)
		sess.DestNode = &v
	}
	if reqHops.Valid {
		v := int(reqHops.Int64)
		sess.RequestHops = &v
	}
	if reqHopStart.Valid {
		v := int(reqHopStart.Int64)
		sess.RequestHopStart = &v
	}
	if respHops.Valid {
		v := int(respHops.Int64)
		sess.ResponseHops = &v
	}
	if respHopStart.Valid {
		v := int(respHopStart.Int64)
		sess.ResponseHopStart = &v
	}
	if reqPktID.Valid {
		sess.RequestPacketID = &reqPktID.Int64
	}
	if respPktID.Valid {
		sess.ResponsePacketID = &respPktID.Int64
	}
	return &sess, nil
}
