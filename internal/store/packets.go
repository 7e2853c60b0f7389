package store

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/hollowoak/meshbot/internal/events"
	"github.com/hollowoak/meshbot/internal/mesh"
)

// LogPacket appends a packet row. Insertion is unconditional — no
// de-duplication is performed; callers are responsible for
// classifying the packet type (spec §4.1). Returns the assigned
// packet id.
func (s *Store) LogPacket(p mesh.Packet) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	res, err := s.db.Exec(`
		INSERT INTO packets (timestamp, from_node, to_node, channel, direction, via_mqtt, rssi, snr, hop_count, hop_start, packet_type, payload, mesh_packet_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Timestamp, p.FromNode, p.ToNode, p.Channel, string(p.Direction), p.ViaMQTT, p.RSSI, p.SNR, p.HopCount, p.HopStart, string(p.Type), p.Payload, p.MeshPktID)
	if err != nil {
		return 0, newTransient("log_packet", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, newTransient("log_packet_id", err)
	}

	s.publishRefresh(events.KindPacketLogged, map[string]any{
		"packet_type": string(p.Type),
		"from_node":   p.FromNode,
		"direction":   string(p.Direction),
	})
	return id, nil
}

// Throughput returns packet counts bucketed by time (hourly if hours
// is within 48, daily otherwise; hours=0 means all history, bucketed
// daily).
func (s *Store) Throughput(hours int) ([]BucketCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketedCount(`SELECT strftime(?, timestamp) AS bucket, count(*) FROM packets`, false, hours)
}

// PacketThroughput is Throughput filtered to a single packet type,
// unfiltered when packetType is empty.
func (s *Store) PacketThroughput(hours int, packetType string) ([]BucketCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT strftime(?, timestamp) AS bucket, count(*) FROM packets`
	hasWhere := packetType != ""
	if hasWhere {
		query += ` WHERE packet_type = '` + sanitizeIdent(packetType) + `'`
	}
	return s.bucketedCount(query, hasWhere, hours)
}

// BucketCount is one labelled time bucket with a count, used by the
// dashboard's throughput/distribution endpoints.
type BucketCount struct {
	Bucket string
	Count  int
}

// bucketedCount executes query (which must select "bucket, count"
// already projected via strftime(?, timestamp)) constrained to the
// window implied by hours, grouped and ordered by bucket. hasWhere
// tells the function whether query already carries a WHERE clause it
// must AND onto rather than introduce. Callers hold s.mu already.
func (s *Store) bucketedCount(query string, hasWhere bool, hours int) ([]BucketCount, error) {
	format := bucketClause(hours)
	since := windowSince(hours)

	if hours > 0 {
		if hasWhere {
			query += " AND timestamp >= ?"
		} else {
			query += " WHERE timestamp >= ?"
		}
	}
	query += " GROUP BY bucket ORDER BY bucket"

	var rows *sql.Rows
	var err error
	if hours > 0 {
		rows, err = s.db.Query(query, format, since)
	} else {
		rows, err = s.db.Query(query, format)
	}
	if err != nil {
		return nil, newTransient("bucketed_count", err)
	}
	defer rows.Close()

	var out []BucketCount
	for rows.Next() {
		var bc BucketCount
		if err := rows.Scan(&bc.Bucket, &bc.Count); err != nil {
			return nil, newCorruption("bucketed_count", err)
		}
		out = append(out, bc)
	}
	return out, nil
}

// sanitizeIdent strips characters outside [a-z_] from an
// externally-supplied packet-type filter before splicing it into SQL,
// since the value enumerates a small fixed vocabulary (spec §3) rather
// than taking a bind parameter for a dynamically-built WHERE fragment.
func sanitizeIdent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || c == '_' {
			out = append(out, c)
		}
	}
	return string(out)
}

// RSSIDistribution buckets packets by RSSI value into labelled
// ranges, for the dashboard's signal-quality histogram.
func (s *Store) RSSIDistribution(hours int, mqttFilter string) ([]BucketCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeDistribution("rssi", []int{-120, -100, -90, -80, -70, -60, 0}, hours, mqttFilter)
}

// SNRDistribution buckets packets by SNR, truncated to whole dB, into
// labelled ranges.
func (s *Store) SNRDistribution(hours int, mqttFilter string) ([]BucketCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeDistribution("CAST(snr AS INTEGER)", []int{-20, -10, 0, 5, 10, 15, 20}, hours, mqttFilter)
}

// HopsDistribution buckets packets by hop_count.
func (s *Store) HopsDistribution(hours int, mqttFilter string) ([]BucketCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeDistribution("hop_count", []int{0, 1, 2, 3, 4, 5, 8}, hours, mqttFilter)
}

func (s *Store) rangeDistribution(column string, edges []int, hours int, mqttFilter string) ([]BucketCount, error) {
	clauses := []string{column + " IS NOT NULL"}
	args := []any{}
	if hours > 0 {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, windowSince(hours))
	}
	switch mqttFilter {
	case "local":
		clauses = append(clauses, "via_mqtt = 0")
	case "mqtt_only":
		clauses = append(clauses, "via_mqtt = 1")
	}

	where := ""
	for i, c := range clauses {
		if i == 0 {
			where = " WHERE " + c
		} else {
			where += " AND " + c
		}
	}

	rows, err := s.db.Query("SELECT "+column+" FROM packets"+where, args...)
	if err != nil {
		return nil, newTransient("range_distribution", err)
	}
	defer rows.Close()

	counts := make([]int, len(edges))
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, newCorruption("range_distribution", err)
		}
		for i, edge := range edges {
			if v <= edge {
				counts[i]++
				break
			}
		}
	}

	out := make([]BucketCount, 0, len(edges))
	for i, edge := range edges {
		out = append(out, BucketCount{Bucket: bucketLabel(i, edges, edge), Count: counts[i]})
	}
	return out, nil
}

func bucketLabel(i int, edges []int, edge int) string {
	if i == 0 {
		return "<=" + strconv.Itoa(edge)
	}
	return strconv.Itoa(edges[i-1]+1) + ".." + strconv.Itoa(edge)
}
