package store

// Overview is the summary payload for the dashboard's landing view
// (spec §6): counts plus the cached stats snapshot refreshed on the
// event loop's maintenance tick.
type Overview struct {
	Stats        Stats
	QueueDepth   int
	SessionCount int
}

// BuildOverview assembles the Overview payload. queueDepth is supplied
// by the caller since the Queue's mutex-guarded depth lives outside
// the Store (spec §5).
func (s *Store) BuildOverview(queueDepth int) (Overview, error) {
	stats := s.CachedStats()

	s.mu.Lock()
	var sessionCount int
	err := s.db.QueryRow(`SELECT count(*) FROM traceroute_sessions`).Scan(&sessionCount)
	s.mu.Unlock()
	if err != nil {
		return Overview{}, newTransient("build_overview", err)
	}

	return Overview{Stats: stats, QueueDepth: queueDepth, SessionCount: sessionCount}, nil
}
