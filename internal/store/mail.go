package store

import (
	"database/sql"
	"time"

	"github.com/hollowoak/meshbot/internal/mesh"
)

// CreateMail inserts a new store-and-forward message (spec §3: present
// because modules depend on it, not part of the hard core). Returns
// the assigned id.
func (s *Store) CreateMail(fromNode, toNode uint32, body string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO mail (timestamp, from_node, to_node, body, read)
		VALUES (?, ?, ?, ?, 0)
	`, time.Now().UTC(), fromNode, toNode, body)
	if err != nil {
		return 0, newTransient("create_mail", err)
	}
	return res.LastInsertId()
}

// MailForNode returns mail addressed to toNode, oldest first. When
// unreadOnly is true, only unread mail is returned.
func (s *Store) MailForNode(toNode uint32, unreadOnly bool) ([]mesh.MailItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, timestamp, from_node, to_node, body, read FROM mail WHERE to_node = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.Query(query, toNode)
	if err != nil {
		return nil, newTransient("mail_for_node", err)
	}
	defer rows.Close()

	var out []mesh.MailItem
	for rows.Next() {
		var m mesh.MailItem
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.FromNode, &m.ToNode, &m.Body, &m.Read); err != nil {
			return nil, newCorruption("mail_for_node", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkRead flips the read flag for one mail item.
func (s *Store) MarkRead(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE mail SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return newTransient("mark_read", err)
	}
	return checkOneRow(res, "mark_read")
}

// DeleteMail removes one mail item by id, scoped to owner so a node
// cannot delete another node's mail.
func (s *Store) DeleteMail(id int64, owner uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM mail WHERE id = ? AND to_node = ?`, id, owner)
	if err != nil {
		return newTransient("delete_mail", err)
	}
	return checkOneRow(res, "delete_mail")
}

func checkOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return newTransient(op, err)
	}
	if n == 0 {
		return newIntegrity(op, sql.ErrNoRows)
	}
	return nil
}
