package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// EventRecord is one persisted audit event. Payload is the full wire-format
// event as published to subscribers.
type EventRecord struct {
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"event_type"`
	Agent     string          `json:"agent,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendEvent persists one event. Sequence numbers are assigned by the
// publisher; (session, sequence) is the primary key, so a duplicate append
// fails loudly rather than silently reordering the log.
func (s *Store) AppendEvent(rec *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_events (session_id, sequence, event_type, agent, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Sequence, rec.Type, rec.Agent, string(rec.Payload), rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListEvents returns persisted events with sequence > fromSeq, ascending.
// An empty types filter returns every kind. Limit <= 0 means no limit.
func (s *Store) ListEvents(sessionID string, fromSeq int64, limit int, types []string) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT session_id, sequence, event_type, agent, payload, created_at
		FROM audit_events WHERE session_id = ? AND sequence > ?`
	args := []interface{}{sessionID, fromSeq}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ",") + ")"
	}

	query += " ORDER BY sequence"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var rec EventRecord
		var agent sql.NullString
		var payload string
		var created int64
		if err := rows.Scan(&rec.SessionID, &rec.Sequence, &rec.Type, &agent, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		rec.Agent = agent.String
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = time.Unix(created, 0)
		events = append(events, rec)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest persisted sequence for a session, 0 if
// none.
func (s *Store) LatestSequence(sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(sequence) FROM audit_events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest sequence: %w", err)
	}
	return seq.Int64, nil
}

// retentionWorker runs periodically to delete terminal sessions past the
// retention window. Cascade removes their executions, findings, retrieval
// logs, and events.
func (s *Store) retentionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	time.AfterFunc(5*time.Minute, func() {
		s.cleanupOldSessions()
	})

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanupOldSessions()
		}
	}
}

func (s *Store) cleanupOldSessions() {
	if s.retentionDays <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).Unix()

	result, err := s.db.Exec(`
		DELETE FROM sessions
		WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old sessions")
		return
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Int("retentionDays", s.retentionDays).
			Msg("Cleaned up old audit sessions")
	}
}
