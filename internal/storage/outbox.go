package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fixlink/fixlink-client/internal/models"

	"go.uber.org/zap"
)

// Enqueue stores messages whose REST send failed so they can be retried.
// A user-authored message is never silently dropped.
func (s *Store) Enqueue(messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO outbox (conversation_id, correlation_id, message_data, created_at, retry_count)
		VALUES (?, ?, ?, ?, 0)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("Failed to marshal outbox message", zap.Error(err))
			continue
		}

		if _, err := stmt.Exec(msg.ConversationID, msg.CorrelationID, string(data), time.Now()); err != nil {
			s.logger.Error("Failed to enqueue message", zap.Error(err))
			continue
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Messages enqueued for retry",
		zap.Int("count", len(messages)),
	)
	return nil
}

// Dequeue retrieves a batch of messages awaiting retry, oldest first
func (s *Store) Dequeue(limit int) ([]models.Message, []int64, error) {
	rows, err := s.Query(`
		SELECT id, message_data
		FROM outbox
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	var ids []int64

	for rows.Next() {
		var id int64
		var data string

		if err := rows.Scan(&id, &data); err != nil {
			s.logger.Error("Failed to scan outbox row", zap.Error(err))
			continue
		}

		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.logger.Error("Failed to unmarshal outbox message", zap.Error(err), zap.Int64("id", id))
			// Remove corrupted entry
			s.Exec("DELETE FROM outbox WHERE id = ?", id)
			continue
		}

		messages = append(messages, msg)
		ids = append(ids, id)
	}

	return messages, ids, nil
}

// Remove deletes outbox entries after a successful send
func (s *Store) Remove(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := "DELETE FROM outbox WHERE id IN ("
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	result, err := s.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to remove outbox entries: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	s.logger.Debug("Outbox entries removed",
		zap.Int64("count", rowsAffected),
	)
	return nil
}

// IncrementRetry bumps the retry count after a failed resend
func (s *Store) IncrementRetry(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := "UPDATE outbox SET retry_count = retry_count + 1, last_attempt = ? WHERE id IN ("
	args := make([]interface{}, len(ids)+1)
	args[0] = time.Now()
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i+1] = id
	}
	query += ")"

	if _, err := s.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	return nil
}

// PendingCount returns the number of messages awaiting retry
func (s *Store) PendingCount() (int, error) {
	var count int
	err := s.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending count: %w", err)
	}
	return count, nil
}
