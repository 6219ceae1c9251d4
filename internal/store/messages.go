package store

import (
	"context"
	"fmt"

	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// AppendMessage adds a turn to the end of a profile's transcript.
func (s *Store) AppendMessage(ctx context.Context, m models.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, profile_id, sender, body, created_at, tool_output, tool_name, is_error, retry_input)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProfileID, string(m.Sender), m.Text, toMillis(m.Timestamp),
		boolInt(m.IsToolOutput), m.ToolName, boolInt(m.IsError), m.RetryInput)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a profile's transcript in insertion order.
func (s *Store) ListMessages(ctx context.Context, profileID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile_id, sender, body, created_at, tool_output, tool_name, is_error, retry_input
		 FROM messages WHERE profile_id = ? ORDER BY seq`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var (
			m              models.Message
			sender         string
			created        int64
			toolOut, isErr int
		)
		if err := rows.Scan(&m.ID, &m.ProfileID, &sender, &m.Text, &created,
			&toolOut, &m.ToolName, &isErr, &m.RetryInput); err != nil {
			return nil, err
		}
		m.Sender = models.Sender(sender)
		m.Timestamp = fromMillis(created)
		m.IsToolOutput = toolOut != 0
		m.IsError = isErr != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteErrorTurns drops every error turn of a profile and reports how many were removed.
func (s *Store) DeleteErrorTurns(ctx context.Context, profileID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE profile_id = ? AND is_error = 1`, profileID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete error turns: %w", err)
	}
	return res.RowsAffected()
}

// AppendLog records one immutable action log entry.
func (s *Store) AppendLog(ctx context.Context, l models.ActionLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_logs (id, profile_id, created_at, action, detail, status) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.ProfileID, toMillis(l.Timestamp), l.Action, l.Detail, string(l.Status))
	if err != nil {
		return fmt.Errorf("failed to append action log: %w", err)
	}
	return nil
}

// ListLogs returns up to limit entries of a profile's action log, newest first.
func (s *Store) ListLogs(ctx context.Context, profileID string, limit int) ([]models.ActionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile_id, created_at, action, detail, status
		 FROM action_logs WHERE profile_id = ? ORDER BY seq DESC LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list action logs: %w", err)
	}
	defer rows.Close()

	logs := []models.ActionLog{}
	for rows.Next() {
		var (
			l       models.ActionLog
			created int64
			status  string
		)
		if err := rows.Scan(&l.ID, &l.ProfileID, &created, &l.Action, &l.Detail, &status); err != nil {
			return nil, err
		}
		l.Timestamp = fromMillis(created)
		l.Status = models.ActionStatus(status)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
