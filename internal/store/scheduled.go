package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"convpipe/internal/domain"
)

const scheduledColumns = `id, conversation_id, counterpart, tenant, kind, content, generation_context,
	scheduled_for, trigger_event, status, retry_count, max_retries, next_retry_at, sent_at,
	error_message, created_at, updated_at`

// cancellable matches records that have not reached a terminal state.
const cancellable = `(status = 'pending' OR (status = 'failed' AND retry_count < max_retries))`

func scanScheduled(row rowScanner) (*domain.ScheduledMessage, error) {
	var (
		m                    domain.ScheduledMessage
		status               string
		scheduledFor         int64
		nextRetry, sentAt    sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.CounterpartAddress, &m.Tenant, &m.Kind, &m.Content,
		&m.GenerationContext, &scheduledFor, &m.TriggerEvent, &status, &m.RetryCount, &m.MaxRetries,
		&nextRetry, &sentAt, &m.ErrorMessage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = domain.ScheduleStatus(status)
	m.ScheduledFor = fromMillis(scheduledFor)
	m.NextRetryAt = fromNullMillis(nextRetry)
	m.SentAt = fromNullMillis(sentAt)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

func (s *SQLiteStore) CreateScheduled(ctx context.Context, m *domain.ScheduledMessage) error {
	now := s.now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = domain.StatusPending
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = domain.DefaultMaxRetries
	}
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages (`+scheduledColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.CounterpartAddress, m.Tenant, m.Kind, m.Content, m.GenerationContext,
		toMillis(m.ScheduledFor), m.TriggerEvent, string(m.Status), m.RetryCount, m.MaxRetries,
		nullMillis(m.NextRetryAt), nullMillis(m.SentAt), m.ErrorMessage, toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetScheduled(ctx context.Context, id string) (*domain.ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id = ?`, id)
	m, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduled message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load scheduled message %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteStore) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	return s.querySchedule(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_messages
		 WHERE status = 'pending' AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC LIMIT ?`,
		toMillis(now), limitOrAll(limit))
}

func (s *SQLiteStore) FindRetryDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	return s.querySchedule(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_messages
		 WHERE status = 'failed' AND retry_count < max_retries
		   AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC LIMIT ?`,
		toMillis(now), limitOrAll(limit))
}

// UpdateStatus is conditional on the current status and on the retry bound,
// so two pollers racing on one record cannot both apply a transition.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, t domain.Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition to %s: no source states", t.To)
	}
	placeholders := make([]string, len(t.From))
	args := []any{
		string(t.To), t.RetryCount, nullMillis(t.NextRetryAt), nullMillis(t.SentAt),
		t.ErrorMessage, toMillis(s.now()), id, t.RetryCount,
	}
	for i, st := range t.From {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages
		 SET status = ?, retry_count = ?, next_retry_at = ?, sent_at = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND ? <= max_retries AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("update scheduled message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) CancelScheduled(ctx context.Context, f domain.ScheduleFilter, exclude []string) (int, error) {
	where, args := filterClause(f)
	where = append(where, cancellable)
	if len(exclude) > 0 {
		ph := make([]string, len(exclude))
		for i, id := range exclude {
			ph[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id NOT IN ("+strings.Join(ph, ", ")+")")
	}

	query := `UPDATE scheduled_messages SET status = 'cancelled', next_retry_at = NULL, updated_at = ?
		WHERE ` + strings.Join(where, " AND ")
	res, err := s.db.ExecContext(ctx, query, append([]any{toMillis(s.now())}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled messages: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ListScheduled(ctx context.Context, f domain.ScheduleFilter) ([]domain.ScheduledMessage, error) {
	where, args := filterClause(f)
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY scheduled_for ASC LIMIT ?`
	return s.querySchedule(ctx, query, append(args, limit)...)
}

func (s *SQLiteStore) ScheduledStats(ctx context.Context, tenant string) (domain.ScheduleStats, error) {
	var stats domain.ScheduleStats
	query := `SELECT status, retry_count >= max_retries AS exhausted, COUNT(*) FROM scheduled_messages`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` GROUP BY status, exhausted`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return stats, fmt.Errorf("scheduled stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status    string
			exhausted int
			n         int
		)
		if err := rows.Scan(&status, &exhausted, &n); err != nil {
			return stats, err
		}
		switch domain.ScheduleStatus(status) {
		case domain.StatusPending:
			stats.Pending += n
		case domain.StatusSent:
			stats.Sent += n
		case domain.StatusCancelled:
			stats.Cancelled += n
		case domain.StatusFailed:
			if exhausted != 0 {
				stats.Exhausted += n
			} else {
				stats.Failed += n
			}
		}
		stats.Total += n
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) querySchedule(ctx context.Context, query string, args ...any) ([]domain.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func filterClause(f domain.ScheduleFilter) ([]string, []any) {
	var where []string
	var args []any
	if f.ID != "" {
		where = append(where, "id = ?")
		args = append(args, f.ID)
	}
	if f.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.Counterpart != "" {
		where = append(where, "counterpart = ?")
		args = append(args, f.Counterpart)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	return where, args
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
