package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"convpipe/internal/domain"
)

const conversationColumns = `id, tenant, counterpart, responder_enabled,
	summary_index, summary_text, summary_facts, summary_stage, tokens_saved, summary_updated_at,
	summary_version, message_count, created_at, updated_at, summary_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		c                           domain.Conversation
		enabled                     int
		facts                       string
		summaryAt, created, updated int64
	)
	err := row.Scan(&c.ID, &c.Tenant, &c.CounterpartAddress, &enabled,
		&c.Summary.LastSummarizedIndex, &c.Summary.Text, &facts, &c.Summary.Stage,
		&c.Summary.TokensSaved, &summaryAt, &c.SummaryVersion, &c.MessageCount, &created, &updated, &c.SummarySeq)
	if err != nil {
		return nil, err
	}
	c.ResponderEnabled = enabled != 0
	if facts != "" {
		if err := json.Unmarshal([]byte(facts), &c.Summary.Facts); err != nil {
			return nil, fmt.Errorf("decode facts for %s: %w", c.ID, err)
		}
	}
	c.Summary.LastUpdated = fromMillis(summaryAt)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// FindOrCreate returns the conversation for (tenant, counterpart). The UNIQUE
// constraint makes concurrent first contact converge on one row.
func (s *SQLiteStore) FindOrCreate(ctx context.Context, tenant, counterpart string) (*domain.Conversation, error) {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant, counterpart, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, counterpart) DO NOTHING`,
		uuid.NewString(), tenant, counterpart, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant = ? AND counterpart = ?`,
		tenant, counterpart)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return conv, nil
}

// AppendMessage assigns the next log position and bumps the message count in
// one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, convID string, msg domain.Message) (domain.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return msg, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `SELECT message_count FROM conversations WHERE id = ?`, convID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return msg, fmt.Errorf("conversation %s: %w", convID, domain.ErrNotFound)
	}
	if err != nil {
		return msg, fmt.Errorf("read message count: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, direction, body, sent_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		convID, count, string(msg.Direction), msg.Body, msg.SentBy, toMillis(msg.CreatedAt),
	)
	if err != nil {
		return msg, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = ?, updated_at = ? WHERE id = ?`,
		count+1, toMillis(s.now()), convID,
	); err != nil {
		return msg, fmt.Errorf("update message count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return msg, fmt.Errorf("commit append: %w", err)
	}

	msg.ID, _ = res.LastInsertId()
	msg.ConversationID = convID
	msg.Seq = count
	return msg, nil
}

// ImportHistory appends a batch of historical messages after sorting them by
// timestamp once. Used when seeding a conversation from an external export.
func (s *SQLiteStore) ImportHistory(ctx context.Context, convID string, msgs []domain.Message) (int, error) {
	sorted := make([]domain.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	for i, m := range sorted {
		if _, err := s.AppendMessage(ctx, convID, m); err != nil {
			return i, err
		}
	}
	return len(sorted), nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, convID string, from, limit int) ([]domain.Message, error) {
	if from < 0 {
		from = 0
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, direction, body, sent_by, created_at
		 FROM messages WHERE conversation_id = ? AND seq >= ?
		 ORDER BY seq ASC LIMIT ?`,
		convID, from, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m       domain.Message
			dir     string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &dir, &m.Body, &m.SentBy, &created); err != nil {
			return nil, err
		}
		m.Direction = domain.Direction(dir)
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateSummary is a compare-and-set on summary_version. The cursor may only
// move forward and never past the log. Every write takes the next store-wide
// summary_seq, so tenant aggregation can resume exactly where it stopped.
func (s *SQLiteStore) UpdateSummary(ctx context.Context, convID string, expectedVersion int64, sum domain.Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary update: %w", err)
	}
	defer tx.Rollback()

	var version int64
	var index, count int
	err = tx.QueryRowContext(ctx,
		`SELECT summary_version, summary_index, message_count FROM conversations WHERE id = ?`, convID,
	).Scan(&version, &index, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", convID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read summary version: %w", err)
	}
	if version != expectedVersion {
		return &domain.VersionConflict{Entity: "conversation", ID: convID, Expected: expectedVersion, Actual: version}
	}
	if sum.LastSummarizedIndex < index || sum.LastSummarizedIndex > count {
		return fmt.Errorf("%w: index %d outside [%d, %d]", domain.ErrInvalidSummary, sum.LastSummarizedIndex, index, count)
	}

	facts, err := json.Marshal(sum.Facts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	if sum.LastUpdated.IsZero() {
		sum.LastUpdated = s.now()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET summary_index = ?, summary_text = ?, summary_facts = ?, summary_stage = ?,
			tokens_saved = ?, summary_updated_at = ?, summary_version = summary_version + 1, updated_at = ?,
			summary_seq = (SELECT COALESCE(MAX(summary_seq), 0) + 1 FROM conversations)
		 WHERE id = ?`,
		sum.LastSummarizedIndex, sum.Text, string(facts), sum.Stage, sum.TokensSaved,
		toMillis(sum.LastUpdated), toMillis(s.now()), convID,
	); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetResponderEnabled(ctx context.Context, convID string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET responder_enabled = ?, updated_at = ? WHERE id = ?`,
		v, toMillis(s.now()), convID)
	if err != nil {
		return fmt.Errorf("set responder flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListSummarizedSince(ctx context.Context, tenant string, afterSeq int64, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE tenant = ? AND summary_seq > ?
		 ORDER BY summary_seq ASC LIMIT ?`,
		tenant, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list summarized conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant FROM conversations ORDER BY tenant`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTenantSummary returns the stored aggregate, or an empty version-0 one
// when the tenant has never been summarized.
func (s *SQLiteStore) GetTenantSummary(ctx context.Context, tenant string) (*domain.TenantSummary, error) {
	var (
		ts                = domain.TenantSummary{Tenant: tenant}
		insights          string
		cursor, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT text, insights, stage, conversations_covered, cursor, cursor_seq, version, updated_at
		 FROM tenant_summaries WHERE tenant = ?`, tenant,
	).Scan(&ts.Text, &insights, &ts.Stage, &ts.ConversationsCovered, &cursor, &ts.CursorSeq, &ts.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &ts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant summary: %w", err)
	}
	if insights != "" {
		if err := json.Unmarshal([]byte(insights), &ts.Insights); err != nil {
			return nil, fmt.Errorf("decode insights: %w", err)
		}
	}
	ts.Cursor = fromMillis(cursor)
	ts.LastUpdated = fromMillis(updatedAt)
	return &ts, nil
}

func (s *SQLiteStore) UpdateTenantSummary(ctx context.Context, expectedVersion int64, ts domain.TenantSummary) error {
	insights, err := json.Marshal(ts.Insights)
	if err != nil {
		return fmt.Errorf("encode insights: %w", err)
	}
	if ts.LastUpdated.IsZero() {
		ts.LastUpdated = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tenant summary update: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM tenant_summaries WHERE tenant = ?`, ts.Tenant).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read tenant summary version: %w", err)
	}
	if version != expectedVersion {
		return &domain.VersionConflict{Entity: "tenant_summary", ID: ts.Tenant, Expected: expectedVersion, Actual: version}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_summaries (tenant, text, insights, stage, conversations_covered, cursor, cursor_seq, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant) DO UPDATE SET text = excluded.text, insights = excluded.insights,
			stage = excluded.stage, conversations_covered = excluded.conversations_covered,
			cursor = excluded.cursor, cursor_seq = excluded.cursor_seq, version = excluded.version,
			updated_at = excluded.updated_at`,
		ts.Tenant, ts.Text, string(insights), ts.Stage, ts.ConversationsCovered,
		toMillis(ts.Cursor), ts.CursorSeq, version+1, toMillis(ts.LastUpdated),
	); err != nil {
		return fmt.Errorf("write tenant summary: %w", err)
	}
	return tx.Commit()
}
