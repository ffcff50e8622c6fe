package domain

import (
	"context"
	"time"
)

// ScheduleStatus is the delivery state of a ScheduledMessage.
type ScheduleStatus string

const (
	StatusPending   ScheduleStatus = "pending"
	StatusSent      ScheduleStatus = "sent"
	StatusFailed    ScheduleStatus = "failed"
	StatusCancelled ScheduleStatus = "cancelled"
)

// Kinds of scheduled messages.
const (
	KindFollowUp = "follow_up"
	KindReminder = "reminder"
	KindNurture  = "nurture"
	KindCustom   = "custom"
)

const DefaultMaxRetries = 3

// ScheduledMessage is a deferred send request. It is never deleted, only
// terminalized: sent and cancelled are terminal, failed is terminal once
// RetryCount reaches MaxRetries.
type ScheduledMessage struct {
	ID                 string         `json:"id"`
	ConversationID     string         `json:"conversation_id"`
	CounterpartAddress string         `json:"counterpart_address"`
	Tenant             string         `json:"tenant"`
	Kind               string         `json:"kind"`
	Content            string         `json:"content,omitempty"`
	GenerationContext  string         `json:"generation_context,omitempty"`
	ScheduledFor       time.Time      `json:"scheduled_for"`
	TriggerEvent       string         `json:"trigger_event,omitempty"`
	Status             ScheduleStatus `json:"status"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
	NextRetryAt        *time.Time     `json:"next_retry_at,omitempty"`
	SentAt             *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Exhausted reports whether a failed record has used up its retries.
func (m *ScheduledMessage) Exhausted() bool {
	return m.Status == StatusFailed && m.RetryCount >= m.MaxRetries
}

// Transition is a conditional status change: it applies only while the
// record's status is one of From.
type Transition struct {
	From         []ScheduleStatus
	To           ScheduleStatus
	RetryCount   int
	NextRetryAt  *time.Time
	SentAt       *time.Time
	ErrorMessage string
}

// ScheduleFilter selects scheduled messages for listing or cancellation.
// Empty fields match everything.
type ScheduleFilter struct {
	ID          string
	Tenant      string
	Counterpart string
	Kind        string
	Status      ScheduleStatus
	Limit       int
}

// ScheduleStats counts records per state.
type ScheduleStats struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`    // failed with retries left
	Exhausted int `json:"exhausted"` // failed with no retries left
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// ScheduleStore persists ScheduledMessage records.
type ScheduleStore interface {
	CreateScheduled(ctx context.Context, m *ScheduledMessage) error
	GetScheduled(ctx context.Context, id string) (*ScheduledMessage, error)
	// FindDue returns pending records with ScheduledFor <= now, oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error)
	// FindRetryDue returns failed records with NextRetryAt <= now and retries left.
	FindRetryDue(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error)
	// UpdateStatus applies t and reports whether the record was in an allowed
	// From state.
	UpdateStatus(ctx context.Context, id string, t Transition) (bool, error)
	// CancelScheduled cancels cancellable records matching f, skipping the IDs in
	// exclude, and returns how many were affected.
	CancelScheduled(ctx context.Context, f ScheduleFilter, exclude []string) (int, error)
	ListScheduled(ctx context.Context, f ScheduleFilter) ([]ScheduledMessage, error)
	ScheduledStats(ctx context.Context, tenant string) (ScheduleStats, error)
}

// ScheduleRequest asks the scheduler for a deferred send. Exactly the fields
// needed to create a record; retry bookkeeping is the scheduler's own.
type ScheduleRequest struct {
	ConversationID     string    `json:"conversation_id,omitempty"`
	Tenant             string    `json:"tenant"`
	CounterpartAddress string    `json:"counterpart_address"`
	Kind               string    `json:"kind"`
	ScheduledFor       time.Time `json:"scheduled_for"`
	Content            string    `json:"content,omitempty"`
	GenerationContext  string    `json:"generation_context,omitempty"`
	TriggerEvent       string    `json:"trigger_event,omitempty"`
	MaxRetries         int       `json:"max_retries,omitempty"`
}

// CancelRequest selects records to cancel: by ID, or by counterpart and kind.
type CancelRequest struct {
	ID          string `json:"id,omitempty"`
	Tenant      string `json:"tenant,omitempty"`
	Counterpart string `json:"counterpart,omitempty"`
	Kind        string `json:"kind,omitempty"`
}
