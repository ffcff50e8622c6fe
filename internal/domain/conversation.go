package domain

import (
	"context"
	"strings"
	"time"
)

// Direction of a message relative to the platform.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Well-known message authors. Human operators are recorded as "operator" or
// "operator:<name>".
const (
	SentByCounterpart = "counterpart"
	SentByResponder   = "responder"
	SentBySystem      = "system"
	SentByScheduler   = "scheduler"
	SentByOperator    = "operator"
)

// IsOperator reports whether sentBy names a human operator.
func IsOperator(sentBy string) bool {
	return sentBy == SentByOperator || strings.HasPrefix(sentBy, SentByOperator+":")
}

// Message is one entry of a conversation's append-only log.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int       `json:"seq"` // 0-based position in the log
	Direction      Direction `json:"direction"`
	Body           string    `json:"body"`
	SentBy         string    `json:"sent_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExtractedFacts are identity facts and decisions pulled out of a conversation.
type ExtractedFacts struct {
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Decisions   []string `json:"decisions"`
	Preferences []string `json:"preferences"`
}

// Summary is the progressively updated compression of a conversation.
// LastSummarizedIndex never decreases and never exceeds the message count.
type Summary struct {
	LastSummarizedIndex int            `json:"last_summarized_index"`
	Text                string         `json:"text"`
	Facts               ExtractedFacts `json:"extracted_facts"`
	Stage               string         `json:"stage"`
	TokensSaved         int            `json:"tokens_saved"`
	LastUpdated         time.Time      `json:"last_updated"`
}

// Conversation is one counterpart identity within a tenant. Messages are not
// loaded with it; use ConversationStore.ListMessages.
type Conversation struct {
	ID                 string    `json:"id"`
	Tenant             string    `json:"tenant"`
	CounterpartAddress string    `json:"counterpart_address"`
	ResponderEnabled   bool      `json:"responder_enabled"`
	Summary            Summary   `json:"summary"`
	SummaryVersion     int64     `json:"summary_version"`
	SummarySeq         int64     `json:"summary_seq"` // store-wide order of summary writes
	MessageCount       int       `json:"message_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Unsummarized returns how many messages sit past the summary cursor.
func (c *Conversation) Unsummarized() int {
	return c.MessageCount - c.Summary.LastSummarizedIndex
}

// TenantSummary aggregates many conversations' summaries into business insights.
type TenantSummary struct {
	Tenant               string    `json:"tenant"`
	Text                 string    `json:"text"`
	Insights             []string  `json:"insights"`
	Stage                string    `json:"stage"`
	ConversationsCovered int       `json:"conversations_covered"`
	Cursor               time.Time `json:"cursor"`     // update time of the last folded summary
	CursorSeq            int64     `json:"cursor_seq"` // summaries written after this sequence are not yet folded in
	Version              int64     `json:"version"`
	LastUpdated          time.Time `json:"last_updated"`
}

// ConversationStore is the durable aggregate holding conversations and their logs.
type ConversationStore interface {
	// FindOrCreate returns the conversation for (tenant, counterpart), creating it
	// on first contact. Concurrent first contact never creates duplicates.
	FindOrCreate(ctx context.Context, tenant, counterpart string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AppendMessage appends msg to the log and returns it with ID and Seq set.
	AppendMessage(ctx context.Context, convID string, msg Message) (Message, error)
	// ListMessages returns up to limit messages starting at position from, in
	// log order. limit <= 0 means all remaining.
	ListMessages(ctx context.Context, convID string, from, limit int) ([]Message, error)

	// UpdateSummary writes s when the stored summary version equals expectedVersion.
	// A mismatch returns *VersionConflict.
	UpdateSummary(ctx context.Context, convID string, expectedVersion int64, s Summary) error
	SetResponderEnabled(ctx context.Context, convID string, enabled bool) error

	// ListSummarizedSince returns conversations of tenant whose summary was
	// written after the write sequence afterSeq, in write order.
	ListSummarizedSince(ctx context.Context, tenant string, afterSeq int64, limit int) ([]Conversation, error)
	ListTenants(ctx context.Context) ([]string, error)
	GetTenantSummary(ctx context.Context, tenant string) (*TenantSummary, error)
	UpdateTenantSummary(ctx context.Context, expectedVersion int64, ts TenantSummary) error
}
