package domain

import (
	"context"
	"time"
)

// DeliveryReceipt confirms a transport accepted a message.
type DeliveryReceipt struct {
	Transport string    `json:"transport"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Transport is the opaque send capability of a messaging channel
// (Telegram, WhatsApp, console). Send is called at most once per logical send.
type Transport interface {
	Name() string
	Send(ctx context.Context, counterpart, content string) (DeliveryReceipt, error)
}

// InboundSource is a transport that also receives messages and publishes them.
type InboundSource interface {
	Transport
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
