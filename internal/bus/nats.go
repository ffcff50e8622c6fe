package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"convpipe/internal/domain"
)

// Publisher is the subset of *nats.Conn the forwarder uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials the NATS server with reconnects enabled.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("convpipe"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSForwarder republishes internal events on "<prefix>.<event type>" so
// other services (CRM sync, dashboards, alerting) can observe the pipeline.
type NATSForwarder struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSForwarder creates a forwarder. Attach it with EventBus.On("*", f.Handle).
func NewNATSForwarder(pub Publisher, prefix string, logger *slog.Logger) *NATSForwarder {
	if prefix == "" {
		prefix = "convpipe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSForwarder{pub: pub, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

type wireEvent struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handle publishes one event. Failures are logged; event delivery is best effort.
func (f *NATSForwarder) Handle(e Event) {
	data, err := json.Marshal(wireEvent{Type: e.Type, Source: e.Source, Payload: e.Payload, Timestamp: e.Timestamp})
	if err != nil {
		f.logger.Warn("encode event for NATS", "event", e.Type, "err", err)
		return
	}
	subject := f.prefix + "." + e.Type
	if err := f.pub.Publish(subject, data); err != nil {
		f.logger.Warn("publish event to NATS", "subject", subject, "err", err)
	}
}

// SubscribeInbound lets external producers inject inbound messages by
// publishing JSON InboundEvents on subject. Events are queued on b.
func SubscribeInbound(nc *nats.Conn, subject, queue string, b domain.MessageBus, logger *slog.Logger) (*nats.Subscription, error) {
	handler := func(msg *nats.Msg) {
		evt, err := DecodeInbound(msg.Data)
		if err != nil {
			logger.Warn("invalid inbound event on NATS", "subject", msg.Subject, "err", err)
			return
		}
		b.Publish(evt)
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = nc.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = nc.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	logger.Info("subscribed to inbound NATS subject", "subject", subject, "queue", queue)
	return sub, nil
}

// DecodeInbound parses and validates an inbound event payload.
func DecodeInbound(data []byte) (domain.InboundEvent, error) {
	var evt domain.InboundEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("decode inbound event: %w", err)
	}
	if evt.Counterpart == "" {
		return evt, errors.New("inbound event has no counterpart")
	}
	if evt.Channel == "" {
		evt.Channel = "nats"
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	return evt, nil
}
