// Package bus carries inbound transport events to the pipeline and
// internal domain events to observers.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"convpipe/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a channel-backed queue between transports and the pipeline.
// It has a single consumer so per-counterpart arrival order is kept.
type InMemoryBus struct {
	inbound chan domain.InboundEvent
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates an InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundEvent, bufferSize),
		logger:  logger,
	}
}

// Publish enqueues evt. When the buffer is full it waits up to publishTimeout
// before dropping; the transport is expected to redeliver in that case.
func (b *InMemoryBus) Publish(evt domain.InboundEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "channel", evt.Channel)
		return
	}

	select {
	case b.inbound <- evt:
		return
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", evt.Channel, "counterpart", evt.Counterpart)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- evt:
	case <-timer.C:
		b.logger.Error("inbound event dropped: bus full",
			"channel", evt.Channel,
			"counterpart", evt.Counterpart,
			"waited", publishTimeout,
		)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
