package domain

// MessageBus queues inbound events from transports to the pipeline.
type MessageBus interface {
	Publish(evt InboundEvent)
	Subscribe() <-chan InboundEvent
	Close()
}
