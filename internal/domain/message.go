package domain

import "time"

// InboundEvent is a message observed on a transport, normalized for the pipeline.
type InboundEvent struct {
	Tenant      string    `json:"tenant"`
	Channel     string    `json:"channel"`
	Counterpart string    `json:"counterpart"`
	Body        string    `json:"body"`
	SentBy      string    `json:"sent_by,omitempty"` // counterpart unless an operator wrote from the business side
	ExternalID  string    `json:"external_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
