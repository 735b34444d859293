package domain

import "github.com/google/uuid"

// WebhookAudit is one inbound webhook attempt, valid or not. Entries are
// append-only: they are the durable record of what the gateway told us
// once the HTTP response has been sent.
type WebhookAudit struct {
	Source         string
	EventType      string
	Payload        []byte
	SignatureValid bool
	OrderID        *uuid.UUID
	Note           string
}
