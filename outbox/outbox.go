// Package outbox implements the transactional outbox: messages are written in
// the same transaction as the state change and relayed to handlers later.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

const (
	TopicFlowChanged           = "agreement.flow_changed"
	TopicStepCompleted         = "agreement.step_completed"
	TopicPaymentRejected       = "agreement.payment_rejected"
	TopicAgreementCompleted    = "agreement.completed"
	TopicVerificationRequested = "agreement.verification_requested"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Envelope is a message not yet written.
type Envelope struct {
	Topic   string
	Payload map[string]any
}

// Decode unmarshals the payload into a map.
func (m Message) Decode() (map[string]any, error) {
	out := map[string]any{}
	if len(m.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return nil, fmt.Errorf("outbox: decode %s payload: %w", m.Topic, err)
	}
	return out, nil
}

// Writer enqueues messages inside a caller-owned transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`

	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}
