package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// Event types
const (
	EventPaymentInitiated = "payment.initiated"
	EventPaymentSettled   = "payment.settled"
	EventPaymentFailed    = "payment.failed"

	EventRefundRepaired         = "refund.repaired"
	EventReconciliationFinished = "reconciliation.finished"
)

// PaymentSettledData is the data for payment.settled events
type PaymentSettledData struct {
	TransactionID int64     `json:"transaction_id"`
	Gateway       string    `json:"gateway"`
	GatewayRef    string    `json:"gateway_ref"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	InvoiceID     int64     `json:"invoice_id,omitempty"`
	SettledAt     time.Time `json:"settled_at"`
}

// PaymentFailedData is the data for payment.failed events
type PaymentFailedData struct {
	TransactionID int64  `json:"transaction_id"`
	Gateway       string `json:"gateway"`
	GatewayRef    string `json:"gateway_ref"`
	Reason        string `json:"reason"`
}

// RefundRepairedData is the data for refund.repaired events
type RefundRepairedData struct {
	RefundID      int64  `json:"refund_id"`
	TransactionID int64  `json:"transaction_id"`
	Gateway       string `json:"gateway"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
}

// ReconciliationFinishedData is the data for reconciliation.finished events
type ReconciliationFinishedData struct {
	Gateway            string `json:"gateway"`
	Checked            int    `json:"checked"`
	Repaired           int    `json:"repaired"`
	Skipped            int    `json:"skipped"`
	ManualIntervention int    `json:"manual_intervention"`
}
