// Package billing holds the transaction and refund records the settlement
// core reads and mutates. The wider invoice/order domain lives elsewhere;
// only what payment settlement needs is modeled here.
package billing

import (
	"errors"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/gateway"
)

// TxStatus is a transaction's lifecycle status. The transition
// INITIATED -> SUCCESS|FAILED happens exactly once; rows are never deleted.
type TxStatus string

const (
	TxInitiated TxStatus = "INITIATED"
	TxSuccess   TxStatus = "SUCCESS"
	TxFailed    TxStatus = "FAILED"
)

// Transaction represents one attempted or completed payment. GatewayRef is
// the gateway's own payment/order reference; its format varies per gateway
// and is unique per gateway once the transaction reaches SUCCESS.
type Transaction struct {
	ID         int64           `json:"id"`
	Gateway    gateway.Gateway `json:"gateway"`
	GatewayRef string          `json:"gateway_ref"`
	Amount     money.Money     `json:"amount"`
	Status     TxStatus        `json:"status"`
	InvoiceID  *int64          `json:"invoice_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// MarkSuccess records the settled gateway reference. Only an INITIATED
// transaction can settle.
func (t *Transaction) MarkSuccess(gatewayRef string) error {
	if t.Status != TxInitiated {
		return errors.New("can only settle an initiated transaction")
	}
	if gatewayRef == "" {
		return errors.New("gateway reference is required to settle")
	}
	t.Status = TxSuccess
	t.GatewayRef = gatewayRef
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed transitions an initiated transaction to failed.
func (t *Transaction) MarkFailed() error {
	if t.Status != TxInitiated {
		return errors.New("can only fail an initiated transaction")
	}
	t.Status = TxFailed
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// RefundStatus is a refund's workflow status.
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundRejected  RefundStatus = "REJECTED"
)

// Refund is a requested or approved refund against one Transaction. A
// status of COMPLETED asserts, but does not guarantee, that the remote
// gateway processed it; the reconciliation engine closes that trust gap.
type Refund struct {
	ID            int64        `json:"id"`
	TransactionID int64        `json:"transaction_id"`
	Amount        money.Money  `json:"amount"`
	Reason        string       `json:"reason"`
	Status        RefundStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// RefundWithTransaction joins a refund to its owning transaction, the unit
// the reconciliation engine iterates over.
type RefundWithTransaction struct {
	Refund      Refund
	Transaction Transaction
}

// InvoiceStatus is the invoice payment status relevant to settlement.
type InvoiceStatus string

const (
	InvoiceUnpaid InvoiceStatus = "UNPAID"
	InvoicePaid   InvoiceStatus = "PAID"
)

// Invoice is the minimal invoice view the payment flow needs: existence,
// amount due, and whether it is already paid.
type Invoice struct {
	ID        int64         `json:"id"`
	Total     money.Money   `json:"total"`
	Status    InvoiceStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
