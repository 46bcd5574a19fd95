// Package payments orchestrates payment initiation, gateway callbacks,
// and refund reconciliation over the gateway clients. It is the surface
// the billing controllers consume.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paycore/internal/billing"
	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/gateway/auditlog"
	"paycore/internal/gateway/bkash"
	"paycore/internal/gateway/nagad"
	"paycore/internal/recon"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrInvoiceAlreadyPaid = errors.New("invoice already paid")
	ErrUnsupportedGateway = errors.New("unsupported gateway")
	ErrMissingParam       = errors.New("missing callback parameter")
)

// BkashGateway is the slice of the token-based client the service drives.
type BkashGateway interface {
	CreatePayment(ctx context.Context, amount money.Money, orderRef, callbackURL string) (*bkash.Payment, error)
	ExecutePayment(ctx context.Context, paymentID string) (*bkash.ExecuteResult, error)
}

// NagadGateway is the slice of the challenge-response client the service
// drives.
type NagadGateway interface {
	Initialize(ctx context.Context, amount money.Money, invoiceRef, clientIP string) (*nagad.InitializeResult, error)
	Complete(ctx context.Context, amount money.Money, orderID, encryptedBlob, origRef, clientIP string) (*nagad.CompleteResult, error)
	Verify(ctx context.Context, paymentReferenceID string) (*nagad.VerifyResult, error)
}

// Store persists transactions, refunds and the invoice settlement flags.
type Store interface {
	CreateTransaction(ctx context.Context, tx *billing.Transaction) (int64, error)
	FindTransactionByGatewayRef(ctx context.Context, gw gateway.Gateway, ref string) (*billing.Transaction, error)
	SettleTransaction(ctx context.Context, id int64, gatewayRef string) error
	FailTransaction(ctx context.Context, id int64) error
	GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error)
	MarkInvoicePaid(ctx context.Context, id int64) error
}

// AuditTrail is the slice of the audit store the service needs for the
// idempotent callback short-circuit and the verification proof row.
type AuditTrail interface {
	Record(ctx context.Context, gw gateway.Gateway, correlationID string, status auditlog.Status, request, response string) (int64, error)
	LatestSuccessByCorrelation(ctx context.Context, gw gateway.Gateway, correlationID string) (*auditlog.Log, error)
}

// Publisher publishes events to NATS.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Repairer runs refund reconciliation.
type Repairer interface {
	RepairRefunds(ctx context.Context, gw gateway.Gateway) (recon.Summary, error)
}

// Config holds service configuration.
type Config struct {
	CallbackBaseURL string `envconfig:"CALLBACK_BASE_URL" required:"true"`
	FrontendBaseURL string `envconfig:"FRONTEND_BASE_URL" required:"true"`
}

// Service orchestrates payment settlement across gateways.
type Service struct {
	cfg       Config
	store     Store
	audit     AuditTrail
	publisher Publisher
	repairer  Repairer
	logger    *slog.Logger

	bkash BkashGateway
	nagad NagadGateway
}

// NewService creates a payments service.
func NewService(cfg Config, store Store, audit AuditTrail, publisher Publisher, repairer Repairer, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		audit:     audit,
		publisher: publisher,
		repairer:  repairer,
		logger:    logger,
	}
}

// SetBkashGateway sets the token-based gateway client.
func (s *Service) SetBkashGateway(g BkashGateway) { s.bkash = g }

// SetNagadGateway sets the challenge-response gateway client.
func (s *Service) SetNagadGateway(g NagadGateway) { s.nagad = g }

// InitiateResult is what the controller needs to redirect the payer.
type InitiateResult struct {
	RedirectURL   string `json:"redirect_url"`
	CorrelationID string `json:"correlation_id"`
	TransactionID int64  `json:"transaction_id"`
}

// InitiatePayment starts a payment for an invoice and returns the gateway
// redirect. The invoice must exist and be unpaid.
func (s *Service) InitiatePayment(ctx context.Context, gw gateway.Gateway, invoiceID int64, amount money.Money, clientIP string) (*InitiateResult, error) {
	invoice, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("load invoice %d: %w", invoiceID, err)
	}
	if invoice.Status == billing.InvoicePaid {
		return nil, ErrInvoiceAlreadyPaid
	}

	invoiceRef := fmt.Sprintf("%d", invoiceID)
	var redirectURL, correlationID string

	switch gw {
	case gateway.Bkash:
		if s.bkash == nil {
			return nil, fmt.Errorf("%w: %s not configured", ErrUnsupportedGateway, gw)
		}
		callbackURL := fmt.Sprintf("%s/payments/callback/%s", s.cfg.CallbackBaseURL, gateway.Bkash)
		payment, err := s.bkash.CreatePayment(ctx, amount, "INV"+invoiceRef, callbackURL)
		if err != nil {
			return nil, err
		}
		redirectURL = payment.RedirectURL
		correlationID = payment.PaymentID

	case gateway.Nagad:
		if s.nagad == nil {
			return nil, fmt.Errorf("%w: %s not configured", ErrUnsupportedGateway, gw)
		}
		initRes, err := s.nagad.Initialize(ctx, amount, invoiceRef, clientIP)
		if err != nil {
			return nil, err
		}
		compRes, err := s.nagad.Complete(ctx, amount, initRes.OrderID, initRes.EncryptedBlob, invoiceRef, clientIP)
		if err != nil {
			return nil, err
		}
		redirectURL = compRes.RedirectURL
		correlationID = initRes.OrderID

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, gw)
	}

	tx := &billing.Transaction{
		Gateway:    gw,
		GatewayRef: correlationID,
		Amount:     amount,
		Status:     billing.TxInitiated,
		InvoiceID:  &invoiceID,
	}
	txID, err := s.store.CreateTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	s.publishEvent(ctx, events.EventPaymentInitiated, "transaction", correlationID, events.PaymentSettledData{
		TransactionID: txID,
		Gateway:       string(gw),
		GatewayRef:    correlationID,
		AmountMinor:   amount.AmountMinor,
		Currency:      string(amount.Currency),
		InvoiceID:     invoiceID,
	})

	s.logger.Info("payment initiated",
		"gateway", gw,
		"invoice_id", invoiceID,
		"transaction_id", txID,
		"correlation_id", correlationID,
	)

	return &InitiateResult{
		RedirectURL:   redirectURL,
		CorrelationID: correlationID,
		TransactionID: txID,
	}, nil
}

// CallbackStatus is the end state reported back to the payer flow.
type CallbackStatus string

const (
	CallbackSuccess CallbackStatus = "SUCCESS"
	CallbackFailed  CallbackStatus = "FAILED"
)

// CallbackResult is the outcome of processing a gateway return callback.
type CallbackResult struct {
	Status        CallbackStatus `json:"status"`
	InvoiceID     int64          `json:"invoice_id"`
	CorrelationID string         `json:"correlation_id"`
	Reason        string         `json:"reason,omitempty"`
}

// HandleCallback finalizes a payment when the payer returns from the
// gateway. A second callback for an already-settled correlation ID
// short-circuits to the success result without touching the remote again.
func (s *Service) HandleCallback(ctx context.Context, gw gateway.Gateway, params map[string]string) (*CallbackResult, error) {
	switch gw {
	case gateway.Bkash:
		return s.handleBkashCallback(ctx, params)
	case gateway.Nagad:
		return s.handleNagadCallback(ctx, params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, gw)
	}
}

func (s *Service) handleBkashCallback(ctx context.Context, params map[string]string) (*CallbackResult, error) {
	paymentID := params["paymentID"]
	if paymentID == "" {
		return nil, fmt.Errorf("%w: paymentID", ErrMissingParam)
	}

	tx, err := s.store.FindTransactionByGatewayRef(ctx, gateway.Bkash, paymentID)
	if err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("find transaction: %w", err)
	}

	if res := s.shortCircuit(ctx, gateway.Bkash, paymentID, tx); res != nil {
		return res, nil
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: no transaction for payment %s", ErrInvoiceNotFound, paymentID)
	}

	if params["status"] == "cancel" || params["status"] == "failure" {
		return s.failTransaction(ctx, tx, "payer aborted at gateway")
	}

	if _, err := s.bkash.ExecutePayment(ctx, paymentID); err != nil {
		var protoErr *gateway.RemoteProtocolError
		if errors.As(err, &protoErr) {
			return s.failTransaction(ctx, tx, protoErr.Message)
		}
		return nil, err
	}

	return s.settleTransaction(ctx, tx, paymentID)
}

func (s *Service) handleNagadCallback(ctx context.Context, params map[string]string) (*CallbackResult, error) {
	orderID := params["order_id"]
	paymentRefID := params["payment_ref_id"]
	if orderID == "" || paymentRefID == "" {
		return nil, fmt.Errorf("%w: order_id and payment_ref_id", ErrMissingParam)
	}

	tx, err := s.store.FindTransactionByGatewayRef(ctx, gateway.Nagad, orderID)
	if err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("find transaction: %w", err)
	}

	if res := s.shortCircuit(ctx, gateway.Nagad, orderID, tx); res != nil {
		return res, nil
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: no transaction for order %s", ErrInvoiceNotFound, orderID)
	}

	verifyRes, err := s.nagad.Verify(ctx, paymentRefID)
	if err != nil {
		return nil, err
	}
	if !verifyRes.Settled {
		return s.failTransaction(ctx, tx, fmt.Sprintf("verification status %s (%s)", verifyRes.Status, verifyRes.StatusCode))
	}

	// The verification response is the payment proof: reconciliation
	// recovers the order and payment reference identifiers from this row.
	if _, err := s.audit.Record(ctx, gateway.Nagad, orderID, auditlog.StatusSuccess,
		fmt.Sprintf(`{"op":"verify","payment_ref_id":%q}`, paymentRefID), verifyRes.Raw); err != nil {
		s.logger.Error("failed to record verification log", "error", err)
	}

	return s.settleTransaction(ctx, tx, orderID)
}

// shortCircuit returns the stored success outcome when a trusted SUCCESS
// log already exists for this correlation ID.
func (s *Service) shortCircuit(ctx context.Context, gw gateway.Gateway, correlationID string, tx *billing.Transaction) *CallbackResult {
	log, err := s.audit.LatestSuccessByCorrelation(ctx, gw, correlationID)
	if err != nil {
		s.logger.Error("audit lookup failed", "error", err, "correlation_id", correlationID)
		return nil
	}
	if log == nil || auditlog.TaintedSuccess(log.Response) {
		return nil
	}
	if tx == nil || tx.Status != billing.TxSuccess {
		return nil
	}

	s.logger.Info("callback short-circuited: already settled",
		"gateway", gw,
		"correlation_id", correlationID,
	)
	res := &CallbackResult{Status: CallbackSuccess, CorrelationID: correlationID}
	if tx.InvoiceID != nil {
		res.InvoiceID = *tx.InvoiceID
	}
	return res
}

func (s *Service) settleTransaction(ctx context.Context, tx *billing.Transaction, gatewayRef string) (*CallbackResult, error) {
	// The domain transition guards the loaded copy; the store's guarded
	// UPDATE covers concurrent finalizers.
	if err := tx.MarkSuccess(gatewayRef); err != nil {
		s.logger.Info("transaction already finalized", "transaction_id", tx.ID, "status", tx.Status)
	} else if err := s.store.SettleTransaction(ctx, tx.ID, gatewayRef); err != nil {
		if errors.Is(err, database.ErrConflict) {
			s.logger.Info("transaction already settled", "transaction_id", tx.ID)
		} else {
			return nil, fmt.Errorf("settle transaction %d: %w", tx.ID, err)
		}
	}

	var invoiceID int64
	if tx.InvoiceID != nil {
		invoiceID = *tx.InvoiceID
		if err := s.store.MarkInvoicePaid(ctx, invoiceID); err != nil {
			s.logger.Error("failed to mark invoice paid", "invoice_id", invoiceID, "error", err)
		}
	}

	s.publishEvent(ctx, events.EventPaymentSettled, "transaction", gatewayRef, events.PaymentSettledData{
		TransactionID: tx.ID,
		Gateway:       string(tx.Gateway),
		GatewayRef:    gatewayRef,
		AmountMinor:   tx.Amount.AmountMinor,
		Currency:      string(tx.Amount.Currency),
		InvoiceID:     invoiceID,
		SettledAt:     time.Now().UTC(),
	})

	s.logger.Info("payment settled",
		"gateway", tx.Gateway,
		"transaction_id", tx.ID,
		"gateway_ref", gatewayRef,
		"invoice_id", invoiceID,
	)

	return &CallbackResult{
		Status:        CallbackSuccess,
		InvoiceID:     invoiceID,
		CorrelationID: gatewayRef,
	}, nil
}

func (s *Service) failTransaction(ctx context.Context, tx *billing.Transaction, reason string) (*CallbackResult, error) {
	if err := tx.MarkFailed(); err != nil {
		s.logger.Info("transaction already finalized", "transaction_id", tx.ID, "status", tx.Status)
	} else if err := s.store.FailTransaction(ctx, tx.ID); err != nil {
		s.logger.Error("failed to mark transaction failed", "transaction_id", tx.ID, "error", err)
	}

	s.publishEvent(ctx, events.EventPaymentFailed, "transaction", tx.GatewayRef, events.PaymentFailedData{
		TransactionID: tx.ID,
		Gateway:       string(tx.Gateway),
		GatewayRef:    tx.GatewayRef,
		Reason:        reason,
	})

	s.logger.Info("payment failed",
		"gateway", tx.Gateway,
		"transaction_id", tx.ID,
		"reason", reason,
	)

	res := &CallbackResult{
		Status:        CallbackFailed,
		CorrelationID: tx.GatewayRef,
		Reason:        reason,
	}
	if tx.InvoiceID != nil {
		res.InvoiceID = *tx.InvoiceID
	}
	return res, nil
}

// RepairRefunds runs refund reconciliation for one gateway and publishes
// the summary.
func (s *Service) RepairRefunds(ctx context.Context, gw gateway.Gateway) (recon.Summary, error) {
	sum, err := s.repairer.RepairRefunds(ctx, gw)
	if err != nil {
		return recon.Summary{}, err
	}

	s.publishEvent(ctx, events.EventReconciliationFinished, "reconciliation", string(gw), events.ReconciliationFinishedData{
		Gateway:            string(gw),
		Checked:            sum.Checked,
		Repaired:           sum.Repaired,
		Skipped:            sum.Skipped,
		ManualIntervention: sum.ManualIntervention,
	})

	return sum, nil
}

// publishEvent publishes best effort; event loss is logged, never fatal to
// the payment flow.
func (s *Service) publishEvent(ctx context.Context, eventType, aggregateType, aggregateID string, data any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
