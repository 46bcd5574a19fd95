// Package recon repairs refunds that the billing side marked COMPLETED
// but whose gateway-side refund call cannot be proven from the audit
// trail. Each run is safe to repeat: a repaired refund leaves behind a
// proof row that the next run finds and skips.
package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"paycore/internal/billing"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/gateway/auditlog"
	"paycore/internal/gateway/bkash"
	"paycore/internal/gateway/nagad"
)

// RefundSource lists refunds needing proof, joined to their transactions.
type RefundSource interface {
	CompletedRefundsByGateway(ctx context.Context, gw gateway.Gateway) ([]*billing.RefundWithTransaction, error)
}

// AuditTrail is the slice of the audit store the engine reads and appends.
type AuditTrail interface {
	LatestSuccessByCorrelation(ctx context.Context, gw gateway.Gateway, correlationID string) (*auditlog.Log, error)
	LatestRefundSuccessContaining(ctx context.Context, gw gateway.Gateway, substring string) (*auditlog.Log, error)
	Record(ctx context.Context, gw gateway.Gateway, correlationID string, status auditlog.Status, request, response string) (int64, error)
}

// BkashRefunder issues corrective refunds on the token-based gateway.
type BkashRefunder interface {
	RefundPayment(ctx context.Context, req bkash.RefundRequest) (*bkash.RefundResult, error)
}

// NagadRefunder issues corrective refunds on the challenge-response
// gateway.
type NagadRefunder interface {
	RefundPayment(ctx context.Context, paymentReferenceID string, amount money.Money, gatewayOrderID, reason string) (*nagad.RefundResult, error)
}

// Publisher announces repaired refunds. Optional; event loss never blocks
// a repair.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Summary is the per-run outcome tally.
type Summary struct {
	Checked            int `json:"checked"`
	Repaired           int `json:"repaired"`
	Skipped            int `json:"skipped"`
	ManualIntervention int `json:"manual_intervention"`
}

// Engine drives refund reconciliation per gateway.
type Engine struct {
	refunds   RefundSource
	audit     AuditTrail
	bkash     BkashRefunder
	nagad     NagadRefunder
	publisher Publisher
	logger    *slog.Logger
}

func NewEngine(refunds RefundSource, audit AuditTrail, bkashClient BkashRefunder, nagadClient NagadRefunder, logger *slog.Logger) *Engine {
	return &Engine{
		refunds: refunds,
		audit:   audit,
		bkash:   bkashClient,
		nagad:   nagadClient,
		logger:  logger,
	}
}

// SetPublisher enables refund.repaired events.
func (e *Engine) SetPublisher(p Publisher) { e.publisher = p }

// proofMatcher locates an audit row proving a refund already reached the
// gateway. The strategies are deliberately gateway-specific: the
// challenge-response gateway is matched on an exact synthetic correlation
// token, the token-based gateway on a response substring because its
// refund confirmation echoes no predictable field.
type proofMatcher func(ctx context.Context, rec *billing.RefundWithTransaction) (*auditlog.Log, error)

func (e *Engine) nagadProof(ctx context.Context, rec *billing.RefundWithTransaction) (*auditlog.Log, error) {
	return e.audit.LatestSuccessByCorrelation(ctx, gateway.Nagad,
		auditlog.RefundCorrelationID(rec.Transaction.GatewayRef))
}

func (e *Engine) bkashProof(ctx context.Context, rec *billing.RefundWithTransaction) (*auditlog.Log, error) {
	return e.audit.LatestRefundSuccessContaining(ctx, gateway.Bkash, rec.Transaction.GatewayRef)
}

// RepairRefunds scans COMPLETED refunds for one gateway and replays at
// most one corrective call per unproven refund. One bad record never
// halts the batch.
func (e *Engine) RepairRefunds(ctx context.Context, gw gateway.Gateway) (Summary, error) {
	var matcher proofMatcher
	switch gw {
	case gateway.Bkash:
		matcher = e.bkashProof
	case gateway.Nagad:
		matcher = e.nagadProof
	default:
		return Summary{}, fmt.Errorf("repair refunds: unsupported gateway %q", gw)
	}

	records, err := e.refunds.CompletedRefundsByGateway(ctx, gw)
	if err != nil {
		return Summary{}, fmt.Errorf("list completed refunds: %w", err)
	}

	var sum Summary
	for _, rec := range records {
		sum.Checked++
		logger := e.logger.With(
			"gateway", gw,
			"refund_id", rec.Refund.ID,
			"transaction_id", rec.Transaction.ID,
			"gateway_ref", rec.Transaction.GatewayRef,
		)

		proof, err := matcher(ctx, rec)
		if err != nil {
			logger.Error("proof lookup failed", "error", err)
			sum.ManualIntervention++
			continue
		}
		if proof != nil && !auditlog.TaintedSuccess(proof.Response) {
			logger.Debug("refund already proven, skipping", "proof_log_id", proof.ID)
			sum.Skipped++
			continue
		}
		if proof != nil {
			logger.Warn("stored success is an HTML error page, treating as unproven", "proof_log_id", proof.ID)
		}

		switch gw {
		case gateway.Bkash:
			e.repairBkash(ctx, logger, rec, &sum)
		case gateway.Nagad:
			e.repairNagad(ctx, logger, rec, &sum)
		}
	}

	e.logger.Info("refund reconciliation finished",
		"gateway", gw,
		"checked", sum.Checked,
		"repaired", sum.Repaired,
		"skipped", sum.Skipped,
		"manual_intervention", sum.ManualIntervention,
	)
	return sum, nil
}

// bkashPaymentIdentifiers is what a corrective token-gateway refund needs,
// recovered from the stored payment response.
type bkashPaymentIdentifiers struct {
	PaymentID    string `json:"paymentID"`
	PaymentIDAlt string `json:"paymentId"`
	TrxID        string `json:"trxID"`
}

func (p *bkashPaymentIdentifiers) paymentID() string {
	if p.PaymentID != "" {
		return p.PaymentID
	}
	return p.PaymentIDAlt
}

func (e *Engine) repairBkash(ctx context.Context, logger *slog.Logger, rec *billing.RefundWithTransaction, sum *Summary) {
	payLog, err := e.audit.LatestSuccessByCorrelation(ctx, gateway.Bkash, rec.Transaction.GatewayRef)
	if err != nil {
		logger.Error("payment log lookup failed", "error", err)
		sum.ManualIntervention++
		return
	}
	if payLog == nil || auditlog.TaintedSuccess(payLog.Response) {
		logger.Warn("manual intervention required: no trusted payment log to recover identifiers from")
		sum.ManualIntervention++
		return
	}

	var ids bkashPaymentIdentifiers
	if err := json.Unmarshal([]byte(payLog.Response), &ids); err != nil || ids.paymentID() == "" || ids.TrxID == "" {
		logger.Warn("manual intervention required: payment log lacks payment or transaction identifiers", "payment_log_id", payLog.ID)
		sum.ManualIntervention++
		return
	}

	res, err := e.bkash.RefundPayment(ctx, bkash.RefundRequest{
		PaymentID: ids.paymentID(),
		Amount:    rec.Refund.Amount,
		TrxID:     ids.TrxID,
		Reason:    rec.Refund.Reason,
	})
	if err != nil {
		// The refund stays a candidate for the next run.
		logger.Error("corrective refund call failed", "error", err)
		return
	}

	e.recordRepair(ctx, logger, gateway.Bkash,
		auditlog.RefundCorrelationID(rec.Transaction.GatewayRef),
		fmt.Sprintf("repair: refund_id=%d payment_id=%s trx_id=%s", rec.Refund.ID, ids.paymentID(), ids.TrxID),
		// The original correlation ID is embedded so the substring proof
		// search finds this row on the next run.
		fmt.Sprintf(`{"paymentID":%q,"refundTrxID":%q}`, ids.paymentID(), res.RefundTrxID),
	)
	sum.Repaired++
	e.publishRepaired(ctx, rec)
}

// nagadVerification tolerates both the flat and the nested shape the
// verification endpoint has been observed to store.
type nagadVerification struct {
	OrderID      string             `json:"orderId"`
	PaymentRefID string             `json:"paymentRefId"`
	Verification *nagadVerification `json:"verificationResult"`
}

func (v *nagadVerification) orderID() string {
	if v.OrderID != "" {
		return v.OrderID
	}
	if v.Verification != nil {
		return v.Verification.OrderID
	}
	return ""
}

func (v *nagadVerification) paymentRefID() string {
	if v.PaymentRefID != "" {
		return v.PaymentRefID
	}
	if v.Verification != nil {
		return v.Verification.PaymentRefID
	}
	return ""
}

func (e *Engine) repairNagad(ctx context.Context, logger *slog.Logger, rec *billing.RefundWithTransaction, sum *Summary) {
	payLog, err := e.audit.LatestSuccessByCorrelation(ctx, gateway.Nagad, rec.Transaction.GatewayRef)
	if err != nil {
		logger.Error("payment log lookup failed", "error", err)
		sum.ManualIntervention++
		return
	}
	if payLog == nil || auditlog.TaintedSuccess(payLog.Response) {
		logger.Warn("manual intervention required: no trusted payment log to recover identifiers from")
		sum.ManualIntervention++
		return
	}

	var v nagadVerification
	if err := json.Unmarshal([]byte(payLog.Response), &v); err != nil {
		logger.Warn("manual intervention required: unparseable payment log", "payment_log_id", payLog.ID)
		sum.ManualIntervention++
		return
	}
	orderID := v.orderID()
	if orderID == "" {
		orderID = rec.Transaction.GatewayRef
	}
	paymentRefID := v.paymentRefID()
	if paymentRefID == "" {
		logger.Warn("manual intervention required: payment log lacks payment reference", "payment_log_id", payLog.ID)
		sum.ManualIntervention++
		return
	}

	res, err := e.nagad.RefundPayment(ctx, paymentRefID, rec.Refund.Amount, orderID, rec.Refund.Reason)
	if err != nil {
		logger.Error("corrective refund call failed", "error", err)
		return
	}

	e.recordRepair(ctx, logger, gateway.Nagad,
		auditlog.RefundCorrelationID(rec.Transaction.GatewayRef),
		fmt.Sprintf("repair: refund_id=%d payment_ref=%s order_id=%s", rec.Refund.ID, paymentRefID, orderID),
		res.Raw,
	)
	sum.Repaired++
	e.publishRepaired(ctx, rec)
}

func (e *Engine) publishRepaired(ctx context.Context, rec *billing.RefundWithTransaction) {
	if e.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.EventRefundRepaired, "refund",
		fmt.Sprintf("%d", rec.Refund.ID), events.RefundRepairedData{
			RefundID:      rec.Refund.ID,
			TransactionID: rec.Transaction.ID,
			Gateway:       string(rec.Transaction.Gateway),
			AmountMinor:   rec.Refund.Amount.AmountMinor,
			Currency:      string(rec.Refund.Amount.Currency),
		})
	if err != nil {
		e.logger.Error("failed to build refund repaired event", "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Error("failed to publish refund repaired event", "error", err)
	}
}

func (e *Engine) recordRepair(ctx context.Context, logger *slog.Logger, gw gateway.Gateway, correlationID, request, response string) {
	if _, err := e.audit.Record(ctx, gw, correlationID, auditlog.StatusSuccess, request, response); err != nil {
		// The refund went through; only the proof row is missing. The next
		// run will re-issue unless the gateway client's own row matches.
		logger.Error("failed to record repair log", "error", err)
		return
	}
	logger.Info("refund repaired", "correlation_id", correlationID)
}
