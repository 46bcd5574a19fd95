package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"paycore/internal/billing"
	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/gateway/auditlog"
	"paycore/internal/gateway/bkash"
	"paycore/internal/payments"
	"paycore/internal/recon"
)

type stubStore struct {
	invoice *billing.Invoice
	tx      *billing.Transaction
}

func (s *stubStore) CreateTransaction(_ context.Context, tx *billing.Transaction) (int64, error) {
	cp := *tx
	cp.ID = 1
	s.tx = &cp
	return 1, nil
}

func (s *stubStore) FindTransactionByGatewayRef(_ context.Context, gw gateway.Gateway, ref string) (*billing.Transaction, error) {
	if s.tx != nil && s.tx.Gateway == gw && s.tx.GatewayRef == ref {
		cp := *s.tx
		return &cp, nil
	}
	return nil, database.ErrNotFound
}

func (s *stubStore) SettleTransaction(_ context.Context, id int64, gatewayRef string) error {
	s.tx.Status = billing.TxSuccess
	s.tx.GatewayRef = gatewayRef
	return nil
}

func (s *stubStore) FailTransaction(_ context.Context, id int64) error {
	s.tx.Status = billing.TxFailed
	return nil
}

func (s *stubStore) GetInvoice(_ context.Context, id int64) (*billing.Invoice, error) {
	if s.invoice == nil || s.invoice.ID != id {
		return nil, database.ErrNotFound
	}
	cp := *s.invoice
	return &cp, nil
}

func (s *stubStore) MarkInvoicePaid(_ context.Context, id int64) error { return nil }

type stubTrail struct{}

func (stubTrail) Record(_ context.Context, _ gateway.Gateway, _ string, _ auditlog.Status, _, _ string) (int64, error) {
	return 1, nil
}

func (stubTrail) LatestSuccessByCorrelation(_ context.Context, _ gateway.Gateway, _ string) (*auditlog.Log, error) {
	return nil, nil
}

type stubBkash struct {
	payment   *bkash.Payment
	createErr error
	execErr   error
}

func (g *stubBkash) CreatePayment(_ context.Context, _ money.Money, _, _ string) (*bkash.Payment, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.payment, nil
}

func (g *stubBkash) ExecutePayment(_ context.Context, paymentID string) (*bkash.ExecuteResult, error) {
	if g.execErr != nil {
		return nil, g.execErr
	}
	return &bkash.ExecuteResult{PaymentID: paymentID, TrxID: "TRX1", Status: "Completed"}, nil
}

type stubRepairer struct {
	summary recon.Summary
}

func (r *stubRepairer) RepairRefunds(_ context.Context, _ gateway.Gateway) (recon.Summary, error) {
	return r.summary, nil
}

func newTestHandler(store *stubStore, bg *stubBkash, repairer *stubRepairer) *Handler {
	cfg := payments.Config{
		CallbackBaseURL: "https://pay.example.com",
		FrontendBaseURL: "https://portal.example.com",
	}
	svc := payments.NewService(cfg, store, stubTrail{}, nil, repairer,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if bg != nil {
		svc.SetBkashGateway(bg)
	}
	return NewHandler(svc, cfg.FrontendBaseURL)
}

func TestInitiatePaymentReturnsRedirect(t *testing.T) {
	t.Parallel()

	store := &stubStore{invoice: &billing.Invoice{ID: 42, Status: billing.InvoiceUnpaid}}
	h := newTestHandler(store, &stubBkash{
		payment: &bkash.Payment{PaymentID: "TR0011AB", RedirectURL: "https://bkash.example/pay"},
	}, nil)

	body := `{"gateway":"BKASH","invoice_id":42,"amount_minor":10050,"currency":"BDT"}`
	req := httptest.NewRequest(http.MethodPost, "/initiate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Success bool                    `json:"success"`
		Data    payments.InitiateResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !envelope.Success || envelope.Data.RedirectURL != "https://bkash.example/pay" {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestInitiatePaymentValidation(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&stubStore{}, &stubBkash{}, nil)

	body := `{"gateway":"BKASH","invoice_id":0,"amount_minor":-5,"currency":"BDT"}`
	req := httptest.NewRequest(http.MethodPost, "/initiate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestInitiatePaymentUnknownInvoiceIs404(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&stubStore{}, &stubBkash{}, nil)

	body := `{"gateway":"BKASH","invoice_id":99,"amount_minor":100,"currency":"BDT"}`
	req := httptest.NewRequest(http.MethodPost, "/initiate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestInitiatePaymentPaidInvoiceIs409(t *testing.T) {
	t.Parallel()

	store := &stubStore{invoice: &billing.Invoice{ID: 42, Status: billing.InvoicePaid}}
	h := newTestHandler(store, &stubBkash{}, nil)

	body := `{"gateway":"BKASH","invoice_id":42,"amount_minor":100,"currency":"BDT"}`
	req := httptest.NewRequest(http.MethodPost, "/initiate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestInitiatePaymentGatewayDownIs503(t *testing.T) {
	t.Parallel()

	store := &stubStore{invoice: &billing.Invoice{ID: 42, Status: billing.InvoiceUnpaid}}
	h := newTestHandler(store, &stubBkash{
		createErr: &gateway.TransportError{Gateway: gateway.Bkash, Op: "create payment", Err: context.DeadlineExceeded},
	}, nil)

	body := `{"gateway":"BKASH","invoice_id":42,"amount_minor":100,"currency":"BDT"}`
	req := httptest.NewRequest(http.MethodPost, "/initiate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestCallbackRedirectsToPortalOnSuccess(t *testing.T) {
	t.Parallel()

	invoiceID := int64(42)
	store := &stubStore{
		invoice: &billing.Invoice{ID: 42, Status: billing.InvoiceUnpaid},
		tx: &billing.Transaction{
			ID: 1, Gateway: gateway.Bkash, GatewayRef: "TR0011AB",
			Amount: money.New(10050, money.BDT), Status: billing.TxInitiated, InvoiceID: &invoiceID,
		},
	}
	h := newTestHandler(store, &stubBkash{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/callback/BKASH?paymentID=TR0011AB&status=success", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if loc != "https://portal.example.com/invoices/42?status=paid" {
		t.Errorf("location = %q", loc)
	}
}

func TestCallbackRedirectsToFailurePageWithReason(t *testing.T) {
	t.Parallel()

	invoiceID := int64(42)
	store := &stubStore{
		tx: &billing.Transaction{
			ID: 1, Gateway: gateway.Bkash, GatewayRef: "TR0011AB",
			Amount: money.New(10050, money.BDT), Status: billing.TxInitiated, InvoiceID: &invoiceID,
		},
	}
	h := newTestHandler(store, &stubBkash{
		execErr: &gateway.RemoteProtocolError{Gateway: gateway.Bkash, Code: "2023", Message: "Insufficient Balance"},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/callback/BKASH?paymentID=TR0011AB&status=success", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "status=failed") || !strings.Contains(loc, "gateway=BKASH") {
		t.Errorf("location = %q", loc)
	}
	if !strings.Contains(loc, "reason=Insufficient+Balance") {
		t.Errorf("location %q missing reason", loc)
	}
}

func TestCallbackMissingParamsIs400(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&stubStore{}, &stubBkash{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/callback/BKASH", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCallbackUnknownGatewayIs400(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&stubStore{}, &stubBkash{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/callback/paypal", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRepairRefundsReturnsSummary(t *testing.T) {
	t.Parallel()

	repairer := &stubRepairer{summary: recon.Summary{Checked: 4, Repaired: 2, Skipped: 1, ManualIntervention: 1}}
	h := newTestHandler(&stubStore{}, nil, repairer)

	req := httptest.NewRequest(http.MethodPost, "/repair-refunds/NAGAD", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Data recon.Summary `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data != repairer.summary {
		t.Errorf("summary = %+v", envelope.Data)
	}
}
