// Package api exposes the payments service over HTTP.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payments"
)

// Handler handles payment HTTP requests.
type Handler struct {
	service         *payments.Service
	frontendBaseURL string
}

// NewHandler creates a new payments handler. frontendBaseURL is where the
// payer lands after a callback is processed.
func NewHandler(service *payments.Service, frontendBaseURL string) *Handler {
	return &Handler{service: service, frontendBaseURL: frontendBaseURL}
}

// Routes returns the payment routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/initiate", h.InitiatePayment)
	r.Get("/callback/{gateway}", h.HandleCallback)
	r.Post("/repair-refunds/{gateway}", h.RepairRefunds)

	return r
}

// InitiatePaymentRequest is the API request for starting a payment.
type InitiatePaymentRequest struct {
	Gateway     string `json:"gateway" validate:"required,oneof=BKASH NAGAD"`
	InvoiceID   int64  `json:"invoice_id" validate:"required,gt=0"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

// InitiatePayment handles POST /initiate.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	gw, err := gateway.Parse(req.Gateway)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	amount := money.New(req.AmountMinor, money.Currency(req.Currency))
	clientIP := middleware.ClientIP(r)

	res, err := h.service.InitiatePayment(r.Context(), gw, req.InvoiceID, amount, clientIP)
	if err != nil {
		writePaymentError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, res)
}

// HandleCallback handles GET /callback/{gateway}. The gateway redirects the
// payer's browser here; the outcome is a redirect to the portal, never a
// JSON body.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	gw, err := gateway.Parse(chi.URLParam(r, "gateway"))
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	params := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	res, err := h.service.HandleCallback(r.Context(), gw, params)
	if err != nil {
		if errors.Is(err, payments.ErrMissingParam) {
			api.BadRequest(w, err.Error())
			return
		}
		h.redirectFailure(w, r, gw, 0, err.Error())
		return
	}

	if res.Status != payments.CallbackSuccess {
		h.redirectFailure(w, r, gw, res.InvoiceID, res.Reason)
		return
	}

	target := fmt.Sprintf("%s/invoices/%d?status=paid", h.frontendBaseURL, res.InvoiceID)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) redirectFailure(w http.ResponseWriter, r *http.Request, gw gateway.Gateway, invoiceID int64, reason string) {
	q := url.Values{}
	q.Set("status", "failed")
	q.Set("gateway", string(gw))
	if reason != "" {
		q.Set("reason", reason)
	}
	target := fmt.Sprintf("%s/invoices/%d?%s", h.frontendBaseURL, invoiceID, q.Encode())
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// RepairRefunds handles POST /repair-refunds/{gateway}.
func (h *Handler) RepairRefunds(w http.ResponseWriter, r *http.Request) {
	gw, err := gateway.Parse(chi.URLParam(r, "gateway"))
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	sum, err := h.service.RepairRefunds(r.Context(), gw)
	if err != nil {
		writePaymentError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, sum)
}

// writePaymentError maps service and gateway errors to HTTP statuses.
func writePaymentError(w http.ResponseWriter, err error) {
	var (
		transportErr *gateway.TransportError
		protoErr     *gateway.RemoteProtocolError
		configErr    *gateway.ConfigError
	)

	switch {
	case errors.Is(err, payments.ErrInvoiceNotFound):
		api.NotFound(w, "invoice not found")
	case errors.Is(err, payments.ErrInvoiceAlreadyPaid):
		api.Conflict(w, "invoice already paid")
	case errors.Is(err, payments.ErrUnsupportedGateway):
		api.BadRequest(w, err.Error())
	case errors.As(err, &transportErr):
		api.ServiceUnavailable(w, "payment gateway unreachable")
	case errors.As(err, &protoErr):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeGatewayError, protoErr.Message)
	case errors.As(err, &configErr):
		api.InternalError(w, "payment gateway misconfigured")
	default:
		api.InternalError(w, "payment processing failed")
	}
}
