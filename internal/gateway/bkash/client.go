// Package bkash implements the token-based gateway client: OAuth-style
// token grant with a persisted cache, payment create/execute/query and
// refund/refund-status calls. The gateway has two mutually exclusive
// integration modes; the mode is inferred from credentials and a single
// fallback retry against the other mode self-heals wrong guesses.
package bkash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/gateway/auditlog"
	"paycore/internal/gateway/creds"
)

// Token expiry safety margin: a token advertised for 3600s is cached for
// 3540s so in-flight calls never ride an expiring token.
const tokenSafetyMargin = 60 * time.Second

// The gateway reports an execute against an already-settled payment with
// this code; the caller must recover the result via query, not fail.
const codeAlreadyCompleted = "2062"

// Token grants have no payment to correlate with; they share one token so
// credential problems are findable in the trail.
const tokenGrantCorrelation = "token-grant"

const redactedValue = "[redacted]"

// CredentialSource resolves the gateway credential bundle per call.
type CredentialSource interface {
	ResolveBkash(ctx context.Context) (*creds.BkashCredentials, error)
}

// TokenCache stores the shared bearer token. Concurrent refreshers may
// race; last-writer-wins is the accepted policy because a duplicate grant
// is harmless.
type TokenCache interface {
	Get(ctx context.Context) (token string, expiresAt time.Time, err error)
	Put(ctx context.Context, token string, expiresAt time.Time) error
}

// AuditLogger records every outbound call attempt.
type AuditLogger interface {
	Record(ctx context.Context, gw gateway.Gateway, correlationID string, status auditlog.Status, request, response string) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status auditlog.Status, response string) error
}

// Config holds client configuration. BaseURL overrides the derived
// endpoint, mainly for sandboxed environments behind a proxy.
type Config struct {
	BaseURL string        `envconfig:"BKASH_BASE_URL"`
	Timeout time.Duration `envconfig:"BKASH_TIMEOUT" default:"30s"`
}

// Client is the token-based gateway client.
type Client struct {
	creds      CredentialSource
	tokens     TokenCache
	audit      AuditLogger
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient creates a gateway client.
func NewClient(cfg Config, credSource CredentialSource, tokens TokenCache, audit AuditLogger, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		creds:      credSource,
		tokens:     tokens,
		audit:      audit,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		baseURL:    cfg.BaseURL,
	}
}

// endpoint resolves the base URL for a mode, honoring the override. The
// tokenized mode keeps its path prefix under an override so the two modes
// stay distinguishable.
func (c *Client) endpoint(bundle *creds.BkashCredentials, mode creds.Mode) string {
	if c.baseURL != "" {
		if mode == creds.ModeTokenized {
			return c.baseURL + "/tokenized"
		}
		return c.baseURL
	}
	return creds.BkashBaseURL(mode, bundle.Sandbox)
}

type apiResponse struct {
	StatusCode        string `json:"statusCode"`
	StatusMessage     string `json:"statusMessage"`
	ErrorCode         string `json:"errorCode"`
	ErrorMessage      string `json:"errorMessage"`
	Msg               string `json:"msg"`
	PaymentID         string `json:"paymentID"`
	PaymentIDAlt      string `json:"paymentId"`
	BkashURL          string `json:"bkashURL"`
	TrxID             string `json:"trxID"`
	TransactionStatus string `json:"transactionStatus"`
	RefundTrxID       string `json:"refundTrxID"`
	OriginalTrxID     string `json:"originalTrxID"`
	IDToken           string `json:"id_token"`
	ExpiresIn         int64  `json:"expires_in"`
}

// paymentID normalizes the mode-specific payment identifier field to one
// canonical name.
func (r *apiResponse) paymentID() string {
	if r.PaymentID != "" {
		return r.PaymentID
	}
	return r.PaymentIDAlt
}

// bestMessage prefers the most specific remote-provided message over
// generic text.
func (r *apiResponse) bestMessage() string {
	for _, m := range []string{r.StatusMessage, r.ErrorMessage, r.Msg} {
		if m != "" {
			return m
		}
	}
	return "unspecified gateway error"
}

func (r *apiResponse) errCode() string {
	if r.StatusCode != "" && r.StatusCode != "0000" {
		return r.StatusCode
	}
	return r.ErrorCode
}

// GrantToken returns a valid bearer token, reusing the persisted cache when
// unexpired. On an ambiguous rejection it retries once against the other
// integration mode's endpoint before giving up, surfacing the most specific
// error either attempt produced.
func (c *Client) GrantToken(ctx context.Context) (string, error) {
	if token, expiresAt, err := c.tokens.Get(ctx); err == nil && token != "" && time.Now().Before(expiresAt) {
		return token, nil
	}

	bundle, err := c.creds.ResolveBkash(ctx)
	if err != nil {
		return "", err
	}

	token, expiresIn, firstErr := c.requestToken(ctx, bundle, bundle.Mode)
	if firstErr != nil {
		c.logger.Warn("token grant failed, retrying against other integration mode",
			"gateway", gateway.Bkash,
			"inferred_mode", bundle.Mode,
			"error", firstErr,
		)
		var secondErr error
		token, expiresIn, secondErr = c.requestToken(ctx, bundle, bundle.Mode.Other())
		if secondErr != nil {
			// Prefer whichever attempt produced a protocol-level message.
			if _, ok := firstErr.(*gateway.RemoteProtocolError); ok {
				return "", firstErr
			}
			return "", secondErr
		}
	}

	expiresAt := time.Now().Add(time.Duration(expiresIn)*time.Second - tokenSafetyMargin)
	if err := c.tokens.Put(ctx, token, expiresAt); err != nil {
		c.logger.Error("failed to persist bearer token", "error", err)
	}
	return token, nil
}

func (c *Client) requestToken(ctx context.Context, bundle *creds.BkashCredentials, mode creds.Mode) (string, int64, error) {
	url := c.endpoint(bundle, mode) + "/checkout/token/grant"
	payload := map[string]string{
		"app_key":    bundle.AppKey,
		"app_secret": bundle.AppSecret,
	}

	// Secrets never land in the audit trail.
	logID, _ := c.recordAttempt(ctx, tokenGrantCorrelation, url, map[string]string{
		"app_key":    bundle.AppKey,
		"app_secret": redactedValue,
	})

	resp, raw, err := c.post(ctx, url, payload, map[string]string{
		"username": bundle.Username,
		"password": bundle.Password,
	}, "token-grant")
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return "", 0, err
	}

	if resp.IDToken == "" {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
		return "", 0, &gateway.RemoteProtocolError{
			Gateway: gateway.Bkash,
			Code:    resp.errCode(),
			Message: resp.bestMessage(),
		}
	}
	c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
	return resp.IDToken, resp.ExpiresIn, nil
}

// Payment is a created but not yet executed payment.
type Payment struct {
	PaymentID   string
	RedirectURL string
	Raw         string
}

// CreatePayment creates a payment for later execution. Success requires a
// payment identifier in the response; a 200 without one is a protocol error.
func (c *Client) CreatePayment(ctx context.Context, amount money.Money, orderRef, callbackURL string) (*Payment, error) {
	bundle, err := c.creds.ResolveBkash(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.GrantToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"amount":                amount.Wire(),
		"currency":              string(amount.Currency),
		"merchantInvoiceNumber": orderRef,
	}
	if bundle.Mode == creds.ModeTokenized {
		payload["mode"] = "0011"
		payload["payerReference"] = orderRef
		payload["callbackURL"] = callbackURL
	} else {
		// Immediate capture is only expressible in the classic mode.
		payload["intent"] = "sale"
	}

	url := c.endpoint(bundle, bundle.Mode) + "/checkout/create"
	logID, _ := c.recordAttempt(ctx, orderRef, url, payload)

	resp, raw, err := c.post(ctx, url, payload, authHeaders(token, bundle.AppKey), "create-payment")
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return nil, err
	}

	if resp.paymentID() == "" {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Bkash,
			Code:    resp.errCode(),
			Message: resp.bestMessage(),
		}
	}

	c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
	return &Payment{
		PaymentID:   resp.paymentID(),
		RedirectURL: resp.BkashURL,
		Raw:         raw,
	}, nil
}

// ExecuteResult is the outcome of executing (confirming) a payment.
type ExecuteResult struct {
	PaymentID string
	TrxID     string
	Status    string
	Raw       string
}

// ExecutePayment confirms a created payment. A 200 alone is not success:
// the response must carry statusCode 0000 or an explicit Completed status.
// When the gateway claims the payment was already completed, the final
// transaction reference is recovered via QueryPayment instead of failing.
func (c *Client) ExecutePayment(ctx context.Context, paymentID string) (*ExecuteResult, error) {
	bundle, err := c.creds.ResolveBkash(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.GrantToken(ctx)
	if err != nil {
		return nil, err
	}

	var url string
	var payload map[string]string
	if bundle.Mode == creds.ModeTokenized {
		url = c.endpoint(bundle, bundle.Mode) + "/checkout/execute"
		payload = map[string]string{"paymentID": paymentID}
	} else {
		url = c.endpoint(bundle, bundle.Mode) + "/checkout/execute/" + paymentID
	}

	logID, _ := c.recordAttempt(ctx, paymentID, url, payload)

	resp, raw, err := c.post(ctx, url, payload, authHeaders(token, bundle.AppKey), "execute-payment")
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return nil, err
	}

	if isCompleted(resp) {
		c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
		return &ExecuteResult{
			PaymentID: paymentID,
			TrxID:     resp.TrxID,
			Status:    "Completed",
			Raw:       raw,
		}, nil
	}

	if isAlreadyCompleted(resp) {
		// Success via side channel: the remote settled this payment on an
		// earlier attempt. Recover the transaction reference from query.
		c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
		c.logger.Info("execute reported already completed, recovering via query",
			"gateway", gateway.Bkash,
			"payment_id", paymentID,
		)
		return c.QueryPayment(ctx, paymentID)
	}

	c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
	return nil, &gateway.RemoteProtocolError{
		Gateway: gateway.Bkash,
		Code:    resp.errCode(),
		Message: resp.bestMessage(),
	}
}

// QueryPayment is the read-only payment status check.
func (c *Client) QueryPayment(ctx context.Context, paymentID string) (*ExecuteResult, error) {
	bundle, err := c.creds.ResolveBkash(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.GrantToken(ctx)
	if err != nil {
		return nil, err
	}

	var url string
	var payload map[string]string
	if bundle.Mode == creds.ModeTokenized {
		url = c.endpoint(bundle, bundle.Mode) + "/checkout/payment/status"
		payload = map[string]string{"paymentID": paymentID}
	} else {
		url = c.endpoint(bundle, bundle.Mode) + "/checkout/payment/query/" + paymentID
	}

	logID, _ := c.recordAttempt(ctx, paymentID, url, payload)

	var resp *apiResponse
	var raw string
	if bundle.Mode == creds.ModeTokenized {
		resp, raw, err = c.post(ctx, url, payload, authHeaders(token, bundle.AppKey), "query-payment")
	} else {
		resp, raw, err = c.get(ctx, url, authHeaders(token, bundle.AppKey), "query-payment")
	}
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return nil, err
	}

	if resp.TrxID == "" && !isCompleted(resp) {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Bkash,
			Code:    resp.errCode(),
			Message: resp.bestMessage(),
		}
	}

	c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
	return &ExecuteResult{
		PaymentID: paymentID,
		TrxID:     resp.TrxID,
		Status:    resp.TransactionStatus,
		Raw:       raw,
	}, nil
}

// RefundRequest carries everything the refund endpoint needs.
type RefundRequest struct {
	PaymentID string
	Amount    money.Money
	TrxID     string
	Reason    string
	SKU       string
}

// RefundResult is a successful refund confirmation.
type RefundResult struct {
	RefundTrxID string
	Raw         string
}

// RefundPayment issues a refund. Success markers are mode-specific: the
// tokenized mode signals via statusCode, the classic mode must show an
// actual Completed transactionStatus AND a refund transaction ID; a bare
// 200 satisfies neither.
func (c *Client) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	bundle, err := c.creds.ResolveBkash(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.GrantToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"paymentID": req.PaymentID,
		"amount":    req.Amount.Wire(),
		"trxID":     req.TrxID,
		"reason":    req.Reason,
		"sku":       req.SKU,
	}

	url := c.endpoint(bundle, bundle.Mode) + "/checkout/payment/refund"
	logID, _ := c.recordAttempt(ctx, auditlog.RefundCorrelationID(req.PaymentID), url, payload)

	resp, raw, err := c.post(ctx, url, payload, authHeaders(token, bundle.AppKey), "refund-payment")
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return nil, err
	}

	var ok bool
	if bundle.Mode == creds.ModeTokenized {
		ok = resp.StatusCode == "0000"
	} else {
		ok = resp.TransactionStatus == "Completed" && resp.RefundTrxID != ""
	}
	if !ok {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Bkash,
			Code:    resp.errCode(),
			Message: resp.bestMessage(),
		}
	}

	c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
	return &RefundResult{RefundTrxID: resp.RefundTrxID, Raw: raw}, nil
}

// RefundStatus queries refund state. Same endpoint as refund; posting only
// identifiers is understood by the remote as a read.
func (c *Client) RefundStatus(ctx context.Context, paymentID, trxID string) (string, error) {
	bundle, err := c.creds.ResolveBkash(ctx)
	if err != nil {
		return "", err
	}
	token, err := c.GrantToken(ctx)
	if err != nil {
		return "", err
	}

	payload := map[string]string{
		"paymentID": paymentID,
		"trxID":     trxID,
	}
	url := c.endpoint(bundle, bundle.Mode) + "/checkout/payment/refund"
	// Correlated by payment ID, not the REF- token: a status read must
	// never surface as refund proof.
	logID, _ := c.recordAttempt(ctx, paymentID, url, payload)

	_, raw, err := c.post(ctx, url, payload, authHeaders(token, bundle.AppKey), "refund-status")
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return "", err
	}
	c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
	return raw, nil
}

func isCompleted(resp *apiResponse) bool {
	return resp.StatusCode == "0000" ||
		resp.TransactionStatus == "Completed" ||
		resp.StatusMessage == "Completed"
}

func isAlreadyCompleted(resp *apiResponse) bool {
	if resp.errCode() == codeAlreadyCompleted {
		return true
	}
	return strings.Contains(strings.ToLower(resp.bestMessage()), "already been completed")
}

func authHeaders(token, appKey string) map[string]string {
	return map[string]string{
		"Authorization": token,
		"X-APP-Key":     appKey,
	}
}

func (c *Client) post(ctx context.Context, url string, payload any, headers map[string]string, op string) (*apiResponse, string, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%s: marshal payload: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	return c.do(req, headers, op)
}

func (c *Client) get(ctx context.Context, url string, headers map[string]string, op string) (*apiResponse, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	return c.do(req, headers, op)
}

func (c *Client) do(req *http.Request, headers map[string]string, op string) (*apiResponse, string, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &gateway.TransportError{Gateway: gateway.Bkash, Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	rawBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", &gateway.TransportError{Gateway: gateway.Bkash, Op: op, Err: err}
	}
	raw := string(rawBytes)

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, raw, &gateway.TransportError{
			Gateway: gateway.Bkash,
			Op:      op,
			Err:     fmt.Errorf("http %d: %s", httpResp.StatusCode, raw),
		}
	}

	var resp apiResponse
	if err := json.Unmarshal(rawBytes, &resp); err != nil {
		// An HTML error page inside a 200; classify as protocol failure.
		return nil, raw, &gateway.RemoteProtocolError{
			Gateway: gateway.Bkash,
			Message: fmt.Sprintf("%s: unparseable response body", op),
		}
	}
	return &resp, raw, nil
}

func (c *Client) recordAttempt(ctx context.Context, correlationID, url string, payload any) (int64, error) {
	reqJSON, _ := json.Marshal(map[string]any{"url": url, "body": payload})
	id, err := c.audit.Record(ctx, gateway.Bkash, correlationID, auditlog.StatusInitiated, string(reqJSON), "")
	if err != nil {
		c.logger.Error("failed to record gateway log", "error", err)
	}
	return id, err
}

func (c *Client) completeAttempt(ctx context.Context, logID int64, status auditlog.Status, response string) {
	if logID == 0 {
		return
	}
	if err := c.audit.UpdateStatus(ctx, logID, status, response); err != nil {
		c.logger.Error("failed to update gateway log", "log_id", logID, "error", err)
	}
}
