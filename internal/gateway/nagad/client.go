// Package nagad implements the challenge-response gateway client. Every
// mutating call carries an RSA-encrypted envelope plus a detached
// signature over the plaintext; the three payment phases are strictly
// ordered because phase 2 reuses a challenge issued inside phase 1's
// encrypted response.
package nagad

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/crypto"
	"paycore/internal/gateway"
	"paycore/internal/gateway/auditlog"
	"paycore/internal/gateway/creds"
)

const (
	apiVersion = "v-0.2.0"
	clientType = "PC_WEB"

	// Gateway order identifiers are capped at 20 alphanumerics.
	maxOrderIDLen = 20
	orderIDPrefix = "INV"
)

const statusOK = "000"

// CredentialSource resolves the gateway credential bundle per call.
type CredentialSource interface {
	ResolveNagad(ctx context.Context) (*creds.NagadCredentials, error)
}

// AuditLogger records every outbound call attempt.
type AuditLogger interface {
	Record(ctx context.Context, gw gateway.Gateway, correlationID string, status auditlog.Status, request, response string) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status auditlog.Status, response string) error
}

// Config holds client configuration. BaseURL overrides the derived
// endpoint, mainly for sandboxed environments behind a proxy.
type Config struct {
	BaseURL     string        `envconfig:"NAGAD_BASE_URL"`
	CallbackURL string        `envconfig:"NAGAD_CALLBACK_URL"`
	Timeout     time.Duration `envconfig:"NAGAD_TIMEOUT" default:"30s"`
}

// Client is the challenge-response gateway client.
type Client struct {
	creds       CredentialSource
	audit       AuditLogger
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	callbackURL string
	now         func() time.Time
}

// NewClient creates a gateway client.
func NewClient(cfg Config, credSource CredentialSource, audit AuditLogger, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		creds:       credSource,
		audit:       audit,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
		baseURL:     cfg.BaseURL,
		callbackURL: cfg.CallbackURL,
		now:         time.Now,
	}
}

func (c *Client) endpoint(bundle *creds.NagadCredentials) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return bundle.BaseURL()
}

// keyring is the parsed key material for one call sequence.
type keyring struct {
	gatewayPub  *rsa.PublicKey
	merchantKey *rsa.PrivateKey
}

func loadKeys(bundle *creds.NagadCredentials) (*keyring, error) {
	pub, err := crypto.ParsePublicKey(bundle.GatewayPublicKeyPEM)
	if err != nil {
		return nil, &gateway.ConfigError{Gateway: gateway.Nagad, Field: "public_key"}
	}
	priv, err := crypto.ParsePrivateKey(bundle.MerchantPrivateKeyPEM)
	if err != nil {
		return nil, &gateway.ConfigError{Gateway: gateway.Nagad, Field: "private_key"}
	}
	return &keyring{gatewayPub: pub, merchantKey: priv}, nil
}

// seal encrypts a plaintext envelope for the gateway and signs the same
// plaintext with the merchant key.
func (k *keyring) seal(plaintext []byte) (sensitiveData, signature string, err error) {
	sensitiveData, err = crypto.EncryptWithPublicKey(k.gatewayPub, plaintext)
	if err != nil {
		return "", "", fmt.Errorf("encrypt envelope: %w", err)
	}
	signature, err = crypto.Sign(k.merchantKey, plaintext)
	if err != nil {
		return "", "", fmt.Errorf("sign envelope: %w", err)
	}
	return sensitiveData, signature, nil
}

// dhakaTimestamp formats the current time as the gateway's local-time
// wire format.
func (c *Client) dhakaTimestamp() string {
	loc, err := time.LoadLocation("Asia/Dhaka")
	if err != nil {
		// +06:00, no DST.
		loc = time.FixedZone("BST", 6*60*60)
	}
	return c.now().In(loc).Format("20060102150405")
}

// BuildOrderID derives the gateway order identifier from an invoice
// reference. Non-alphanumerics are stripped, a 4-digit random suffix is
// appended, and the prefixed form gives way to shorter compositions
// whenever the 20-character cap would be exceeded.
func BuildOrderID(invoiceRef string) string {
	var b strings.Builder
	for _, r := range invoiceRef {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	base := b.String()
	suffix := randomDigits(4)

	if len(orderIDPrefix)+len(base)+len(suffix) <= maxOrderIDLen {
		return orderIDPrefix + base + suffix
	}
	if len(base)+len(suffix) <= maxOrderIDLen {
		return base + suffix
	}
	return base[:maxOrderIDLen-len(suffix)] + suffix
}

func randomDigits(n int) string {
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			out[i] = '0'
			continue
		}
		out[i] = byte('0' + v.Int64())
	}
	return string(out)
}

func randomChallenge() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 40)
	for i := range out {
		v, err := rand.Int(rand.Reader, big.NewInt(int64(len(hexDigits))))
		if err != nil {
			out[i] = '0'
			continue
		}
		out[i] = hexDigits[v.Int64()]
	}
	return string(out)
}

// InitializeResult carries phase-1 output. EncryptedBlob stays encrypted;
// Complete owns the decryption so the challenge never leaves the payment
// flow.
type InitializeResult struct {
	OrderID       string
	EncryptedBlob string
	Raw           string
}

type initRequest struct {
	AccountNumber string `json:"accountNumber,omitempty"`
	DateTime      string `json:"dateTime"`
	SensitiveData string `json:"sensitiveData"`
	Signature     string `json:"signature"`
}

type wireResponse struct {
	SensitiveData string `json:"sensitiveData"`
	Signature     string `json:"signature"`
	CallBackURL   string `json:"callBackUrl"`
	Status        string `json:"status"`
	StatusCode    string `json:"statusCode"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
}

func (r *wireResponse) bestMessage() string {
	for _, m := range []string{r.Reason, r.Message} {
		if m != "" {
			return m
		}
	}
	return "unspecified gateway error"
}

// Initialize runs phase 1: issues a fresh challenge inside an encrypted,
// signed envelope and returns the gateway's still-encrypted response blob
// together with the derived order ID.
func (c *Client) Initialize(ctx context.Context, amount money.Money, invoiceRef, clientIP string) (*InitializeResult, error) {
	bundle, err := c.creds.ResolveNagad(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := loadKeys(bundle)
	if err != nil {
		return nil, err
	}

	orderID := BuildOrderID(invoiceRef)
	envelope, err := json.Marshal(map[string]string{
		"merchantId": bundle.MerchantID,
		"datetime":   c.dhakaTimestamp(),
		"orderId":    orderID,
		"challenge":  randomChallenge(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initialize envelope: %w", err)
	}

	sensitiveData, signature, err := keys.seal(envelope)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/check-out/initialize/%s/%s", c.endpoint(bundle), bundle.MerchantID, orderID)
	body := initRequest{
		AccountNumber: bundle.MerchantNumber,
		DateTime:      c.dhakaTimestamp(),
		SensitiveData: sensitiveData,
		Signature:     signature,
	}

	logID, _ := c.recordAttempt(ctx, orderID, url)

	resp, raw, err := c.post(ctx, url, body, clientIP, "initialize")
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return nil, err
	}
	if resp.SensitiveData == "" {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Nagad,
			Code:    resp.StatusCode,
			Message: resp.bestMessage(),
		}
	}

	c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
	return &InitializeResult{
		OrderID:       orderID,
		EncryptedBlob: resp.SensitiveData,
		Raw:           raw,
	}, nil
}

// initPayload is the decrypted phase-1 response.
type initPayload struct {
	PaymentReferenceID string `json:"paymentReferenceId"`
	Challenge          string `json:"challenge"`
	AcceptDateTime     string `json:"acceptDateTime"`
}

// CompleteResult carries phase-2 output.
type CompleteResult struct {
	PaymentReferenceID string
	RedirectURL        string
	Raw                string
}

// Complete runs phase 2: decrypts the phase-1 blob, threads the recovered
// challenge verbatim into a fresh envelope scoped to the payment
// reference, and posts it with the merchant callback.
func (c *Client) Complete(ctx context.Context, amount money.Money, orderID, encryptedBlob, origRef, clientIP string) (*CompleteResult, error) {
	bundle, err := c.creds.ResolveNagad(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := loadKeys(bundle)
	if err != nil {
		return nil, err
	}

	decrypted, err := crypto.DecryptWithPrivateKey(keys.merchantKey, encryptedBlob)
	if err != nil {
		return nil, fmt.Errorf("decrypt initialize response: %w", err)
	}
	var phase1 initPayload
	if err := json.Unmarshal(decrypted, &phase1); err != nil {
		return nil, fmt.Errorf("parse initialize response: %w", err)
	}
	if phase1.PaymentReferenceID == "" || phase1.Challenge == "" {
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Nagad,
			Message: "initialize response missing payment reference or challenge",
		}
	}

	envelope, err := json.Marshal(map[string]string{
		"merchantId":   bundle.MerchantID,
		"orderId":      orderID,
		"currencyCode": money.NumericCode(amount.Currency),
		"amount":       amount.Wire(),
		"challenge":    phase1.Challenge,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal complete envelope: %w", err)
	}

	sensitiveData, signature, err := keys.seal(envelope)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/check-out/complete/%s", c.endpoint(bundle), phase1.PaymentReferenceID)
	body := map[string]string{
		"sensitiveData":          sensitiveData,
		"signature":              signature,
		"merchantCallbackURL":    c.callbackURL,
		"additionalMerchantInfo": fmt.Sprintf(`{"orderRef":"%s"}`, origRef),
	}

	logID, _ := c.recordAttempt(ctx, orderID, url)

	resp, raw, err := c.post(ctx, url, body, clientIP, "complete")
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return nil, err
	}
	if resp.CallBackURL == "" {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Nagad,
			Code:    resp.StatusCode,
			Message: resp.bestMessage(),
		}
	}

	c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
	return &CompleteResult{
		PaymentReferenceID: phase1.PaymentReferenceID,
		RedirectURL:        resp.CallBackURL,
		Raw:                raw,
	}, nil
}

// VerifyResult is the phase-3 settlement check.
type VerifyResult struct {
	Settled            bool
	StatusCode         string
	Status             string
	OrderID            string
	IssuerPaymentRefNo string
	Raw                string
}

type verifyResponse struct {
	Status             string `json:"status"`
	StatusCode         string `json:"statusCode"`
	OrderID            string `json:"orderId"`
	IssuerPaymentRefNo string `json:"issuerPaymentRefNo"`
	Reason             string `json:"reason"`
}

// Verify runs phase 3: a plain unencrypted GET on the payment reference.
func (c *Client) Verify(ctx context.Context, paymentReferenceID string) (*VerifyResult, error) {
	bundle, err := c.creds.ResolveNagad(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/verify/payment/%s", c.endpoint(bundle), paymentReferenceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	c.setHeaders(req, "")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &gateway.TransportError{Gateway: gateway.Nagad, Op: "verify", Err: err}
	}
	defer httpResp.Body.Close()

	rawBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &gateway.TransportError{Gateway: gateway.Nagad, Op: "verify", Err: err}
	}
	raw := string(rawBytes)

	var resp verifyResponse
	if err := json.Unmarshal(rawBytes, &resp); err != nil {
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Nagad,
			Message: "verify: unparseable response body",
		}
	}

	return &VerifyResult{
		Settled:            resp.StatusCode == statusOK && resp.Status == "Success",
		StatusCode:         resp.StatusCode,
		Status:             resp.Status,
		OrderID:            resp.OrderID,
		IssuerPaymentRefNo: resp.IssuerPaymentRefNo,
		Raw:                raw,
	}, nil
}

// RefundResult is a confirmed refund.
type RefundResult struct {
	RefundRefNo string
	Raw         string
}

type refundResponse struct {
	StatusCode  string `json:"statusCode"`
	Status      string `json:"status"`
	RefundRefNo string `json:"refundRefNo"`
	Reason      string `json:"reason"`
	Message     string `json:"message"`
}

// RefundPayment issues a refund against a settled payment reference. The
// audit row is correlated under REF-{orderID} so reconciliation can match
// the corrective call back to the original payment.
func (c *Client) RefundPayment(ctx context.Context, paymentReferenceID string, amount money.Money, gatewayOrderID, reason string) (*RefundResult, error) {
	bundle, err := c.creds.ResolveNagad(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := loadKeys(bundle)
	if err != nil {
		return nil, err
	}

	envelope, err := json.Marshal(map[string]string{
		"merchantId":    bundle.MerchantID,
		"orderId":       gatewayOrderID,
		"refundAmount":  amount.Wire(),
		"currencyCode":  money.NumericCode(amount.Currency),
		"refundMessage": reason,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refund envelope: %w", err)
	}

	sensitiveData, signature, err := keys.seal(envelope)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/purchase/refund/%s", c.endpoint(bundle), paymentReferenceID)
	body := map[string]string{
		"sensitiveData": sensitiveData,
		"signature":     signature,
	}

	logID, _ := c.recordAttempt(ctx, auditlog.RefundCorrelationID(gatewayOrderID), url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, jsonBody(body))
	if err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}
	c.setHeaders(req, "")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, err.Error())
		return nil, &gateway.TransportError{Gateway: gateway.Nagad, Op: "refund", Err: err}
	}
	defer httpResp.Body.Close()

	rawBytes, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, readErr.Error())
		return nil, &gateway.TransportError{Gateway: gateway.Nagad, Op: "refund", Err: readErr}
	}
	raw := string(rawBytes)

	var resp refundResponse
	if err := json.Unmarshal(rawBytes, &resp); err != nil {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Nagad,
			Message: "refund: unparseable response body",
		}
	}
	if resp.StatusCode != statusOK {
		c.completeAttempt(ctx, logID, auditlog.StatusFailed, raw)
		return nil, &gateway.RemoteProtocolError{
			Gateway: gateway.Nagad,
			Code:    resp.StatusCode,
			Message: resp.bestMessage(),
		}
	}

	c.completeAttempt(ctx, logID, auditlog.StatusSuccess, raw)
	return &RefundResult{RefundRefNo: resp.RefundRefNo, Raw: raw}, nil
}

func (r *refundResponse) bestMessage() string {
	for _, m := range []string{r.Reason, r.Message} {
		if m != "" {
			return m
		}
	}
	return "unspecified gateway error"
}

func jsonBody(v any) io.Reader {
	data, _ := json.Marshal(v)
	return bytes.NewReader(data)
}

func (c *Client) setHeaders(req *http.Request, clientIP string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-KM-Api-Version", apiVersion)
	req.Header.Set("X-KM-Client-Type", clientType)
	if clientIP != "" {
		req.Header.Set("X-KM-IP-V4", clientIP)
	}
}

func (c *Client) post(ctx context.Context, url string, payload any, clientIP, op string) (*wireResponse, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%s: marshal payload: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	c.setHeaders(req, clientIP)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &gateway.TransportError{Gateway: gateway.Nagad, Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	rawBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", &gateway.TransportError{Gateway: gateway.Nagad, Op: op, Err: err}
	}
	raw := string(rawBytes)

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, raw, &gateway.TransportError{
			Gateway: gateway.Nagad,
			Op:      op,
			Err:     fmt.Errorf("http %d: %s", httpResp.StatusCode, raw),
		}
	}

	var resp wireResponse
	if err := json.Unmarshal(rawBytes, &resp); err != nil {
		return nil, raw, &gateway.RemoteProtocolError{
			Gateway: gateway.Nagad,
			Message: fmt.Sprintf("%s: unparseable response body", op),
		}
	}
	return &resp, raw, nil
}

func (c *Client) recordAttempt(ctx context.Context, correlationID, url string) (int64, error) {
	reqJSON, _ := json.Marshal(map[string]string{"url": url})
	id, err := c.audit.Record(ctx, gateway.Nagad, correlationID, auditlog.StatusInitiated, string(reqJSON), "")
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
