package nagad

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/crypto"
	"paycore/internal/gateway"
	"paycore/internal/gateway/auditlog"
	"paycore/internal/gateway/creds"
)

type fakeCreds struct {
	bundle *creds.NagadCredentials
}

func (f *fakeCreds) ResolveNagad(ctx context.Context) (*creds.NagadCredentials, error) {
	return f.bundle, nil
}

type auditEntry struct {
	correlationID string
	status        auditlog.Status
}

type fakeAudit struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*auditEntry
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{entries: map[int64]*auditEntry{}}
}

func (f *fakeAudit) Record(ctx context.Context, gw gateway.Gateway, correlationID string, status auditlog.Status, request, response string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.entries[f.nextID] = &auditEntry{correlationID: correlationID, status: status}
	return f.nextID, nil
}

func (f *fakeAudit) UpdateStatus(ctx context.Context, id int64, status auditlog.Status, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return errors.New("no such log")
	}
	e.status = status
	return nil
}

// keyPair bundles one side's RSA material in both parsed and PEM form.
type keyPair struct {
	priv    *rsa.PrivateKey
	privPEM string
	pubPEM  string
}

func genKeyPair(t *testing.T) *keyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return &keyPair{
		priv:    priv,
		privPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		pubPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}
}

func testBundle(gatewayKeys, merchantKeys *keyPair) *creds.NagadCredentials {
	return &creds.NagadCredentials{
		MerchantID:            "683002007104225",
		MerchantNumber:        "01711111111",
		GatewayPublicKeyPEM:   gatewayKeys.pubPEM,
		MerchantPrivateKeyPEM: merchantKeys.privPEM,
		Sandbox:               true,
	}
}

func newTestClient(t *testing.T, baseURL string, bundle *creds.NagadCredentials) (*Client, *fakeAudit) {
	t.Helper()
	audit := newFakeAudit()
	c := NewClient(Config{
		BaseURL:     baseURL,
		CallbackURL: "https://merchant.example/callback",
		Timeout:     5 * time.Second,
	}, &fakeCreds{bundle: bundle}, audit,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, audit
}

// decryptEnvelope is the remote side of the protocol: base64 decode and
// PKCS#1v1.5 decrypt with the gateway private key.
func decryptEnvelope(t *testing.T, priv *rsa.PrivateKey, b64 string) map[string]string {
	t.Helper()
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode sensitiveData: %v", err)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
	if err != nil {
		t.Fatalf("decrypt sensitiveData: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(plain, &out); err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return out
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func TestBuildOrderID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		invoiceRef string
		wantPrefix string
	}{
		{name: "short ref keeps prefix", invoiceRef: "77", wantPrefix: "INV77"},
		{name: "symbols stripped", invoiceRef: "ORD-0077#B", wantPrefix: "INVORD0077B"},
		// 3 + 16 + 4 = 23 > 20, so the prefix is dropped.
		{name: "long ref drops prefix", invoiceRef: "INVOICE123456789", wantPrefix: "INVOICE123456789"},
		// 30-char ref forces truncation to fit the suffix.
		{name: "very long ref truncated", invoiceRef: strings.Repeat("A", 30), wantPrefix: strings.Repeat("A", 16)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := BuildOrderID(tc.invoiceRef)
			if len(got) > 20 {
				t.Errorf("BuildOrderID(%q) = %q, length %d > 20", tc.invoiceRef, got, len(got))
			}
			if !isAlphanumeric(got) {
				t.Errorf("BuildOrderID(%q) = %q, not alphanumeric", tc.invoiceRef, got)
			}
			if !strings.HasPrefix(got, tc.wantPrefix) {
				t.Errorf("BuildOrderID(%q) = %q, want prefix %q", tc.invoiceRef, got, tc.wantPrefix)
			}
			if len(got) != len(tc.wantPrefix)+4 {
				t.Errorf("BuildOrderID(%q) = %q, want 4-digit suffix after %q", tc.invoiceRef, got, tc.wantPrefix)
			}
		})
	}

	// Prefix dropped only when necessary: the prefixed form of the
	// boundary case is exactly 20 characters.
	got := BuildOrderID("1234567890123")
	if !strings.HasPrefix(got, "INV1234567890123") || len(got) != 20 {
		t.Errorf("boundary case = %q, want INV-prefixed 20 chars", got)
	}
}

func TestInitializeAndCompleteThreadsChallenge(t *testing.T) {
	t.Parallel()

	gatewayKeys := genKeyPair(t)
	merchantKeys := genKeyPair(t)
	merchantPub, err := crypto.ParsePublicKey(merchantKeys.pubPEM)
	if err != nil {
		t.Fatalf("parse merchant public key: %v", err)
	}

	const issuedChallenge = "b9f2c8e4a1d7f3569c0e8a2b4d6f1357a2c4e6f8"
	const paymentRef = "MDkxNTIwMjRQAY001"

	var phase2 map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-KM-Api-Version") != apiVersion {
			t.Errorf("X-KM-Api-Version = %q", r.Header.Get("X-KM-Api-Version"))
		}
		switch {
		case strings.Contains(r.URL.Path, "/check-out/initialize/"):
			if !strings.Contains(r.URL.Path, "/683002007104225/") {
				t.Errorf("initialize path missing merchant ID: %s", r.URL.Path)
			}
			var body initRequest
			json.NewDecoder(r.Body).Decode(&body)

			envelope := decryptEnvelope(t, gatewayKeys.priv, body.SensitiveData)
			if envelope["challenge"] == "" {
				t.Error("initialize envelope missing challenge")
			}
			if len(envelope["datetime"]) != 14 {
				t.Errorf("datetime = %q, want 14 digits", envelope["datetime"])
			}
			if err := verifyDetachedSignature(merchantKeys, body.SensitiveData, body.Signature, gatewayKeys); err != nil {
				t.Errorf("initialize signature: %v", err)
			}

			respPlain, _ := json.Marshal(map[string]string{
				"paymentReferenceId": paymentRef,
				"challenge":          issuedChallenge,
			})
			respBlob, err := crypto.EncryptWithPublicKey(merchantPub, respPlain)
			if err != nil {
				t.Fatalf("encrypt response blob: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]string{"sensitiveData": respBlob})

		case strings.Contains(r.URL.Path, "/check-out/complete/"):
			if !strings.HasSuffix(r.URL.Path, "/"+paymentRef) {
				t.Errorf("complete path = %s, want payment-reference scoped", r.URL.Path)
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			phase2 = decryptEnvelope(t, gatewayKeys.priv, body["sensitiveData"])
			json.NewEncoder(w).Encode(map[string]string{
				"callBackUrl": "https://gateway.example/pay/" + paymentRef,
			})

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, audit := newTestClient(t, srv.URL, testBundle(gatewayKeys, merchantKeys))
	ctx := context.Background()
	amount := money.New(15000, money.BDT)

	initRes, err := c.Initialize(ctx, amount, "4421", "203.0.113.7")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if initRes.EncryptedBlob == "" {
		t.Fatal("Initialize returned empty blob")
	}

	compRes, err := c.Complete(ctx, amount, initRes.OrderID, initRes.EncryptedBlob, "4421", "203.0.113.7")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if compRes.PaymentReferenceID != paymentRef {
		t.Errorf("PaymentReferenceID = %q, want %q", compRes.PaymentReferenceID, paymentRef)
	}
	if compRes.RedirectURL == "" {
		t.Error("Complete returned empty redirect URL")
	}

	if phase2["challenge"] != issuedChallenge {
		t.Errorf("phase-2 challenge = %q, want the phase-1 challenge %q threaded verbatim", phase2["challenge"], issuedChallenge)
	}
	if phase2["currencyCode"] != "050" {
		t.Errorf("currencyCode = %q, want 050", phase2["currencyCode"])
	}
	if phase2["amount"] != "150.00" {
		t.Errorf("amount = %q, want 150.00", phase2["amount"])
	}
	if phase2["orderId"] != initRes.OrderID {
		t.Errorf("orderId = %q, want %q", phase2["orderId"], initRes.OrderID)
	}

	for _, e := range audit.entries {
		if e.status != auditlog.StatusSuccess {
			t.Errorf("audit row %q status = %s, want SUCCESS", e.correlationID, e.status)
		}
	}
}

// verifyDetachedSignature checks the plaintext signature by reconstructing
// the plaintext from the sealed envelope.
func verifyDetachedSignature(merchantKeys *keyPair, sensitiveData, signature string, gatewayKeys *keyPair) error {
	ct, err := base64.StdEncoding.DecodeString(sensitiveData)
	if err != nil {
		return err
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, gatewayKeys.priv, ct)
	if err != nil {
		return err
	}
	merchantPub, err := crypto.ParsePublicKey(merchantKeys.pubPEM)
	if err != nil {
		return err
	}
	return crypto.VerifySignature(merchantPub, plain, signature)
}

func TestCompleteRejectsBlobWithoutChallenge(t *testing.T) {
	t.Parallel()

	gatewayKeys := genKeyPair(t)
	merchantKeys := genKeyPair(t)
	merchantPub, err := crypto.ParsePublicKey(merchantKeys.pubPEM)
	if err != nil {
		t.Fatalf("parse merchant public key: %v", err)
	}

	respPlain, _ := json.Marshal(map[string]string{"paymentReferenceId": "REF1"})
	blob, err := crypto.EncryptWithPublicKey(merchantPub, respPlain)
	if err != nil {
		t.Fatalf("encrypt blob: %v", err)
	}

	c, _ := newTestClient(t, "http://unreachable.invalid", testBundle(gatewayKeys, merchantKeys))
	_, err = c.Complete(context.Background(), money.New(100, money.BDT), "INV11234", blob, "1", "")
	var protoErr *gateway.RemoteProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want RemoteProtocolError", err)
	}
}

func TestVerifyParsesSettlement(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/verify/payment/REF9") {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":             "Success",
			"statusCode":         "000",
			"orderId":            "INV44219921",
			"issuerPaymentRefNo": "IPR-555",
		})
	}))
	defer srv.Close()

	gatewayKeys := genKeyPair(t)
	merchantKeys := genKeyPair(t)
	c, _ := newTestClient(t, srv.URL, testBundle(gatewayKeys, merchantKeys))

	res, err := c.Verify(context.Background(), "REF9")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Settled {
		t.Error("Settled = false, want true")
	}
	if res.OrderID != "INV44219921" {
		t.Errorf("OrderID = %q", res.OrderID)
	}
}

func TestVerifyNotSettledOnNonZeroStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "Aborted",
			"statusCode": "056",
		})
	}))
	defer srv.Close()

	gatewayKeys := genKeyPair(t)
	merchantKeys := genKeyPair(t)
	c, _ := newTestClient(t, srv.URL, testBundle(gatewayKeys, merchantKeys))

	res, err := c.Verify(context.Background(), "REF9")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Settled {
		t.Error("Settled = true for aborted payment")
	}
}

func TestRefundPaymentRecordsRefundCorrelation(t *testing.T) {
	t.Parallel()

	gatewayKeys := genKeyPair(t)
	merchantKeys := genKeyPair(t)

	var envelope map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/purchase/refund/REF9") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		envelope = decryptEnvelope(t, gatewayKeys.priv, body["sensitiveData"])
		json.NewEncoder(w).Encode(map[string]string{
			"statusCode":  "000",
			"refundRefNo": "RR-100",
		})
	}))
	defer srv.Close()

	c, audit := newTestClient(t, srv.URL, testBundle(gatewayKeys, merchantKeys))

	res, err := c.RefundPayment(context.Background(), "REF9", money.New(5000, money.BDT), "INV44219921", "customer request")
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if res.RefundRefNo != "RR-100" {
		t.Errorf("RefundRefNo = %q", res.RefundRefNo)
	}
	if envelope["refundAmount"] != "50.00" {
		t.Errorf("refundAmount = %q, want 50.00", envelope["refundAmount"])
	}

	found := false
	for _, e := range audit.entries {
		if e.correlationID == "REF-INV44219921" {
			found = true
			if e.status != auditlog.StatusSuccess {
				t.Errorf("refund audit status = %s", e.status)
			}
		}
	}
	if !found {
		t.Error("no audit row correlated as REF-INV44219921")
	}
}

func TestRefundPaymentFailureStatus(t *testing.T) {
	t.Parallel()

	gatewayKeys := genKeyPair(t)
	merchantKeys := genKeyPair(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"statusCode": "034",
			"reason":     "refund window expired",
		})
	}))
	defer srv.Close()

	c, audit := newTestClient(t, srv.URL, testBundle(gatewayKeys, merchantKeys))

	_, err := c.RefundPayment(context.Background(), "REF9", money.New(5000, money.BDT), "INV44219921", "late")
	var protoErr *gateway.RemoteProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want RemoteProtocolError", err)
	}
	if !strings.Contains(protoErr.Message, "refund window expired") {
		t.Errorf("message = %q", protoErr.Message)
	}
	for _, e := range audit.entries {
		if e.status != auditlog.StatusFailed {
			t.Errorf("audit status = %s, want FAILED", e.status)
		}
	}
}

func TestDhakaTimestampFormat(t *testing.T) {
	t.Parallel()

	gatewayKeys := genKeyPair(t)
	merchantKeys := genKeyPair(t)
	c, _ := newTestClient(t, "http://unreachable.invalid", testBundle(gatewayKeys, merchantKeys))
	c.now = func() time.Time {
		return time.Date(2024, 9, 15, 18, 30, 45, 0, time.UTC)
	}

	got := c.dhakaTimestamp()
	// 18:30:45 UTC is 00:30:45 next day in Dhaka (+06:00).
	if got != "20240916003045" {
		t.Errorf("dhakaTimestamp = %q, want 20240916003045", got)
	}
}
