// Package auditlog is the append-only record of every outbound gateway call
// and its response. It is the single source of truth for reconciliation:
// transaction and refund rows assert outcomes, the audit trail proves them.
package auditlog

import (
	"strings"
	"time"

	"paycore/internal/gateway"
)

// Status of one logged call attempt.
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
)

// Log is one outbound request/response pair. CorrelationID semantics vary
// per gateway: the gateway's payment or order reference for payment calls,
// a synthetic "REF-{originalCorrelationID}" token for refund attempts.
type Log struct {
	ID            int64
	Gateway       gateway.Gateway
	CorrelationID string
	Status        Status
	Request       string
	Response      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const refundCorrelationPrefix = "REF-"

// RefundCorrelationID builds the synthetic correlation token used for
// refund attempts: REF-{originalCorrelationID}.
func RefundCorrelationID(original string) string {
	return refundCorrelationPrefix + original
}

// TaintedSuccess reports whether a response payload is an HTML document
// masquerading as success. The challenge-response gateway has been observed
// returning HTML error pages inside 200 responses, so a stored SUCCESS
// status is never authoritative until the payload passes this check.
func TaintedSuccess(response string) bool {
	lower := strings.ToLower(response)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype")
}
