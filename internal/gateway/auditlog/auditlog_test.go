package auditlog

import "testing"

func TestTaintedSuccess(t *testing.T) {
	t.Parallel()

	tainted := []string{
		"<html>Error 500</html>",
		"<!DOCTYPE html><body>Service Unavailable</body>",
		"  <HTML><head></head>",
		`{"status":"ok"} <!doctype html>`,
	}
	for _, body := range tainted {
		if !TaintedSuccess(body) {
			t.Errorf("TaintedSuccess(%q) = false, want true", body)
		}
	}

	clean := []string{
		`{"statusCode":"0000","trxID":"T1"}`,
		`{"status":"Success","message":"refund processed"}`,
		"",
		`{"note":"customer wrote <b>thanks</b>"}`,
	}
	for _, body := range clean {
		if TaintedSuccess(body) {
			t.Errorf("TaintedSuccess(%q) = true, want false", body)
		}
	}
}

func TestRefundCorrelationID(t *testing.T) {
	t.Parallel()

	if got := RefundCorrelationID("PAY10001234"); got != "REF-PAY10001234" {
		t.Errorf("RefundCorrelationID = %q, want REF-PAY10001234", got)
	}
}
