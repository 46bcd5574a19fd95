package gateway

import "fmt"

// ConfigError indicates missing or malformed gateway credentials. Fatal to
// the operation, never retried; names the missing field for the operator.
type ConfigError struct {
	Gateway Gateway
	Field   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s configuration: missing or invalid %s", e.Gateway, e.Field)
}

// RemoteProtocolError means the gateway responded but embedded a failure
// status or marker in the response body, often inside a 200. Distinguished
// from TransportError because the retry strategy differs: a protocol error
// can mean "already done", a transport error warrants a plain retry.
type RemoteProtocolError struct {
	Gateway Gateway
	Code    string
	Message string
}

func (e *RemoteProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s gateway error %s: %s", e.Gateway, e.Code, e.Message)
	}
	return fmt.Sprintf("%s gateway error: %s", e.Gateway, e.Message)
}

// TransportError covers timeouts, connection failures and non-2xx HTTP.
// Eligible for the documented single fallback retry, never unbounded.
type TransportError struct {
	Gateway Gateway
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
