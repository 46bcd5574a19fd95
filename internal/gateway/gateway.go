// Package gateway defines the shared vocabulary for the mobile payment
// gateway integrations: gateway identifiers and the error taxonomy that
// distinguishes configuration, transport, protocol and decryption failures.
package gateway

import "fmt"

// Gateway identifies a payment gateway integration.
type Gateway string

const (
	// Bkash is the token-based OAuth gateway.
	Bkash Gateway = "BKASH"
	// Nagad is the challenge-response RSA gateway.
	Nagad Gateway = "NAGAD"
)

// Parse validates a gateway name from an API path or request body.
func Parse(s string) (Gateway, error) {
	switch Gateway(s) {
	case Bkash:
		return Bkash, nil
	case Nagad:
		return Nagad, nil
	}
	return "", fmt.Errorf("unknown gateway %q", s)
}

func (g Gateway) String() string { return string(g) }
