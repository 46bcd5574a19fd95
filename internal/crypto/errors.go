package crypto

import "fmt"

// ConfigError indicates missing or malformed cryptographic configuration.
// It is fatal to the operation and names the offending field for the
// operator.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("crypto config: %s %s", e.Field, e.Reason)
}

// DecryptionError indicates malformed ciphertext, a wrong padding marker or
// an authentication-tag mismatch. Always fatal to the call.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}
