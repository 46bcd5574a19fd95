// Package creds resolves gateway credentials by merging the settings store
// over environment-provided fallbacks, decrypting sensitive fields at rest.
package creds

import (
	"context"
	"log/slog"
	"strings"

	"paycore/internal/crypto"
	"paycore/internal/gateway"
	"paycore/internal/settings"
)

// Mode is the token-based gateway's integration mode. The two modes use
// mutually exclusive request/response shapes and different base endpoints.
type Mode string

const (
	ModeTokenized Mode = "tokenized"
	ModeCheckout  Mode = "checkout"
)

// Other returns the opposite integration mode, used for the single
// fallback retry when the inference heuristic guessed wrong.
func (m Mode) Other() Mode {
	if m == ModeTokenized {
		return ModeCheckout
	}
	return ModeTokenized
}

// BkashCredentials is the resolved credential bundle for the token-based
// gateway. Owned by the client for the duration of one call.
type BkashCredentials struct {
	Username  string
	Password  string
	AppKey    string
	AppSecret string
	Sandbox   bool
	Mode      Mode
}

// BaseURL derives the endpoint for the resolved mode.
func (c *BkashCredentials) BaseURL() string {
	return BkashBaseURL(c.Mode, c.Sandbox)
}

// BkashBaseURL maps {mode, sandbox} to the gateway base endpoint.
func BkashBaseURL(mode Mode, sandbox bool) string {
	switch {
	case mode == ModeTokenized && sandbox:
		return "https://tokenized.sandbox.bka.sh/v1.2.0-beta/tokenized"
	case mode == ModeTokenized:
		return "https://tokenized.pay.bka.sh/v1.2.0-beta/tokenized"
	case sandbox:
		return "https://checkout.sandbox.bka.sh/v1.2.0-beta"
	default:
		return "https://checkout.pay.bka.sh/v1.2.0-beta"
	}
}

// NagadCredentials is the resolved bundle for the challenge-response
// gateway. Key material is normalized PEM, ready to parse.
type NagadCredentials struct {
	MerchantID            string
	MerchantNumber        string
	GatewayPublicKeyPEM   string
	MerchantPrivateKeyPEM string
	Sandbox               bool
}

// BaseURL derives the endpoint for the environment.
func (c *NagadCredentials) BaseURL() string {
	if c.Sandbox {
		return "http://sandbox.mynagad.com:10080/remote-payment-gateway-1.0/api/dfs"
	}
	return "https://api.mynagad.com/api/dfs"
}

// SettingsReader is the subset of the settings store the resolver needs.
type SettingsReader interface {
	GetMany(ctx context.Context, keys []string) (map[string]settings.Setting, error)
}

// Decrypter opens encryption envelopes produced by the symmetric cipher.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// Fallbacks carries process-level fallback credentials from the
// environment, used for any field absent from the settings store.
type Fallbacks struct {
	BkashUsername  string `envconfig:"BKASH_USERNAME"`
	BkashPassword  string `envconfig:"BKASH_PASSWORD"`
	BkashAppKey    string `envconfig:"BKASH_APP_KEY"`
	BkashAppSecret string `envconfig:"BKASH_APP_SECRET"`
	BkashSandbox   bool   `envconfig:"BKASH_SANDBOX" default:"true"`

	NagadMerchantID     string `envconfig:"NAGAD_MERCHANT_ID"`
	NagadMerchantNumber string `envconfig:"NAGAD_MERCHANT_NUMBER"`
	NagadPublicKey      string `envconfig:"NAGAD_PUBLIC_KEY"`
	NagadPrivateKey     string `envconfig:"NAGAD_PRIVATE_KEY"`
	NagadSandbox        bool   `envconfig:"NAGAD_SANDBOX" default:"true"`
}

// Resolver resolves per-gateway credential bundles.
type Resolver struct {
	store     SettingsReader
	decrypter Decrypter
	fallbacks Fallbacks
	logger    *slog.Logger
}

// NewResolver creates a credential resolver.
func NewResolver(store SettingsReader, decrypter Decrypter, fallbacks Fallbacks, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		decrypter: decrypter,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// ResolveBkash builds the token-based gateway bundle, inferring the
// integration mode from the username shape. The inference is best-effort;
// the client compensates for wrong guesses with its mode fallback.
func (r *Resolver) ResolveBkash(ctx context.Context) (*BkashCredentials, error) {
	vals, err := r.resolve(ctx, map[string]resolveSpec{
		"bkash_username":   {fallback: r.fallbacks.BkashUsername},
		"bkash_password":   {fallback: r.fallbacks.BkashPassword, sensitive: true},
		"bkash_app_key":    {fallback: r.fallbacks.BkashAppKey},
		"bkash_app_secret": {fallback: r.fallbacks.BkashAppSecret, sensitive: true},
		"bkash_sandbox":    {fallback: boolStr(r.fallbacks.BkashSandbox)},
	})
	if err != nil {
		return nil, err
	}

	c := &BkashCredentials{
		Username:  vals["bkash_username"],
		Password:  vals["bkash_password"],
		AppKey:    vals["bkash_app_key"],
		AppSecret: vals["bkash_app_secret"],
		Sandbox:   vals["bkash_sandbox"] != "false",
	}
	for field, v := range map[string]string{
		"username": c.Username, "password": c.Password,
		"app_key": c.AppKey, "app_secret": c.AppSecret,
	} {
		if v == "" {
			return nil, &gateway.ConfigError{Gateway: gateway.Bkash, Field: field}
		}
	}

	c.Mode = InferMode(c.Username)
	return c, nil
}

// ResolveNagad builds the challenge-response gateway bundle, normalizing
// pasted key material into parseable PEM.
func (r *Resolver) ResolveNagad(ctx context.Context) (*NagadCredentials, error) {
	vals, err := r.resolve(ctx, map[string]resolveSpec{
		"nagad_merchant_id":     {fallback: r.fallbacks.NagadMerchantID},
		"nagad_merchant_number": {fallback: r.fallbacks.NagadMerchantNumber},
		"nagad_public_key":      {fallback: r.fallbacks.NagadPublicKey},
		"nagad_private_key":     {fallback: r.fallbacks.NagadPrivateKey, sensitive: true},
		"nagad_sandbox":         {fallback: boolStr(r.fallbacks.NagadSandbox)},
	})
	if err != nil {
		return nil, err
	}

	c := &NagadCredentials{
		MerchantID:     vals["nagad_merchant_id"],
		MerchantNumber: vals["nagad_merchant_number"],
		Sandbox:        vals["nagad_sandbox"] != "false",
	}
	for field, v := range map[string]string{
		"merchant_id": c.MerchantID,
		"public_key":  vals["nagad_public_key"],
		"private_key": vals["nagad_private_key"],
	} {
		if v == "" {
			return nil, &gateway.ConfigError{Gateway: gateway.Nagad, Field: field}
		}
	}

	c.GatewayPublicKeyPEM = crypto.NormalizePublicKey(vals["nagad_public_key"])
	c.MerchantPrivateKeyPEM = crypto.NormalizePrivateKey(vals["nagad_private_key"])
	return c, nil
}

// InferMode guesses the token-based gateway's integration mode from the
// username shape: merchant wallet numbers (all digits) get tokenized
// checkout, portal usernames get the classic integration. Known fragility;
// the client's single mode-switch retry self-heals wrong guesses.
func InferMode(username string) Mode {
	if username != "" && strings.Trim(username, "0123456789") == "" {
		return ModeTokenized
	}
	return ModeCheckout
}

type resolveSpec struct {
	fallback  string
	sensitive bool
}

func (r *Resolver) resolve(ctx context.Context, specs map[string]resolveSpec) (map[string]string, error) {
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}

	stored, err := r.store.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(specs))
	for key, spec := range specs {
		setting, ok := stored[key]
		if !ok || setting.Value == "" {
			out[key] = spec.fallback
			continue
		}

		value := setting.Value
		if spec.sensitive && setting.Encrypted {
			if crypto.IsEncrypted(value) {
				plain, err := r.decrypter.Decrypt(value)
				if err != nil {
					return nil, err
				}
				value = plain
			} else {
				// Legacy pre-migration credential stored in the clear.
				r.logger.Warn("credential flagged encrypted but stored as plaintext",
					"key", key,
				)
			}
		}
		out[key] = value
	}
	return out, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
