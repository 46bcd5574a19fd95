package bkash

import (
	"context"
	"errors"
	"sync"
	"time"

	"paycore/internal/settings"
)

const (
	settingToken       = "bkash_token"
	settingTokenExpiry = "bkash_token_expires_at"
)

// SettingsWriter is the slice of the settings store the cache needs.
type SettingsWriter interface {
	Get(ctx context.Context, key string) (*settings.Setting, error)
	Upsert(ctx context.Context, setting settings.Setting) error
}

// SettingsTokenCache persists the bearer token in the settings store so
// every process shares one token instead of issuing grants per instance.
// A small in-process memo avoids a settings read per gateway call.
type SettingsTokenCache struct {
	store SettingsWriter

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewSettingsTokenCache(store SettingsWriter) *SettingsTokenCache {
	return &SettingsTokenCache{store: store}
}

func (c *SettingsTokenCache) Get(ctx context.Context) (string, time.Time, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.expiresAt) {
		token, expiresAt := c.token, c.expiresAt
		c.mu.Unlock()
		return token, expiresAt, nil
	}
	c.mu.Unlock()

	tok, err := c.store.Get(ctx, settingToken)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, err
	}
	exp, err := c.store.Get(ctx, settingTokenExpiry)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, err
	}

	expiresAt, err := time.Parse(time.RFC3339, exp.Value)
	if err != nil {
		// Unreadable expiry means the cached token cannot be trusted.
		return "", time.Time{}, nil
	}

	c.mu.Lock()
	c.token, c.expiresAt = tok.Value, expiresAt
	c.mu.Unlock()
	return tok.Value, expiresAt, nil
}

func (c *SettingsTokenCache) Put(ctx context.Context, token string, expiresAt time.Time) error {
	c.mu.Lock()
	c.token, c.expiresAt = token, expiresAt
	c.mu.Unlock()

	if err := c.store.Upsert(ctx, settings.Setting{Key: settingToken, Value: token, Group: "bkash"}); err != nil {
		return err
	}
	return c.store.Upsert(ctx, settings.Setting{
		Key:   settingTokenExpiry,
		Value: expiresAt.Format(time.RFC3339),
		Group: "bkash",
	})
}
