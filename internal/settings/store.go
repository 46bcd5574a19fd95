// Package settings provides the key-value settings store that holds gateway
// credentials and the persisted bearer-token cache.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a key is absent from the store.
var ErrNotFound = errors.New("setting not found")

// Setting is one stored key-value pair. Encrypted flags the value as
// sensitive; whether it actually carries an encryption envelope is decided
// by the credential resolver (legacy plaintext values persist).
type Setting struct {
	Key       string
	Value     string
	Group     string
	Encrypted bool
	UpdatedAt time.Time
}

// Store persists settings in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a settings store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get retrieves a single setting by key.
func (s *Store) Get(ctx context.Context, key string) (*Setting, error) {
	query := `
		SELECT key, value, grp, encrypted, updated_at
		FROM gateway_settings WHERE key = $1
	`
	row := s.pool.QueryRow(ctx, query, key)

	var st Setting
	if err := row.Scan(&st.Key, &st.Value, &st.Group, &st.Encrypted, &st.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return &st, nil
}

// GetMany retrieves settings for a key set, returned as a map keyed by
// setting key. Absent keys are simply missing from the map.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]Setting, error) {
	query := `
		SELECT key, value, grp, encrypted, updated_at
		FROM gateway_settings WHERE key = ANY($1)
	`
	rows, err := s.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Setting, len(keys))
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.Group, &st.Encrypted, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out[st.Key] = st
	}
	return out, rows.Err()
}

// Upsert inserts or replaces a setting by key.
func (s *Store) Upsert(ctx context.Context, setting Setting) error {
	query := `
		INSERT INTO gateway_settings (key, value, grp, encrypted, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			grp = EXCLUDED.grp,
			encrypted = EXCLUDED.encrypted,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		setting.Key, setting.Value, setting.Group, setting.Encrypted, time.Now().UTC(),
	)
	return err
}
