// Package repository provides PostgreSQL-backed persistence for consent
// state, entitlement snapshots, the event journal, and API keys.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tangent-Apps/tangent-relay/internal/billing"
	"github.com/Tangent-Apps/tangent-relay/internal/consent"
	"github.com/Tangent-Apps/tangent-relay/internal/core"
)

const (
	defaultEventBatchSize = 1000
	maxEventBatchSize     = 1000
)

// JournalEntry is one row of the event journal, used to drive the SSE
// stream.
type JournalEntry struct {
	EventID   int64           `json:"event_id"`
	InstallID string          `json:"install_id"`
	Name      string          `json:"name"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// APIKey is a stored API key record used for bearer-token authentication.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// PostgresRepository implements consent, snapshot, journal, and API key
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	eventBatchSize int
}

// RepositoryOption configures optional repository parameters.
type RepositoryOption func(*PostgresRepository)

// WithEventBatchSize caps the number of journal rows returned per
// ListEventsSince query. Values above the hard maximum are clamped.
func WithEventBatchSize(size int) RepositoryOption {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...RepositoryOption) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.eventBatchSize > maxEventBatchSize {
		r.eventBatchSize = maxEventBatchSize
	}
	return r
}

// LoadConsent returns the persisted consent state for an install. Returns
// consent.ErrNotFound when no record exists.
func (r *PostgresRepository) LoadConsent(ctx context.Context, installID string) (consent.Status, bool, error) {
	var (
		status   string
		prompted bool
	)
	err := r.pool.QueryRow(ctx, `
		SELECT status, prompted
		FROM consent_states
		WHERE install_id = $1
	`, installID).Scan(&status, &prompted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return consent.StatusNotDetermined, false, consent.ErrNotFound
		}
		return consent.StatusNotDetermined, false, fmt.Errorf("load consent: %w", err)
	}

	return consent.Status(status), prompted, nil
}

// SaveConsent upserts the consent state for an install.
func (r *PostgresRepository) SaveConsent(ctx context.Context, installID string, status consent.Status, prompted bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO consent_states (install_id, status, prompted)
		VALUES ($1, $2, $3)
		ON CONFLICT (install_id) DO UPDATE
		SET status = EXCLUDED.status,
		    prompted = EXCLUDED.prompted,
		    updated_at = NOW()
	`, installID, string(status), prompted)
	if err != nil {
		return fmt.Errorf("save consent: %w", err)
	}

	return nil
}

// LoadSnapshot returns the last stored entitlement snapshot for an install.
// Returns billing.ErrNoSnapshot when none exists.
func (r *PostgresRepository) LoadSnapshot(ctx context.Context, installID string) (core.EntitlementSnapshot, error) {
	var (
		entitlements  []string
		subscriptions []string
		periodType    string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT entitlements, subscriptions, period_type
		FROM entitlement_snapshots
		WHERE install_id = $1
	`, installID).Scan(&entitlements, &subscriptions, &periodType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.EntitlementSnapshot{}, billing.ErrNoSnapshot
		}
		return core.EntitlementSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	return core.EntitlementSnapshot{
		Entitlements:  entitlements,
		Subscriptions: subscriptions,
		PeriodType:    core.PeriodType(periodType),
	}, nil
}

// SaveSnapshot upserts the latest entitlement snapshot for an install.
func (r *PostgresRepository) SaveSnapshot(ctx context.Context, installID string, snapshot core.EntitlementSnapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO entitlement_snapshots (install_id, entitlements, subscriptions, period_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (install_id) DO UPDATE
		SET entitlements = EXCLUDED.entitlements,
		    subscriptions = EXCLUDED.subscriptions,
		    period_type = EXCLUDED.period_type,
		    captured_at = NOW()
	`, installID, snapshot.Entitlements, snapshot.Subscriptions, string(snapshot.PeriodType))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	return nil
}

// AppendEvent inserts a normalized event into the journal.
func (r *PostgresRepository) AppendEvent(ctx context.Context, installID string, event core.Event) error {
	payload, err := json.Marshal(event.Properties)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO events (install_id, name, source, payload)
		VALUES ($1, $2, $3, $4)
	`, installID, string(event.Name), event.Source, payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	return nil
}

// ListEventsSince returns journal rows with event_id greater than eventID,
// oldest first, capped at the configured batch size.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]JournalEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, install_id, name, source, payload, created_at
		FROM events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}
	defer rows.Close()

	entries := make([]JournalEntry, 0)
	for rows.Next() {
		var entry JournalEntry
		if err := rows.Scan(
			&entry.EventID,
			&entry.InstallID,
			&entry.Name,
			&entry.Source,
			&entry.Payload,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return entries, nil
}

// ValidateAPIKey returns the stored hash for an unrevoked API key id.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1 AND revoked_at IS NULL
	`, id).Scan(&keyHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("api key %q not found", id)
		}
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey stores a new API key hash and returns the created record.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, id, name, keyHash string) (APIKey, error) {
	var created APIKey
	err := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
		RETURNING id, name, key_hash, created_at, revoked_at
	`, id, name, keyHash).Scan(
		&created.ID,
		&created.Name,
		&created.KeyHash,
		&created.CreatedAt,
		&created.RevokedAt,
	)
	if err != nil {
		return APIKey{}, fmt.Errorf("create api key: %w", err)
	}

	return created, nil
}

// RevokeAPIKey marks an API key revoked. Returns pgx.ErrNoRows (wrapped) if
// the key does not exist or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys
		SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}

	return nil
}
