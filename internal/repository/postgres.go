// Package repository provides PostgreSQL-backed persistence for flag
// definitions and tenant API keys, plus LISTEN/NOTIFY-based cache
// invalidation so every instance purges its cache tiers as soon as a write
// lands, instead of waiting out the TTL window.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const defaultNotifyChannel = "flag_invalidations"

// Flag is the repository-level representation of a flag definition row.
// Variants and Rules are stored as JSONB documents; the service layer decodes
// them into evaluation-time types.
type Flag struct {
	TenantID    string          `json:"-"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Variants    json.RawMessage `json:"variants"`
	Rules       json.RawMessage `json:"rules"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Invalidation identifies a flag whose cache entries must be purged.
type Invalidation struct {
	TenantID string `json:"tenant"`
	Name     string `json:"name"`
}

// PostgresRepository implements flag and API key persistence backed by a
// pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a repository using the default
// "flag_invalidations" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a repository using the given
// LISTEN/NOTIFY channel for invalidation broadcasts.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, channel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(channel),
	}
}

// CreateFlag inserts a new flag row and broadcasts an invalidation in the
// same transaction, returning the created record with server timestamps.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Flag{}, fmt.Errorf("begin create flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created Flag
	err = tx.QueryRow(ctx, `
		INSERT INTO flags (tenant_id, name, description, enabled, variants, rules)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING tenant_id, name, description, enabled, variants, rules, created_at, updated_at
	`,
		flag.TenantID,
		flag.Name,
		flag.Description,
		flag.Enabled,
		ensureJSON(flag.Variants, "[]"),
		ensureJSON(flag.Rules, "[]"),
	).Scan(
		&created.TenantID,
		&created.Name,
		&created.Description,
		&created.Enabled,
		&created.Variants,
		&created.Rules,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	if err := r.notifyInvalidation(ctx, tx, created.TenantID, created.Name); err != nil {
		return Flag{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Flag{}, fmt.Errorf("commit create flag tx: %w", err)
	}

	return created, nil
}

// UpdateFlag updates an existing flag identified by tenant and name. Returns
// pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Flag{}, fmt.Errorf("begin update flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var updated Flag
	err = tx.QueryRow(ctx, `
		UPDATE flags
		SET description = $3,
		    enabled = $4,
		    variants = $5,
		    rules = $6,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND name = $2
		RETURNING tenant_id, name, description, enabled, variants, rules, created_at, updated_at
	`,
		flag.TenantID,
		flag.Name,
		flag.Description,
		flag.Enabled,
		ensureJSON(flag.Variants, "[]"),
		ensureJSON(flag.Rules, "[]"),
	).Scan(
		&updated.TenantID,
		&updated.Name,
		&updated.Description,
		&updated.Enabled,
		&updated.Variants,
		&updated.Rules,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	if err := r.notifyInvalidation(ctx, tx, updated.TenantID, updated.Name); err != nil {
		return Flag{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Flag{}, fmt.Errorf("commit update flag tx: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by tenant and name. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, tenantID, name string) (Flag, error) {
	var flag Flag
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, name, description, enabled, variants, rules, created_at, updated_at
		FROM flags
		WHERE tenant_id = $1 AND name = $2
	`, tenantID, name).Scan(
		&flag.TenantID,
		&flag.Name,
		&flag.Description,
		&flag.Enabled,
		&flag.Variants,
		&flag.Rules,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags for a tenant ordered by name.
func (r *PostgresRepository) ListFlags(ctx context.Context, tenantID string) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, name, description, enabled, variants, rules, created_at, updated_at
		FROM flags
		WHERE tenant_id = $1
		ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		var flag Flag
		if err := rows.Scan(
			&flag.TenantID,
			&flag.Name,
			&flag.Description,
			&flag.Enabled,
			&flag.Variants,
			&flag.Rules,
			&flag.CreatedAt,
			&flag.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// ListNames returns the names of all flags defined for a tenant.
func (r *PostgresRepository) ListNames(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name FROM flags WHERE tenant_id = $1 ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list flag names: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan flag name: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flag names rows: %w", err)
	}

	return names, nil
}

// DeleteFlag removes a flag and broadcasts an invalidation. Returns
// pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, tenantID, name string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `DELETE FROM flags WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	if err := r.notifyInvalidation(ctx, tx, tenantID, name); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete flag tx: %w", err)
	}

	return nil
}

// ValidateAPIKey returns the stored hash and tenant ID for a non-revoked key
// ID. Callers perform the hash comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash, tenantID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, tenant_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &tenantID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, tenantID, nil
}

// CreateAPIKey generates a new API key for a tenant, storing a bcrypt hash of
// the secret. The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, tenantID string) (string, string, error) {
	keyID := uuid.NewString()

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, tenantID, "api-key-"+keyID[:8], string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// RevokeAPIKey marks an API key as revoked. Returns pgx.ErrNoRows (wrapped)
// if no matching active key exists for the tenant.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, tenantID, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys
		SET revoked_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL
	`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}

	return nil
}

// ListAPIKeys returns metadata for all non-revoked API keys of a tenant.
// Secrets are never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, tenantID string) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, created_at
		FROM api_keys
		WHERE tenant_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var key APIKeyMeta
		if err := rows.Scan(&key.ID, &key.TenantID, &key.Name, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// SubscribeInvalidations returns a channel that receives an Invalidation for
// every flag write notification on the PostgreSQL LISTEN channel. The channel
// is closed when ctx is cancelled; lost connections are retried internally.
func (r *PostgresRepository) SubscribeInvalidations(ctx context.Context) (<-chan Invalidation, error) {
	invalidations := make(chan Invalidation, 16)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- Invalidation) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidations(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidations(ctx context.Context, invalidations chan<- Invalidation) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for invalidation notification: %w", err)
		}

		var inv Invalidation
		if err := json.Unmarshal([]byte(notification.Payload), &inv); err != nil {
			continue
		}

		select {
		case invalidations <- inv:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *PostgresRepository) notifyInvalidation(ctx context.Context, tx pgx.Tx, tenantID, name string) error {
	payload, err := json.Marshal(Invalidation{TenantID: tenantID, Name: name})
	if err != nil {
		return fmt.Errorf("marshal invalidation payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify invalidation: %w", err)
	}

	return nil
}

func listenStatement(channel string) string {
	return fmt.Sprintf(`LISTEN %s`, pgx.Identifier{channel}.Sanitize())
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func generateRandomHex(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
