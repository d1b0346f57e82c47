// Package pgstore is the pgx-backed implementation of the narrow store
// surface described in spec §6: LookupInstance, UpdateInstanceUsage,
// UpdateOAuthStatus, AtomicActivateProSubscription,
// UpdateUserPlanBilling, GetUserPlanBySubscriptionID, HandlePlanCancellation,
// UpsertWebhookEvent, IsEventProcessed, plus the Supervisor- and
// Reconciler-facing row mutators. Every component that talks to the store
// declares its own narrow interface (tokenrefresh.Store, webhook.Store,
// reconciler.Store, supervisor.StoreUpdater); Store below satisfies all of
// them structurally.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetbridge/fleetd/pkg/reconciler"
	"github.com/fleetbridge/fleetd/pkg/tokenrefresh"
	"github.com/fleetbridge/fleetd/pkg/webhook"
)

// Store is backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// LookupInstance implements tokenrefresh.Store.
func (s *Store) LookupInstance(ctx context.Context, instanceID uuid.UUID) (*tokenrefresh.Instance, error) {
	const q = `
		SELECT i.id, i.user_id, i.service_name, i.kind, i.status, i.oauth_status,
		       COALESCE(i.client_id, ''), COALESCE(i.client_secret, ''), COALESCE(i.oauth_provider, ''),
		       COALESCE(i.access_token, ''), COALESCE(i.refresh_token, ''),
		       COALESCE(i.token_expires_at, 'epoch'::timestamptz)
		FROM instances i
		WHERE i.id = $1`

	var inst tokenrefresh.Instance
	err := s.pool.QueryRow(ctx, q, instanceID).Scan(
		&inst.ID, &inst.UserID, &inst.ServiceName, &inst.Kind, &inst.Status, &inst.OAuthStatus,
		&inst.ClientID, &inst.ClientSecret, &inst.OAuthProvider,
		&inst.AccessToken, &inst.RefreshToken, &inst.TokenExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up instance %s: %w", instanceID, err)
	}

	// No service enablement is read here: every instance loaded by this
	// store reports ServiceActive, so ServiceDisabled is never returned for it.
	inst.ServiceActive = true
	return &inst, nil
}

// UpdateInstanceUsage implements authgate.UsageRecorder.
func (s *Store) UpdateInstanceUsage(ctx context.Context, instanceID uuid.UUID, at time.Time) error {
	const q = `UPDATE instances SET last_accessed_at = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, instanceID, at)
	if err != nil {
		return fmt.Errorf("updating last_accessed_at for %s: %w", instanceID, err)
	}
	return nil
}

// UpdateOAuthStatus implements tokenrefresh.Store.
func (s *Store) UpdateOAuthStatus(ctx context.Context, instanceID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time, status tokenrefresh.OAuthStatus) error {
	const q = `
		UPDATE instances
		SET access_token = NULLIF($2, ''), refresh_token = NULLIF($3, ''),
		    token_expires_at = NULLIF($4, 'epoch'::timestamptz), oauth_status = $5, updated_at = now()
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, instanceID, accessToken, refreshToken, expiresAt, status)
	if err != nil {
		return fmt.Errorf("updating oauth status for %s: %w", instanceID, err)
	}
	return nil
}

// MarkInstanceFailed implements supervisor.StoreUpdater.
func (s *Store) MarkInstanceFailed(ctx context.Context, instanceID uuid.UUID, reason string) error {
	const q = `UPDATE instances SET status = 'failed', updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, instanceID)
	if err != nil {
		return fmt.Errorf("marking instance %s failed (%s): %w", instanceID, reason, err)
	}
	return nil
}

// MarkInstanceActive implements supervisor.StoreUpdater.
func (s *Store) MarkInstanceActive(ctx context.Context, instanceID uuid.UUID) error {
	const q = `UPDATE instances SET status = 'active', updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, instanceID)
	if err != nil {
		return fmt.Errorf("marking instance %s active: %w", instanceID, err)
	}
	return nil
}

// IsEventProcessed implements webhook.Store.
func (s *Store) IsEventProcessed(ctx context.Context, externalEventID string) (bool, error) {
	const q = `SELECT processing_status IN ('processed', 'skipped') FROM webhook_events WHERE external_event_id = $1`
	var processed bool
	err := s.pool.QueryRow(ctx, q, externalEventID).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking event %s processed: %w", externalEventID, err)
	}
	return processed, nil
}

// UpsertWebhookEvent implements webhook.Store.
func (s *Store) UpsertWebhookEvent(ctx context.Context, externalEventID string, eventType, gateway string, payload []byte, status webhook.ProcessingStatus, errDetail string) error {
	const q = `
		INSERT INTO webhook_events (external_event_id, event_type, gateway, payload, processing_status, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), CASE WHEN $5 IN ('processed', 'skipped', 'failed') THEN now() ELSE NULL END)
		ON CONFLICT (external_event_id) DO UPDATE
		SET processing_status = EXCLUDED.processing_status,
		    error = EXCLUDED.error,
		    processed_at = EXCLUDED.processed_at`
	_, err := s.pool.Exec(ctx, q, externalEventID, eventType, gateway, payload, status, errDetail)
	if err != nil {
		return fmt.Errorf("upserting webhook event %s: %w", externalEventID, err)
	}
	return nil
}

// AtomicActivateProSubscription implements webhook.Store. It is idempotent:
// a second call with the same subscription_id returns already_active
// without mutating plan state further.
func (s *Store) AtomicActivateProSubscription(ctx context.Context, userID, subscriptionID string, expiresAt time.Time, customerID string) (webhook.ActivationOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning activation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingSub string
	err = tx.QueryRow(ctx, `SELECT COALESCE(subscription_id, '') FROM user_plans WHERE user_id = $1 FOR UPDATE`, userID).Scan(&existingSub)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("locking user plan %s: %w", userID, err)
	}
	if existingSub == subscriptionID {
		return webhook.ActivationAlreadyActive, nil
	}

	const q = `
		INSERT INTO user_plans (user_id, plan_type, payment_status, subscription_id, customer_id, expires_at)
		VALUES ($1, 'pro', 'active', $2, NULLIF($3, ''), $4)
		ON CONFLICT (user_id) DO UPDATE
		SET plan_type = 'pro', payment_status = 'active',
		    subscription_id = EXCLUDED.subscription_id, customer_id = EXCLUDED.customer_id,
		    expires_at = EXCLUDED.expires_at, updated_at = now()`
	if _, err := tx.Exec(ctx, q, userID, subscriptionID, customerID, expiresAt); err != nil {
		return "", fmt.Errorf("activating pro subscription for %s: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing activation tx: %w", err)
	}
	return webhook.ActivationActivated, nil
}

// GetUserPlanBySubscriptionID implements webhook.Store.
func (s *Store) GetUserPlanBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	const q = `SELECT user_id FROM user_plans WHERE subscription_id = $1`
	var userID string
	err := s.pool.QueryRow(ctx, q, subscriptionID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("no plan for subscription %s", subscriptionID)
	}
	if err != nil {
		return "", fmt.Errorf("looking up plan by subscription %s: %w", subscriptionID, err)
	}
	return userID, nil
}

// UpdateUserPlanBilling implements webhook.Store.
func (s *Store) UpdateUserPlanBilling(ctx context.Context, userID string, billingStatus string) error {
	const q = `UPDATE user_plans SET payment_status = $2, updated_at = now() WHERE user_id = $1`
	_, err := s.pool.Exec(ctx, q, userID, billingStatus)
	if err != nil {
		return fmt.Errorf("updating billing status for %s: %w", userID, err)
	}
	return nil
}

// planQuotas maps plan_type to the max concurrent active instances (spec §3
// UserPlan.max_instances is "derived from plan_type"; values per spec §8.6).
var planQuotas = map[string]int{"free": 1, "pro": 5}

// HandlePlanCancellation implements webhook.Store: downgrades to Free and
// deactivates instances over quota, oldest-first, per spec §4.J step 4.
func (s *Store) HandlePlanCancellation(ctx context.Context, userID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning cancellation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE user_plans SET plan_type = 'free', subscription_id = NULL, updated_at = now() WHERE user_id = $1`, userID); err != nil {
		return 0, fmt.Errorf("downgrading plan for %s: %w", userID, err)
	}

	quota := planQuotas["free"]

	rows, err := tx.Query(ctx, `
		SELECT id FROM instances
		WHERE user_id = $1 AND status = 'active'
		ORDER BY last_accessed_at ASC, id ASC`, userID)
	if err != nil {
		return 0, fmt.Errorf("listing active instances for %s: %w", userID, err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning instance id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating active instances for %s: %w", userID, err)
	}

	deactivated := 0
	if len(ids) > quota {
		excess := ids[:len(ids)-quota]
		for _, id := range excess {
			if _, err := tx.Exec(ctx, `UPDATE instances SET status = 'inactive', updated_at = now() WHERE id = $1`, id); err != nil {
				return 0, fmt.Errorf("deactivating instance %s: %w", id, err)
			}
			deactivated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing cancellation tx: %w", err)
	}
	return deactivated, nil
}

// ListActiveAndProvisioning implements reconciler.Store.
func (s *Store) ListActiveAndProvisioning(ctx context.Context) ([]reconciler.StoreRow, error) {
	const q = `SELECT id, status, updated_at FROM instances WHERE status IN ('active', 'provisioning')`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing active/provisioning instances: %w", err)
	}
	defer rows.Close()

	var out []reconciler.StoreRow
	for rows.Next() {
		var row reconciler.StoreRow
		if err := rows.Scan(&row.InstanceID, &row.Status, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkOrphaned implements reconciler.Store, per spec §4.K.
func (s *Store) MarkOrphaned(ctx context.Context, instanceID uuid.UUID) error {
	const q = `UPDATE instances SET status = 'failed', updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, instanceID)
	if err != nil {
		return fmt.Errorf("marking instance %s orphaned: %w", instanceID, err)
	}
	return nil
}

// MarkStuck implements reconciler.Store, per spec §4.K's T_stuck rule.
func (s *Store) MarkStuck(ctx context.Context, instanceID uuid.UUID) error {
	const q = `UPDATE instances SET status = 'failed', updated_at = now() WHERE id = $1 AND status = 'provisioning'`
	_, err := s.pool.Exec(ctx, q, instanceID)
	if err != nil {
		return fmt.Errorf("marking instance %s stuck: %w", instanceID, err)
	}
	return nil
}

// AuditLogRow is one row of the audit_log table, as surfaced to the admin
// listing endpoint.
type AuditLogRow struct {
	ID              uuid.UUID
	Kind            string
	InstanceID      uuid.UUID
	UserID          uuid.UUID
	ExternalEventID string
	Gateway         string
	Operation       string
	Status          string
	Error           string
	CreatedAt       time.Time
}

// ListAuditLog returns the most recent audit_log rows, newest first, backing
// the admin audit surface.
func (s *Store) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditLogRow, int, error) {
	const countQ = `SELECT count(*) FROM audit_log`
	var total int
	if err := s.pool.QueryRow(ctx, countQ).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit_log: %w", err)
	}

	const q = `
		SELECT id, kind, COALESCE(instance_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       COALESCE(external_event_id, ''), COALESCE(gateway, ''), operation, status,
		       COALESCE(error, ''), created_at
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing audit_log: %w", err)
	}
	defer rows.Close()

	var out []AuditLogRow
	for rows.Next() {
		var row AuditLogRow
		if err := rows.Scan(&row.ID, &row.Kind, &row.InstanceID, &row.UserID, &row.ExternalEventID,
			&row.Gateway, &row.Operation, &row.Status, &row.Error, &row.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning audit_log row: %w", err)
		}
		out = append(out, row)
	}
	return out, total, rows.Err()
}
