// Package webhook implements the billing Webhook Processor from spec §4.J:
// per-gateway HMAC verification, idempotent dispatch, and a response
// contract that always returns 200 except on a bad signature.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// idempotencyTTL is how long a seen event_id is cached in Redis ahead of
// the store's durable IsEventProcessed check.
const idempotencyTTL = 24 * time.Hour

const redisKeyPrefix = "webhook:seen:"

// EventType is the billing event discriminator from spec §4.J step 4.
type EventType string

const (
	EventSubscriptionActivated    EventType = "subscription.activated"
	EventSubscriptionAuthed       EventType = "subscription.authenticated"
	EventSubscriptionCancelled    EventType = "subscription.cancelled"
	EventPaymentFailed            EventType = "payment.failed"
	EventSubscriptionCharged      EventType = "subscription.charged"
	EventSubscriptionCompleted    EventType = "subscription.completed"
	EventPaymentAuthorized        EventType = "payment.authorized"
	EventOrderPaid                EventType = "order.paid"
	EventInvoicePaid              EventType = "invoice.paid"
)

// observationalOnly lists event types recorded with no side effects, per
// spec §4.J step 4's last bullet.
var observationalOnly = map[EventType]bool{
	EventSubscriptionCharged:   true,
	EventSubscriptionCompleted: true,
	EventPaymentAuthorized:     true,
	EventOrderPaid:             true,
	EventInvoicePaid:           true,
}

// ProcessingStatus mirrors spec §4.J's webhook_events.status column.
type ProcessingStatus string

const (
	StatusPending   ProcessingStatus = "pending"
	StatusProcessed ProcessingStatus = "processed"
	StatusSkipped   ProcessingStatus = "skipped"
	StatusFailed    ProcessingStatus = "failed"
)

// Envelope is the wire shape from spec §6: {id, type, data:{...}}.
type Envelope struct {
	ID   string          `json:"id"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ActivationOutcome mirrors AtomicActivateProSubscription's return shape.
type ActivationOutcome string

const (
	ActivationActivated    ActivationOutcome = "activated"
	ActivationAlreadyActive ActivationOutcome = "already_active"
)

// Store is the narrow billing-relevant subset of spec §6's store interface.
type Store interface {
	IsEventProcessed(ctx context.Context, externalEventID string) (bool, error)
	UpsertWebhookEvent(ctx context.Context, externalEventID string, eventType, gateway string, payload []byte, status ProcessingStatus, errDetail string) error

	AtomicActivateProSubscription(ctx context.Context, userID, subscriptionID string, expiresAt time.Time, customerID string) (ActivationOutcome, error)
	GetUserPlanBySubscriptionID(ctx context.Context, subscriptionID string) (userID string, err error)
	UpdateUserPlanBilling(ctx context.Context, userID string, billingStatus string) error
	HandlePlanCancellation(ctx context.Context, userID string) (deactivatedInstances int, err error)
}

// Processor verifies, deduplicates, and dispatches billing webhooks.
type Processor struct {
	store   Store
	secrets map[string]string // gateway -> shared secret
	logger  *slog.Logger
	rdb     *redis.Client // optional Redis fast-path cache ahead of the store

	keyLocks sync.Map // external_event_id -> *sync.Mutex
}

func New(store Store, secrets map[string]string, logger *slog.Logger) *Processor {
	return &Processor{store: store, secrets: secrets, logger: logger}
}

// WithRedis adds a Redis-backed idempotency cache ahead of the store's
// IsEventProcessed check, same cache-then-DB-fallback shape as the teacher's
// alert deduplicator.
func (p *Processor) WithRedis(rdb *redis.Client) *Processor {
	p.rdb = rdb
	return p
}

// ErrBadSignature signals an HMAC mismatch; callers should respond 400.
type ErrBadSignature struct{ Gateway string }

func (e *ErrBadSignature) Error() string { return fmt.Sprintf("webhook: bad signature for gateway %q", e.Gateway) }

// Handle implements spec §4.J's five-step algorithm. It never returns an
// error for business-logic failures — those are recorded as StatusFailed
// and still reported as handled (200) to the caller, per step 5.
func (p *Processor) Handle(ctx context.Context, gateway string, body []byte, signatureHex string) error {
	secret, ok := p.secrets[gateway]
	if !ok || !verifySignature(secret, body, signatureHex) {
		return &ErrBadSignature{Gateway: gateway}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		p.logger.Warn("webhook: malformed event body", "gateway", gateway, "error", err)
		return nil
	}
	if env.ID == "" {
		p.logger.Warn("webhook: event missing id", "gateway", gateway, "type", env.Type)
		return nil
	}

	mu := p.lockFor(env.ID)
	mu.Lock()
	defer mu.Unlock()

	if p.seenInCache(ctx, env.ID) {
		_ = p.store.UpsertWebhookEvent(ctx, env.ID, string(env.Type), gateway, body, StatusSkipped, "")
		return nil
	}

	processed, err := p.store.IsEventProcessed(ctx, env.ID)
	if err != nil {
		p.logger.Error("webhook: checking idempotency", "event_id", env.ID, "error", err)
		return nil
	}
	if processed {
		p.cacheSeen(ctx, env.ID)
		_ = p.store.UpsertWebhookEvent(ctx, env.ID, string(env.Type), gateway, body, StatusSkipped, "")
		return nil
	}
	p.cacheSeen(ctx, env.ID)

	if err := p.store.UpsertWebhookEvent(ctx, env.ID, string(env.Type), gateway, body, StatusPending, ""); err != nil {
		p.logger.Error("webhook: recording pending event", "event_id", env.ID, "error", err)
	}

	if observationalOnly[env.Type] {
		_ = p.store.UpsertWebhookEvent(ctx, env.ID, string(env.Type), gateway, body, StatusProcessed, "")
		return nil
	}

	dispatchErr := p.dispatch(ctx, env)
	if dispatchErr != nil {
		p.logger.Error("webhook: handler failed", "event_id", env.ID, "type", env.Type, "error", dispatchErr)
		_ = p.store.UpsertWebhookEvent(ctx, env.ID, string(env.Type), gateway, body, StatusFailed, dispatchErr.Error())
		return nil
	}

	_ = p.store.UpsertWebhookEvent(ctx, env.ID, string(env.Type), gateway, body, StatusProcessed, "")
	return nil
}

func (p *Processor) dispatch(ctx context.Context, env Envelope) error {
	switch env.Type {
	case EventSubscriptionActivated, EventSubscriptionAuthed:
		return p.handleActivation(ctx, env)
	case EventSubscriptionCancelled:
		return p.handleCancellation(ctx, env)
	case EventPaymentFailed:
		return p.handlePaymentFailed(ctx, env)
	default:
		p.logger.Warn("webhook: unrecognized event type", "type", env.Type)
		return nil
	}
}

type subscriptionData struct {
	Subscription struct {
		Entity struct {
			ID         string         `json:"id"`
			CustomerID string         `json:"customer_id"`
			CurrentEnd int64          `json:"current_end"` // unix seconds
			Notes      map[string]any `json:"notes"`
		} `json:"entity"`
	} `json:"subscription"`
}

func (p *Processor) handleActivation(ctx context.Context, env Envelope) error {
	var d subscriptionData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return fmt.Errorf("decoding subscription payload: %w", err)
	}

	userID, _ := d.Subscription.Entity.Notes["user_id"].(string)
	if userID == "" {
		return fmt.Errorf("subscription event %s missing user_id in notes", env.ID)
	}

	expiresAt := time.Unix(d.Subscription.Entity.CurrentEnd, 0)
	outcome, err := p.store.AtomicActivateProSubscription(ctx, userID, d.Subscription.Entity.ID, expiresAt, d.Subscription.Entity.CustomerID)
	if err != nil {
		return fmt.Errorf("activating pro subscription: %w", err)
	}
	if outcome == ActivationAlreadyActive {
		p.logger.Info("webhook: subscription already active", "subscription_id", d.Subscription.Entity.ID)
	}
	return nil
}

func (p *Processor) handleCancellation(ctx context.Context, env Envelope) error {
	var d subscriptionData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return fmt.Errorf("decoding subscription payload: %w", err)
	}

	userID, err := p.store.GetUserPlanBySubscriptionID(ctx, d.Subscription.Entity.ID)
	if err != nil {
		return fmt.Errorf("resolving user for subscription %s: %w", d.Subscription.Entity.ID, err)
	}

	deactivated, err := p.store.HandlePlanCancellation(ctx, userID)
	if err != nil {
		return fmt.Errorf("handling plan cancellation for %s: %w", userID, err)
	}
	p.logger.Info("webhook: plan cancelled", "user_id", userID, "deactivated_instances", deactivated)

	return p.store.UpdateUserPlanBilling(ctx, userID, "cancelled")
}

type paymentData struct {
	Payment struct {
		Entity struct {
			SubscriptionID string `json:"subscription_id"`
		} `json:"entity"`
	} `json:"payment"`
}

func (p *Processor) handlePaymentFailed(ctx context.Context, env Envelope) error {
	var d paymentData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return fmt.Errorf("decoding payment payload: %w", err)
	}

	userID, err := p.store.GetUserPlanBySubscriptionID(ctx, d.Payment.Entity.SubscriptionID)
	if err != nil {
		p.logger.Warn("webhook: payment.failed for unknown subscription", "subscription_id", d.Payment.Entity.SubscriptionID)
		return nil
	}

	return p.store.UpdateUserPlanBilling(ctx, userID, "failed")
}

func (p *Processor) lockFor(externalEventID string) *sync.Mutex {
	v, _ := p.keyLocks.LoadOrStore(externalEventID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// seenInCache checks the Redis fast path. A miss or a Redis error both fall
// through to the store's durable check.
func (p *Processor) seenInCache(ctx context.Context, externalEventID string) bool {
	if p.rdb == nil {
		return false
	}
	n, err := p.rdb.Exists(ctx, redisKeyPrefix+externalEventID).Result()
	if err != nil {
		p.logger.Warn("webhook: redis idempotency check failed, falling back to store", "error", err)
		return false
	}
	return n > 0
}

// cacheSeen records externalEventID in Redis so subsequent deliveries of the
// same event short-circuit before reaching the store.
func (p *Processor) cacheSeen(ctx context.Context, externalEventID string) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.Set(ctx, redisKeyPrefix+externalEventID, "1", idempotencyTTL).Err(); err != nil {
		p.logger.Warn("webhook: failed to cache seen event", "event_id", externalEventID, "error", err)
	}
}

// verifySignature checks an HMAC-SHA256 hex digest over the raw body,
// per spec §6: "X-Signature header (HMAC-SHA256, hex)".
func verifySignature(secret string, body []byte, signatureHex string) bool {
	if secret == "" || signatureHex == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
