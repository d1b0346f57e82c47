// Package tokenrefresh implements the Token Refresh Engine from spec §4.H:
// cache-first bearer resolution, store hydration on miss, and single-flight
// proactive OAuth refresh with re-auth escalation on permanent failure.
package tokenrefresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fleetbridge/fleetd/pkg/credcache"
	"github.com/fleetbridge/fleetd/pkg/errs"
	"github.com/fleetbridge/fleetd/pkg/oauthprovider"
)

// freshnessMargin is the 5-minute margin from spec §4.H steps 1 and 3.
const freshnessMargin = 5 * time.Minute

// InstanceKind mirrors the Instance.kind enum from spec §3.
type InstanceKind string

const (
	KindAPIKey InstanceKind = "api_key"
	KindOAuth  InstanceKind = "oauth"
)

// OAuthStatus mirrors the Instance.oauth_status enum from spec §3.
type OAuthStatus string

const (
	OAuthStatusNA        OAuthStatus = "n/a"
	OAuthStatusPending   OAuthStatus = "pending"
	OAuthStatusCompleted OAuthStatus = "completed"
	OAuthStatusExpired   OAuthStatus = "expired"
	OAuthStatusRevoked   OAuthStatus = "revoked"
)

// Instance is the narrow read view of a store row this engine needs.
type Instance struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	ServiceName     string
	ServiceActive   bool
	Kind            InstanceKind
	Status          string // instance.status from spec §3
	OAuthStatus     OAuthStatus
	ClientID        string
	ClientSecret    string
	OAuthProvider   string
	AccessToken     string
	RefreshToken    string
	TokenExpiresAt  time.Time
}

// Store is the subset of the persistent store this engine consumes.
type Store interface {
	LookupInstance(ctx context.Context, instanceID uuid.UUID) (*Instance, error)
	UpdateOAuthStatus(ctx context.Context, instanceID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time, status OAuthStatus) error
}

// AuditRecorder records refresh outcomes, per spec §4.H's audit requirement.
type AuditRecorder interface {
	RecordRefresh(instanceID, userID uuid.UUID, operation, status string, errDetail string)
}

// Engine is the Resolve entry point.
type Engine struct {
	cache     *credcache.Cache
	store     Store
	providers *oauthprovider.Registry
	audit     AuditRecorder
	logger    *slog.Logger
	sf        singleflight.Group
}

func New(cache *credcache.Cache, store Store, providers *oauthprovider.Registry, audit AuditRecorder, logger *slog.Logger) *Engine {
	return &Engine{cache: cache, store: store, providers: providers, audit: audit, logger: logger}
}

// BearerToken is the resolved credential handed to the Auth Gate.
type BearerToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Resolve implements spec §4.H's eight-step algorithm.
func (e *Engine) Resolve(ctx context.Context, instanceID uuid.UUID) (BearerToken, error) {
	now := time.Now()

	// 1. Cache hit with >5min margin.
	if entry, ok := e.cache.Get(instanceID); ok && entry.ExpiresAt.After(now.Add(freshnessMargin)) {
		return BearerToken{AccessToken: entry.AccessToken, ExpiresAt: entry.ExpiresAt}, nil
	}

	// 2. Load from store and validate.
	inst, err := e.store.LookupInstance(ctx, instanceID)
	if err != nil {
		return BearerToken{}, errs.Wrap(errs.InstanceNotFound, "looking up instance", err)
	}
	if inst == nil {
		return BearerToken{}, errs.New(errs.InstanceNotFound, "instance not found")
	}
	if !inst.ServiceActive {
		return BearerToken{}, errs.New(errs.ServiceDisabled, "service disabled")
	}
	if inst.Status == "inactive" {
		return BearerToken{}, errs.New(errs.InstancePaused, "instance inactive")
	}
	if inst.Kind == KindOAuth && inst.OAuthStatus != OAuthStatusCompleted {
		return BearerToken{}, errs.New(errs.OAuthRequired, "oauth not completed")
	}

	// 3. Fresh access token already on the row.
	if inst.AccessToken != "" && inst.TokenExpiresAt.After(now.Add(freshnessMargin)) {
		e.cache.Put(instanceID, credcache.Entry{
			AccessToken: inst.AccessToken, RefreshToken: inst.RefreshToken,
			ExpiresAt: inst.TokenExpiresAt, UserID: inst.UserID, Status: credcache.StatusActive,
		})
		return BearerToken{AccessToken: inst.AccessToken, ExpiresAt: inst.TokenExpiresAt}, nil
	}

	// 4-7. Refresh, single-flight per instance.
	if inst.RefreshToken != "" {
		return e.refresh(ctx, instanceID, inst)
	}

	// 8. No token and no refresh token.
	return BearerToken{}, errs.New(errs.NoCredential, "no access or refresh token available")
}

func (e *Engine) refresh(ctx context.Context, instanceID uuid.UUID, inst *Instance) (BearerToken, error) {
	type result struct {
		tok BearerToken
		err error
	}

	v, err, _ := e.sf.Do(instanceID.String(), func() (any, error) {
		provider, ok := e.providers.Lookup(inst.OAuthProvider)
		if !ok {
			return nil, errs.New(errs.RefreshFailed, fmt.Sprintf("no oauth provider registered for %q", inst.OAuthProvider))
		}

		tok, refreshErr := provider.RefreshToken(ctx, inst.ClientID, inst.ClientSecret, inst.RefreshToken)
		if refreshErr != nil {
			if refreshErr.Permanent {
				e.cache.Invalidate(instanceID)
				if updErr := e.store.UpdateOAuthStatus(ctx, instanceID, "", "", time.Time{}, OAuthStatusExpired); updErr != nil {
					e.logger.Error("tokenrefresh: updating oauth status to expired", "instance_id", instanceID, "error", updErr)
				}
				e.recordAudit(instanceID, inst.UserID, "reauth_required", refreshErr.Detail)
				return nil, errs.Wrap(errs.ReauthRequired, "refresh token permanently invalid", refreshErr)
			}
			e.recordAudit(instanceID, inst.UserID, "refresh_failed", refreshErr.Detail)
			return nil, errs.Wrap(errs.RefreshFailed, "upstream refresh failed", refreshErr)
		}

		newRefresh := tok.RefreshToken
		if newRefresh == "" {
			newRefresh = inst.RefreshToken
		}
		if err := e.store.UpdateOAuthStatus(ctx, instanceID, tok.AccessToken, newRefresh, tok.ExpiresAt, OAuthStatusCompleted); err != nil {
			return nil, errs.Wrap(errs.RefreshFailed, "persisting refreshed token", err)
		}

		e.cache.Put(instanceID, credcache.Entry{
			AccessToken: tok.AccessToken, RefreshToken: newRefresh,
			ExpiresAt: tok.ExpiresAt, UserID: inst.UserID, Status: credcache.StatusActive,
		})
		e.recordAudit(instanceID, inst.UserID, "refresh_succeeded", "")

		return result{tok: BearerToken{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt}}, nil
	})

	if err != nil {
		return BearerToken{}, err
	}
	return v.(result).tok, nil
}

func (e *Engine) recordAudit(instanceID, userID uuid.UUID, status, errDetail string) {
	if e.audit == nil {
		return
	}
	e.audit.RecordRefresh(instanceID, userID, "token_refresh", status, errs.MaskToken(errDetail))
}
