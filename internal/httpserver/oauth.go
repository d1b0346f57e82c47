package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/oauthprovider"
	"github.com/fleetbridge/fleetd/pkg/registry"
	"github.com/fleetbridge/fleetd/pkg/tokenrefresh"
)

// OAuthStore is the narrow store surface the callback handler needs to
// persist an exchanged token onto the instance row.
type OAuthStore interface {
	UpdateOAuthStatus(ctx context.Context, instanceID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time, status tokenrefresh.OAuthStatus) error
}

// OAuthHandler implements the authorize/callback HTTP surface described in
// spec §6: building the consent-screen redirect and exchanging the
// resulting code for a token.
type OAuthHandler struct {
	providers    *oauthprovider.Registry
	services     *registry.Registry
	credentials  map[string]OAuthCredentialLookup
	store        OAuthStore
	logger       *slog.Logger
	publicDomain string
}

// OAuthCredentialLookup is the client_id/client_secret pair keyed by
// provider name; kept as a narrow alias so this file doesn't need to
// import internal/config just for one struct shape.
type OAuthCredentialLookup struct {
	ClientID     string
	ClientSecret string
}

func NewOAuthHandler(providers *oauthprovider.Registry, services *registry.Registry,
	credentials map[string]OAuthCredentialLookup, store OAuthStore, logger *slog.Logger, publicDomain string) *OAuthHandler {
	return &OAuthHandler{
		providers:    providers,
		services:     services,
		credentials:  credentials,
		store:        store,
		logger:       logger,
		publicDomain: publicDomain,
	}
}

func (h *OAuthHandler) redirectURL(serviceName string) string {
	return h.publicDomain + "/oauth/" + serviceName + "/callback"
}

// HandleAuthorize redirects to the provider's consent screen for the given
// service, instance and user. Per spec §6 the state parameter carries
// {instance_id, user_id, timestamp, service} base64-encoded.
func (h *OAuthHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request, serviceName string) {
	svc, ok := h.services.Lookup(serviceName)
	if !ok || svc.Kind != "oauth" {
		RespondError(w, http.StatusNotFound, "unknown_service", "service not found or not OAuth-based")
		return
	}

	provider, ok := h.providers.Lookup(svc.OAuthProvider)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "internal_error", "no provider configured for service")
		return
	}

	instanceID := r.URL.Query().Get("instance_id")
	userID := r.URL.Query().Get("user_id")
	if instanceID == "" || userID == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "instance_id and user_id are required")
		return
	}

	cred := h.credentials[svc.OAuthProvider]
	state := oauthprovider.AuthorizeState{
		InstanceID: instanceID,
		UserID:     userID,
		Timestamp:  time.Now().Unix(),
		Service:    serviceName,
	}

	authURL := provider.BuildAuthURL(cred.ClientID, h.redirectURL(serviceName), svc.DefaultScopes, state)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback exchanges the authorization code for a token and persists
// it onto the instance row, completing the OAuth handshake (spec §6).
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request, serviceName string) {
	svc, ok := h.services.Lookup(serviceName)
	if !ok || svc.Kind != "oauth" {
		RespondError(w, http.StatusNotFound, "unknown_service", "service not found or not OAuth-based")
		return
	}

	provider, ok := h.providers.Lookup(svc.OAuthProvider)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "internal_error", "no provider configured for service")
		return
	}

	code := r.URL.Query().Get("code")
	rawState := r.URL.Query().Get("state")
	if code == "" || rawState == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "code and state are required")
		return
	}

	state, err := oauthprovider.DecodeState(rawState)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid state parameter")
		return
	}

	instanceID, err := uuid.Parse(state.InstanceID)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid instance_id in state")
		return
	}

	cred := h.credentials[svc.OAuthProvider]
	tok, err := provider.ExchangeCode(r.Context(), cred.ClientID, cred.ClientSecret, h.redirectURL(serviceName), code)
	if err != nil {
		h.logger.Error("oauth code exchange failed", "service", serviceName, "instance_id", instanceID, "error", err)
		RespondError(w, http.StatusBadGateway, "oauth_exchange_failed", "failed to exchange authorization code")
		return
	}

	if err := h.store.UpdateOAuthStatus(r.Context(), instanceID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tokenrefresh.OAuthStatusCompleted); err != nil {
		h.logger.Error("persisting oauth token", "instance_id", instanceID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "failed to persist token")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "authorized", "instance_id": instanceID.String()})
}
