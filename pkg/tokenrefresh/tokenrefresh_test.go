package tokenrefresh

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/credcache"
	"github.com/fleetbridge/fleetd/pkg/errs"
	"github.com/fleetbridge/fleetd/pkg/oauthprovider"
)

type fakeStore struct {
	mu   sync.Mutex
	inst *Instance
	// updates records every UpdateOAuthStatus call.
	updates []string
}

func (s *fakeStore) LookupInstance(ctx context.Context, instanceID uuid.UUID) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.inst
	return &cp, nil
}

func (s *fakeStore) UpdateOAuthStatus(ctx context.Context, instanceID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time, status OAuthStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inst.AccessToken = accessToken
	s.inst.RefreshToken = refreshToken
	s.inst.TokenExpiresAt = expiresAt
	s.inst.OAuthStatus = status
	s.updates = append(s.updates, string(status))
	return nil
}

type countingProvider struct {
	name       string
	calls      int32
	permanent  bool
	detail     string
	refreshTok string
}

func (p *countingProvider) Name() string { return p.name }
func (p *countingProvider) BuildAuthURL(clientID, redirectURL string, scopes []string, state oauthprovider.AuthorizeState) string {
	return ""
}
func (p *countingProvider) ExchangeCode(ctx context.Context, clientID, clientSecret, redirectURL, code string) (oauthprovider.Token, error) {
	return oauthprovider.Token{}, nil
}
func (p *countingProvider) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (oauthprovider.Token, *oauthprovider.RefreshError) {
	atomic.AddInt32(&p.calls, 1)
	time.Sleep(20 * time.Millisecond) // widen the race window so concurrent Resolve calls overlap
	if p.permanent {
		return oauthprovider.Token{}, &oauthprovider.RefreshError{Permanent: true, Detail: p.detail}
	}
	return oauthprovider.Token{
		AccessToken:  "fresh-token",
		RefreshToken: p.refreshTok,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveCacheHitSkipsStore(t *testing.T) {
	cache := credcache.New()
	id := uuid.New()
	cache.Put(id, credcache.Entry{AccessToken: "cached", ExpiresAt: time.Now().Add(time.Hour)})

	store := &fakeStore{inst: &Instance{ID: id}}
	provider := &countingProvider{name: "github"}
	eng := New(cache, store, oauthprovider.NewRegistry(provider), nil, silentLogger())

	tok, err := eng.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tok.AccessToken != "cached" {
		t.Fatalf("AccessToken = %q, want cached", tok.AccessToken)
	}
	if provider.calls != 0 {
		t.Fatalf("provider should not be called on a fresh cache hit")
	}
}

func TestResolveConcurrentRefreshIsSingleFlight(t *testing.T) {
	cache := credcache.New()
	id := uuid.New()
	userID := uuid.New()

	store := &fakeStore{inst: &Instance{
		ID: id, UserID: userID, ServiceActive: true, Kind: KindOAuth,
		Status: "active", OAuthStatus: OAuthStatusCompleted,
		RefreshToken: "refresh-xyz", OAuthProvider: "github",
		TokenExpiresAt: time.Now().Add(-time.Minute), // already expired, forces refresh
	}}
	provider := &countingProvider{name: "github", refreshTok: "refresh-xyz"}
	eng := New(cache, store, oauthprovider.NewRegistry(provider), nil, silentLogger())

	var wg sync.WaitGroup
	results := make([]BearerToken, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = eng.Resolve(context.Background(), id)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Resolve[%d]: %v", i, err)
		}
		if results[i].AccessToken != "fresh-token" {
			t.Fatalf("Resolve[%d].AccessToken = %q", i, results[i].AccessToken)
		}
	}
	if got := atomic.LoadInt32(&provider.calls); got != 1 {
		t.Fatalf("provider.calls = %d, want exactly 1 (single-flight)", got)
	}
}

func TestResolvePermanentFailureTriggersReauth(t *testing.T) {
	cache := credcache.New()
	id := uuid.New()
	cache.Put(id, credcache.Entry{AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Hour)})

	store := &fakeStore{inst: &Instance{
		ID: id, ServiceActive: true, Kind: KindOAuth,
		Status: "active", OAuthStatus: OAuthStatusCompleted,
		RefreshToken: "refresh-xyz", OAuthProvider: "github",
		TokenExpiresAt: time.Now().Add(-time.Minute),
	}}
	provider := &countingProvider{name: "github", permanent: true, detail: "invalid_grant"}
	eng := New(cache, store, oauthprovider.NewRegistry(provider), nil, silentLogger())

	_, err := eng.Resolve(context.Background(), id)
	if !errs.Is(err, errs.ReauthRequired) {
		t.Fatalf("err = %v, want ReauthRequired", err)
	}
	if store.inst.OAuthStatus != OAuthStatusExpired {
		t.Fatalf("OAuthStatus = %q, want expired", store.inst.OAuthStatus)
	}
	if _, ok := cache.Get(id); ok {
		t.Fatal("expected cache to be invalidated after permanent refresh failure")
	}
}

func TestResolveNoCredentialWhenNoTokens(t *testing.T) {
	cache := credcache.New()
	id := uuid.New()
	store := &fakeStore{inst: &Instance{
		ID: id, ServiceActive: true, Kind: KindOAuth,
		Status: "active", OAuthStatus: OAuthStatusCompleted,
	}}
	eng := New(cache, store, oauthprovider.NewRegistry(), nil, silentLogger())

	_, err := eng.Resolve(context.Background(), id)
	if !errs.Is(err, errs.NoCredential) {
		t.Fatalf("err = %v, want NoCredential", err)
	}
}
