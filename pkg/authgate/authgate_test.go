package authgate

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/credcache"
	"github.com/fleetbridge/fleetd/pkg/errs"
	"github.com/fleetbridge/fleetd/pkg/oauthprovider"
	"github.com/fleetbridge/fleetd/pkg/tokenrefresh"
)

type stubUsage struct {
	mu   sync.Mutex
	seen []uuid.UUID
}

func (s *stubUsage) UpdateInstanceUsage(ctx context.Context, instanceID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, instanceID)
	return nil
}

func (s *stubUsage) sawAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen) > 0
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveRejectsMalformedInstanceID(t *testing.T) {
	g := New(nil, nil, silentLogger())
	_, err := g.Resolve(context.Background(), "not-a-uuid")
	if !errs.Is(err, errs.InvalidInstanceID) {
		t.Fatalf("err = %v, want InvalidInstanceID", err)
	}
}

func TestResolveRecordsUsageAsyncOnSuccess(t *testing.T) {
	cache := credcache.New()
	id := uuid.New()
	cache.Put(id, credcache.Entry{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)})

	eng := tokenrefresh.New(cache, nil, oauthprovider.NewRegistry(), nil, silentLogger())
	usage := &stubUsage{}
	g := New(eng, usage, silentLogger())

	res, err := g.Resolve(context.Background(), id.String())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Token.AccessToken != "tok" {
		t.Fatalf("AccessToken = %q", res.Token.AccessToken)
	}

	deadline := time.Now().Add(time.Second)
	for !usage.sawAny() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !usage.sawAny() {
		t.Fatal("expected async usage record")
	}
}

func TestWriteErrorUsesKindHTTPStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errs.New(errs.InstanceNotFound, "no such instance"))
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

type opaqueError struct{}

func (opaqueError) Error() string { return "boom" }

func TestWriteErrorDefaultsToInternalForUnknownError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, opaqueError{})
	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestLightweightAllowsOnlyListedRoutes(t *testing.T) {
	g := New(nil, nil, silentLogger()).Lightweight("info")
	if !g.AllowsRoute("info") {
		t.Fatal("expected info to be allowed")
	}
	if g.AllowsRoute("tools") {
		t.Fatal("expected tools to be disallowed")
	}
}
