package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
	"github.com/mailfold/mailfold/pkg/tracking"
)

type fakeTrackingService struct {
	mu          sync.Mutex
	opens       []string
	clicks      []string
	unsubs      []string
	meta        domain.EventMeta
	clickTarget string
	viewTarget  string
	unsubTarget string
	lastIndex   int
	lastFall    string
}

func (f *fakeTrackingService) RecordOpen(ctx context.Context, trackingID string, meta domain.EventMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, trackingID)
	f.meta = meta
}

func (f *fakeTrackingService) ResolveClick(ctx context.Context, trackingID string, linkIndex int, fallbackURL string, meta domain.EventMeta) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, trackingID)
	f.lastIndex = linkIndex
	f.lastFall = fallbackURL
	f.meta = meta
	return f.clickTarget
}

func (f *fakeTrackingService) Unsubscribe(ctx context.Context, trackingID, reason string, meta domain.EventMeta) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, trackingID+"|"+reason)
	return f.unsubTarget, nil
}

func (f *fakeTrackingService) ViewInBrowser(ctx context.Context, trackingID string, meta domain.EventMeta) string {
	return f.viewTarget
}

func (f *fakeTrackingService) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func newTrackingRouter(t *testing.T, service *fakeTrackingService) *chi.Mux {
	t.Helper()
	r := chi.NewRouter()
	NewTrackingHandler(service, logger.NewTestLogger(t)).RegisterRoutes(r)
	return r
}

func TestOpenPixelServedImmediately(t *testing.T) {
	service := &fakeTrackingService{}
	router := newTrackingRouter(t, service)

	req := httptest.NewRequest(http.MethodGet, "/t/o/0123456789abcdef0123456789abcdef", nil)
	req.Header.Set("User-Agent", "test-client")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", rec.Header().Get("Cache-Control"))
	assert.Equal(t, tracking.Pixel, rec.Body.Bytes())

	// The open is recorded off the request path.
	deadline := time.Now().Add(2 * time.Second)
	for service.openCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, service.openCount())
	assert.Equal(t, "test-client", service.meta.UserAgent)
}

func TestClickRedirectsToResolvedTarget(t *testing.T) {
	service := &fakeTrackingService{clickTarget: "https://dest.example/page"}
	router := newTrackingRouter(t, service)

	req := httptest.NewRequest(http.MethodGet,
		"/t/c/0123456789abcdef0123456789abcdef/2?url=https%3A%2F%2Ffallback.example", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://dest.example/page", rec.Header().Get("Location"))
	assert.Equal(t, 2, service.lastIndex)
	assert.Equal(t, "https://fallback.example", service.lastFall)
}

func TestClickWithBadIndexPassesNegative(t *testing.T) {
	service := &fakeTrackingService{clickTarget: "https://app.example"}
	router := newTrackingRouter(t, service)

	req := httptest.NewRequest(http.MethodGet, "/t/c/0123456789abcdef0123456789abcdef/oops", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, -1, service.lastIndex)
}

func TestUnsubscribeRedirectsToConfirmation(t *testing.T) {
	service := &fakeTrackingService{unsubTarget: "https://app.example/unsubscribed"}
	router := newTrackingRouter(t, service)

	req := httptest.NewRequest(http.MethodGet,
		"/t/u/0123456789abcdef0123456789abcdef?reason=too_many", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example/unsubscribed", rec.Header().Get("Location"))
	require.Len(t, service.unsubs, 1)
	assert.Equal(t, "0123456789abcdef0123456789abcdef|too_many", service.unsubs[0])
}

func TestViewInBrowserRedirects(t *testing.T) {
	service := &fakeTrackingService{viewTarget: "https://app.example/campaigns/c1/view"}
	router := newTrackingRouter(t, service)

	req := httptest.NewRequest(http.MethodGet, "/t/v/0123456789abcdef0123456789abcdef", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example/campaigns/c1/view", rec.Header().Get("Location"))
}

func TestEventMetaPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/t/o/x", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("Referer", "https://mail.example")
	req.RemoteAddr = "10.0.0.1:4321"

	meta := eventMeta(req)
	assert.Equal(t, "203.0.113.9", meta.IP)
	assert.Equal(t, "https://mail.example", meta.Referer)
}

func TestEventMetaFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/t/o/x", nil)
	req.RemoteAddr = "198.51.100.7:9999"

	meta := eventMeta(req)
	assert.Equal(t, "198.51.100.7", meta.IP)
}
