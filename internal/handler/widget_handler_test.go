package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pairing-widget/internal/client"
	"pairing-widget/internal/config"
	"pairing-widget/internal/flag"
	"pairing-widget/internal/pairing"
	"pairing-widget/internal/scheduler"
	"pairing-widget/internal/trust"
)

type pairingServer struct {
	*httptest.Server
	issued atomic.Int64
	status atomic.Value
}

func newPairingServer(t *testing.T) *pairingServer {
	t.Helper()
	ps := &pairingServer{}
	ps.status.Store(`{"status":"pending"}`)
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/pairing/generate":
			n := ps.issued.Add(1)
			fmt.Fprintf(w, `{"token":"token-%012d","pin":"%06d","expires_in_seconds":120}`, n, 482912+n)
		case strings.HasPrefix(r.URL.Path, "/api/pairing/status/"):
			_, _ = w.Write([]byte(ps.status.Load().(string)))
		case strings.HasPrefix(r.URL.Path, "/api/pairing/qr/"):
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		case r.URL.Path == "/api/trust/trust-status":
			_, _ = w.Write([]byte(`{"trusted":false}`))
		case r.URL.Path == "/api/trust/start-verification":
			_, _ = w.Write([]byte(`{"sessionId":"s-1","qrCodeUrl":"/qr/s-1.png"}`))
		case r.URL.Path == "/api/trust/verify-status":
			_, _ = w.Write([]byte(`{"trusted":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

type testHost struct {
	server   *pairingServer
	clock    *scheduler.Manual
	registry *Registry
	flags    *flag.MemoryStore
	router   http.Handler
}

func newTestHost(t *testing.T, withTrust bool) *testHost {
	t.Helper()
	ps := newPairingServer(t)
	clock := scheduler.NewManual(time.Unix(1700000000, 0))
	flags := flag.NewMemoryStore(0)
	api := client.NewPairingClient(ps.URL, nil, time.Second, nil)
	trustAPI := client.NewTrustClient(ps.URL, nil, time.Second, nil)

	factory := func(id, hostname string) *Widget {
		w := &Widget{
			Controller: pairing.NewController(api, pairing.Config{WidgetID: id},
				pairing.WithClock(clock),
				pairing.WithFlagStore(flags),
			),
		}
		if withTrust {
			w.Trust = trust.NewMonitor(trustAPI, trust.Config{Hostname: hostname, Subject: id},
				trust.WithClock(clock),
				trust.WithFlagStore(flags),
			)
		}
		return w
	}

	cfg := &config.Config{Server: config.ServerConfig{AllowedOrigins: []string{"http://localhost:*"}}}
	registry := NewRegistry(factory, 4, 30*time.Minute, clock, nil)
	h := NewWidgetHandler(registry, flags, config.CookieConfig{Name: "verified", Path: "/", MaxAge: 365 * 24 * time.Hour}, nil)

	return &testHost{
		server:   ps,
		clock:    clock,
		registry: registry,
		flags:    flags,
		router:   NewRouter(h, cfg, zap.NewNop()),
	}
}

type apiResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
}

func (th *testHost) do(t *testing.T, method, path string, cookies ...*http.Cookie) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Host = "portal.gov.pl:8080"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	th.router.ServeHTTP(rec, req)

	var body apiResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestWidget_OpenAssignsWidgetID(t *testing.T) {
	th := newTestHost(t, false)

	rec, body := th.do(t, http.MethodPost, "/widget/open")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Equal(t, "active", body.Data["state"])
	assert.Equal(t, "482913", body.Data["pin"])
	assert.Equal(t, "02:00", body.Data["countdown"])
	assert.Equal(t, false, body.Data["expiry_visible"])

	idCookie := cookieNamed(rec, "widget_id")
	require.NotNil(t, idCookie)
	assert.True(t, idCookie.HttpOnly)
	assert.Nil(t, cookieNamed(rec, "verified"))

	// Opening again with the cookie reuses the live session.
	rec, body = th.do(t, http.MethodPost, "/widget/open", idCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "482913", body.Data["pin"])
	assert.Nil(t, cookieNamed(rec, "widget_id"))
	assert.EqualValues(t, 1, th.server.issued.Load())
	assert.Equal(t, 1, th.registry.Len())
}

func TestWidget_StateRequiresWidget(t *testing.T) {
	th := newTestHost(t, false)

	rec, body := th.do(t, http.MethodGet, "/widget/state")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, body.Success)

	rec, _ = th.do(t, http.MethodPost, "/widget/refresh", &http.Cookie{Name: "widget_id", Value: "not-a-uuid"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWidget_RefreshAndClose(t *testing.T) {
	th := newTestHost(t, false)
	rec, _ := th.do(t, http.MethodPost, "/widget/open")
	idCookie := cookieNamed(rec, "widget_id")

	rec, body := th.do(t, http.MethodPost, "/widget/refresh", idCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "482914", body.Data["pin"])

	rec, body = th.do(t, http.MethodPost, "/widget/close", idCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body.Data["state"])
	assert.Equal(t, pairing.PINPlaceholder, body.Data["pin"])
	assert.Equal(t, 0, th.clock.Active())

	rec, _ = th.do(t, http.MethodGet, "/widget/qr", idCookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWidget_ConfirmationSetsVerifiedCookie(t *testing.T) {
	th := newTestHost(t, false)
	rec, _ := th.do(t, http.MethodPost, "/widget/open")
	idCookie := cookieNamed(rec, "widget_id")

	th.server.status.Store(`{"status":"confirmed","device_name":"Pixel 8","verification_result":{"message":"OK"}}`)
	th.clock.Advance(0)

	rec, body := th.do(t, http.MethodGet, "/widget/state", idCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", body.Data["state"])
	assert.Equal(t, "OK", body.Data["success_message"])

	verified := cookieNamed(rec, "verified")
	require.NotNil(t, verified)
	assert.Equal(t, "true", verified.Value)
	assert.Equal(t, "/", verified.Path)
	assert.Equal(t, http.SameSiteLaxMode, verified.SameSite)
	assert.Equal(t, 365*24*60*60, verified.MaxAge)

	marked, err := th.flags.IsMarked(context.Background(), idCookie.Value)
	require.NoError(t, err)
	assert.True(t, marked)
	assert.Equal(t, 0, th.clock.Active())
}

func TestWidget_ExpiredOverHTTP(t *testing.T) {
	th := newTestHost(t, false)
	rec, _ := th.do(t, http.MethodPost, "/widget/open")
	idCookie := cookieNamed(rec, "widget_id")

	th.server.status.Store(`{"status":"expired"}`)
	th.clock.Advance(0)

	_, body := th.do(t, http.MethodGet, "/widget/state", idCookie)
	assert.Equal(t, "expired", body.Data["state"])
	assert.Equal(t, true, body.Data["expiry_visible"])
	assert.Equal(t, true, body.Data["refresh_enabled"])
}

func TestWidget_VerifiedCookieIsImported(t *testing.T) {
	th := newTestHost(t, false)

	_, body := th.do(t, http.MethodPost, "/widget/open", &http.Cookie{Name: "verified", Value: "true"})
	assert.Equal(t, true, body.Data["previously_verified"])
}

func TestWidget_QRProxy(t *testing.T) {
	th := newTestHost(t, false)
	rec, _ := th.do(t, http.MethodPost, "/widget/open")
	idCookie := cookieNamed(rec, "widget_id")

	rec, _ = th.do(t, http.MethodGet, "/widget/qr", idCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "png-bytes", rec.Body.String())
}

func TestTrust_Disabled(t *testing.T) {
	th := newTestHost(t, false)
	rec, body := th.do(t, http.MethodGet, "/trust/state")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrTrustDisabled.Error(), body.Error)
}

func TestTrust_Flow(t *testing.T) {
	th := newTestHost(t, true)

	rec, body := th.do(t, http.MethodPost, "/trust/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unverified", body.Data["status"])
	assert.Equal(t, "portal.gov.pl", body.Data["hostname"])
	idCookie := cookieNamed(rec, "widget_id")
	require.NotNil(t, idCookie)

	rec, body = th.do(t, http.MethodPost, "/trust/start", idCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	session, ok := body.Data["session"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "s-1", session["session_id"])
	assert.Equal(t, true, body.Data["polling"])

	rec, body = th.do(t, http.MethodGet, "/trust/state", idCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unverified", body.Data["status"])
}

func TestHealth(t *testing.T) {
	th := newTestHost(t, false)
	th.do(t, http.MethodPost, "/widget/open")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	th.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["widgets"])
}

func TestRequireHTTPS(t *testing.T) {
	th := newTestHost(t, false)
	cfg := &config.Config{Server: config.ServerConfig{EnableTLS: true}}
	router := NewRouter(NewWidgetHandler(th.registry, nil, config.CookieConfig{}, nil), cfg, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestGetStatusCode(t *testing.T) {
	h := NewWidgetHandler(nil, nil, config.CookieConfig{}, nil)
	tests := []struct {
		err  error
		want int
	}{
		{ErrWidgetNotFound, http.StatusNotFound},
		{pairing.ErrNoSession, http.StatusNotFound},
		{fmt.Errorf("issue: %w", pairing.ErrIssueInProgress), http.StatusConflict},
		{trust.ErrStartInProgress, http.StatusConflict},
		{trust.ErrMissingHostname, http.StatusBadRequest},
		{fmt.Errorf("qr: %w", client.ErrSessionGone), http.StatusGone},
		{fmt.Errorf("issue pairing code: %w", pairing.ErrInvalidToken), http.StatusBadGateway},
		{fmt.Errorf("generate: %w", &client.StatusError{Code: 503}), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.getStatusCode(tt.err), tt.err.Error())
	}
}

func TestRegistry_SweepEvictsIdleWidgets(t *testing.T) {
	clock := scheduler.NewManual(time.Unix(1700000000, 0))
	var mu sync.Mutex
	created := 0
	ps := newPairingServer(t)
	api := client.NewPairingClient(ps.URL, nil, time.Second, nil)
	factory := func(id, hostname string) *Widget {
		mu.Lock()
		created++
		mu.Unlock()
		return &Widget{Controller: pairing.NewController(api, pairing.Config{WidgetID: id}, pairing.WithClock(clock))}
	}

	r := NewRegistry(factory, 8, time.Minute, clock, nil)
	stale := r.GetOrCreate("a", "")
	require.NoError(t, stale.Controller.Open(context.Background()))
	r.GetOrCreate("b", "")
	sweeper := r.StartSweeper(30 * time.Second)
	defer sweeper.Stop()

	clock.Advance(45 * time.Second)
	_, err := r.Get("b")
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	assert.Equal(t, 1, r.Len())
	_, err = r.Get("a")
	assert.ErrorIs(t, err, ErrWidgetNotFound)
	assert.Equal(t, pairing.StateIdle, stale.Controller.State())

	r.CloseAll()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 2, created)
}
