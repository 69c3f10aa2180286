package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairing-widget/internal/model"
)

func TestPairingClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/pairing/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"abc123def456ghi789","pin":"482913","expires_in_seconds":120}`))
	}))
	defer srv.Close()

	c := NewPairingClient(srv.URL+"/", nil, time.Second, nil)
	resp, err := c.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123def456ghi789", resp.Token)
	assert.Equal(t, "482913", resp.PIN)
	assert.Equal(t, 120, resp.ExpiresInSeconds)
}

func TestPairingClient_StatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		body     string
		wantGone bool
		wantCode int
	}{
		{name: "not found", code: http.StatusNotFound, wantGone: true},
		{name: "gone", code: http.StatusGone, wantGone: true},
		{name: "server error", code: http.StatusInternalServerError, body: "boom", wantCode: 500},
		{name: "rate limited", code: http.StatusTooManyRequests, wantCode: 429},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewPairingClient(srv.URL, nil, time.Second, nil)
			_, err := c.Status(context.Background(), "abc123def456ghi789")
			require.Error(t, err)

			assert.Equal(t, tt.wantGone, errors.Is(err, ErrSessionGone))
			var statusErr *StatusError
			if tt.wantCode != 0 {
				require.True(t, errors.As(err, &statusErr))
				assert.Equal(t, tt.wantCode, statusErr.Code)
				assert.Equal(t, tt.body, statusErr.Body)
			} else {
				assert.False(t, errors.As(err, &statusErr))
			}
		})
	}
}

func TestPairingClient_StatusDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pairing/status/tok%2Fen", r.URL.EscapedPath())
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":              "confirmed",
			"remaining_seconds":   42,
			"device_name":         "Pixel",
			"verification_result": map[string]string{"message": "OK"},
		})
	}))
	defer srv.Close()

	c := NewPairingClient(srv.URL, nil, time.Second, nil)
	resp, err := c.Status(context.Background(), "tok/en")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, resp.Status)
	require.NotNil(t, resp.RemainingSeconds)
	assert.Equal(t, 42, *resp.RemainingSeconds)
	assert.Equal(t, "OK", resp.VerificationResult.Message)
	assert.Equal(t, "Pixel", resp.DeviceName)
}

func TestPairingClient_StatusBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":`))
	}))
	defer srv.Close()

	c := NewPairingClient(srv.URL, nil, time.Second, nil)
	_, err := c.Status(context.Background(), "abc")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSessionGone))
	assert.Contains(t, err.Error(), "decode response")
}

func TestPairingClient_QRCacheBuster(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/api/pairing/qr/"))
		seen = append(seen, r.URL.Query().Get("t"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	c := NewPairingClient(srv.URL, nil, time.Second, nil)
	tick := time.Unix(1700000000, 0)
	c.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}

	img, err := c.QR(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Len(t, img.Data, 4)

	_, err = c.QR(context.Background(), "abc")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.NotEmpty(t, seen[0])
	assert.NotEqual(t, seen[0], seen[1])
}

func TestPairingClient_QRGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := NewPairingClient(srv.URL, nil, time.Second, nil)
	_, err := c.QR(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrSessionGone)
}

func TestPairingClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewPairingClient(srv.URL, nil, time.Second, nil)
	_, err := c.Generate(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSessionGone))
}

func TestTrustClient_Endpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/trust/trust-status":
			assert.Equal(t, "portal.gov.pl", r.URL.Query().Get("hostname"))
			_, _ = w.Write([]byte(`{"trusted":false}`))
		case "/api/trust/start-verification":
			assert.Equal(t, http.MethodPost, r.Method)
			var req model.StartVerificationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "portal.gov.pl", req.Hostname)
			_, _ = w.Write([]byte(`{"sessionId":"s-1","qrCodeUrl":"/qr/s-1.png"}`))
		case "/api/trust/verify-status":
			assert.Equal(t, "s-1", r.URL.Query().Get("sessionId"))
			_, _ = w.Write([]byte(`{"trusted":true,"trustToken":"tt","trustImageUrl":"/img.png","lastVerifiedAt":"2026-01-01T00:00:00Z"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewTrustClient(srv.URL, nil, time.Second, nil)
	ctx := context.Background()

	status, err := c.TrustStatus(ctx, "portal.gov.pl")
	require.NoError(t, err)
	assert.False(t, status.Trusted)

	session, err := c.StartVerification(ctx, "portal.gov.pl")
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.SessionID)
	assert.Equal(t, "/qr/s-1.png", session.QRCodeURL)

	verify, err := c.VerifyStatus(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, verify.Trusted)
	assert.Equal(t, "tt", verify.TrustToken)
}
