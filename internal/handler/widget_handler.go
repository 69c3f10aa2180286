package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pairing-widget/internal/client"
	"pairing-widget/internal/config"
	"pairing-widget/internal/flag"
	"pairing-widget/internal/pairing"
	"pairing-widget/internal/trust"
	"pairing-widget/internal/util"
)

var ErrTrustDisabled = errors.New("trust verification is not available for this widget")

// WidgetHandler exposes one pairing controller and trust monitor per browser.
type WidgetHandler struct {
	registry *Registry
	flags    pairing.FlagStore
	cookies  config.CookieConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewWidgetHandler(registry *Registry, flags pairing.FlagStore, cookies config.CookieConfig, logger *zap.Logger) *WidgetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cookies.WidgetID == "" {
		cookies.WidgetID = "widget_id"
	}
	return &WidgetHandler{
		registry: registry,
		flags:    flags,
		cookies:  cookies,
		logger:   logger,
		now:      time.Now,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers widget and trust routes
func (h *WidgetHandler) RegisterRoutes(router chi.Router) {
	router.Route("/widget", func(r chi.Router) {
		r.Post("/open", h.Open)
		r.Post("/refresh", h.Refresh)
		r.Post("/close", h.Close)
		r.Get("/state", h.State)
		r.Get("/qr", h.QR)
	})

	router.Route("/trust", func(r chi.Router) {
		r.Get("/state", h.TrustState)
		r.Post("/start", h.TrustStart)
		r.Post("/refresh", h.TrustRefresh)
	})
}

// Open opens the widget for this browser, creating it on first use.
func (h *WidgetHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	id := h.widgetID(w, r)
	if flag.HasCookie(r, h.cookieOptions()) && h.flags != nil {
		if err := h.flags.Mark(ctx, id); err != nil {
			h.logger.Warn("Failed to import verification cookie", util.ErrorField(err))
		}
	}

	widget := h.registry.GetOrCreate(id, requestHostname(r))
	if err := widget.Controller.Open(context.WithoutCancel(ctx)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to open widget")
		return
	}

	h.respondWithView(w, widget, "Widget opened")
	h.logger.Info("Widget opened via HTTP",
		util.String("widget_id", id),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Open"),
	)
}

// Refresh issues a new code for the widget.
func (h *WidgetHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	widget, err := h.lookup(r)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to refresh pairing code")
		return
	}
	if err := widget.Controller.IssueNewCode(context.WithoutCancel(r.Context())); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to refresh pairing code")
		return
	}
	h.respondWithView(w, widget, "Pairing code refreshed")
}

// Close closes the widget. The instance stays registered until evicted.
func (h *WidgetHandler) Close(w http.ResponseWriter, r *http.Request) {
	widget, err := h.lookup(r)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to close widget")
		return
	}
	widget.Close()
	h.respondWithView(w, widget, "Widget closed")
}

// State returns the current view.
func (h *WidgetHandler) State(w http.ResponseWriter, r *http.Request) {
	widget, err := h.lookup(r)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get widget state")
		return
	}
	h.respondWithView(w, widget, "")
}

// QR proxies the QR image of the current session.
func (h *WidgetHandler) QR(w http.ResponseWriter, r *http.Request) {
	widget, err := h.lookup(r)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load QR code")
		return
	}
	session, ok := widget.Controller.Session()
	if !ok || widget.Controller.State() != pairing.StateActive {
		h.respondWithError(w, http.StatusNotFound, pairing.ErrNoSession, "Failed to load QR code")
		return
	}

	asset, err := widget.Controller.LoadQR(r.Context(), session.Token)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load QR code")
		return
	}

	contentType := asset.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(asset.Data); err != nil {
		h.logger.Debug("Failed to write QR image", util.ErrorField(err))
	}
}

// TrustState returns the trust monitor view.
func (h *WidgetHandler) TrustState(w http.ResponseWriter, r *http.Request) {
	widget, err := h.lookupTrust(w, r)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get trust state")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(widget.Trust.View(), ""))
}

// TrustStart opens a verification session for the widget's hostname.
func (h *WidgetHandler) TrustStart(w http.ResponseWriter, r *http.Request) {
	widget, err := h.lookupTrust(w, r)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start verification")
		return
	}
	if err := widget.Trust.StartVerification(context.WithoutCancel(r.Context())); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start verification")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(widget.Trust.View(), "Verification started"))
}

// TrustRefresh re-reads the trust status of the widget's hostname.
func (h *WidgetHandler) TrustRefresh(w http.ResponseWriter, r *http.Request) {
	widget, err := h.lookupTrust(w, r)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to refresh trust status")
		return
	}
	if err := widget.Trust.Refresh(r.Context()); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to refresh trust status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(widget.Trust.View(), ""))
}

// Helper Methods

func (h *WidgetHandler) lookup(r *http.Request) (*Widget, error) {
	c, err := r.Cookie(h.cookies.WidgetID)
	if err != nil {
		return nil, ErrWidgetNotFound
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return nil, ErrWidgetNotFound
	}
	return h.registry.Get(c.Value)
}

// lookupTrust creates the widget if needed; trust works without an open
// pairing widget.
func (h *WidgetHandler) lookupTrust(w http.ResponseWriter, r *http.Request) (*Widget, error) {
	widget := h.registry.GetOrCreate(h.widgetID(w, r), requestHostname(r))
	if widget.Trust == nil {
		return nil, ErrTrustDisabled
	}
	return widget, nil
}

// widgetID returns the browser's widget id, issuing a new one if the cookie
// is missing or malformed.
func (h *WidgetHandler) widgetID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(h.cookies.WidgetID); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookies.WidgetID,
		Value:    id,
		Path:     h.cookiePath(),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	// Later lookups in this request see the new id.
	r.AddCookie(&http.Cookie{Name: h.cookies.WidgetID, Value: id})
	return id
}

func (h *WidgetHandler) cookiePath() string {
	if h.cookies.Path == "" {
		return "/"
	}
	return h.cookies.Path
}

func (h *WidgetHandler) cookieOptions() flag.CookieOptions {
	return flag.CookieOptions{
		Name:   h.cookies.Name,
		Path:   h.cookies.Path,
		MaxAge: h.cookies.MaxAge,
		Secure: h.cookies.Secure,
	}
}

// respondWithView sends the pairing view, setting the verification cookie
// once the widget has been verified.
func (h *WidgetHandler) respondWithView(w http.ResponseWriter, widget *Widget, message string) {
	if widget.Controller.Verified() {
		http.SetCookie(w, flag.NewCookie(h.cookieOptions(), h.now()))
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(widget.Controller.View(), message))
}

// respondWithJSON sends a JSON response
func (h *WidgetHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *WidgetHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *WidgetHandler) getStatusCode(err error) int {
	var statusErr *client.StatusError
	switch {
	case errors.Is(err, ErrWidgetNotFound), errors.Is(err, pairing.ErrNoSession), errors.Is(err, ErrTrustDisabled):
		return http.StatusNotFound
	case errors.Is(err, pairing.ErrIssueInProgress), errors.Is(err, trust.ErrStartInProgress):
		return http.StatusConflict
	case errors.Is(err, trust.ErrMissingHostname):
		return http.StatusBadRequest
	case errors.Is(err, client.ErrSessionGone):
		return http.StatusGone
	case errors.Is(err, pairing.ErrInvalidToken), errors.As(err, &statusErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestHostname(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
