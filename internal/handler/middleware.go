package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"pairing-widget/internal/util"
)

var errHTTPSRequired = errors.New("https required")

// requireHTTPS answers 426 to plain HTTP requests.
func requireHTTPS(h *WidgetHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil {
				h.respondWithJSON(w, http.StatusUpgradeRequired, errorResponse(errHTTPSRequired, ""))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggerMiddleware logs one line per request once it has been served.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				util.String("method", r.Method),
				util.String("path", r.URL.Path),
				util.String("request_id", middleware.GetReqID(r.Context())),
				util.Int("status", ww.Status()),
				util.Int("bytes", ww.BytesWritten()),
				util.Duration("duration", time.Since(start)),
			}
			if ww.Status() >= http.StatusInternalServerError {
				logger.Warn("HTTP request", fields...)
				return
			}
			logger.Debug("HTTP request", fields...)
		})
	}
}
