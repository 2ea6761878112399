package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Mart95Dev/glowloops-v4-sub002/internal/logger"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	SessionHeader        = "X-Session-ID"
	DefaultSessionCookie = "cart_session"
	sessionCookieMaxAge  = 60 * 60 * 24 * 30
)

type ctxKey int

const sessionIDKey ctxKey = iota

// SessionMiddleware resolves the browsing session from the X-Session-ID header
// or the session cookie. Requests carrying neither get a fresh session cookie.
func SessionMiddleware(cookieName string, secureCookie bool) func(http.Handler) http.Handler {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get(SessionHeader)
			if sessionID == "" {
				if c, err := r.Cookie(cookieName); err == nil {
					sessionID = c.Value
				}
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    sessionID,
					Path:     "/",
					MaxAge:   sessionCookieMaxAge,
					HttpOnly: true,
					Secure:   secureCookie,
					SameSite: http.SameSiteLaxMode,
				})
			}

			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// RequestLogger puts a request-scoped zap logger in the context and logs
// each completed request.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			l := base.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			if sessionID := getSessionID(r.Context()); sessionID != "" {
				l = l.With(zap.String("session_id", sessionID))
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				l = l.With(zap.String("trace_id", sc.TraceID().String()))
			}

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), l)))

			l.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
