package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxKeyName contextKey = iota
	ctxRemoteIP
)

const (
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken = `Bearer realm="chat-sync"`
	wwwAuthInvalid = `Bearer realm="chat-sync", error="invalid_token"`
)

// RequestKeyName returns the name of the API key that authenticated the
// request, or "".
func RequestKeyName(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyName).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithCaller returns ctx carrying the authenticated key name and client
// IP, as read back by RequestKeyName and RequestRemoteIP.
func WithCaller(ctx context.Context, keyName, ip string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyName, keyName)
	return context.WithValue(ctx, ctxRemoteIP, ip)
}

// Middleware returns HTTP middleware that accepts only Bearer tokens
// matching a key in keys. Unauthenticated requests get a 401 with a
// WWW-Authenticate challenge.
func Middleware(keys *Keyring, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			name, ok := keys.Verify(token)
			if !ok {
				logger.Warn("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("key", name),
				slog.String("ip", ip),
			)

			// Tools log which key made the call and from where.
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), name, ip)))
		})
	}
}
