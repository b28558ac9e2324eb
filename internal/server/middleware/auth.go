package middleware

import (
	"log/slog"
	"net/http"

	"github.com/schoolride/relay/internal/auth"
)

// AuthFailureHook is invoked for every rejected handshake, used to feed
// the failed-auth counter without coupling this package to metrics.
type AuthFailureHook func()

// NewAuthMiddleware verifies the handshake bearer credential before the
// WebSocket upgrade runs. A rejected credential terminates the request
// here: the client observes a refused connection and no session is ever
// created.
//
// The token is taken from the Authorization header when present, falling
// back to the "token" query parameter because browser WebSocket clients
// cannot set headers on the upgrade request.
func NewAuthMiddleware(logger *slog.Logger, verifier auth.Verifier, onFailure AuthFailureHook) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			token := bearerToken(r)
			if token == "" {
				logger.Warn("handshake missing credential", slog.String("ip", reqMeta.IP))
				onFailure()
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Warn("handshake credential rejected",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				onFailure()
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.UserID = identity.UserID
			reqMeta.Role = identity.Role
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
