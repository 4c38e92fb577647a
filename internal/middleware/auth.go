package middleware

import (
	"net"
	"net/http"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/auth"
	"llm-edge-gateway/internal/handlers"
	"llm-edge-gateway/pkg/logging/logging"
)

// Auth rejects requests without a valid subscription or session token and
// stores the principal on the context for the admission check.
func Auth(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.FromRequest(r)
			if err != nil {
				handlers.WriteError(w, r, err)
				return
			}

			ctx := auth.WithPrincipal(r.Context(), p)
			ctx = logging.WithFields(ctx, zap.String("principal", p.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIP is the address chi's RealIP left in RemoteAddr, without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
