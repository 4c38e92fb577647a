package middleware

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/auth"
	"llm-edge-gateway/internal/handlers"
	"llm-edge-gateway/internal/ratelimit"
	"llm-edge-gateway/pkg/logging/logging"
)

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
)

// Admission charges one request against the caller's window for class.
// The caller is the authenticated principal, or the client IP when the
// route is public.
func Admission(ns *ratelimit.Namespace, class ratelimit.RouteClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := "ip:" + clientIP(r)
			if p, ok := auth.PrincipalFrom(r.Context()); ok {
				identity = p.ID
			}

			d, err := ns.Admit(r.Context(), ratelimit.Key{Identity: identity, Class: class})
			if err != nil {
				handlers.WriteError(w, r, err)
				return
			}

			h := w.Header()
			h.Set(headerLimit, strconv.Itoa(d.Limit))
			h.Set(headerRemaining, strconv.Itoa(d.Remaining))
			h.Set(headerReset, strconv.Itoa(d.ResetIn))

			if !d.Allowed {
				logging.L(r.Context()).Info("rate limited",
					zap.String("route_class", string(class)),
					zap.Int("reset_in", d.ResetIn),
				)
				handlers.WriteError(w, r, &handlers.RateLimitError{ResetIn: d.ResetIn})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
