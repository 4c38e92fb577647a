// Package auth decides whether a caller may use the gateway. A bearer token
// is either a UUID subscription identifier checked against a subscription
// oracle, or a signed session token.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"llm-edge-gateway/internal/metrics"
)

// Error is a rejected credential. Message is returned to the caller as is.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	// ErrUnauthorized: no usable Authorization header.
	ErrUnauthorized = &Error{Message: "unauthorized"}
	// ErrInvalidSubscription: a token was presented but neither path accepted it.
	ErrInvalidSubscription = &Error{Message: "invalid subscription"}
)

const (
	MethodSubscription = "subscription"
	MethodSession      = "session"
)

// Principal is an authenticated caller. ID is stable per caller and safe to
// log; it doubles as the rate-limit identity.
type Principal struct {
	ID     string
	Method string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// SubscriptionOracle answers whether a subscription token is active.
type SubscriptionOracle interface {
	IsActive(ctx context.Context, token string) (bool, error)
}

// SessionVerifier validates an identity-provider session token.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

type Authenticator struct {
	subscriptions SubscriptionOracle
	sessions      SessionVerifier
	logger        *zap.Logger
}

// NewAuthenticator accepts nil for either path; a nil path rejects.
func NewAuthenticator(subs SubscriptionOracle, sessions SessionVerifier, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		subscriptions: subs,
		sessions:      sessions,
		logger:        logger.Named("auth"),
	}
}

// Authenticate checks an Authorization header value. UUID-shaped tokens try
// the subscription oracle first; anything the oracle does not accept falls
// back to session verification.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (Principal, error) {
	token, ok := BearerToken(header)
	if !ok {
		metrics.AuthDecisionsTotal.WithLabelValues("none", "rejected").Inc()
		return Principal{}, ErrUnauthorized
	}

	if IsSubscriptionToken(token) && a.subscriptions != nil {
		active, err := a.subscriptions.IsActive(ctx, token)
		switch {
		case err != nil:
			metrics.AuthDecisionsTotal.WithLabelValues(MethodSubscription, "error").Inc()
			a.logger.Warn("subscription check failed", zap.Error(err))
		case active:
			metrics.AuthDecisionsTotal.WithLabelValues(MethodSubscription, "ok").Inc()
			return Principal{ID: "sub_" + fingerprint(token), Method: MethodSubscription}, nil
		default:
			metrics.AuthDecisionsTotal.WithLabelValues(MethodSubscription, "rejected").Inc()
		}
	}

	if a.sessions != nil {
		p, err := a.sessions.Verify(ctx, token)
		if err == nil {
			metrics.AuthDecisionsTotal.WithLabelValues(MethodSession, "ok").Inc()
			p.Method = MethodSession
			return p, nil
		}
		metrics.AuthDecisionsTotal.WithLabelValues(MethodSession, "rejected").Inc()
		a.logger.Debug("session token rejected", zap.Error(err))
	}

	return Principal{}, ErrInvalidSubscription
}

// BearerToken extracts the token from "Bearer <token>". The scheme is
// matched case-insensitively.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// IsSubscriptionToken reports whether token is a canonical hyphenated UUID.
func IsSubscriptionToken(token string) bool {
	if len(token) != 36 {
		return false
	}
	_, err := uuid.Parse(token)
	return err == nil
}

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// IsAuthError reports whether err is a credential rejection.
func IsAuthError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// FromRequest is Authenticate on r's Authorization header.
func (a *Authenticator) FromRequest(r *http.Request) (Principal, error) {
	return a.Authenticate(r.Context(), r.Header.Get("Authorization"))
}
