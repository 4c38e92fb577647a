package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrTokenExpired = errors.New("session token expired")
	ErrInvalidToken = errors.New("invalid session token")
)

// JWTVerifier validates identity-provider session tokens, signed either with
// a shared HMAC secret or an RSA key.
type JWTVerifier struct {
	hmacSecret []byte
	publicKey  *rsa.PublicKey
	issuer     string
	audience   string
	parser     *jwt.Parser
}

type JWTConfig struct {
	Secret       string `yaml:"secret"`
	PublicKeyPEM string `yaml:"public_key_pem"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
}

func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{issuer: cfg.Issuer, audience: cfg.Audience}

	var methods []string
	switch {
	case cfg.PublicKeyPEM != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse session public key: %w", err)
		}
		v.publicKey = key
		methods = []string{"RS256", "RS384", "RS512"}
	case cfg.Secret != "":
		v.hmacSecret = []byte(cfg.Secret)
		methods = []string{"HS256", "HS384", "HS512"}
	default:
		return nil, errors.New("session verifier needs a secret or a public key")
	}

	v.parser = jwt.NewParser(jwt.WithValidMethods(methods))
	return v, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if v.publicKey != nil {
		return v.publicKey, nil
	}
	return v.hmacSecret, nil
}

// Verify returns the principal named by the token's subject.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Principal, error) {
	var claims jwt.RegisteredClaims
	token, err := v.parser.ParseWithClaims(tokenString, &claims, v.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return Principal{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return Principal{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Principal{ID: "user_" + claims.Subject, Method: MethodSession}, nil
}
