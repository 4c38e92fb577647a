// Package ratelimit implements fixed-window admission control. Every
// (identity, route class) key is owned by one actor goroutine; callers reach
// it only through a Namespace handle and a request/reply message.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed            = errors.New("ratelimit: namespace closed")
	ErrUnknownRouteClass = errors.New("ratelimit: unknown route class")
)

// RouteClass groups endpoints that share one policy.
type RouteClass string

const (
	ClassChat          RouteClass = "chat"
	ClassTTS           RouteClass = "tts"
	ClassTranscription RouteClass = "transcription"
	ClassVoice         RouteClass = "voice"
)

// Policy is the per-class quota: Limit requests per Window.
type Policy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", p.Limit)
	}
	if p.Window < time.Second {
		return fmt.Errorf("window must be at least 1s, got %s", p.Window)
	}
	return nil
}

// Key identifies one counter. Identity is the authenticated principal or
// the client IP.
type Key struct {
	Identity string
	Class    RouteClass
}

// Name is the stable actor name for the key.
func (k Key) Name() string {
	return string(k.Class) + "|" + k.Identity
}

// Decision is an actor's reply to one admission request.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	// ResetIn is whole seconds until the current window ends, rounded up.
	ResetIn int `json:"resetIn"`
}
