package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/handlers"
	"llm-edge-gateway/pkg/logging/logging"
)

// Timeout cancels the request context after d and answers 504 if the handler
// has not written anything yet. Only mount it on buffered routes: a stream
// would be cut off mid-body.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &timeoutWriter{w: w, h: make(http.Header)}
			done := make(chan struct{})
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case p := <-panicked:
				panic(p)
			case <-done:
				tw.mu.Lock()
				defer tw.mu.Unlock()
				tw.flushTo()
			case <-ctx.Done():
				tw.mu.Lock()
				defer tw.mu.Unlock()
				tw.timedOut = true
				if tw.wroteHeader {
					// The handler got its reply out in time; only the body is late.
					return
				}
				if ctx.Err() == context.DeadlineExceeded {
					logging.L(ctx).Warn("request timeout", zap.Duration("timeout", d))
					handlers.WriteJSON(w, http.StatusGatewayTimeout,
						map[string]string{"error": "gateway timeout"})
				}
			}
		})
	}
}

// timeoutWriter buffers the handler's header until it commits, then writes
// straight through. After a timeout every write fails.
type timeoutWriter struct {
	w http.ResponseWriter
	h http.Header

	mu          sync.Mutex
	wroteHeader bool
	status      int
	timedOut    bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.commit(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.commit(http.StatusOK)
	}
	return tw.w.Write(b)
}

func (tw *timeoutWriter) commit(code int) {
	dst := tw.w.Header()
	for k, vv := range tw.h {
		dst[k] = vv
	}
	tw.wroteHeader = true
	tw.status = code
	tw.w.WriteHeader(code)
}

// flushTo commits a handler that returned without writing.
func (tw *timeoutWriter) flushTo() {
	if !tw.wroteHeader {
		tw.commit(http.StatusOK)
	}
}
