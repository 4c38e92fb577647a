package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/metrics"
)

// errMalformedEvent marks a single undecodable event. The stream skips it.
var errMalformedEvent = errors.New("malformed stream event")

// dialect decodes one backend's SSE events into text fragments.
type dialect interface {
	// decode handles one complete event. It returns the text fragments in
	// order and whether the event is the backend's finish signal. Errors
	// wrapping errMalformedEvent are skipped; any other error ends the stream.
	decode(ev sseEvent) (fragments []string, terminal bool, err error)

	// finishReason is the canonical finish reason observed so far.
	finishReason() string

	// endsAtEOF reports whether a clean EOF may stand in for the finish
	// signal given what has been seen.
	endsAtEOF() bool
}

// Stream is a forward-only, pull-based sequence of canonical deltas read
// from a live upstream response. Callers loop on Next, read Delta, check Err
// and must call Close.
//
//	for s.Next() {
//		d := s.Delta()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	provider string
	events   *eventReader
	dialect  dialect
	body     io.Closer
	cancel   context.CancelFunc
	logger   *zap.Logger

	pending []Delta
	cur     Delta
	done    bool
	err     error

	closeOnce sync.Once
}

func newStream(provider string, body io.ReadCloser, cancel context.CancelFunc, d dialect, logger *zap.Logger) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	return &Stream{
		provider: provider,
		events:   newEventReader(body),
		dialect:  d,
		body:     body,
		cancel:   cancel,
		logger:   logger,
	}
}

// Next advances to the next delta. It returns false after the terminal delta
// has been consumed, or when the stream failed (see Err).
func (s *Stream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.cur = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.done {
			return false
		}

		ev, err := s.events.next()
		if err != nil {
			s.finishOnReadError(err)
			continue
		}

		fragments, terminal, err := s.dialect.decode(ev)
		if err != nil {
			if errors.Is(err, errMalformedEvent) {
				metrics.StreamMalformedEventsTotal.WithLabelValues(s.provider).Inc()
				s.logger.Warn("skipping malformed stream event",
					zap.String("event", ev.Name),
					zap.String("data", truncate(string(ev.Data), 200)),
					zap.Error(err),
				)
				continue
			}
			s.fail(err)
			continue
		}

		for _, f := range fragments {
			if f == "" {
				continue
			}
			metrics.StreamDeltasTotal.WithLabelValues(s.provider).Inc()
			s.pending = append(s.pending, Delta{Text: f})
		}
		if terminal {
			s.pending = append(s.pending, Delta{Terminal: true, FinishReason: s.dialect.finishReason()})
			s.done = true
			// Anything the backend sends after its finish signal is not forwarded.
			s.release()
		}
	}
}

func (s *Stream) finishOnReadError(err error) {
	if errors.Is(err, io.EOF) && s.dialect.endsAtEOF() {
		s.pending = append(s.pending, Delta{Terminal: true, FinishReason: s.dialect.finishReason()})
		s.done = true
		s.release()
		return
	}
	if errors.Is(err, io.EOF) {
		err = ErrStreamTruncated
	} else {
		err = transportError(s.provider, err)
	}
	s.fail(fmt.Errorf("llm: %s stream: %w", s.provider, err))
}

func (s *Stream) fail(err error) {
	s.err = err
	s.done = true
	s.logger.Warn("llm stream ended without completion", zap.Error(err))
	s.release()
}

// Delta returns the delta Next advanced to.
func (s *Stream) Delta() Delta {
	return s.cur
}

// Err returns the failure that ended the stream, nil after a clean terminal.
func (s *Stream) Err() error {
	return s.err
}

// Close aborts the upstream request if it is still open. It is safe to call
// more than once and after the stream has ended.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *Stream) release() {
	_ = s.Close()
}
