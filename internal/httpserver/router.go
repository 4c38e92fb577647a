package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"llm-edge-gateway/internal/auth"
	"llm-edge-gateway/internal/handlers"
	"llm-edge-gateway/internal/metrics"
	"llm-edge-gateway/internal/middleware"
	"llm-edge-gateway/internal/ratelimit"
)

// Deps is everything the routes need.
type Deps struct {
	Chat   *handlers.ChatHandler
	Models *handlers.ModelsHandler
	Audio  *handlers.AudioHandler

	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Namespace

	CORSOrigins   []string
	MaxBodyBytes  int64
	MaxAudioBytes int64
	// AuxTimeout bounds the buffered routes. Chat has no timeout so streams
	// can run as long as the backend keeps sending.
	AuxTimeout time.Duration
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, d Deps) {
	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.CORS(d.CORSOrigins))

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(d.Authenticator))

		r.With(
			middleware.MaxBodySize(d.MaxBodyBytes),
			middleware.Admission(d.Limiter, ratelimit.ClassChat),
		).Post("/chat/completions", d.Chat.ChatCompletion)

		// buffered routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(d.AuxTimeout))

			r.Get("/models", d.Models.List)

			r.With(
				middleware.MaxBodySize(d.MaxBodyBytes),
				middleware.Admission(d.Limiter, ratelimit.ClassTTS),
			).Post("/text-to-speech", d.Audio.TextToSpeech)

			r.With(
				middleware.MaxBodySize(d.MaxAudioBytes+1),
				middleware.Admission(d.Limiter, ratelimit.ClassTranscription),
			).Post("/listen", d.Audio.Transcribe)

			r.Route("/voice", func(r chi.Router) {
				r.Use(middleware.MaxBodySize(d.MaxAudioBytes + 1))
				r.Use(middleware.Admission(d.Limiter, ratelimit.ClassVoice))

				r.Post("/transcribe", d.Audio.Transcribe)
				r.Post("/query", d.Audio.VoiceQuery)
				r.Post("/chat", d.Audio.VoiceChat)
			})
		})

		// WebSocket upgrades arrive as GET; the handler answers 501.
		r.Get("/listen", d.Audio.Transcribe)
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
