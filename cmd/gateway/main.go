package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"llm-edge-gateway/internal/auth"
	"llm-edge-gateway/internal/cache"
	"llm-edge-gateway/internal/config"
	"llm-edge-gateway/internal/handlers"
	"llm-edge-gateway/internal/httpserver"
	"llm-edge-gateway/internal/llm"
	"llm-edge-gateway/internal/metrics"
	"llm-edge-gateway/internal/ratelimit"
	"llm-edge-gateway/internal/voice"
	"llm-edge-gateway/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Server.Port),
		zap.Int("providers", len(cfg.Providers)),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("subscription_oracle", cfg.Auth.Oracle),
		zap.Bool("voice_enabled", cfg.Voice.APIKey != ""),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.Redis.Addr),
		)
	}

	// ----- Auth cache + authenticator -----
	store, err := cache.NewStore(cfg.Cache, redisClient)
	if err != nil {
		return err
	}
	store = cache.NewLoggingStore(store)
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	authenticator, err := buildAuthenticator(cfg.Auth, store, logger)
	if err != nil {
		return err
	}

	// ----- LLM providers -----
	registry := llm.NewRegistry(logger)
	for _, pc := range cfg.Providers {
		lc := pc.LLM()
		p, err := llm.NewProvider(lc, logger)
		if err != nil {
			return err
		}
		if err := registry.Register(p, lc.Models, lc.Aliases); err != nil {
			return fmt.Errorf("register %s: %w", p.Name(), err)
		}
		logger.Info("provider registered",
			zap.String("provider", p.Name()),
			zap.String("base_url", lc.BaseURL),
			zap.Int("models", len(lc.Models)),
		)
	}

	// ----- Admission control -----
	limiter, err := ratelimit.New(ratelimit.Config{
		Policies:      cfg.RateLimits,
		SweepInterval: cfg.RateLimit.SweepInterval,
		IdleTimeout:   cfg.RateLimit.IdleTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer limiter.Close()

	// ----- Voice backend (optional) -----
	var speech handlers.Speech
	maxAudio := cfg.Voice.MaxAudioBytes
	if cfg.Voice.APIKey != "" {
		vc, err := voice.New(cfg.Voice, logger)
		if err != nil {
			return err
		}
		speech = vc
		maxAudio = vc.MaxAudioBytes()
	}
	if maxAudio <= 0 {
		maxAudio = cfg.Server.MaxBodyBytes
	}

	// ----- Handlers -----
	chatHandler := handlers.NewChatHandler(registry)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.Deps{
		Chat:          chatHandler,
		Models:        handlers.NewModelsHandler(registry),
		Audio:         handlers.NewAudioHandler(speech, chatHandler, cfg.Server.VoiceModel),
		Authenticator: authenticator,
		Limiter:       limiter,
		CORSOrigins:   cfg.CORS.AllowedOrigins,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		MaxAudioBytes: maxAudio,
		AuxTimeout:    cfg.Server.AuxTimeout,
	})

	// ----- HTTP server -----
	// No WriteTimeout: streamed completions stay open as long as the backend sends.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting gateway", zap.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	case <-stop:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildAuthenticator wires the subscription oracle (behind the TTL cache)
// and the session verifier. Either may be absent.
func buildAuthenticator(cfg config.AuthConfig, store cache.Store, logger *zap.Logger) (*auth.Authenticator, error) {
	var oracle auth.SubscriptionOracle
	switch cfg.Oracle {
	case "http":
		o, err := auth.NewHTTPOracle(auth.HTTPOracleConfig{URL: cfg.OracleURL, APIKey: cfg.OracleKey})
		if err != nil {
			return nil, err
		}
		oracle = o
	case "stripe":
		o, err := auth.NewStripeOracle(cfg.StripeAPIKey, cfg.StripeMetadataKey, nil)
		if err != nil {
			return nil, err
		}
		oracle = o
	}
	if oracle != nil {
		oracle = auth.NewCachedOracle(oracle, store, auth.CachedOracleConfig{
			Scope:       cfg.Oracle,
			TTL:         cfg.CacheTTL,
			NegativeTTL: cfg.NegativeCacheTTL,
		}, logger)
	}

	var sessions auth.SessionVerifier
	if cfg.SessionSecret != "" || cfg.SessionPublicKey != "" {
		v, err := auth.NewJWTVerifier(auth.JWTConfig{
			Secret:       cfg.SessionSecret,
			PublicKeyPEM: cfg.SessionPublicKey,
			Issuer:       cfg.SessionIssuer,
			Audience:     cfg.SessionAudience,
		})
		if err != nil {
			return nil, err
		}
		sessions = v
	}

	return auth.NewAuthenticator(oracle, sessions, logger), nil
}
