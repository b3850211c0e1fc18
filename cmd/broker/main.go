package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/termlink/broker/internal/auth"
	"github.com/termlink/broker/internal/config"
	"github.com/termlink/broker/internal/gateway"
	"github.com/termlink/broker/internal/middleware"
	"github.com/termlink/broker/internal/monitoring"
	"github.com/termlink/broker/internal/pairing"
	"github.com/termlink/broker/internal/registry"
	"github.com/termlink/broker/internal/store"
)

func main() {
	cfg := config.Load()

	st, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	tokens := auth.NewVerifier(auth.VerifierConfig{
		Secret:         cfg.TokenSecret,
		PreviousSecret: cfg.TokenSecretPrev,
	})
	if cfg.IsProduction() && cfg.TokenSecret == "" {
		log.Fatalf("BROKER_TOKEN_SECRET must be set in production")
	}

	secrets, err := buildRunnerSecrets(cfg)
	if err != nil {
		log.Fatalf("Failed to load runner secrets: %v", err)
	}

	reg := registry.New()
	metrics := monitoring.NewMetrics()
	history := pairing.NewHistory(st, int64(cfg.HistoryMax))

	gw, err := gateway.New(gateway.Options{
		Store:          st,
		Registry:       reg,
		Codes:          pairing.NewAllocator(st, pairing.AllocatorConfig{}),
		Sessions:       pairing.NewSessions(st),
		Limiter:        pairing.NewLimiter(st, pairing.Limits{}),
		Liveness:       pairing.NewLiveness(st, pairing.LivenessConfig{}),
		History:        history,
		Tokens:         tokens,
		Secrets:        secrets,
		Metrics:        metrics,
		AllowedOrigins: cfg.AllowedOrigins,
		Production:     cfg.IsProduction(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
	defer gw.Close()

	router := mux.NewRouter()

	// Health check endpoint (required for Cloud Run)
	router.HandleFunc("/health", healthHandler(st, reg)).Methods("GET")

	// WebSocket endpoint for Runner and App transports
	router.HandleFunc("/ws", gw.HandleWebSocket)

	// Prometheus metrics
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Operator API
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/pairing/history", historyHandler(history)).Methods("GET")
	if !cfg.IsProduction() {
		// Dev convenience: mint an App token without a separate issuer.
		api.HandleFunc("/dev/token", devTokenHandler(tokens)).Methods("POST")
	}
	if cfg.APIRateLimit > 0 {
		api.Use(middleware.NewRateLimiter(cfg.APIRateLimit).Middleware)
	}

	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(loggingMiddleware)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown (Cloud Run sends SIGTERM)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 termlink broker starting on port %s (env=%s)", cfg.Port, cfg.Env)
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

// buildStore connects the shared store. Without a Redis address the
// broker falls back to in-process state: fine for a single instance,
// useless for a fleet. Redis gets a circuit breaker so an outage fails
// handlers fast instead of stalling every transport on timeouts.
func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.RedisAddr == "" {
		log.Println("⚠️  REDIS_ADDR not set, using in-memory store (single instance only)")
		return store.NewMemoryStore(), nil
	}
	rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return store.WithBreaker(rs, store.BreakerConfig{
		OnStateChange: func(from, to store.BreakerState) {
			log.Printf("⚠️  store circuit %s -> %s", from, to)
		},
	}), nil
}

func buildRunnerSecrets(cfg *config.Config) (*auth.RunnerSecrets, error) {
	if cfg.RunnerSecretsFile != "" {
		return auth.LoadRunnerSecrets(cfg.RunnerSecretsFile)
	}
	if cfg.RunnerSecretsInline != "" {
		return auth.ParseRunnerSecrets(cfg.RunnerSecretsInline), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("no runner secrets configured: set BROKER_RUNNER_SECRETS_FILE or BROKER_RUNNER_SECRETS")
	}
	log.Println("⚠️  No runner secrets configured, using the development secret")
	return auth.StaticRunnerSecret("termlink-dev-runner-secret"), nil
}

// Handler functions

func healthHandler(st store.Store, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		storeStatus := "connected"
		status := "healthy"
		if err := st.Ping(ctx); err != nil {
			storeStatus = "error"
			status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"service": "termlink-broker",
			"store":   storeStatus,
			"runners": reg.Count(registry.RoleRunner),
			"apps":    reg.Count(registry.RoleApp),
		})
	}
}

func historyHandler(history *pairing.History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID := r.URL.Query().Get("app_id")
		if appID == "" {
			http.Error(w, "app_id is required", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)

		events, err := history.Recent(r.Context(), appID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"app_id": appID,
			"count":  len(events),
			"events": events,
		})
	}
}

// DevTokenRequest is the request body for the dev token endpoint.
type DevTokenRequest struct {
	AppID string `json:"app_id"`
	TTL   string `json:"ttl,omitempty"`
}

func devTokenHandler(tokens *auth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DevTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.AppID == "" {
			http.Error(w, "app_id is required", http.StatusBadRequest)
			return
		}

		var ttl time.Duration
		if req.TTL != "" {
			var err error
			if ttl, err = time.ParseDuration(req.TTL); err != nil {
				http.Error(w, "Invalid ttl", http.StatusBadRequest)
				return
			}
		}

		token, err := tokens.Issue(req.AppID, ttl)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"app_id": req.AppID,
			"token":  token,
		})
	}
}

// Middleware

func corsMiddleware(allowedOrigins []string) mux.MiddlewareFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(allowed) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		log.Printf(`{"method":"%s","path":"%s","duration_ms":%d}`,
			r.Method,
			r.URL.Path,
			time.Since(start).Milliseconds(),
		)
	})
}
