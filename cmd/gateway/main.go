package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lokutor-ai/voice-gateway/internal/admission"
	"github.com/lokutor-ai/voice-gateway/internal/appstate"
	"github.com/lokutor-ai/voice-gateway/internal/cache"
	"github.com/lokutor-ai/voice-gateway/internal/gatewaylog"
	"github.com/lokutor-ai/voice-gateway/internal/wsapi"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	logger := gatewaylog.New(parseLogLevel(envOr("LOG_LEVEL", "info")))

	cachePath := envOr("CACHE_PATH", "./data/cache")
	fsBackend, err := cache.NewFilesystemBackend(cachePath)
	if err != nil {
		log.Fatalf("cache backend init failed: %v", err)
	}

	metrics := prometheus.NewRegistry()

	credentials := credentialsFromEnv()

	var auth appstate.AuthValidator
	requireAuth := envBool("REQUIRE_AUTH", false)
	if tokens := tokensFromEnv(); len(tokens) > 0 {
		auth = appstate.NewStaticAuthValidator(tokens)
	} else if requireAuth {
		log.Fatal("REQUIRE_AUTH is set but no GATEWAY_AUTH_TOKENS were configured")
	}

	state, err := appstate.New(appstate.Config{
		RequireAuth: requireAuth,
		Auth:        auth,
		Credentials: credentials,
		Admission: admission.Config{
			GlobalCap:    int64(envInt("ADMISSION_GLOBAL_CAP", 0)),
			PerIPCap:     int64(envInt("ADMISSION_PER_IP_CAP", admission.DefaultPerIPCap)),
			RPS:          envFloat("ADMISSION_RPS", admission.DefaultRPS),
			Burst:        envInt("ADMISSION_BURST", admission.DefaultBurst),
			MaxBodyBytes: int64(envInt("ADMISSION_MAX_BODY_BYTES", admission.DefaultMaxBodyBytes)),
		},
		Metrics:      metrics,
		CacheBackend: fsBackend,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("appstate init failed: %v", err)
	}

	router := mux.NewRouter()
	wsapi.NewHandler(state, logger).Register(router)
	router.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := envOr("LISTEN_ADDR", ":8080")
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming WS/audio responses outlive a fixed write deadline
	}

	go func() {
		logger.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
	}
}

// credentialsFromEnv reads GATEWAY_CREDENTIAL_<PROVIDER>=<secret> pairs into
// a provider-id -> credential map (spec §6.3's "configuration surface the
// core consumes").
func credentialsFromEnv() map[string]string {
	const prefix = "GATEWAY_CREDENTIAL_"
	creds := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		provider := strings.ToLower(strings.TrimPrefix(k, prefix))
		creds[provider] = v
	}
	return creds
}

// tokensFromEnv parses GATEWAY_AUTH_TOKENS as a comma-separated
// token:tenant_id list for the symmetric API-secret auth strategy.
func tokensFromEnv() map[string]string {
	raw := os.Getenv("GATEWAY_AUTH_TOKENS")
	if raw == "" {
		return nil
	}
	tokens := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		token, tenant, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		tokens[token] = tenant
	}
	return tokens
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
