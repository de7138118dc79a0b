// Command server starts the call-system HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YutoMise/call-system/internal/api"
	"github.com/YutoMise/call-system/internal/auth"
	"github.com/YutoMise/call-system/internal/observability/logging"
	"github.com/YutoMise/call-system/internal/observability/metrics"
	"github.com/YutoMise/call-system/internal/server"
	"github.com/YutoMise/call-system/internal/serverutil"
	"github.com/YutoMise/call-system/internal/sse"
	"github.com/YutoMise/call-system/internal/storage"
	"github.com/YutoMise/call-system/internal/voicevox"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataDir := flag.String("data-dir", "", "directory holding channels.json and settings.json")
	channelsFile := flag.String("channels-file", "", "path to the channel roster file")
	settingsFile := flag.String("settings-file", "", "path to the voice settings file")
	adminPassword := flag.String("admin-password", "", "admin password (plaintext or pbkdf2 hash)")
	sessionDriver := flag.String("session-store", "", "session store driver (memory, redis, or postgres)")
	sessionRedisAddr := flag.String("session-redis-addr", "", "Redis address for the session store")
	sessionRedisPassword := flag.String("session-redis-password", "", "Redis password for the session store")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTimeout := flag.Duration("session-timeout", 0, "idle timeout before a session expires")
	sessionCapacity := flag.Int("session-capacity", 0, "maximum concurrent sessions")
	sessionPurgeInterval := flag.Duration("session-purge-interval", 0, "interval between expired session sweeps")
	voicevoxURL := flag.String("voicevox-url", "", "base URL of the Voicevox engine")
	keepaliveInterval := flag.Duration("keepalive-interval", 0, "interval between SSE keepalive pings")
	maxChannels := flag.Int("max-channels", 0, "maximum concurrently active channels")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum credential attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting credential attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed credential throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed credential throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API across domains")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("CALL_SYSTEM_LOG_LEVEL"))})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("CALL_SYSTEM_ADDR"), ":8080")
	dataRoot := firstNonEmpty(*dataDir, os.Getenv("CALL_SYSTEM_DATA_DIR"), "data")
	channelsPath := firstNonEmpty(*channelsFile, os.Getenv("CALL_SYSTEM_CHANNELS_FILE"), filepath.Join(dataRoot, "channels.json"))
	settingsPath := firstNonEmpty(*settingsFile, os.Getenv("CALL_SYSTEM_SETTINGS_FILE"), filepath.Join(dataRoot, "settings.json"))

	adminSecret := firstNonEmpty(*adminPassword, os.Getenv("ADMIN_PASSWORD"), "password")
	if adminSecret == "password" {
		logger.Warn("admin password left at default, set ADMIN_PASSWORD before exposing the service")
	}

	channels, err := storage.NewChannelStore(channelsPath)
	if err != nil {
		logger.Error("failed to open channel roster", "path", channelsPath, "error", err)
		os.Exit(1)
	}
	settings, err := storage.NewSettingsStore(settingsPath)
	if err != nil {
		logger.Error("failed to open voice settings", "path", settingsPath, "error", err)
		os.Exit(1)
	}
	credentials := auth.NewCredentials(channels, adminSecret)

	sessionStore, sessionCloser, err := configureSessionStore(sessionStoreConfig{
		Driver:        firstNonEmpty(*sessionDriver, os.Getenv("CALL_SYSTEM_SESSION_STORE"), "memory"),
		RedisAddr:     firstNonEmpty(*sessionRedisAddr, os.Getenv("CALL_SYSTEM_SESSION_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*sessionRedisPassword, os.Getenv("CALL_SYSTEM_SESSION_REDIS_PASSWORD")),
		PostgresDSN:   firstNonEmpty(*sessionPostgresDSN, os.Getenv("CALL_SYSTEM_SESSION_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
	})
	if err != nil {
		logger.Error("failed to configure session store", "error", err)
		os.Exit(1)
	}

	sessionOpts := []auth.SessionOption{auth.WithStore(sessionStore)}
	if timeout := resolveDuration(*sessionTimeout, "CALL_SYSTEM_SESSION_TIMEOUT", 0); timeout > 0 {
		sessionOpts = append(sessionOpts, auth.WithIdleTimeout(timeout))
	}
	if capacity := resolveInt(*sessionCapacity, "CALL_SYSTEM_SESSION_CAPACITY"); capacity > 0 {
		sessionOpts = append(sessionOpts, auth.WithCapacity(capacity))
	}
	sessions := auth.NewSessionManager(sessionOpts...)

	hub := sse.NewHub(sse.HubConfig{
		Sessions:          sessions,
		Logger:            logging.WithComponent(logger, "sse"),
		Recorder:          recorder,
		KeepaliveInterval: resolveDuration(*keepaliveInterval, "CALL_SYSTEM_KEEPALIVE_INTERVAL", 0),
		MaxChannels:       resolveInt(*maxChannels, "CALL_SYSTEM_MAX_CHANNELS"),
	})

	voiceURL := firstNonEmpty(*voicevoxURL, os.Getenv("VOICEVOX_URL"), "http://127.0.0.1:50021")
	voice := voicevox.NewClient(voicevox.Config{BaseURL: voiceURL})
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := voice.Probe(probeCtx); err != nil {
		logger.Warn("voicevox engine unreachable, synthesis requests will fail until it comes up", "url", voiceURL, "error", err)
	}
	probeCancel()

	handler := api.NewHandler(channels, settings, credentials, sessions, hub, voice, logger, recorder)

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CALL_SYSTEM_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CALL_SYSTEM_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "CALL_SYSTEM_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "CALL_SYSTEM_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "CALL_SYSTEM_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "CALL_SYSTEM_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("CALL_SYSTEM_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("CALL_SYSTEM_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "CALL_SYSTEM_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CALL_SYSTEM_CORS_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	purgeStop := startSessionPurgeWorker(ctx, logging.WithComponent(logger, "session-purger"), sessions,
		resolveDuration(*sessionPurgeInterval, "CALL_SYSTEM_SESSION_PURGE_INTERVAL", 15*time.Minute))
	defer purgeStop()

	logger.Info("call-system listening", "addr", listenAddr, "channels", channels.Count(), "voicevox_url", voiceURL)
	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CALL_SYSTEM_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CALL_SYSTEM_TLS_KEY")),
		},
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	purgeStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to drain event streams", "error", err)
	}
	if sessionCloser != nil {
		if err := sessionCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

type sessionStoreConfig struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	PostgresDSN   string
}

func configureSessionStore(cfg sessionStoreConfig) (auth.SessionStore, func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return auth.NewMemorySessionStore(), nil, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("redis session store selected without address")
		}
		store, err := auth.NewRedisSessionStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func(context.Context) error { return store.Close() }, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres session store selected without DSN")
		}
		store, err := auth.NewPostgresSessionStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver %q", cfg.Driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
