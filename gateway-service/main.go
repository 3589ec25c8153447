package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/axis-chat/pkg/keycloak"
	"github.com/example/axis-chat/pkg/natsrt"
	"github.com/example/axis-chat/pkg/otelhelper"
)

// Config holds the service configuration.
type Config struct {
	Addr              string
	NatsURL           string
	NatsUser          string
	NatsPass          string
	KeycloakURL       string
	KeycloakRealm     string
	KeycloakIssuerURL string
	PollInterval      time.Duration
}

func loadConfig() Config {
	return Config{
		Addr:              envOrDefault("GATEWAY_ADDR", ":8090"),
		NatsURL:           envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser:          envOrDefault("NATS_USER", "gateway-service"),
		NatsPass:          envOrDefault("NATS_PASS", "gateway-service-secret"),
		KeycloakURL:       envOrDefault("KEYCLOAK_URL", "http://localhost:8080"),
		KeycloakRealm:     envOrDefault("KEYCLOAK_REALM", "axis-chat"),
		KeycloakIssuerURL: envOrDefault("KEYCLOAK_ISSUER_URL", ""),
		PollInterval:      envDuration("GATEWAY_POLL_INTERVAL", 3*time.Second),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// server holds the shared collaborators handed to every websocket client.
type server struct {
	cfg       Config
	validator *keycloak.Validator
	nats      *natsrt.Conn
	store     *natsrt.Store
	upgrader  websocket.Upgrader

	activeConns   atomic.Int64
	framesTotal   metric.Int64Counter
	frameDuration metric.Float64Histogram
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()

	slog.Info("Starting Chat Gateway Service",
		"addr", cfg.Addr,
		"nats_url", cfg.NatsURL,
		"keycloak_url", cfg.KeycloakURL,
		"keycloak_realm", cfg.KeycloakRealm,
	)

	// Initialize the Keycloak JWKS validator
	validator, err := keycloak.NewValidator(cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakIssuerURL)
	if err != nil {
		slog.Error("Failed to initialize Keycloak validator", "error", err)
		os.Exit(1)
	}
	defer validator.Close()

	// Connect to NATS with retry
	nc, err := natsrt.Dial(natsrt.Config{
		URL:      cfg.NatsURL,
		Name:     "gateway-service",
		User:     cfg.NatsUser,
		Password: cfg.NatsPass,
	})
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()

	store, err := natsrt.NewStore(nc)
	if err != nil {
		slog.Error("Failed to initialize JetStream store", "error", err)
		os.Exit(1)
	}

	meter := otel.Meter("gateway-service")
	framesTotal, _ := meter.Int64Counter("gateway_frames_total",
		metric.WithDescription("Client frames handled, by frame type"))
	frameDuration, _ := otelhelper.NewDurationHistogram(meter,
		"gateway_frame_duration_seconds", "Time to handle one client frame")
	connsGauge, _ := meter.Int64ObservableGauge("gateway_active_connections",
		metric.WithDescription("Currently connected websocket clients"))

	srv := &server{
		cfg:       cfg,
		validator: validator,
		nats:      nc,
		store:     store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tokens gate access; the gateway serves browsers from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		framesTotal:   framesTotal,
		frameDuration: frameDuration,
	}

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connsGauge, srv.activeConns.Load())
		return nil
	}, connsGauge)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Gateway listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down gateway service")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
}

// handleWS authenticates the upgrade request and runs the client's pumps until
// the socket closes.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on websocket requests, so the token rides
	// in a query parameter. A Bearer header works for non-browser clients.
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}

	claims, err := s.validator.Validate(token)
	if err != nil {
		slog.Debug("Websocket auth rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s, conn, claims, token)
	s.activeConns.Add(1)
	slog.Info("Client connected", "user", c.user, "conn_id", c.transport.ConnID())

	go c.writePump()
	c.readPump()
	c.shutdown()

	s.activeConns.Add(-1)
	slog.Info("Client disconnected", "user", c.user, "conn_id", c.transport.ConnID())
}
