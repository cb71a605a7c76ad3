package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"spindle/internal/admin"
	"spindle/internal/bus"
	"spindle/internal/command"
	"spindle/internal/config"
	"spindle/internal/events"
	"spindle/internal/geoip"
	"spindle/internal/ingest"
	"spindle/internal/maintenance"
	"spindle/internal/ratelimit"
	"spindle/internal/session"
	"spindle/internal/storage"
	"spindle/internal/telemetry"
	"spindle/internal/ws"
)

func main() {
	configPath := flag.String("config", "configs/spindle.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Structured logging
	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	hostname, _ := os.Hostname()
	nodeID := hostname + "-" + uuid.New().String()[:8]

	slog.Info("starting spindle",
		"version", "0.1.0",
		"node_id", nodeID,
		"listen", cfg.Listen,
		"admin_listen", cfg.Admin.Listen,
		"bus_backend", cfg.Bus.Backend,
	)

	// Data directories for both stores
	for _, path := range []string{cfg.Storage.EventsPath, cfg.Storage.SessionsPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", path)
			os.Exit(1)
		}
	}

	eventLog, err := storage.NewEventLog(cfg.Storage.EventsPath)
	if err != nil {
		slog.Error("failed to initialize event log", "error", err)
		os.Exit(1)
	}

	sessionStore, err := storage.NewSessionStore(cfg.Storage.SessionsPath)
	if err != nil {
		slog.Error("failed to initialize session store", "error", err)
		os.Exit(1)
	}

	// Telemetry (graceful degradation if initialization fails)
	tp, err := telemetry.NewProvider(cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
		tp = telemetry.NoopProvider()
	} else if tp.Enabled() {
		slog.Info("telemetry enabled",
			"exporter", cfg.Telemetry.Exporter,
			"endpoint", cfg.Telemetry.Endpoint,
		)
	}

	// Command bus
	var cmdBus bus.Bus
	if cfg.Bus.Backend == "redis" {
		redisBus, err := bus.NewRedisBus(cfg.Bus, nodeID)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		cmdBus = redisBus
	} else {
		cmdBus = bus.NewLocalBus()
		slog.Info("using in-process command bus")
	}

	limiter := ratelimit.New(cfg.Limiter)
	registry := session.NewRegistry()
	resolver := geoip.New(cfg.GeoIP)

	// Async write path in front of the session store
	writes := storage.NewAsync(sessionStore, cfg.Storage.WriteQueueSize, cfg.Storage.OpTimeout)
	writesCtx, writesCancel := context.WithCancel(context.Background())
	writesDone := make(chan struct{})
	go func() {
		writes.Run(writesCtx)
		close(writesDone)
	}()

	// Event sink
	sink := events.NewSink(cfg.Sink, eventLog)
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	sinkDone := make(chan struct{})
	go func() {
		sink.Run(sinkCtx)
		close(sinkDone)
	}()

	// Deliver published commands to locally bound sessions. Nodes without
	// the target session drop the delivery; the audit row stays pending.
	cmdBus.Subscribe(func(hash string, env command.Envelope) {
		dctx, span := tp.StartDeliverySpan(context.Background(), hash, env.ID, string(env.Type))
		delivered := registry.Deliver(hash, env)
		tp.RecordDelivery(dctx, delivered)
		span.End()
		if !delivered {
			slog.Debug("command not deliverable on this node",
				"command_id", env.ID,
				"session_hash", hash,
				"type", env.Type,
			)
		}
	})

	wsHandler := ws.NewHandler(cfg.Conn, limiter, registry, cmdBus, sink, writes, eventLog, resolver, tp)
	ingestServer := ingest.NewServer(wsHandler, sink, cmdBus, eventLog, sessionStore)
	adminHandler := admin.New(cfg.Admin, registry, limiter, cmdBus, sessionStore, writes, eventLog, sink, tp)

	// Background maintenance
	maintCtx, maintCancel := context.WithCancel(context.Background())
	runner := maintenance.New(cfg.Storage, registry, limiter, sessionStore, eventLog)
	go runner.Run(maintCtx)

	ingestSrv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     ingestServer.Routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:         cfg.Admin.Listen,
		Handler:      adminHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		ingestSrv.TLSConfig = tlsConfig
		slog.Info("TLS enabled for ingest server")
	}

	errChan := make(chan error, 2)

	go func() {
		if cfg.TLS.Enabled {
			slog.Info("ingest server starting (HTTPS)", "addr", cfg.Listen)
			if err := ingestSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("ingest server error: %w", err)
			}
		} else {
			slog.Info("ingest server starting (HTTP)", "addr", cfg.Listen)
			if err := ingestSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("ingest server error: %w", err)
			}
		}
	}()

	go func() {
		slog.Info("admin server starting", "addr", cfg.Admin.Listen)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Shutdown order: stop accepting, close the subscriber, close sockets,
	// drain the sink and write queue, then close the stores.
	slog.Info("shutting down")
	maintCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	wsHandler.Shutdown()

	if err := ingestSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ingest server shutdown error", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
	}

	if err := cmdBus.Close(); err != nil {
		slog.Error("bus close error", "error", err)
	}

	sinkCancel()
	select {
	case <-sinkDone:
	case <-shutdownCtx.Done():
		slog.Warn("sink drain timed out")
	}

	writesCancel()
	select {
	case <-writesDone:
	case <-shutdownCtx.Done():
		slog.Warn("write queue drain timed out")
	}

	if err := sessionStore.Close(); err != nil {
		slog.Error("session store close error", "error", err)
	}
	if err := eventLog.Close(); err != nil {
		slog.Error("event log close error", "error", err)
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("spindle stopped")
}

// setupTLS configures TLS for the ingest server
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	} else {
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for development
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Spindle Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
