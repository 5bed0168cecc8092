package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	stdjson "encoding/json"

	"github.com/hatemosphere/agency-console/internal/account"
	"github.com/hatemosphere/agency-console/internal/api"
	"github.com/hatemosphere/agency-console/internal/audit"
	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/backup"
	"github.com/hatemosphere/agency-console/internal/config"
	"github.com/hatemosphere/agency-console/internal/content"
	"github.com/hatemosphere/agency-console/internal/guard"
	"github.com/hatemosphere/agency-console/internal/identity"
	"github.com/hatemosphere/agency-console/internal/media"
	"github.com/hatemosphere/agency-console/internal/seed"
	"github.com/hatemosphere/agency-console/internal/storage"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "agency-console"

func main() {
	cfg := config.Parse()

	// Configure logging format.
	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(logHandler))

	// Disable audit logging if configured.
	if !cfg.AuditLogs {
		audit.Enabled = false
	}

	// Open storage.
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}

	provider, accounts, err := createIdentityProvider(cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create identity provider: %v\n", err)
		os.Exit(1)
	}
	slog.Info("identity provider ready", "provider", provider.Name())

	roles := auth.NewRoleCache(store, cfg.RoleCacheSize, cfg.RoleCacheTTL)
	accountSvc := account.NewService(provider, store, roles)
	site := content.NewSite(store)

	// Apply bootstrap data before serving.
	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load seed file: %v\n", err)
			os.Exit(1)
		}
		if err := f.Apply(context.Background(), accounts, store, site); err != nil {
			fmt.Fprintf(os.Stderr, "failed to apply seed file: %v\n", err)
			os.Exit(1)
		}
		slog.Info("seed applied", "file", cfg.SeedFile, "users", len(f.Users))
	}

	serverOpts := []api.ServerOption{
		api.WithGuard(guard.New(guard.Config{SettleTimeout: cfg.SessionSettleTimeout})),
		api.WithMaxClients(cfg.MaxClients),
		api.WithRoleLookupTimeout(cfg.RoleLookupTimeout),
		api.WithSettleTimeout(cfg.SessionSettleTimeout),
		api.WithSecureCookies(cfg.SecureCookies),
		api.WithHealthCheck(store.Ping),
	}

	// Object storage: media uploads and remote backups.
	s3cfg := backup.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Prefix:          cfg.S3BackupPrefix,
		ForcePathStyle:  cfg.S3ForcePathStyle,
	}
	var backupProviders []backup.Provider
	if cfg.S3Enabled() {
		client, err := backup.NewS3Client(s3cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create S3 client: %v\n", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, api.WithPresigner(media.NewPresigner(client, media.Config{
			Bucket:        cfg.S3Bucket,
			Prefix:        cfg.MediaPrefix,
			PublicBaseURL: cfg.MediaPublicURL,
			Expiry:        cfg.MediaURLExpiry,
		})))
		slog.Info("media uploads enabled", "bucket", cfg.S3Bucket, "prefix", cfg.MediaPrefix)

		if cfg.BackupDir != "" {
			s3Provider, err := backup.NewS3Provider(s3cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to create S3 backup provider: %v\n", err)
				os.Exit(1)
			}
			backupProviders = append(backupProviders, s3Provider)
			slog.Info("S3 backup enabled", "bucket", cfg.S3Bucket, "prefix", cfg.S3BackupPrefix)
		}
	}

	// Backups.
	var scheduler *backup.Scheduler
	if cfg.BackupDir != "" {
		backupProviders = append([]backup.Provider{backup.NewLocalProvider(cfg.BackupDir)}, backupProviders...)
		runner := backup.NewRunner(store, cfg.BackupDir, cfg.BackupRetention, backupProviders...)
		scheduler = backup.NewScheduler(runner.Run, cfg.BackupInterval)
		serverOpts = append(serverOpts, api.WithBackups(scheduler))
		slog.Info("backups enabled", "dir", cfg.BackupDir, "interval", cfg.BackupInterval, "retention", cfg.BackupRetention)
	}

	// Initialize OpenTelemetry tracing if configured.
	var tp *sdktrace.TracerProvider
	if cfg.Tracing {
		tp, err = initTracer(context.Background(), serviceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize OpenTelemetry: %v\n", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry tracing enabled", "service", serviceName)
	}

	// When management-addr is set, health/metrics move to a separate server.
	if cfg.ManagementAddr != "" {
		serverOpts = append(serverOpts, api.WithSkipManagementRoutes())
	}

	srv, err := api.NewServer(accountSvc, site, roles, serverOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}
	api.RegisterClientsGauge(srv.ClientCount)

	handler := srv.Router()
	if tp != nil {
		handler = otelhttp.NewHandler(handler, serviceName)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start separate management server for health probes and metrics.
	var mgmtServer *http.Server
	if cfg.ManagementAddr != "" {
		mgmtServer = &http.Server{
			Addr:              cfg.ManagementAddr,
			Handler:           managementMux(store.Ping),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("management server starting", "addr", cfg.ManagementAddr)
			if err := mgmtServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("management server error", "error", err)
			}
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())

		// Give in-flight requests 30 seconds to complete.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if mgmtServer != nil {
			if err := mgmtServer.Shutdown(ctx); err != nil {
				slog.Error("management server shutdown error", "error", err)
			}
		}
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		close(done)
	}()

	slog.Info("agency console starting", "addr", cfg.Addr, "public_url", cfg.PublicURL)

	if cfg.TLS {
		err = httpServer.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown to complete.
	<-done

	// Drop client sessions, stop background work, then close storage.
	slog.Info("closing sessions and storage")
	srv.Close()
	if scheduler != nil {
		scheduler.Shutdown()
	}
	if err := provider.Close(); err != nil {
		slog.Error("identity provider shutdown error", "error", err)
	}
	if tp != nil {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("tracer provider shutdown error", "error", err)
		}
	}
	store.Close()
	slog.Info("shutdown complete")
}

// createIdentityProvider builds the configured provider. The returned
// ensurer is nil for providers that cannot create accounts for the seed.
func createIdentityProvider(cfg *config.Config, store *storage.SQLiteStore) (identity.Provider, seed.AccountEnsurer, error) {
	switch cfg.IdentityProvider {
	case "oidc":
		p, err := identity.NewOIDCProvider(context.Background(), identity.OIDCConfig{
			Issuer:          cfg.OIDCIssuer,
			ClientID:        cfg.OIDCClientID,
			ClientSecret:    cfg.OIDCClientSecret,
			Scopes:          cfg.Scopes(),
			AllowedDomains:  cfg.AllowedDomains(),
			RefreshInterval: cfg.RefreshInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("identity provider: oidc", "issuer", cfg.OIDCIssuer, "client_id", cfg.OIDCClientID)
		return p, nil, nil

	default:
		key, err := cfg.TokenSigningKeyBytes()
		if err != nil {
			return nil, nil, err
		}
		tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
			SigningKey: key,
			Issuer:     cfg.TokenIssuer,
			TTL:        cfg.TokenTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		p, err := identity.NewLocalProvider(store, identity.LocalConfig{
			Tokens:          tokens,
			Mailer:          identity.NewOutboxMailer(store),
			PublicURL:       cfg.PublicURL,
			RefreshInterval: cfg.RefreshInterval,
			BcryptCost:      cfg.BcryptCost,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}
}

// managementMux serves health probes and metrics on the management listener.
func managementMux(ping func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = stdjson.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = stdjson.NewEncoder(w).Encode(map[string]string{"status": "error"})
			return
		}
		_ = stdjson.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", api.MetricsHandler())
	return mux
}

// initTracer exports spans over OTLP/HTTP. The exporter reads the standard
// OTEL_EXPORTER_OTLP_* environment variables.
func initTracer(ctx context.Context, name string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(name),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
