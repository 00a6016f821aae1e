package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"privatrengoering.dk/cloud/handlers"
	"privatrengoering.dk/cloud/internal/auth"
	"privatrengoering.dk/cloud/internal/billing"
	"privatrengoering.dk/cloud/internal/config"
	"privatrengoering.dk/cloud/internal/logger"
	"privatrengoering.dk/cloud/internal/metrics"
	"privatrengoering.dk/cloud/internal/notify"
	"privatrengoering.dk/cloud/internal/ratelimit"
	"privatrengoering.dk/cloud/storage"
)

const shutdownTimeout = 15 * time.Second

// newApp wires the HTTP server from its collaborators. The billing service is
// returned so shutdown can wait for its pending notices.
func newApp(cfg *config.Config, store storage.Storage, gateway billing.Gateway, reg *prometheus.Registry) (*handlers.Server, *billing.Service) {
	m := metrics.New(reg)

	var notifier notify.Notifier = notify.Discard{}
	if cfg.EmailEnabled() {
		notifier = notify.NewMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		})
	}

	svc := billing.NewService(gateway, store, billing.Config{
		Checkout: billing.CheckoutConfig{
			Currency:    cfg.CheckoutCurrency,
			UnitAmount:  cfg.CheckoutUnitAmount,
			ProductName: cfg.CheckoutProductName,
			Locale:      cfg.CheckoutLocale,
		},
		WebhookSecret: cfg.StripeWebhookSecret,
	}, billing.WithMetrics(m), billing.WithNotifier(notifier))

	var limiter ratelimit.RateLimit
	if cfg.RateLimitRequests > 0 {
		limiter = ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	server := handlers.NewHttpServer(handlers.Dependencies{
		Billing: svc,
		Storage: store,
		Auth:    auth.NewAuthenticator(cfg.JWTSecret, cfg.AdminEmails),
		Metrics: m,
		Limiter: limiter,
		Version: cfg.Version,
	})
	return server, svc
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	defer logger.Default().Sync()

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          cfg.Version,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server, svc := newApp(cfg, store, billing.NewStripeGateway(cfg.StripeSecret), reg)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Privat Rengøring API starting", map[string]interface{}{
			"version":  cfg.Version,
			"port":     cfg.Port,
			"database": cfg.DatabasePath,
			"email":    cfg.EmailEnabled(),
		})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	server.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	svc.Wait()
	return err
}
