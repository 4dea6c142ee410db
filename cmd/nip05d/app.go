package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nip05/internal/audit"
	ledgerservice "nip05/internal/ledger/service"
	ledgermemory "nip05/internal/ledger/store/memory"
	ledgerpostgres "nip05/internal/ledger/store/postgres"
	ledgersqlite "nip05/internal/ledger/store/sqlite"
	"nip05/internal/payment"
	"nip05/internal/payment/lnbits"
	"nip05/internal/payment/memprovider"
	"nip05/internal/platform/config"
	"nip05/internal/platform/kafka"
	"nip05/internal/platform/metrics"
	"nip05/internal/platform/postgres"
	platformredis "nip05/internal/platform/redis"
	ratelimitmw "nip05/internal/ratelimit/middleware"
	ratelimitmemory "nip05/internal/ratelimit/store/memory"
	ratelimitredis "nip05/internal/ratelimit/store/redis"
	"nip05/internal/reconciler"
	"nip05/internal/registration/handler"
	"nip05/internal/registration/service"
	regstore "nip05/internal/registry/store"
	"nip05/pkg/platform/middleware/request"
)

// app holds the wired service and everything that must be closed on exit.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	router  http.Handler
	ledger  *ledgerservice.Service
	facade  *service.Service
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildApp wires every component from configuration. On error, whatever was
// already opened is closed.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry, err := regstore.Open(cfg.Registry.DataDir, regstore.WithLogger(logger), regstore.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	a.closers = append(a.closers, registry)

	store, err := a.openLedgerStore(ctx)
	if err != nil {
		return nil, err
	}
	a.ledger = ledgerservice.New(store, registry,
		ledgerservice.WithLogger(logger),
		ledgerservice.WithMetrics(m),
	)

	provider, err := newProvider(cfg.Payment, logger)
	if err != nil {
		return nil, err
	}
	guarded := payment.Guard(provider,
		payment.WithTimeout(cfg.Payment.Timeout),
		payment.WithLogger(logger),
		payment.WithMetrics(m),
	)

	publisher, err := a.newAuditPublisher(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := reconciler.New(a.ledger, registry, guarded,
		reconciler.WithLogger(logger),
		reconciler.WithMetrics(m),
		reconciler.WithAuditPublisher(publisher),
		reconciler.WithRetention(cfg.Payment.Retention),
	)
	if err != nil {
		return nil, err
	}

	a.facade, err = service.New(registry, a.ledger, rec, guarded, service.Config{
		Domain:     cfg.Registry.Domain,
		AmountSats: cfg.Registry.AmountSats,
		Retention:  cfg.Payment.Retention,
	},
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithAuditPublisher(publisher),
	)
	if err != nil {
		return nil, err
	}

	limiter, err := a.newRateLimiter(ctx, m)
	if err != nil {
		return nil, err
	}

	h := handler.New(a.facade, logger, m,
		handler.WithRateLimiter(limiter),
		handler.WithAdminKeyHash(cfg.AdminKeyHash),
	)
	r := chi.NewRouter()
	r.Use(request.Recovery(logger))
	r.Use(request.RequestID)
	r.Use(request.ClientMetadata)
	r.Use(request.RequestTime)
	r.Use(request.SecurityHeaders)
	r.Use(request.Logger(logger))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	h.Register(r)
	a.router = r

	logger.Info("service wired",
		"domain", cfg.Registry.Domain,
		"ledger", cfg.Ledger.Driver,
		"provider", provider.ID(),
		"audit", cfg.Audit.Sink,
		"rate_limit_store", rateLimitStoreName(cfg),
		"admin_enabled", cfg.AdminKeyHash != "",
	)
	return a, nil
}

func (a *app) openLedgerStore(ctx context.Context) (ledgerservice.Store, error) {
	switch a.cfg.Ledger.Driver {
	case config.LedgerMemory:
		a.logger.Warn("using in-memory ledger; pending invoices are lost on restart")
		return ledgermemory.New(), nil
	case config.LedgerPostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			URL:          a.cfg.Ledger.PostgresURL,
			MaxOpenConns: a.cfg.Ledger.MaxOpenConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open ledger database: %w", err)
		}
		a.closers = append(a.closers, db)
		store := ledgerpostgres.NewPostgres(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger database: %w", err)
		}
		return store, nil
	default:
		if err := os.MkdirAll(filepath.Dir(a.cfg.Ledger.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		store, err := ledgersqlite.Open(ctx, a.cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open ledger database: %w", err)
		}
		a.closers = append(a.closers, store)
		return store, nil
	}
}

func newProvider(cfg config.Payment, logger *slog.Logger) (payment.Provider, error) {
	switch cfg.Provider {
	case config.ProviderMemory:
		logger.Warn("using in-memory payment provider; invoices cannot be paid")
		return memprovider.New(memprovider.WithInvoiceExpiry(cfg.InvoiceExpiry)), nil
	default:
		client, err := lnbits.New(cfg.LNbitsURL, cfg.LNbitsAPIKey,
			lnbits.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			lnbits.WithInvoiceExpiry(cfg.InvoiceExpiry),
			lnbits.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("lnbits client: %w", err)
		}
		return client, nil
	}
}

func (a *app) newAuditPublisher(ctx context.Context) (*audit.Publisher, error) {
	if a.cfg.Audit.Sink != config.AuditKafka {
		return audit.NewPublisher(audit.NewLogStore(a.logger), audit.WithLogger(a.logger)), nil
	}
	kcfg := kafka.Config{Brokers: a.cfg.Audit.KafkaBrokers, Topic: a.cfg.Audit.KafkaTopic}
	client, err := kafka.NewClient(ctx, kcfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closerFunc(func() error {
		client.Close()
		return nil
	}))
	if err := kafka.EnsureTopic(ctx, client, kcfg); err != nil {
		return nil, err
	}
	return audit.NewPublisher(audit.NewKafkaStore(client, kcfg.Topic), audit.WithLogger(a.logger)), nil
}

func (a *app) newRateLimiter(ctx context.Context, m *metrics.Metrics) (*ratelimitmw.Middleware, error) {
	fallback := ratelimitmemory.New()
	opts := []ratelimitmw.Option{
		ratelimitmw.WithMetrics(m),
		ratelimitmw.WithDisabled(a.cfg.RateLimitDisabled),
	}

	client, err := platformredis.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return ratelimitmw.New(fallback, a.logger, opts...), nil
	}
	a.closers = append(a.closers, client)
	opts = append(opts, ratelimitmw.WithFallback(fallback))
	return ratelimitmw.New(ratelimitredis.New(client.Client), a.logger, opts...), nil
}

func rateLimitStoreName(cfg config.Config) string {
	if cfg.Redis.URL != "" {
		return "redis"
	}
	return "memory"
}

// sweep reconciles stale invoices and purges old terminal ones every interval
// until ctx is cancelled.
func (a *app) sweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *app) sweepOnce(ctx context.Context) {
	expired, err := a.facade.ExpireStale(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "invoice sweep failed", "error", err)
	}
	purged, err := a.ledger.PurgeTerminalOlderThan(ctx, a.cfg.Ledger.PurgeAfter)
	if err != nil {
		a.logger.WarnContext(ctx, "invoice purge failed", "error", err)
	}
	if expired > 0 || purged > 0 {
		a.logger.InfoContext(ctx, "invoice sweep", "expired", expired, "purged", purged)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
