// ABOUTME: Core assembles the invocation stack shared by every transport
// ABOUTME: store, identity resolver, quota, engine, audit, metrics and the dispatcher

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolgate/internal/audit"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/dispatch"
	"github.com/2389/toolgate/internal/engine"
	"github.com/2389/toolgate/internal/metrics"
	"github.com/2389/toolgate/internal/quota"
	"github.com/2389/toolgate/internal/store"
)

const clickhouseConnectTimeout = 10 * time.Second

// Core is the transport-independent part of the gateway.
type Core struct {
	Store      store.Store
	Verifier   *auth.JWTVerifier
	Resolver   *auth.Resolver
	Quota      *quota.Resolver
	Catalog    *catalog.Catalog
	Engine     *engine.Engine
	Audit      *audit.Logger
	Metrics    *metrics.Metrics
	Dispatcher *dispatch.Dispatcher
}

// OpenStore opens the configured database.
func OpenStore(cfg *config.Config, logger *slog.Logger) (*store.SQLStore, error) {
	s, err := store.Open(store.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// NewCore wires the invocation stack over s. The Core takes ownership of s.
func NewCore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Core, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	resolver := auth.NewResolver(auth.ResolverConfig{
		Verifier:    verifier,
		Accounts:    s,
		Credentials: s,
		External: auth.ExternalPrincipal{
			DisplayName: cfg.Auth.External.DisplayName,
			Role:        cfg.Auth.External.Role,
		},
		Logger: logger,
	})

	quotas := quota.NewResolver(s, s, quota.Options{
		Location: cfg.Location(),
		Exact:    cfg.Quota.Exact,
	})

	registry := builtins.NewRegistry(logger)
	if err := registry.RegisterPack(builtins.SystemPack(s, quotas)); err != nil {
		return nil, fmt.Errorf("registering system pack: %w", err)
	}

	sinks, err := auditSinks(cfg, logger)
	if err != nil {
		return nil, err
	}
	auditLogger := audit.New(audit.Config{
		Recorder:         s,
		Sinks:            sinks,
		MaxSnapshotBytes: cfg.Audit.MaxSnapshotBytes,
		Logger:           logger,
	})

	eng := engine.New(engine.Config{
		Templates:         s,
		ExpressionTimeout: cfg.Engine.ExpressionTimeout,
		QueryTimeout:      cfg.Engine.QueryTimeout,
		MaxResultBytes:    cfg.Engine.MaxResultBytes,
		Logger:            logger,
	})

	m := metrics.New()
	cat := catalog.New(s)

	return &Core{
		Store:    s,
		Verifier: verifier,
		Resolver: resolver,
		Quota:    quotas,
		Catalog:  cat,
		Engine:   eng,
		Audit:    auditLogger,
		Metrics:  m,
		Dispatcher: dispatch.New(dispatch.Config{
			Builtins: registry,
			Catalog:  cat,
			Engine:   eng,
			Quota:    quotas,
			Audit:    auditLogger,
			Resolver: resolver,
			Observer: m,
			Logger:   logger,
		}),
	}, nil
}

func auditSinks(cfg *config.Config, logger *slog.Logger) ([]audit.Sink, error) {
	var sinks []audit.Sink
	if cfg.Logging.Level == "debug" {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	if !cfg.Audit.ClickHouse.Enabled {
		return sinks, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), clickhouseConnectTimeout)
	defer cancel()
	ch, err := audit.NewClickHouseSink(ctx, audit.ClickHouseOptions{
		DSN:           cfg.Audit.ClickHouse.DSN,
		BatchSize:     cfg.Audit.ClickHouse.BatchSize,
		FlushInterval: cfg.Audit.ClickHouse.FlushInterval,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting clickhouse sink: %w", err)
	}
	return append(sinks, ch), nil
}

// Close flushes audit sinks and closes the store.
func (c *Core) Close() error {
	c.Audit.Close()
	if err := c.Store.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	return nil
}
