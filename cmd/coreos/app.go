package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/coreos-dash/coreos-client/internal/api"
	"github.com/coreos-dash/coreos-client/internal/config"
	"github.com/coreos-dash/coreos-client/internal/model"
	"github.com/coreos-dash/coreos-client/internal/session"
	"github.com/coreos-dash/coreos-client/internal/store"
	"github.com/coreos-dash/coreos-client/internal/version"
	"github.com/coreos-dash/coreos-client/internal/writer"
)

// app holds the components shared by all subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	api     *api.Client
	session *session.Manager
	audit   *writer.AuditWriter // nil when auditing is disabled
}

// newApp loads configuration and builds the session stack. The persisted
// session, if any, is restored.
func newApp(ctx context.Context, flags *globalFlags, logOut io.Writer) (*app, error) {
	if err := config.LoadEnvFile(flags.envFile); err != nil {
		return nil, err
	}

	cfg, err := config.LoadAndValidate(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	logger.Debug("configuration loaded",
		"config", flags.configPath,
		"rest_url", cfg.API.RestURL,
		"storage", cfg.Storage.Driver,
	)

	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	apiClient := api.NewClient(
		cfg.API.RestURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryWait),
		api.WithUserAgent(version.UserAgent()),
	)

	sess := session.NewManager(
		session.Config{
			RefreshInterval:   cfg.Session.RefreshInterval,
			PruneInterval:     cfg.Session.PruneInterval,
			RateLimitWindow:   cfg.Session.RateLimitWindow,
			MaxFailedAttempts: cfg.Session.MaxFailedAttempts,
		},
		apiClient,
		logger,
		session.WithStore(st),
		session.WithProviders(session.NewProviders(ctx, cfg.OAuth)),
	)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		api:     apiClient,
		session: sess,
	}

	if cfg.Audit.Enabled {
		a.audit = writer.NewAuditWriter(writer.WriterConfig{
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			BufferSize:    cfg.Audit.BufferSize,
		}, st, logger.With("component", "audit"))
		if err := a.audit.Start(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("start audit writer: %w", err)
		}
		sess.AddSink(a.audit.Sink())
	}

	if err := sess.Restore(ctx); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// close flushes pending audit events and releases the store.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.audit != nil {
		a.audit.Stop(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}

// events returns the newest security events, from the archive when auditing
// is enabled and from memory otherwise.
func (a *app) events(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	if a.audit != nil {
		return a.store.ListEvents(ctx, limit)
	}
	events := a.session.SecurityEvents()
	// Newest first, like the archive.
	out := make([]model.SecurityEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}
