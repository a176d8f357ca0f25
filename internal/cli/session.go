package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/mkernel/internal/config"
	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/idempotency"
	"github.com/roach88/mkernel/internal/kernel"
	"github.com/roach88/mkernel/internal/lineage"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/telemetry"
	"github.com/roach88/mkernel/internal/tenant"
)

// session is what a command needs to talk to the kernel: configuration,
// logger, an open store and the services built over it.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	store   *store.Store
	kernel  *kernel.Kernel
	lineage *lineage.Service
	tenant  tenant.Context
	out     *OutputFormatter

	shutdownTracing func(context.Context) error
}

// loadConfig applies the root flags over the file and environment configuration.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath, o.EnvFile)
	if err != nil {
		return config.Config{}, err
	}
	if o.Driver != "" {
		cfg.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.DSN = o.DSN
	}
	if o.OrgID != "" {
		cfg.OrgID = o.OrgID
	}
	if o.UserID != "" {
		cfg.UserID = o.UserID
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openSession loads configuration and opens the store. With needTenant the
// --org and --user values (or their config/env equivalents) are required.
func (o *RootOptions) openSession(cmd *cobra.Command, needTenant bool) (*session, error) {
	ctx := cmd.Context()

	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	tc := tenant.Context{OrgID: cfg.OrgID, UserID: cfg.UserID}
	if needTenant {
		if err := tc.Validate(); err != nil {
			return nil, WrapExitError(ExitCommandError, "tenant required (--org and --user)", err)
		}
	}

	logger, err := telemetry.NewLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	shutdown, err := telemetry.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "event", "cli.tracing", "error", err)
	}

	st, err := store.OpenDriver(ctx, cfg.Driver, cfg.DSN, store.WithLogger(logger))
	if err != nil {
		_ = shutdown(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	metrics := telemetry.NewMetrics()
	k := kernel.New(st, kernel.Options{
		IdempotencyTTL: cfg.IdempotencyTTL,
		InFlightPoll: idempotency.Backoff{
			Initial:  cfg.InFlightPollInterval,
			Max:      cfg.InFlightPollMax,
			Attempts: cfg.InFlightPollAttempts,
		},
		RetryAfter:     cfg.RetryAfter,
		LockedStatuses: kernel.LockedStatuses(cfg.LockedCodes()),
		Logger:         logger,
		Metrics:        metrics,
	})

	return &session{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   st,
		kernel:  k,
		lineage: lineage.NewService(k,
			lineage.WithMaxDepth(cfg.TraceMaxDepth),
			lineage.WithLogger(logger),
			lineage.WithMetrics(metrics),
		),
		tenant:          tc,
		out:             o.formatter(cmd),
		shutdownTracing: shutdown,
	}, nil
}

// Close flushes spans and closes the store.
func (s *session) Close() error {
	return errors.Join(
		s.shutdownTracing(context.Background()),
		s.store.Close(),
	)
}

// failure prints err under its registered code. Client faults exit with
// ExitFailure; anything else is a command error.
func (s *session) failure(message string, err error) error {
	code := errcode.Of(err)
	if outErr := s.out.Error(string(code), err.Error(), nil); outErr != nil {
		return outErr
	}
	if code.ClientFault() {
		return WrapExitError(ExitFailure, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}
