package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mkernel/internal/kernel"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Follow      bool
	Interval    time.Duration
	Batch       int
	MetricsAddr string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox events",
		Long: `Publish the tenant's pending outbox events as JSON lines on stdout,
oldest first, marking each one published.

Without --follow the relay drains the outbox and exits. With --follow it
keeps polling until interrupted and can serve Prometheus metrics.

Examples:
  mkernel relay --org acme --user relay
  mkernel relay --org acme --user relay --follow --interval 2s --metrics-addr :9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "keep polling until interrupted")
	cmd.Flags().DurationVar(&opts.Interval, "interval", time.Second, "poll interval with --follow")
	cmd.Flags().IntVar(&opts.Batch, "batch", kernel.DefaultRelayBatch, "events claimed per round")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides metrics_addr)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	if opts.Interval <= 0 {
		return NewExitError(ExitCommandError, "--interval must be positive")
	}
	if opts.Batch <= 0 {
		return NewExitError(ExitCommandError, "--batch must be positive")
	}

	s, err := opts.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	relay := kernel.NewRelay(s.store, kernel.NewWriterPublisher(cmd.OutOrStdout()),
		kernel.WithRelayBatch(opts.Batch),
		kernel.WithRelayLogger(s.logger),
		kernel.WithRelayMetrics(s.metrics),
	)

	if !opts.Follow {
		return drainOutbox(cmd.Context(), s, relay, opts.Batch)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := opts.MetricsAddr
	if addr == "" {
		addr = s.cfg.MetricsAddr
	}
	if addr != "" {
		srv := serveMetrics(s, addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = relay.Run(ctx, s.tenant, opts.Interval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainOutbox runs rounds until one comes back short of a full batch.
func drainOutbox(ctx context.Context, s *session, relay *kernel.Relay, batch int) error {
	total := 0
	for {
		n, err := relay.RunOnce(ctx, s.tenant)
		total += n
		if err != nil {
			s.logger.Error("relay stopped", "event", "relay.failed", "tenant_id", s.tenant.OrgID, "published", total, "error", err)
			return WrapExitError(ExitFailure, "publish failed", err)
		}
		if n < batch {
			break
		}
	}
	s.logger.Info("outbox drained", "event", "relay.drained", "tenant_id", s.tenant.OrgID, "published", total)
	s.out.VerboseLog("published %d events", total)
	return nil
}

func serveMetrics(s *session, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "event", "relay.metrics", "addr", addr, "error", err)
		}
	}()
	s.logger.Info("serving metrics", "event", "relay.metrics", "addr", addr)
	return srv
}
