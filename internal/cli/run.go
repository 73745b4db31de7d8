package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/fieldsync/internal/connectivity"
	"github.com/agentworkforce/fieldsync/internal/httpapi"
	"github.com/agentworkforce/fieldsync/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the connectivity monitor, the drain scheduler and the local control
API until SIGINT or SIGTERM. Pending mutations are delivered on the fixed
interval and whenever the device comes back online.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, opts, cmd)
		},
	}
}

func runDaemon(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	parts, err := opts.openEngine(cmd, true)
	if err != nil {
		return err
	}
	defer parts.Close()
	s := parts.settings
	logger := parts.logger
	parts.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	initial, err := connectivity.ParseState(s.Connectivity.Initial)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid connectivity.initial", err)
	}
	monitor, watch, err := connectivity.Setup(ctx, connectivity.Options{
		Mode:          s.Connectivity.Mode,
		Initial:       initial,
		ProbeURL:      s.Connectivity.ProbeURL,
		ProbeInterval: s.Connectivity.ProbeInterval,
		ProbeTimeout:  s.Connectivity.ProbeTimeout,
		FlapThreshold: s.Connectivity.FlapThreshold,
		WebSocketURL:  s.Connectivity.WebSocketURL,
		SignalFile:    s.Connectivity.SignalFile,
		Token:         s.Remote.Token,
	}, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up connectivity monitor", err)
	}
	sched, err := scheduler.New(parts.engine, monitor, scheduler.Options{
		Interval:         s.Scheduler.Interval,
		Jitter:           s.Scheduler.Jitter,
		Ticker:           s.Scheduler.Ticker,
		DrainWhenOffline: s.Scheduler.DrainWhenOffline,
		TriggerOnStart:   *s.Scheduler.TriggerOnStart,
		Logger:           logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build scheduler", err)
	}

	var apiServer *http.Server
	var listener net.Listener
	if *s.API.Enabled {
		listener, err = net.Listen("tcp", s.API.Addr)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to bind control api", err)
		}
		apiServer = &http.Server{
			Handler: httpapi.NewServer(parts.engine, monitor, httpapi.ServerConfig{
				Token:        s.API.Token,
				MaxBodyBytes: s.API.MaxBodyBytes,
				Gatherer:     parts.registry,
				Logger:       logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := watch(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("control api listening", "addr", listener.Addr().String())
			if err := apiServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	logger.Info("fieldsync running",
		"store", s.Store.DSN,
		"remote", s.Remote.BaseURL,
		"connectivity", s.Connectivity.Mode,
		"state", monitor.Current().String(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	logger.Info("fieldsync shutting down")
	cancel()

	if apiServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control api shutdown failed", "error", err)
		}
		cancelShutdown()
	}
	wg.Wait()
	// Close interrupts any in-flight pass before the store is closed.
	_ = parts.engine.Close()
	if runErr != nil {
		return WrapExitError(ExitFailure, "daemon failed", runErr)
	}
	return nil
}
