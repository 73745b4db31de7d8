// Package cli implements the fieldsync device command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentworkforce/fieldsync/internal/config"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/agentworkforce/fieldsync/internal/outbox"
	"github.com/agentworkforce/fieldsync/internal/payload"
	"github.com/agentworkforce/fieldsync/internal/sink"
	"github.com/agentworkforce/fieldsync/internal/syncengine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var validFormats = []string{"text", "json"}

// RootOptions holds the global flags. Flags win over the config file and
// FIELDSYNC_* variables.
type RootOptions struct {
	ConfigPath string
	Store      string
	LogLevel   string
	Format     string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline mutation queue for field devices",
		Long:          "fieldsync records writes while a device is offline and reconciles them with the authority once it is reachable.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to fieldsync.yaml")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "queue DSN (file://, sqlite://, pebble://, postgres://, memory://)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newDrainCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	cmd.AddCommand(newRejectedCommand(opts, "retry", "Return rejected records to the retry path"))
	cmd.AddCommand(newRejectedCommand(opts, "discard", "Drop rejected records from the queue"))
	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *outputFormatter {
	return &outputFormatter{format: o.Format, w: cmd.OutOrStdout()}
}

// settings loads the config file and applies flag overrides.
func (o *RootOptions) settings(cmd *cobra.Command) (*config.Settings, *slog.Logger, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	s := cfg.Fieldsync
	if strings.TrimSpace(o.Store) != "" {
		s.Store.DSN = strings.TrimSpace(o.Store)
	}
	if strings.TrimSpace(o.LogLevel) != "" {
		s.Log.Level = strings.TrimSpace(o.LogLevel)
	}
	logger, err := logging.Setup(s.Log.Level, s.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid log settings", err)
	}
	return &s, logger, nil
}

type engineParts struct {
	settings *config.Settings
	logger   *slog.Logger
	store    outbox.Store
	engine   *syncengine.Engine
	registry *prometheus.Registry
}

func (p *engineParts) Close() {
	if p.engine != nil {
		_ = p.engine.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn("closing queue store failed", "error", err)
		}
	}
}

// openEngine opens the queue and builds an engine. withSink wires the HTTP
// sink; read and edit commands run without one.
func (o *RootOptions) openEngine(cmd *cobra.Command, withSink bool) (*engineParts, error) {
	s, logger, err := o.settings(cmd)
	if err != nil {
		return nil, err
	}
	store, err := outbox.Open(s.Store.DSN)
	if err != nil {
		return nil, WrapExitError(ExitFailure, fmt.Sprintf("failed to open %s queue", outbox.BackendName(s.Store.DSN)), err)
	}
	parts := &engineParts{settings: s, logger: logger, store: store, registry: prometheus.NewRegistry()}

	var validator payload.Validator
	if s.Engine.PayloadSchema != "" {
		schema, err := payload.CompileFile(s.Engine.PayloadSchema)
		if err != nil {
			parts.Close()
			return nil, WrapExitError(ExitCommandError, "invalid payload schema", err)
		}
		validator = schema
	}
	var deliver sink.Sink
	if withSink {
		deliver = newRemoteSink(s)
	}
	engine, err := syncengine.New(syncengine.Options{
		Store:           store,
		Sink:            deliver,
		Validator:       validator,
		Logger:          logger,
		Metrics:         syncengine.NewMetrics(parts.registry),
		DeliveryTimeout: s.Engine.DeliveryTimeout,
		CommitTimeout:   s.Engine.CommitTimeout,
		Backoff: syncengine.Backoff{
			Base:   s.Engine.BackoffBase,
			Max:    s.Engine.BackoffMax,
			Jitter: s.Engine.BackoffJitter,
		},
	})
	if err != nil {
		parts.Close()
		return nil, WrapExitError(ExitCommandError, "failed to build sync engine", err)
	}
	parts.engine = engine
	return parts, nil
}

func newRemoteSink(s *config.Settings) *sink.HTTPSink {
	return sink.NewHTTPSink(s.Remote.BaseURL, s.Remote.Token, &http.Client{Timeout: s.Remote.Timeout}, sink.HTTPSinkOptions{
		Path:       s.Remote.Path,
		MaxRetries: *s.Remote.MaxRetries,
		BaseDelay:  s.Remote.RetryBaseDelay,
		MaxDelay:   s.Remote.RetryMaxDelay,
	})
}

func readPayloadArg(arg string, stdin io.Reader) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	return io.ReadAll(stdin)
}
