package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	ModeHTTP      = "http"
	ModeWebSocket = "websocket"
	ModeFile      = "file"
	ModeStatic    = "static"
)

type Options struct {
	Mode          string
	Initial       State
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	FlapThreshold int
	WebSocketURL  string
	SignalFile    string
	Token         string
}

// Runner feeds observations into the monitor until ctx is done.
type Runner func(ctx context.Context) error

// Setup builds the monitor for the configured mode and the goroutine body
// that keeps it current. In http and websocket modes the initial state comes
// from one synchronous probe or dial.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) (*Monitor, Runner, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case "", ModeStatic:
		m := NewMonitor(opts.Initial, logger)
		return m, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}, nil
	case ModeHTTP:
		if strings.TrimSpace(opts.ProbeURL) == "" {
			return nil, nil, fmt.Errorf("connectivity mode http requires a probe url")
		}
		probe := NewHTTPProbe(opts.ProbeURL, opts.Token, opts.ProbeTimeout)
		initial := opts.Initial
		probeCtx, cancel := context.WithTimeout(ctx, probe.Client.Timeout)
		if state, err := probe.Probe(probeCtx); err == nil {
			initial = state
		} else {
			initial = Offline
		}
		cancel()
		m := NewMonitor(initial, logger)
		return m, func(ctx context.Context) error {
			Poll(ctx, m, probe, opts.ProbeInterval, opts.FlapThreshold, ModeHTTP)
			return nil
		}, nil
	case ModeWebSocket:
		if strings.TrimSpace(opts.WebSocketURL) == "" {
			return nil, nil, fmt.Errorf("connectivity mode websocket requires a url")
		}
		watcher := NewWebSocketWatcher(opts.WebSocketURL, opts.Token, opts.ProbeInterval)
		m := NewMonitor(watcher.Prime(ctx), logger)
		return m, func(ctx context.Context) error {
			watcher.Run(ctx, m)
			return nil
		}, nil
	case ModeFile:
		if strings.TrimSpace(opts.SignalFile) == "" {
			return nil, nil, fmt.Errorf("connectivity mode file requires a signal file")
		}
		signal := NewFileSignal(opts.SignalFile, opts.Initial)
		initial, err := signal.Read()
		if err != nil {
			initial = opts.Initial
		}
		m := NewMonitor(initial, logger)
		return m, func(ctx context.Context) error {
			return signal.Watch(ctx, m)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported connectivity mode %q", opts.Mode)
	}
}
