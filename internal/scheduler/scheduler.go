package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/agentworkforce/fieldsync/internal/connectivity"
	"github.com/agentworkforce/fieldsync/internal/syncengine"
	"github.com/robfig/cron/v3"
)

const (
	TickerTimer = "timer"
	TickerCron  = "cron"
)

type Triggerer interface {
	Trigger(reason syncengine.Reason) bool
}

type ConnectivitySource interface {
	Current() connectivity.State
	Subscribe(buffer int) (<-chan connectivity.Transition, func())
}

type Options struct {
	Interval         time.Duration
	Jitter           float64
	Ticker           string
	DrainWhenOffline bool
	TriggerOnStart   bool
	Logger           *slog.Logger
}

// Scheduler turns the fixed interval and reconnect edges into engine
// triggers. It keeps no queue state; overlapping triggers are coalesced by
// the engine.
type Scheduler struct {
	engine  Triggerer
	monitor ConnectivitySource
	opts    Options
	logger  *slog.Logger
}

func New(engine Triggerer, monitor ConnectivitySource, opts Options) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	opts.Ticker = strings.ToLower(strings.TrimSpace(opts.Ticker))
	if opts.Ticker == "" {
		opts.Ticker = TickerTimer
	}
	if opts.Ticker != TickerTimer && opts.Ticker != TickerCron {
		return nil, fmt.Errorf("unsupported ticker %q", opts.Ticker)
	}
	opts.Jitter = syncengine.ClampJitterRatio(opts.Jitter)
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		engine:  engine,
		monitor: monitor,
		opts:    opts,
		logger:  logger.WithGroup("scheduler"),
	}, nil
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	transitions, unsubscribe := s.monitor.Subscribe(8)
	defer unsubscribe()

	ticks, stopTicks := s.startTicker(ctx)
	defer stopTicks()

	s.logger.Info("scheduler started", "interval", s.opts.Interval, "ticker", s.opts.Ticker, "jitter", s.opts.Jitter)
	if s.opts.TriggerOnStart && s.monitor.Current() == connectivity.Online {
		s.fire(syncengine.ReasonStartup)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticks:
			if !s.opts.DrainWhenOffline && s.monitor.Current() == connectivity.Offline {
				s.logger.Debug("interval tick skipped while offline")
				continue
			}
			s.fire(syncengine.ReasonInterval)
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if tr.Reconnected() {
				s.fire(syncengine.ReasonReconnect)
			}
		}
	}
}

func (s *Scheduler) fire(reason syncengine.Reason) {
	started := s.engine.Trigger(reason)
	s.logger.Debug("drain triggered", "reason", reason, "started", started)
}

// startTicker emits one value per interval. Ticks that find the channel
// full are dropped; the engine would coalesce them anyway.
func (s *Scheduler) startTicker(ctx context.Context) (<-chan struct{}, func()) {
	ticks := make(chan struct{}, 1)
	emit := func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}

	if s.opts.Ticker == TickerCron {
		c := cron.New()
		c.Schedule(cron.Every(s.opts.Interval), cron.FuncJob(emit))
		c.Start()
		return ticks, func() {
			<-c.Stop().Done()
		}
	}

	tickCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		timer := time.NewTimer(syncengine.JitteredInterval(s.opts.Interval, s.opts.Jitter, rng.Float64()))
		defer timer.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-timer.C:
				emit()
				timer.Reset(syncengine.JitteredInterval(s.opts.Interval, s.opts.Jitter, rng.Float64()))
			}
		}
	}()
	return ticks, func() {
		cancel()
		<-done
	}
}
