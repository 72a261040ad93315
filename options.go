//go:build linux || darwin

package eventengine

import (
	"errors"
	"time"

	"github.com/joeycumines/go-eventengine/poller"
	"github.com/joeycumines/go-eventengine/timer"
	"github.com/joeycumines/logiface"
)

// engineOptions holds configuration resolved from EngineOption values.
type engineOptions struct {
	logger             *logiface.Logger[logiface.Event]
	registry           *poller.Registry
	poller             poller.Poller
	clock              timer.Clock
	strategy           string
	timerList          timer.Options
	executorSize       int
	connectionShards   int
	backupPollInterval time.Duration
	backgroundPolling  bool
}

// EngineOption configures an Engine.
type EngineOption interface {
	applyEngine(*engineOptions) error
}

// engineOptionImpl implements EngineOption.
type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithLogger sets the logger shared by the engine and everything it creates.
// A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithRegistry selects the polling engine through r, instead of a registry
// private to the engine. Sharing one registry keeps the selection made once
// per process.
func WithRegistry(r *poller.Registry) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.registry = r
		return nil
	}}
}

// WithPollStrategy sets the comma separated preference list used when the
// engine builds its own registry. It is ignored with WithRegistry or
// WithPoller.
func WithPollStrategy(strategy string) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.strategy = strategy
		return nil
	}}
}

// WithPoller uses p instead of selecting a polling engine. The engine still
// shuts p down.
func WithPoller(p poller.Poller) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.poller = p
		return nil
	}}
}

// WithBackgroundPolling controls whether the engine polls continuously on
// its executor. It defaults to true. When disabled, writes and connects
// waiting on readiness are covered by a backup poller, and anything else
// must be driven by the caller, through Engine.Poller.
func WithBackgroundPolling(enabled bool) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.backgroundPolling = enabled
		return nil
	}}
}

// WithBackupPollInterval bounds each Work call of the backup poller.
func WithBackupPollInterval(d time.Duration) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if d < 0 {
			return errors.New("eventengine: negative backup poll interval")
		}
		opts.backupPollInterval = d
		return nil
	}}
}

// WithExecutorSize sets the number of executor workers. Zero selects
// executor.DefaultSize.
func WithExecutorSize(n int) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if n < 0 {
			return errors.New("eventengine: negative executor size")
		}
		opts.executorSize = n
		return nil
	}}
}

// WithConnectionShards sets the number of shards for pending connects. Zero
// selects max(2*NumCPU, 1).
func WithConnectionShards(n int) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if n < 0 {
			return errors.New("eventengine: negative connection shard count")
		}
		opts.connectionShards = n
		return nil
	}}
}

// WithClock overrides the timer clock.
func WithClock(clock timer.Clock) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.clock = clock
		return nil
	}}
}

// WithTimerOptions tunes the timer list.
func WithTimerOptions(o timer.Options) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.timerList = o
		return nil
	}}
}

// resolveEngineOptions applies opts over the defaults.
func resolveEngineOptions(opts []EngineOption) (*engineOptions, error) {
	cfg := &engineOptions{
		backgroundPolling: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
