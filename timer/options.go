package timer

import (
	"github.com/joeycumines/logiface"
)

type managerOptions struct {
	clock  Clock
	logger *logiface.Logger[logiface.Event]
	list   Options
}

// ManagerOption configures a Manager.
type ManagerOption interface {
	applyManager(*managerOptions) error
}

type managerOptionImpl struct {
	applyManagerFunc func(*managerOptions) error
}

func (o *managerOptionImpl) applyManager(opts *managerOptions) error {
	return o.applyManagerFunc(opts)
}

// WithClock overrides the monotonic clock.
func WithClock(clock Clock) ManagerOption {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if clock != nil {
			opts.clock = clock
		}
		return nil
	}}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) ManagerOption {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithListOptions tunes the underlying List.
func WithListOptions(list Options) ManagerOption {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.list = list
		return nil
	}}
}

func resolveManagerOptions(opts []ManagerOption) (*managerOptions, error) {
	cfg := &managerOptions{
		clock: MonotonicClock{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyManager(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
