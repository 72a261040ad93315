package poller

import (
	"github.com/joeycumines/logiface"
)

type registryOptions struct {
	logger     *logiface.Logger[logiface.Event]
	strategy   string
	noBuiltins bool
}

// RegistryOption configures a Registry.
type RegistryOption interface {
	applyRegistry(*registryOptions) error
}

type registryOptionImpl struct {
	applyRegistryFunc func(*registryOptions) error
}

func (o *registryOptionImpl) applyRegistry(opts *registryOptions) error {
	return o.applyRegistryFunc(opts)
}

// WithStrategy sets the comma separated preference list, e.g. "epoll1,poll".
// An empty value falls back to the environment, then to "all".
func WithStrategy(strategy string) RegistryOption {
	return &registryOptionImpl{func(opts *registryOptions) error {
		opts.strategy = strategy
		return nil
	}}
}

// WithRegistryLogger sets the logger passed to created pollers.
func WithRegistryLogger(logger *logiface.Logger[logiface.Event]) RegistryOption {
	return &registryOptionImpl{func(opts *registryOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithoutBuiltins starts the registry empty, for use with Register.
func WithoutBuiltins() RegistryOption {
	return &registryOptionImpl{func(opts *registryOptions) error {
		opts.noBuiltins = true
		return nil
	}}
}

func resolveRegistryOptions(opts []RegistryOption) (*registryOptions, error) {
	cfg := &registryOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRegistry(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.strategy == `` {
		cfg.strategy = strategyFromEnv()
	}
	return cfg, nil
}
