package poller

import (
	"os"
	"strings"
	"sync"

	"github.com/joeycumines/logiface"
)

const (
	// StrategyEnvVar is read when no strategy is configured.
	StrategyEnvVar = `EVENTENGINE_POLL_STRATEGY`
	// StrategyAll accepts any available poller.
	StrategyAll = `all`
)

// Factory describes one polling engine implementation.
type Factory struct {
	// Available probes the OS, and may be nil for always available.
	Available func() bool
	New       func(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (Poller, error)
	Name      string
}

// Registry selects a polling engine once, from an ordered list of factories
// filtered by a comma separated preference string, and creates pollers of
// the chosen kind.
type Registry struct {
	logger    *logiface.Logger[logiface.Event]
	strategy  string
	factories []Factory
	chosen    Factory
	err       error
	mu        sync.Mutex
	once      sync.Once
}

// NewRegistry creates a registry holding the platform's built in factories,
// most preferred first.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	cfg, err := resolveRegistryOptions(opts)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		logger:   cfg.logger,
		strategy: cfg.strategy,
	}
	if !cfg.noBuiltins {
		r.factories = append(r.factories, builtinFactories()...)
	}
	return r, nil
}

// Register appends a factory, at the lowest priority. It has no effect once
// a selection has been made.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
}

// Strategy returns the preference string in effect.
func (r *Registry) Strategy() string { return r.strategy }

// Select picks the engine, on the first call only. Each preference, in
// order, is matched against the factories in priority order, and the first
// available match wins.
func (r *Registry) Select() (Factory, error) {
	r.once.Do(func() {
		r.mu.Lock()
		factories := append([]Factory(nil), r.factories...)
		r.mu.Unlock()

		for _, want := range strings.Split(r.strategy, `,`) {
			want = strings.TrimSpace(want)
			if want == `` {
				continue
			}
			for _, f := range factories {
				if want != StrategyAll && want != f.Name {
					continue
				}
				if f.Available != nil && !f.Available() {
					continue
				}
				r.chosen = f
				r.logger.Debug().
					Str(`poller`, f.Name).
					Str(`strategy`, r.strategy).
					Log(`polling engine selected`)
				return
			}
		}
		r.err = ErrNoPollingEngine
		r.logger.Crit().
			Err(r.err).
			Str(`strategy`, r.strategy).
			Log(`no polling engine available`)
	})
	return r.chosen, r.err
}

// Chosen returns the selected engine name, or an empty string.
func (r *Registry) Chosen() string {
	f, err := r.Select()
	if err != nil {
		return ``
	}
	return f.Name
}

// NewPoller creates a poller of the selected kind.
func (r *Registry) NewPoller(scheduler Scheduler) (Poller, error) {
	f, err := r.Select()
	if err != nil {
		return nil, err
	}
	return f.New(scheduler, r.logger)
}

// NoneFactory describes the no-op poller.
func NoneFactory() Factory {
	return Factory{
		Name: `none`,
		New: func(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (Poller, error) {
			return NewNonePoller(scheduler, logger), nil
		},
	}
}

func strategyFromEnv() string {
	if v := strings.TrimSpace(os.Getenv(StrategyEnvVar)); v != `` {
		return v
	}
	return StrategyAll
}
