package convoy

import (
	"time"

	"github.com/davidmdm/conf"
)

// Options tune the engine. Zero values fall back to the defaults below.
type Options struct {
	// Workers is the number of concurrent reconcile workers. Passes for a
	// single deployment are serialized regardless of worker count.
	Workers int
	// Resync is the interval at which every deployment is requeued even
	// without observed changes.
	Resync time.Duration
	// RetryBudget is how many rate-limited retries a failing deployment
	// gets before it is marked Degraded.
	RetryBudget int
	// Debounce is how long the diff must stay empty before a deployment
	// settles back to Idle.
	Debounce time.Duration
	// ReadinessTimeout bounds how long a rollout may wait on new pods
	// becoming ready before RolloutStalled is raised.
	ReadinessTimeout time.Duration
	// MaxSurge and MaxUnavailable are the default rolling-update bounds.
	MaxSurge       int
	MaxUnavailable int
	// BackoffBase and BackoffMax shape the per-deployment retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (opts Options) withDefaults() Options {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Resync <= 0 {
		opts.Resync = 30 * time.Second
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 5
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 2 * time.Minute
	}
	if opts.MaxSurge <= 0 {
		opts.MaxSurge = 1
	}
	if opts.MaxUnavailable < 0 {
		opts.MaxUnavailable = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return opts
}

// OptionsFromEnviron reads engine tuning from the environment. Unset
// variables keep their defaults.
func OptionsFromEnviron() (opts Options, err error) {
	conf.Var(conf.Environ, &opts.Workers, "CONVOY_WORKERS")
	conf.Var(conf.Environ, &opts.Resync, "CONVOY_RESYNC_INTERVAL")
	conf.Var(conf.Environ, &opts.RetryBudget, "CONVOY_RETRY_BUDGET")
	conf.Var(conf.Environ, &opts.Debounce, "CONVOY_DEBOUNCE")
	conf.Var(conf.Environ, &opts.ReadinessTimeout, "CONVOY_READINESS_TIMEOUT")
	conf.Var(conf.Environ, &opts.MaxSurge, "CONVOY_MAX_SURGE")
	conf.Var(conf.Environ, &opts.MaxUnavailable, "CONVOY_MAX_UNAVAILABLE")
	err = conf.Environ.Parse()
	return opts.withDefaults(), err
}
