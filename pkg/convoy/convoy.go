// Package convoy exposes the reconciliation engine: a desired-state store,
// per-deployment observers, and serialized reconcile loops driving a pod
// backend toward the declared state.
package convoy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/quayside/convoy/internal"
	"github.com/quayside/convoy/internal/cluster"
	"github.com/quayside/convoy/internal/observer"
	"github.com/quayside/convoy/internal/reconcile"
	"github.com/quayside/convoy/internal/rollout"
	"github.com/quayside/convoy/internal/spec"
	"github.com/quayside/convoy/internal/store"
)

// Engine reconciles any number of deployments against a single cluster
// backend. Deployments are fully independent: a degraded or stalled one
// never blocks the others.
type Engine struct {
	opts    Options
	store   *store.Store
	cluster cluster.Cluster
	queue   workqueue.TypedRateLimitingInterface[string]

	mu          sync.Mutex
	reconcilers map[string]*reconcile.Reconciler
	observers   map[string]context.CancelFunc
	runCtx      context.Context
}

func New(backend cluster.Cluster, opts Options) *Engine {
	opts = opts.withDefaults()

	limiter := workqueue.NewTypedItemExponentialFailureRateLimiter[string](opts.BackoffBase, opts.BackoffMax)

	return &Engine{
		opts:        opts,
		store:       store.New(),
		cluster:     backend,
		queue:       workqueue.NewTypedRateLimitingQueue(limiter),
		reconcilers: make(map[string]*reconcile.Reconciler),
		observers:   make(map[string]context.CancelFunc),
	}
}

// Apply validates and stores a deployment spec and triggers reconciliation.
// Re-applying an identical spec is a no-op and causes no pod operations.
func (engine *Engine) Apply(deployment spec.DeploymentSpec) (int64, error) {
	entry, changed, err := engine.store.Apply(deployment)
	if err != nil {
		return 0, fmt.Errorf("failed to apply deployment %q: %w", deployment.Name, err)
	}

	reconciler := engine.ensure(deployment.Name)
	if changed {
		// Cancel any pass running against the superseded spec before
		// requeueing toward the new one.
		reconciler.Supersede()
		engine.queue.Add(deployment.Name)
	}

	return entry.Version, nil
}

// Delete removes a deployment's desired state; its pods are drained by the
// next reconcile pass.
func (engine *Engine) Delete(name string) error {
	if err := engine.store.Delete(name); err != nil {
		return err
	}

	engine.mu.Lock()
	if cancel, ok := engine.observers[name]; ok {
		cancel()
		delete(engine.observers, name)
	}
	engine.mu.Unlock()

	engine.queue.Add(name)
	return nil
}

// Status returns the reconciliation status for one deployment.
func (engine *Engine) Status(name string) (reconcile.Status, bool) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	reconciler, ok := engine.reconcilers[name]
	if !ok {
		return reconcile.Status{}, false
	}
	return reconciler.Status(), true
}

// Statuses returns the status of every known deployment.
func (engine *Engine) Statuses() []reconcile.Status {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	statuses := make([]reconcile.Status, 0, len(engine.reconcilers))
	for _, reconciler := range engine.reconcilers {
		statuses = append(statuses, reconciler.Status())
	}
	return statuses
}

// Run services the queue until the context is cancelled. It starts the
// observers, the resync ticker, and the worker pool, then blocks.
func (engine *Engine) Run(ctx context.Context) error {
	defer internal.DebugTimer(ctx, "engine run")()

	engine.mu.Lock()
	engine.runCtx = ctx
	names := make([]string, 0, len(engine.reconcilers))
	for name := range engine.reconcilers {
		names = append(names, name)
	}
	engine.mu.Unlock()

	for _, name := range names {
		engine.startObserver(name)
		engine.queue.Add(name)
	}

	changes := make(chan string, 64)
	engine.store.Subscribe(changes)

	go engine.resyncLoop(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case name := <-changes:
				engine.queue.Add(name)
			}
		}
	}()

	var workers sync.WaitGroup
	for range engine.opts.Workers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			engine.worker(ctx)
		}()
	}

	<-ctx.Done()
	engine.queue.ShutDown()
	workers.Wait()

	return nil
}

func (engine *Engine) worker(ctx context.Context) {
	for {
		name, shutdown := engine.queue.Get()
		if shutdown {
			return
		}
		engine.process(ctx, name)
	}
}

func (engine *Engine) process(ctx context.Context, name string) {
	defer engine.queue.Done(name)

	engine.mu.Lock()
	reconciler := engine.reconcilers[name]
	engine.mu.Unlock()

	if reconciler == nil {
		if _, ok := engine.store.Get(name); !ok {
			engine.queue.Forget(name)
			return
		}
		// An apply raced a retirement: bring the loop back.
		reconciler = engine.ensure(name)
	}

	result, err := reconciler.Reconcile(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		internal.Debug(ctx).Printf("reconcile %s failed: %v\n", name, err)

		if engine.queue.NumRequeues(name) >= engine.opts.RetryBudget {
			// Budget spent: park the deployment as Degraded. The resync
			// tick or the next observed event retriggers it with a fresh
			// budget; other deployments are unaffected.
			reconciler.MarkDegraded(err)
			engine.queue.Forget(name)
			return
		}

		engine.queue.AddRateLimited(name)
		return
	}

	engine.queue.Forget(name)

	switch {
	case result.Requeue:
		engine.queue.Add(name)
	case result.After > 0:
		engine.queue.AddAfter(name, result.After)
	default:
		if _, ok := engine.store.Get(name); !ok && reconciler.Status().TotalPods == 0 {
			// Desired state gone and pods drained: retire the loop so the
			// resync ticker stops requeueing a dead deployment.
			engine.retire(name)
		}
	}
}

// retire drops a drained deployment's reconciler and observer. A later apply
// of the same name recreates both.
func (engine *Engine) retire(name string) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	delete(engine.reconcilers, name)
	if cancel, ok := engine.observers[name]; ok {
		cancel()
		delete(engine.observers, name)
	}
}

func (engine *Engine) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(engine.opts.Resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.mu.Lock()
			for name := range engine.reconcilers {
				engine.queue.Add(name)
			}
			engine.mu.Unlock()
		}
	}
}

// ensure creates the reconciler (and, when the engine is running, the
// observer) for a deployment.
func (engine *Engine) ensure(name string) *reconcile.Reconciler {
	engine.mu.Lock()
	reconciler, ok := engine.reconcilers[name]
	if !ok {
		reconciler = reconcile.New(name, engine.store, engine.cluster, reconcile.Options{
			Rollout: rollout.Policy{
				MaxSurge:       engine.opts.MaxSurge,
				MaxUnavailable: engine.opts.MaxUnavailable,
			},
			Debounce:         engine.opts.Debounce,
			ReadinessTimeout: engine.opts.ReadinessTimeout,
		})
		engine.reconcilers[name] = reconciler
	}
	running := engine.runCtx != nil
	engine.mu.Unlock()

	// Delete tears the observer down, so a re-apply of the same name must
	// bring it back even when the reconciler survived. startObserver is a
	// no-op when one is already live.
	if running {
		engine.startObserver(name)
	}

	return reconciler
}

// startObserver begins streaming pod events for one deployment into the
// queue. Interruptions are logged and recovered by the observer itself.
func (engine *Engine) startObserver(name string) {
	engine.mu.Lock()
	if _, ok := engine.observers[name]; ok {
		engine.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(engine.runCtx)
	engine.observers[name] = cancel
	engine.mu.Unlock()

	watcher := observer.New(engine.cluster, map[string]string{cluster.LabelDeployment: name})

	go func() {
		for notification := range watcher.Observe(ctx) {
			if notification.Err != nil {
				internal.Debug(ctx).Printf("observer %s: %v\n", name, notification.Err)
				continue
			}
			engine.queue.Add(name)
		}
	}()
}
