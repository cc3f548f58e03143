// Package reconcile drives one deployment's actual state toward its desired
// state. One Reconciler exists per deployment; passes are strictly
// serialized by the engine's work queue, and a pass is cancelled when a
// newer spec version supersedes it.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quayside/convoy/internal"
	"github.com/quayside/convoy/internal/cluster"
	"github.com/quayside/convoy/internal/diff"
	"github.com/quayside/convoy/internal/rollout"
	"github.com/quayside/convoy/internal/spec"
	"github.com/quayside/convoy/internal/store"
)

// Options tune a single reconciler.
type Options struct {
	// Rollout bounds template transitions.
	Rollout rollout.Policy
	// Debounce is how long the diff must stay empty before the loop settles
	// back to Idle.
	Debounce time.Duration
	// ReadinessTimeout is how long a blocked rollout may wait on pod
	// readiness before the RolloutStalled condition is raised.
	ReadinessTimeout time.Duration
}

// Result tells the engine what to do after a successful pass.
type Result struct {
	// Requeue requests an immediate follow-up pass.
	Requeue bool
	// After requests a follow-up pass after the given delay.
	After time.Duration
}

type Reconciler struct {
	name    string
	store   *store.Store
	cluster cluster.Cluster
	opts    Options

	mu           sync.Mutex
	status       Status
	passCancel   context.CancelFunc
	inFlight     bool
	blockedSince time.Time
	settling     bool
}

func New(name string, desired *store.Store, backend cluster.Cluster, opts Options) *Reconciler {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 2 * time.Minute
	}
	return &Reconciler{
		name:    name,
		store:   desired,
		cluster: backend,
		opts:    opts,
		status:  Status{Deployment: name, Phase: PhaseIdle},
	}
}

// Status returns a copy of the current status.
func (reconciler *Reconciler) Status() Status {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	return reconciler.status.clone()
}

// Supersede cancels the in-flight pass, if any. In-progress pod operations
// complete or fail; the pass then stops and the engine requeues with the
// new target.
func (reconciler *Reconciler) Supersede() {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	if reconciler.passCancel != nil {
		reconciler.passCancel()
	}
}

// MarkDegraded records that the retry budget for this deployment is spent.
// The loop keeps servicing other deployments; the next triggering event
// moves this one back to Reconciling.
func (reconciler *Reconciler) MarkDegraded(err error) {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	reconciler.status.Phase = PhaseDegraded
	reconciler.status.setCondition(ConditionDegraded, true, ReasonOperationFailure, err.Error())
}

// Reconcile runs a single pass: observe, diff, execute. It must not be
// called concurrently for the same reconciler; the engine's queue
// guarantees that.
func (reconciler *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	ctx, version, err := reconciler.beginPass(ctx)
	if err != nil {
		return Result{}, err
	}
	defer reconciler.endPass()

	defer internal.DebugTimer(ctx, fmt.Sprintf("reconcile %s", reconciler.name))()

	pods, err := reconciler.cluster.ListPods(ctx, map[string]string{cluster.LabelDeployment: reconciler.name})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list pods: %w", err)
	}

	entry, exists := reconciler.store.Get(reconciler.name)
	if exists && entry.Version != version {
		// A newer spec landed between trigger and pass: reconcile toward it.
		version = entry.Version
	}

	var (
		desired int
		step    rollout.Step
		current []cluster.Pod
	)
	if exists {
		desired = int(entry.Spec.Replicas)
		hash := entry.Spec.TemplateHash()
		var outdated []cluster.Pod
		current, outdated = diff.GroupByTemplate(pods, hash)
		step = rollout.PlanStep(desired, current, outdated, reconciler.opts.Rollout)
		reconciler.trackBlockage(rollout.Blocked(desired, current, outdated, step))
	} else {
		// Desired state removed: drain everything we own.
		step = rollout.Step(diff.Compute(0, pods))
	}

	reconciler.observe(version, desired, pods, current)

	if step.Empty() {
		return reconciler.settle(exists, desired, pods, current)
	}

	reconciler.setPhase(PhaseReconciling)
	reconciler.resetSettle()

	if err := reconciler.execute(ctx, entry.Spec.Template, entry.Spec.TemplateHash(), step); err != nil {
		return Result{}, err
	}

	// Level-triggered: run again immediately to observe the effect of this
	// step and plan the next one.
	return Result{Requeue: true}, nil
}

func (reconciler *Reconciler) execute(ctx context.Context, template spec.PodTemplate, hash string, step rollout.Step) error {
	for range step.Create {
		if _, err := reconciler.cluster.CreatePod(ctx, cluster.CreateOptions{
			Deployment:   reconciler.name,
			Template:     template,
			TemplateHash: hash,
		}); err != nil {
			return fmt.Errorf("failed to create pod: %w", err)
		}
	}

	for _, id := range step.Delete {
		if err := reconciler.cluster.DeletePod(ctx, id); err != nil {
			return fmt.Errorf("failed to delete pod: %w", err)
		}
	}

	return nil
}

// settle handles the empty-plan case: either confirm convergence after the
// debounce window and go Idle, or keep waiting on readiness.
func (reconciler *Reconciler) settle(exists bool, desired int, pods, current []cluster.Pod) (Result, error) {
	converged := !exists && len(pods) == 0 ||
		exists && len(pods) == len(current) && len(current) == desired && diff.CountReady(current) == desired

	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()

	if !converged {
		// Waiting on readiness or on a blocked rollout; observer events
		// drive the next pass.
		reconciler.settling = false
		reconciler.status.Phase = PhaseReconciling
		return Result{}, nil
	}

	reconciler.status.setCondition(ConditionAvailable, true, "", fmt.Sprintf("%d/%d replicas ready", desired, desired))
	reconciler.status.setCondition(ConditionRolloutStalled, false, "", "")
	reconciler.status.setCondition(ConditionDegraded, false, "", "")

	if reconciler.status.Phase == PhaseIdle {
		return Result{}, nil
	}

	if !reconciler.settling {
		// First empty pass: confirm after the debounce window.
		reconciler.settling = true
		return Result{After: reconciler.opts.Debounce}, nil
	}

	reconciler.settling = false
	reconciler.status.Phase = PhaseIdle
	return Result{}, nil
}

func (reconciler *Reconciler) beginPass(parent context.Context) (context.Context, int64, error) {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()

	if reconciler.inFlight {
		return nil, 0, fmt.Errorf("reconcile pass already in flight for %s", reconciler.name)
	}
	reconciler.inFlight = true
	reconciler.status.Passes++

	if reconciler.status.Phase == PhaseDegraded {
		reconciler.status.Phase = PhaseReconciling
	}

	ctx, cancel := context.WithCancel(parent)
	reconciler.passCancel = cancel

	var version int64
	if entry, ok := reconciler.store.Get(reconciler.name); ok {
		version = entry.Version
	}

	return ctx, version, nil
}

func (reconciler *Reconciler) endPass() {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	if reconciler.passCancel != nil {
		reconciler.passCancel()
		reconciler.passCancel = nil
	}
	reconciler.inFlight = false
}

func (reconciler *Reconciler) observe(version int64, desired int, pods, current []cluster.Pod) {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	reconciler.status.ObservedVersion = version
	reconciler.status.DesiredReplicas = desired
	reconciler.status.TotalPods = len(pods)
	reconciler.status.ReadyPods = diff.CountReady(pods)
	reconciler.status.UpdatedPods = len(current)
	if reconciler.status.ReadyPods < desired {
		reconciler.status.setCondition(ConditionAvailable, false, "", fmt.Sprintf("%d/%d replicas ready", reconciler.status.ReadyPods, desired))
	}
}

func (reconciler *Reconciler) setPhase(phase Phase) {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	reconciler.status.Phase = phase
}

func (reconciler *Reconciler) resetSettle() {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	reconciler.settling = false
}

// trackBlockage raises RolloutStalled once a rollout stays blocked past the
// readiness timeout. The condition persists until the rollout progresses;
// there is no automatic rollback.
func (reconciler *Reconciler) trackBlockage(blocked bool) {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()

	if !blocked {
		reconciler.blockedSince = time.Time{}
		return
	}

	if reconciler.blockedSince.IsZero() {
		reconciler.blockedSince = time.Now()
		return
	}

	if time.Since(reconciler.blockedSince) >= reconciler.opts.ReadinessTimeout {
		reconciler.status.setCondition(
			ConditionRolloutStalled,
			true,
			ReasonRolloutStalled,
			"new pods failed to become ready within the readiness timeout; old and new replica groups coexist until resolved",
		)
	}
}
