package convoy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quayside/convoy/internal/cluster"
	"github.com/quayside/convoy/internal/reconcile"
	"github.com/quayside/convoy/internal/spec"
)

func webSpec(replicas int32, image string) spec.DeploymentSpec {
	return spec.DeploymentSpec{
		Name:     "web",
		Replicas: replicas,
		Selector: map[string]string{"app": "web"},
		Template: spec.PodTemplate{
			Labels: map[string]string{"app": "web"},
			Containers: []spec.ContainerSpec{
				{Name: "web", Image: image},
			},
		},
	}
}

func testOptions() Options {
	return Options{
		Workers:     2,
		Resync:      50 * time.Millisecond,
		RetryBudget: 2,
		Debounce:    5 * time.Millisecond,
		BackoffBase: time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
		MaxSurge:    1,
	}
}

func startEngine(t *testing.T, memory *cluster.Memory) *Engine {
	t.Helper()
	return startEngineWith(t, memory, testOptions())
}

func startEngineWith(t *testing.T, memory *cluster.Memory, opts Options) *Engine {
	t.Helper()

	engine := New(memory, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not shut down")
		}
	})

	return engine
}

func podCount(t *testing.T, memory *cluster.Memory, name string) int {
	t.Helper()
	pods, err := memory.ListPods(context.Background(), map[string]string{cluster.LabelDeployment: name})
	require.NoError(t, err)
	return len(pods)
}

func TestEngineConvergesToDesiredState(t *testing.T) {
	memory := cluster.NewMemory()
	engine := startEngine(t, memory)

	version, err := engine.Apply(webSpec(2, "registry.example.com/web:v1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	require.Eventually(t, func() bool {
		status, ok := engine.Status("web")
		return ok && status.Phase == reconcile.PhaseIdle && status.ReadyPods == 2
	}, 5*time.Second, 10*time.Millisecond, "deployment must converge and go idle")

	require.Equal(t, 2, podCount(t, memory, "web"))
}

func TestEngineRejectsInvalidSpec(t *testing.T) {
	memory := cluster.NewMemory()
	engine := startEngine(t, memory)

	invalid := webSpec(2, "registry.example.com/web:v1")
	invalid.Template.Containers[0].Ports = []spec.PortSpec{{ContainerPort: 70000}}

	_, err := engine.Apply(invalid)
	require.Error(t, err)
	require.True(t, spec.IsValidationError(err))

	// The rejection left no trace: nothing stored, nothing scheduled.
	_, ok := engine.Status("web")
	require.False(t, ok)
	require.Zero(t, podCount(t, memory, "web"))
}

func TestEngineApplyIsIdempotent(t *testing.T) {
	memory := cluster.NewMemory()
	engine := startEngine(t, memory)

	first, err := engine.Apply(webSpec(2, "registry.example.com/web:v1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Status("web")
		return ok && status.Phase == reconcile.PhaseIdle
	}, 5*time.Second, 10*time.Millisecond)

	before, err := memory.ListPods(context.Background(), map[string]string{cluster.LabelDeployment: "web"})
	require.NoError(t, err)

	second, err := engine.Apply(webSpec(2, "registry.example.com/web:v1"))
	require.NoError(t, err)
	require.Equal(t, first, second, "identical spec keeps its version")

	// Give the engine a resync cycle to prove it leaves the pods alone.
	time.Sleep(150 * time.Millisecond)

	after, err := memory.ListPods(context.Background(), map[string]string{cluster.LabelDeployment: "web"})
	require.NoError(t, err)

	ids := func(pods []cluster.Pod) []cluster.PodID {
		out := make([]cluster.PodID, len(pods))
		for i, pod := range pods {
			out[i] = pod.ID
		}
		return out
	}
	require.ElementsMatch(t, ids(before), ids(after))
}

func TestEngineRollingUpdate(t *testing.T) {
	memory := cluster.NewMemory()
	engine := startEngine(t, memory)

	_, err := engine.Apply(webSpec(2, "registry.example.com/web:v1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Status("web")
		return ok && status.Phase == reconcile.PhaseIdle
	}, 5*time.Second, 10*time.Millisecond)

	updated := webSpec(2, "registry.example.com/web:v2")
	version, err := engine.Apply(updated)
	require.NoError(t, err)
	require.Equal(t, int64(2), version)

	require.Eventually(t, func() bool {
		status, ok := engine.Status("web")
		return ok && status.Phase == reconcile.PhaseIdle && status.UpdatedPods == 2 && status.TotalPods == 2
	}, 5*time.Second, 10*time.Millisecond, "rollout must complete")

	pods, err := memory.ListPods(context.Background(), map[string]string{cluster.LabelDeployment: "web"})
	require.NoError(t, err)
	require.Len(t, pods, 2)
	for _, pod := range pods {
		require.Equal(t, updated.TemplateHash(), pod.TemplateHash)
	}
}

func TestEngineDeleteDrainsPods(t *testing.T) {
	memory := cluster.NewMemory()
	engine := startEngine(t, memory)

	_, err := engine.Apply(webSpec(2, "registry.example.com/web:v1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return podCount(t, memory, "web") == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.Delete("web"))

	require.Eventually(t, func() bool {
		return podCount(t, memory, "web") == 0
	}, 5*time.Second, 10*time.Millisecond, "pods must drain after delete")

	require.Error(t, engine.Delete("web"), "deleting twice reports not found")
}

func TestEngineReapplyAfterDeleteRestartsObserver(t *testing.T) {
	memory := cluster.NewMemory()
	memory.ReadyDelay = 50 * time.Millisecond

	// With resync effectively disabled, convergence must come from observed
	// readiness events alone.
	opts := testOptions()
	opts.Resync = time.Hour

	engine := startEngineWith(t, memory, opts)

	eventuallyReady := func(msg string) {
		require.Eventually(t, func() bool {
			status, ok := engine.Status("web")
			return ok && status.Phase == reconcile.PhaseIdle && status.ReadyPods == 1
		}, 5*time.Second, 10*time.Millisecond, msg)
	}

	_, err := engine.Apply(webSpec(1, "registry.example.com/web:v1"))
	require.NoError(t, err)
	eventuallyReady("initial apply must converge from readiness events")

	require.NoError(t, engine.Delete("web"))

	_, err = engine.Apply(webSpec(1, "registry.example.com/web:v1"))
	require.NoError(t, err)

	engine.mu.Lock()
	_, observing := engine.observers["web"]
	engine.mu.Unlock()
	require.True(t, observing, "re-apply must bring the observer back")

	eventuallyReady("re-applied deployment must converge without a resync tick")
}

func TestEngineRetiresDeletedDeployments(t *testing.T) {
	memory := cluster.NewMemory()
	engine := startEngine(t, memory)

	_, err := engine.Apply(webSpec(2, "registry.example.com/web:v1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Status("web")
		return ok && status.Phase == reconcile.PhaseIdle
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.Delete("web"))

	require.Eventually(t, func() bool {
		_, ok := engine.Status("web")
		return !ok && len(engine.Statuses()) == 0
	}, 5*time.Second, 10*time.Millisecond, "drained deployment must drop out of status reporting")

	require.Zero(t, podCount(t, memory, "web"))
}

func TestEngineDegradesAfterRetryBudget(t *testing.T) {
	memory := cluster.NewMemory()
	memory.FailNextCreates(3)

	engine := startEngine(t, memory)

	_, err := engine.Apply(webSpec(1, "registry.example.com/web:v1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Status("web")
		return ok && status.Phase == reconcile.PhaseDegraded
	}, 5*time.Second, 10*time.Millisecond, "retry budget exhaustion must degrade the deployment")

	// The fault is bounded: the resync tick retriggers with a fresh budget
	// and the deployment recovers on its own.
	require.Eventually(t, func() bool {
		status, ok := engine.Status("web")
		return ok && status.Phase == reconcile.PhaseIdle && status.ReadyPods == 1
	}, 5*time.Second, 10*time.Millisecond, "degraded deployment must recover once the backend heals")
}

func TestEngineIsolatesDeployments(t *testing.T) {
	memory := cluster.NewMemory()
	engine := startEngine(t, memory)

	_, err := engine.Apply(webSpec(1, "registry.example.com/web:v1"))
	require.NoError(t, err)

	api := webSpec(1, "registry.example.com/api:v1")
	api.Name = "api"
	api.Selector = map[string]string{"app": "api"}
	api.Template.Labels = map[string]string{"app": "api"}
	api.Template.Containers[0].Name = "api"

	_, err = engine.Apply(api)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		web, okWeb := engine.Status("web")
		other, okAPI := engine.Status("api")
		return okWeb && okAPI && web.Phase == reconcile.PhaseIdle && other.Phase == reconcile.PhaseIdle
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, podCount(t, memory, "web"))
	require.Equal(t, 1, podCount(t, memory, "api"))

	statuses := engine.Statuses()
	require.Len(t, statuses, 2)
}
