package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quayside/convoy/internal/cluster"
)

// scriptedCluster hands out pre-programmed watch streams and records the
// resume point of every attempt.
type scriptedCluster struct {
	mu       sync.Mutex
	attempts []string
	streams  []func(ctx context.Context, out chan<- cluster.Event)
	failures []error
}

func (scripted *scriptedCluster) Watch(ctx context.Context, opts cluster.WatchOptions) (<-chan cluster.Event, error) {
	scripted.mu.Lock()
	defer scripted.mu.Unlock()

	scripted.attempts = append(scripted.attempts, opts.ResumeFrom)

	if len(scripted.failures) > 0 {
		err := scripted.failures[0]
		scripted.failures = scripted.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	if len(scripted.streams) == 0 {
		out := make(chan cluster.Event)
		go func() { <-ctx.Done(); close(out) }()
		return out, nil
	}

	stream := scripted.streams[0]
	scripted.streams = scripted.streams[1:]

	out := make(chan cluster.Event)
	go func() {
		defer close(out)
		stream(ctx, out)
	}()
	return out, nil
}

func (scripted *scriptedCluster) resumePoints() []string {
	scripted.mu.Lock()
	defer scripted.mu.Unlock()
	return append([]string(nil), scripted.attempts...)
}

func (*scriptedCluster) CreatePod(context.Context, cluster.CreateOptions) (cluster.Pod, error) {
	panic("not used")
}
func (*scriptedCluster) DeletePod(context.Context, cluster.PodID) error { panic("not used") }
func (*scriptedCluster) ListPods(context.Context, map[string]string) ([]cluster.Pod, error) {
	panic("not used")
}

func event(id, rv string) cluster.Event {
	return cluster.Event{
		Type: cluster.EventAdded,
		Pod:  cluster.Pod{ID: cluster.PodID(id), ResourceVersion: rv},
	}
}

func emit(events ...cluster.Event) func(ctx context.Context, out chan<- cluster.Event) {
	return func(ctx context.Context, out chan<- cluster.Event) {
		for _, item := range events {
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

func TestObserveResumesAfterInterruption(t *testing.T) {
	scripted := &scriptedCluster{
		streams: []func(ctx context.Context, out chan<- cluster.Event){
			emit(event("a", "1"), event("b", "2")),
			emit(event("c", "3")),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications := New(scripted, map[string]string{"app": "web"}).Observe(ctx)

	require.Equal(t, cluster.PodID("a"), next(t, notifications).Event.Pod.ID)
	require.Equal(t, cluster.PodID("b"), next(t, notifications).Event.Pod.ID)

	// First stream closes: an interruption marker precedes the resumed feed.
	interruption := next(t, notifications)
	require.ErrorIs(t, interruption.Err, ErrInterrupted)

	require.Equal(t, cluster.PodID("c"), next(t, notifications).Event.Pod.ID)

	// The second attempt resumed from the last observed resource version.
	points := scripted.resumePoints()
	require.GreaterOrEqual(t, len(points), 2)
	require.Equal(t, "", points[0])
	require.Equal(t, "2", points[1])
}

func TestObserveSurfacesWatchErrors(t *testing.T) {
	cause := errors.New("connection refused")
	scripted := &scriptedCluster{
		failures: []error{cause},
		streams: []func(ctx context.Context, out chan<- cluster.Event){
			emit(event("a", "1")),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications := New(scripted, nil).Observe(ctx)

	interruption := next(t, notifications)
	require.ErrorIs(t, interruption.Err, ErrInterrupted)
	require.ErrorIs(t, interruption.Err, cause)

	require.Equal(t, cluster.PodID("a"), next(t, notifications).Event.Pod.ID)
}

func TestObserveStopsOnCancel(t *testing.T) {
	scripted := &scriptedCluster{}

	ctx, cancel := context.WithCancel(context.Background())
	notifications := New(scripted, nil).Observe(ctx)

	cancel()

	select {
	case _, open := <-notifications:
		require.False(t, open, "stream must close on cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close on cancellation")
	}
}

func next(t *testing.T, notifications <-chan Notification) Notification {
	t.Helper()
	select {
	case notification := <-notifications:
		return notification
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}
