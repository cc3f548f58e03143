// Package observer turns the cluster's watch primitive into a resilient
// event stream: on interruption it reconnects and resumes from the last
// observed resource version, so no processed event is lost (at-least-once).
package observer

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/quayside/convoy/internal/cluster"
)

// ErrInterrupted signals that the connection to the state source was lost.
// The observer recovers on its own; the error is surfaced so callers can
// account for the gap.
var ErrInterrupted = errors.New("observation interrupted")

// Notification is either a pod event or an interruption marker.
type Notification struct {
	Event cluster.Event
	Err   error
}

type Observer struct {
	cluster  cluster.Cluster
	selector map[string]string
	lastRV   string
}

func New(source cluster.Cluster, selector map[string]string) *Observer {
	return &Observer{cluster: source, selector: selector}
}

var reconnectBackoff = wait.Backoff{
	Duration: 100 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    6,
	Cap:      5 * time.Second,
}

// Observe streams notifications until the context is cancelled. The stream
// is read-only with respect to the cluster and continuously suspending; it
// never polls.
func (observer *Observer) Observe(ctx context.Context) <-chan Notification {
	out := make(chan Notification)

	go func() {
		defer close(out)

		backoff := reconnectBackoff

		for {
			events, err := observer.cluster.Watch(ctx, cluster.WatchOptions{
				Selector:   observer.selector,
				ResumeFrom: observer.lastRV,
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !observer.interrupt(ctx, out, err, &backoff) {
					return
				}
				continue
			}

			backoff = reconnectBackoff

			if !observer.drain(ctx, events, out) {
				return
			}
			if ctx.Err() != nil {
				return
			}

			// The stream closed without cancellation: treat as interruption
			// and resume from the last observed resource version.
			if !observer.interrupt(ctx, out, nil, &backoff) {
				return
			}
		}
	}()

	return out
}

// drain forwards events until the stream closes. Returns false when the
// context ended.
func (observer *Observer) drain(ctx context.Context, events <-chan cluster.Event, out chan<- Notification) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return true
			}
			if rv := event.Pod.ResourceVersion; rv != "" {
				observer.lastRV = rv
			}
			select {
			case out <- Notification{Event: event}:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// interrupt emits the interruption marker and sleeps the backoff. Returns
// false when the context ended.
func (observer *Observer) interrupt(ctx context.Context, out chan<- Notification, cause error, backoff *wait.Backoff) bool {
	err := ErrInterrupted
	if cause != nil {
		err = errors.Join(ErrInterrupted, cause)
	}

	select {
	case out <- Notification{Err: err}:
	case <-ctx.Done():
		return false
	}

	select {
	case <-time.After(backoff.Step()):
		return true
	case <-ctx.Done():
		return false
	}
}
