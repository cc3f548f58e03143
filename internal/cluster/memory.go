package cluster

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/labels"
)

// Memory is an in-memory cluster. Resource versions are a monotonic counter;
// every mutation is appended to an event log so that interrupted watches can
// resume without losing events. Pods become ready after ReadyDelay unless a
// test takes manual control through SetPodReady.
type Memory struct {
	mu       sync.Mutex
	pods     map[PodID]Pod
	log      []Event
	rv       int64
	watchers map[int]chan Event
	nextID   int

	// ReadyDelay is how long after creation a pod reports ready. Zero means
	// ready immediately on creation. Negative disables automatic readiness.
	ReadyDelay time.Duration

	failCreates int
}

func NewMemory() *Memory {
	return &Memory{
		pods:     make(map[PodID]Pod),
		watchers: make(map[int]chan Event),
	}
}

// FailNextCreates makes the next n create calls fail. Used to exercise the
// engine's retry and degradation paths.
func (memory *Memory) FailNextCreates(n int) {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	memory.failCreates = n
}

func (memory *Memory) CreatePod(ctx context.Context, opts CreateOptions) (Pod, error) {
	if err := ctx.Err(); err != nil {
		return Pod{}, err
	}

	memory.mu.Lock()

	if memory.failCreates > 0 {
		memory.failCreates--
		memory.mu.Unlock()
		return Pod{}, fmt.Errorf("create pod: injected failure")
	}

	podLabels := make(map[string]string, len(opts.Template.Labels)+3)
	for key, value := range opts.Template.Labels {
		podLabels[key] = value
	}
	podLabels[LabelManagedBy] = ManagerName
	podLabels[LabelDeployment] = opts.Deployment
	podLabels[LabelTemplateHash] = opts.TemplateHash

	id := PodID(uuid.NewString())

	pod := Pod{
		ID:           id,
		Name:         fmt.Sprintf("%s-%s-%s", opts.Deployment, opts.TemplateHash, string(id)[:8]),
		Labels:       podLabels,
		TemplateHash: opts.TemplateHash,
		Ready:        memory.ReadyDelay == 0,
		CreatedAt:    time.Now(),
	}
	pod.ResourceVersion = memory.nextRV()
	memory.pods[id] = pod

	memory.broadcast(Event{Type: EventAdded, Pod: pod})
	memory.mu.Unlock()

	if memory.ReadyDelay > 0 {
		time.AfterFunc(memory.ReadyDelay, func() { memory.SetPodReady(id, true) })
	}

	return pod, nil
}

func (memory *Memory) DeletePod(ctx context.Context, id PodID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	memory.mu.Lock()
	defer memory.mu.Unlock()

	pod, ok := memory.pods[id]
	if !ok {
		return fmt.Errorf("delete pod %s: not found", id)
	}

	delete(memory.pods, id)
	pod.ResourceVersion = memory.nextRV()
	memory.broadcast(Event{Type: EventDeleted, Pod: pod})

	return nil
}

// SetPodReady flips a pod's readiness and emits a modification event.
// Unknown ids are ignored so that delayed readiness timers racing a delete
// stay harmless.
func (memory *Memory) SetPodReady(id PodID, ready bool) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	pod, ok := memory.pods[id]
	if !ok || pod.Ready == ready {
		return
	}

	pod.Ready = ready
	pod.ResourceVersion = memory.nextRV()
	memory.pods[id] = pod
	memory.broadcast(Event{Type: EventModified, Pod: pod})
}

func (memory *Memory) ListPods(ctx context.Context, selector map[string]string) ([]Pod, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	memory.mu.Lock()
	defer memory.mu.Unlock()

	matcher := labels.SelectorFromSet(selector)

	var pods []Pod
	for _, pod := range memory.pods {
		if matcher.Matches(labels.Set(pod.Labels)) {
			pods = append(pods, pod)
		}
	}
	return pods, nil
}

func (memory *Memory) Watch(ctx context.Context, opts WatchOptions) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	memory.mu.Lock()

	matcher := labels.SelectorFromSet(opts.Selector)

	var backlog []Event
	if opts.ResumeFrom != "" {
		resume, err := strconv.ParseInt(opts.ResumeFrom, 10, 64)
		if err != nil {
			memory.mu.Unlock()
			return nil, fmt.Errorf("invalid resume resource version %q: %w", opts.ResumeFrom, err)
		}
		for _, event := range memory.log {
			rv, _ := strconv.ParseInt(event.Pod.ResourceVersion, 10, 64)
			if rv > resume && matcher.Matches(labels.Set(event.Pod.Labels)) {
				backlog = append(backlog, event)
			}
		}
	}

	id := memory.nextID
	memory.nextID++

	feed := make(chan Event, 256)
	memory.watchers[id] = feed
	memory.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer func() {
			memory.mu.Lock()
			delete(memory.watchers, id)
			memory.mu.Unlock()
			close(out)
		}()

		for _, event := range backlog {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case event := <-feed:
				if !matcher.Matches(labels.Set(event.Pod.Labels)) {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// nextRV and broadcast expect memory.mu to be held.
func (memory *Memory) nextRV() string {
	memory.rv++
	return strconv.FormatInt(memory.rv, 10)
}

func (memory *Memory) broadcast(event Event) {
	memory.log = append(memory.log, event)
	for _, watcher := range memory.watchers {
		select {
		case watcher <- event:
		default:
			// Slow watcher: it will recover by resuming from its last
			// observed resource version.
		}
	}
}
