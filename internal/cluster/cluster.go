// Package cluster abstracts the pod backend the engine reconciles against.
// Two implementations exist: an in-memory cluster used by tests and local
// simulation, and a Kubernetes-backed cluster that manages real pods.
package cluster

import (
	"context"
	"time"

	"github.com/quayside/convoy/internal/spec"
)

// Labels stamped on every pod the engine manages.
const (
	LabelManagedBy    = "app.kubernetes.io/managed-by"
	LabelDeployment   = "convoy.dev/deployment"
	LabelTemplateHash = "convoy.dev/template-hash"

	ManagerName = "convoy"
)

// PodID uniquely identifies a pod instance within the cluster.
type PodID string

type Pod struct {
	ID              PodID
	Name            string
	Labels          map[string]string
	TemplateHash    string
	Ready           bool
	CreatedAt       time.Time
	ResourceVersion string
}

type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// Event is a single pod state change. ResourceVersion orders events and is
// the resume point for interrupted watches.
type Event struct {
	Type EventType
	Pod  Pod
}

// CreateOptions carries everything the backend needs to materialize one
// replica of a pod template.
type CreateOptions struct {
	Deployment   string
	Template     spec.PodTemplate
	TemplateHash string
}

// WatchOptions scope a watch stream. ResumeFrom, when non-empty, replays
// events after the given resource version rather than starting from now.
type WatchOptions struct {
	Selector   map[string]string
	ResumeFrom string
}

// Cluster is the engine's view of the pod backend. All operations are
// context-bound; the backend owns its own concurrency control and exposes
// optimistic ordering through resource versions.
type Cluster interface {
	CreatePod(ctx context.Context, opts CreateOptions) (Pod, error)
	DeletePod(ctx context.Context, id PodID) error
	ListPods(ctx context.Context, selector map[string]string) ([]Pod, error)
	Watch(ctx context.Context, opts WatchOptions) (<-chan Event, error)
}
