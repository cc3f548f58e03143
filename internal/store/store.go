// Package store holds the accepted desired state. It is the only writable
// copy; every other component reads immutable snapshots from it.
package store

import (
	"fmt"
	"sync"

	"github.com/quayside/convoy/internal/spec"
)

// Entry is one accepted deployment spec together with its version. Versions
// increase monotonically per deployment name; a re-apply of an identical
// spec keeps the current version.
type Entry struct {
	Spec    spec.DeploymentSpec
	Version int64
}

type Store struct {
	mu          sync.RWMutex
	entries     map[string]Entry
	subscribers []chan<- string
}

func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Subscribe registers a channel that receives the deployment name whenever
// its desired state changes. Notifications are best-effort: a full channel
// is skipped, subscribers are expected to resync periodically.
func (store *Store) Subscribe(ch chan<- string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.subscribers = append(store.subscribers, ch)
}

// Apply validates and stores a deployment spec, replacing any previous
// version entirely. Applying a spec equal to the current one is a no-op:
// the existing entry is returned and changed is false.
func (store *Store) Apply(deployment spec.DeploymentSpec) (entry Entry, changed bool, err error) {
	if err := deployment.Validate(); err != nil {
		return Entry{}, false, err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	current, ok := store.entries[deployment.Name]
	if ok && current.Spec.Equal(deployment) {
		return current, false, nil
	}

	entry = Entry{Spec: deployment, Version: current.Version + 1}
	store.entries[deployment.Name] = entry

	store.notify(deployment.Name)
	return entry, true, nil
}

// Get returns a snapshot of the deployment's desired state.
func (store *Store) Get(name string) (Entry, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	entry, ok := store.entries[name]
	return entry, ok
}

// Delete removes the deployment's desired state. The reconciliation loop
// treats a missing spec as replicas zero and tears the pods down.
func (store *Store) Delete(name string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.entries[name]; !ok {
		return fmt.Errorf("deployment %q: not found", name)
	}

	delete(store.entries, name)
	store.notify(name)
	return nil
}

// Names returns the deployment names currently held, in no particular order.
func (store *Store) Names() []string {
	store.mu.RLock()
	defer store.mu.RUnlock()

	names := make([]string, 0, len(store.entries))
	for name := range store.entries {
		names = append(names, name)
	}
	return names
}

// notify expects store.mu to be held.
func (store *Store) notify(name string) {
	for _, subscriber := range store.subscribers {
		select {
		case subscriber <- name:
		default:
		}
	}
}
