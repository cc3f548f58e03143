// Package diff computes the delta between desired replica counts and the
// observed pod set. It is purely functional; executing the plan is the
// reconciliation loop's job.
package diff

import (
	"slices"

	"github.com/quayside/convoy/internal/cluster"
)

// Plan is the work needed to move the actual pod set to the desired count.
// An empty plan means the sets converged.
type Plan struct {
	Create int
	Delete []cluster.PodID
}

func (plan Plan) Empty() bool {
	return plan.Create == 0 && len(plan.Delete) == 0
}

// Compute returns the plan for a single replica group. When scaling down it
// removes unready pods first, then the oldest among ready pods, minimizing
// disruption to serving replicas.
func Compute(desired int, pods []cluster.Pod) Plan {
	if excess := len(pods) - desired; excess > 0 {
		victims := slices.Clone(pods)
		sortVictims(victims)
		plan := Plan{Delete: make([]cluster.PodID, excess)}
		for i := range excess {
			plan.Delete[i] = victims[i].ID
		}
		return plan
	}

	return Plan{Create: desired - len(pods)}
}

// sortVictims orders pods by deletion preference: unready before ready,
// then oldest first.
func sortVictims(pods []cluster.Pod) {
	slices.SortStableFunc(pods, func(a, b cluster.Pod) int {
		if a.Ready != b.Ready {
			if a.Ready {
				return 1
			}
			return -1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// Victims returns up to limit pods from the group in deletion-preference
// order. The rollout controller uses it to pick which outdated pods to
// retire within availability bounds.
func Victims(pods []cluster.Pod, limit int) []cluster.PodID {
	if limit <= 0 || len(pods) == 0 {
		return nil
	}
	victims := slices.Clone(pods)
	sortVictims(victims)
	if limit > len(victims) {
		limit = len(victims)
	}
	ids := make([]cluster.PodID, limit)
	for i := range limit {
		ids[i] = victims[i].ID
	}
	return ids
}

// GroupByTemplate splits pods into those matching the current template hash
// and the outdated remainder.
func GroupByTemplate(pods []cluster.Pod, hash string) (current, outdated []cluster.Pod) {
	for _, pod := range pods {
		if pod.TemplateHash == hash {
			current = append(current, pod)
		} else {
			outdated = append(outdated, pod)
		}
	}
	return current, outdated
}

// CountReady returns how many of the given pods report ready.
func CountReady(pods []cluster.Pod) int {
	var ready int
	for _, pod := range pods {
		if pod.Ready {
			ready++
		}
	}
	return ready
}
