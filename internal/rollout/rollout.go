// Package rollout plans the transition between pod template revisions.
// Plans respect the classic rolling-update bounds: total pods never exceed
// replicas+surge and ready pods never drop below replicas-unavailable.
package rollout

import (
	"github.com/quayside/convoy/internal/cluster"
	"github.com/quayside/convoy/internal/diff"
)

// Policy bounds a rolling update.
type Policy struct {
	MaxSurge       int
	MaxUnavailable int
}

// Step is one bounded move toward the new template: create up-to-date
// replicas and retire outdated ones. The reconciliation loop executes a
// step, observes, and asks for the next one.
type Step struct {
	Create int
	Delete []cluster.PodID
}

func (step Step) Empty() bool {
	return step.Create == 0 && len(step.Delete) == 0
}

// PlanStep computes the next bounded step of a rolling update given the
// desired replica count, the pods matching the current template hash, and
// the outdated remainder.
//
// Invariants upheld:
//   - len(current) + len(outdated) + Create <= desired + MaxSurge
//   - ready pods after applying Delete >= desired - MaxUnavailable
//
// Unready outdated pods are always deletable: removing them cannot lower the
// ready count.
func PlanStep(desired int, current, outdated []cluster.Pod, policy Policy) Step {
	if len(outdated) == 0 {
		// No template transition in progress: plain replica reconciliation.
		plan := diff.Compute(desired, current)
		return Step(plan)
	}

	var step Step

	total := len(current) + len(outdated)
	if missing := desired - len(current); missing > 0 {
		if headroom := desired + policy.MaxSurge - total; headroom < missing {
			missing = headroom
		}
		if missing > 0 {
			step.Create = missing
		}
	}

	readyFloor := desired - policy.MaxUnavailable
	if readyFloor < 0 {
		readyFloor = 0
	}

	readyTotal := diff.CountReady(current) + diff.CountReady(outdated)

	var unreadyOutdated, readyOutdated []cluster.Pod
	for _, pod := range outdated {
		if pod.Ready {
			readyOutdated = append(readyOutdated, pod)
		} else {
			unreadyOutdated = append(unreadyOutdated, pod)
		}
	}

	step.Delete = append(step.Delete, diff.Victims(unreadyOutdated, len(unreadyOutdated))...)

	if budget := readyTotal - readyFloor; budget > 0 {
		step.Delete = append(step.Delete, diff.Victims(readyOutdated, budget)...)
	}

	return step
}

// Blocked reports whether a template transition cannot progress without a
// readiness change: outdated pods remain, yet the availability bounds allow
// neither creates nor deletes. The reconciliation loop turns a persistently
// blocked transition into a RolloutStalled condition once its readiness
// budget is spent.
func Blocked(desired int, current, outdated []cluster.Pod, step Step) bool {
	if len(outdated) == 0 {
		return false
	}
	if step.Create > 0 || len(step.Delete) > 0 {
		return false
	}
	return diff.CountReady(current) < len(current) || len(current) < desired
}
