package reconcile

import (
	"slices"
	"time"
)

// Phase is the coarse state of a deployment's reconciliation loop.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseReconciling Phase = "Reconciling"
	PhaseDegraded    Phase = "Degraded"
)

// Condition types surfaced on deployment status.
const (
	ConditionAvailable      = "Available"
	ConditionDegraded       = "Degraded"
	ConditionRolloutStalled = "RolloutStalled"
)

// Condition reasons.
const (
	ReasonOperationFailure = "OperationFailure"
	ReasonRolloutStalled   = "RolloutStalled"
)

type Condition struct {
	Type           string    `json:"type"`
	Active         bool      `json:"active"`
	Reason         string    `json:"reason,omitempty"`
	Message        string    `json:"message,omitempty"`
	LastTransition time.Time `json:"lastTransition"`
}

// Status is a point-in-time view of a deployment's reconciliation. Passes
// increases monotonically and passes never overlap for a given deployment.
type Status struct {
	Deployment      string      `json:"deployment"`
	Phase           Phase       `json:"phase"`
	ObservedVersion int64       `json:"observedVersion"`
	DesiredReplicas int         `json:"desiredReplicas"`
	TotalPods       int         `json:"totalPods"`
	ReadyPods       int         `json:"readyPods"`
	UpdatedPods     int         `json:"updatedPods"`
	Passes          int64       `json:"passes"`
	Conditions      []Condition `json:"conditions,omitempty"`
}

// Condition returns the condition of the given type, if set.
func (status Status) Condition(kind string) (Condition, bool) {
	idx := slices.IndexFunc(status.Conditions, func(condition Condition) bool { return condition.Type == kind })
	if idx == -1 {
		return Condition{}, false
	}
	return status.Conditions[idx], true
}

// setCondition updates a condition in place, refreshing the transition time
// only when the active flag flips.
func (status *Status) setCondition(kind string, active bool, reason, message string) {
	idx := slices.IndexFunc(status.Conditions, func(condition Condition) bool { return condition.Type == kind })
	if idx == -1 {
		status.Conditions = append(status.Conditions, Condition{
			Type:           kind,
			Active:         active,
			Reason:         reason,
			Message:        message,
			LastTransition: time.Now(),
		})
		return
	}

	condition := &status.Conditions[idx]
	if condition.Active != active {
		condition.LastTransition = time.Now()
	}
	condition.Active = active
	condition.Reason = reason
	condition.Message = message
}

func (status Status) clone() Status {
	status.Conditions = slices.Clone(status.Conditions)
	return status
}
