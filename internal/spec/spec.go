package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/davidmdm/x/xerr"
	"k8s.io/apimachinery/pkg/labels"
)

// Protocol is the transport protocol exposed by a container port.
type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

type PortSpec struct {
	Name          string   `json:"name"`
	ContainerPort int32    `json:"containerPort"`
	Protocol      Protocol `json:"protocol"`
}

type ContainerSpec struct {
	Name  string     `json:"name"`
	Image string     `json:"image"`
	Ports []PortSpec `json:"ports,omitempty"`
}

type PodTemplate struct {
	Labels     map[string]string `json:"labels"`
	Containers []ContainerSpec   `json:"containers"`
}

// DeploymentSpec is the desired state for a set of identical pod replicas.
// It is immutable once accepted: a new apply replaces the previous spec
// entirely, there is no partial mutation.
type DeploymentSpec struct {
	Name     string            `json:"name"`
	Labels   map[string]string `json:"labels,omitempty"`
	Replicas int32             `json:"replicas"`
	Selector map[string]string `json:"selector"`
	Template PodTemplate       `json:"template"`
}

// ValidationError reports a single offending field. Specs are rejected at
// the boundary; nothing downstream ever sees an invalid spec.
type ValidationError struct {
	Field  string
	Detail string
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", err.Field, err.Detail)
}

func IsValidationError(err error) bool {
	var validation ValidationError
	return errors.As(err, &validation)
}

// Validate checks the spec against the schema rules and returns an error
// aggregating every offending field, or nil.
func (deployment DeploymentSpec) Validate() error {
	var errs []error

	fail := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)})
	}

	if deployment.Name == "" {
		fail("name", "is required")
	}
	if deployment.Replicas < 0 {
		fail("replicas", "must not be negative: %d", deployment.Replicas)
	}
	if len(deployment.Selector) == 0 {
		fail("selector", "is required")
	}

	for key, value := range deployment.Selector {
		if deployment.Template.Labels[key] != value {
			fail("selector", "label %q=%q is not present on the pod template", key, value)
		}
	}

	if len(deployment.Template.Containers) == 0 {
		fail("template.containers", "at least one container is required")
	}

	containerNames := make(map[string]struct{}, len(deployment.Template.Containers))
	for i, container := range deployment.Template.Containers {
		field := fmt.Sprintf("template.containers[%d]", i)

		if container.Name == "" {
			fail(field+".name", "is required")
		} else if _, ok := containerNames[container.Name]; ok {
			fail(field+".name", "duplicate container name %q", container.Name)
		}
		containerNames[container.Name] = struct{}{}

		if container.Image == "" {
			fail(field+".image", "is required")
		}

		portNames := make(map[string]struct{}, len(container.Ports))
		for j, port := range container.Ports {
			portField := fmt.Sprintf("%s.ports[%d]", field, j)

			if port.ContainerPort < 1 || port.ContainerPort > 65535 {
				fail(portField+".containerPort", "must be between 1 and 65535: %d", port.ContainerPort)
			}
			if port.Protocol != ProtocolTCP && port.Protocol != ProtocolUDP {
				fail(portField+".protocol", "must be TCP or UDP: %q", port.Protocol)
			}
			if port.Name != "" {
				if _, ok := portNames[port.Name]; ok {
					fail(portField+".name", "duplicate port name %q", port.Name)
				}
				portNames[port.Name] = struct{}{}
			}
		}
	}

	return xerr.MultiErrOrderedFrom("invalid deployment spec", errs...)
}

// MatchesSelector reports whether the given pod labels satisfy the
// deployment's selector.
func (deployment DeploymentSpec) MatchesSelector(podLabels map[string]string) bool {
	return labels.SelectorFromSet(deployment.Selector).Matches(labels.Set(podLabels))
}

// TemplateHash is a stable identifier for the pod template. Pods carry it as
// a label so that the rollout controller can tell current from outdated
// replicas across engine restarts.
func (deployment DeploymentSpec) TemplateHash() string {
	data, _ := json.Marshal(deployment.Template)
	hasher := fnv.New32a()
	hasher.Write(data)
	return fmt.Sprintf("%08x", hasher.Sum32())
}

// Equal reports whether two specs declare the same desired state.
func (deployment DeploymentSpec) Equal(other DeploymentSpec) bool {
	a, _ := json.Marshal(deployment)
	b, _ := json.Marshal(other)
	return string(a) == string(b)
}
