package spec

import (
	"errors"
	"fmt"
	"io"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	kyaml "k8s.io/apimachinery/pkg/util/yaml"
)

// ReadManifests decodes a stream of YAML or JSON documents into validated
// deployment specs. Only apps/v1 Deployment documents are accepted; anything
// else is rejected before acceptance, as are documents failing validation.
func ReadManifests(r io.Reader) ([]DeploymentSpec, error) {
	decoder := kyaml.NewYAMLOrJSONDecoder(r, 4096)

	var specs []DeploymentSpec
	for i := 0; ; i++ {
		var manifest appsv1.Deployment
		if err := decoder.Decode(&manifest); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode manifest document %d: %w", i, err)
		}

		// Empty documents are legal in multi-doc YAML streams.
		if manifest.Kind == "" && manifest.Name == "" {
			continue
		}

		deployment, err := FromManifest(&manifest)
		if err != nil {
			return nil, fmt.Errorf("manifest document %d: %w", i, err)
		}

		specs = append(specs, deployment)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no deployment manifests found in input")
	}

	return specs, nil
}

// FromManifest converts an apps/v1 Deployment into the internal spec model
// and validates it.
func FromManifest(manifest *appsv1.Deployment) (DeploymentSpec, error) {
	if kind := manifest.Kind; kind != "" && kind != "Deployment" {
		return DeploymentSpec{}, fmt.Errorf("unsupported manifest kind %q: only Deployment is supported", kind)
	}

	if selector := manifest.Spec.Selector; selector != nil && len(selector.MatchExpressions) > 0 {
		return DeploymentSpec{}, fmt.Errorf("selector matchExpressions are not supported: use matchLabels")
	}

	deployment := DeploymentSpec{
		Name:     manifest.Name,
		Labels:   manifest.Labels,
		Replicas: 1,
		Template: PodTemplate{Labels: manifest.Spec.Template.Labels},
	}

	if manifest.Spec.Replicas != nil {
		deployment.Replicas = *manifest.Spec.Replicas
	}
	if manifest.Spec.Selector != nil {
		deployment.Selector = manifest.Spec.Selector.MatchLabels
	}

	for _, container := range manifest.Spec.Template.Spec.Containers {
		deployment.Template.Containers = append(deployment.Template.Containers, convertContainer(container))
	}

	if err := deployment.Validate(); err != nil {
		return DeploymentSpec{}, err
	}

	return deployment, nil
}

func convertContainer(container corev1.Container) ContainerSpec {
	converted := ContainerSpec{
		Name:  container.Name,
		Image: container.Image,
	}
	for _, port := range container.Ports {
		protocol := Protocol(port.Protocol)
		if protocol == "" {
			protocol = ProtocolTCP
		}
		converted.Ports = append(converted.Ports, PortSpec{
			Name:          port.Name,
			ContainerPort: port.ContainerPort,
			Protocol:      protocol,
		})
	}
	return converted
}
