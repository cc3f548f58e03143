package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"

	"github.com/quayside/convoy/internal/spec"
)

const (
	LabelKind = "convoy.dev/kind"
	KeySpec   = "spec"
)

func specConfigName(deployment string) string { return "convoy-spec-" + deployment }

// SaveSpec persists the accepted deployment spec in the cluster so that
// stateless commands (status, diff) can recover the declared state without
// a running engine.
func (kube Kube) SaveSpec(ctx context.Context, deployment spec.DeploymentSpec) error {
	configMaps := kube.clientset.CoreV1().ConfigMaps(kube.namespace)

	data, err := json.Marshal(deployment)
	if err != nil {
		return err
	}

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		configMap, err := configMaps.Get(ctx, specConfigName(deployment.Name), metav1.GetOptions{})
		if kerrors.IsNotFound(err) {
			_, err := configMaps.Create(
				ctx,
				&corev1.ConfigMap{
					ObjectMeta: metav1.ObjectMeta{
						Name:   specConfigName(deployment.Name),
						Labels: map[string]string{LabelKind: "spec", LabelManagedBy: ManagerName},
					},
					Data: map[string]string{KeySpec: string(data)},
				},
				metav1.CreateOptions{FieldManager: ManagerName},
			)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to get stored spec: %w", err)
		}

		if configMap.Data == nil {
			configMap.Data = make(map[string]string)
		}
		configMap.Data[KeySpec] = string(data)

		_, err = configMaps.Update(ctx, configMap, metav1.UpdateOptions{FieldManager: ManagerName})
		return err
	})
}

// LoadSpec retrieves a previously saved deployment spec.
func (kube Kube) LoadSpec(ctx context.Context, deployment string) (spec.DeploymentSpec, error) {
	configMap, err := kube.clientset.CoreV1().ConfigMaps(kube.namespace).Get(ctx, specConfigName(deployment), metav1.GetOptions{})
	if err != nil {
		return spec.DeploymentSpec{}, fmt.Errorf("failed to get stored spec for %q: %w", deployment, err)
	}

	var stored spec.DeploymentSpec
	if err := json.Unmarshal([]byte(configMap.Data[KeySpec]), &stored); err != nil {
		return spec.DeploymentSpec{}, fmt.Errorf("could not parse stored spec for %q: %w", deployment, err)
	}

	return stored, nil
}

// ListSpecs retrieves every deployment spec saved in the namespace.
func (kube Kube) ListSpecs(ctx context.Context) ([]spec.DeploymentSpec, error) {
	list, err := kube.clientset.CoreV1().ConfigMaps(kube.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelKind + "=spec",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stored specs: %w", err)
	}

	specs := make([]spec.DeploymentSpec, len(list.Items))
	for i, item := range list.Items {
		if err := json.Unmarshal([]byte(item.Data[KeySpec]), &specs[i]); err != nil {
			return nil, fmt.Errorf("could not parse stored spec %q: %w", item.Name, err)
		}
	}

	return specs, nil
}

// DeleteSpec removes the stored spec for a deployment.
func (kube Kube) DeleteSpec(ctx context.Context, deployment string) error {
	err := kube.clientset.CoreV1().ConfigMaps(kube.namespace).Delete(ctx, specConfigName(deployment), metav1.DeleteOptions{})
	if err != nil && !kerrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete stored spec for %q: %w", deployment, err)
	}
	return nil
}
