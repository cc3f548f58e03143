package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kube is a cluster backed by a real Kubernetes API server. It manages bare
// pods in a single namespace; pod identity is the Kubernetes object UID.
type Kube struct {
	clientset kubernetes.Interface
	namespace string
}

func NewKubeFromKubeConfig(path, namespace string) (*Kube, error) {
	restcfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config: %w", err)
	}
	return NewKube(restcfg, namespace)
}

func NewKube(cfg *rest.Config, namespace string) (*Kube, error) {
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube clientset: %w", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Kube{clientset: clientset, namespace: namespace}, nil
}

func (kube Kube) CreatePod(ctx context.Context, opts CreateOptions) (Pod, error) {
	podLabels := make(map[string]string, len(opts.Template.Labels)+3)
	for key, value := range opts.Template.Labels {
		podLabels[key] = value
	}
	podLabels[LabelManagedBy] = ManagerName
	podLabels[LabelDeployment] = opts.Deployment
	podLabels[LabelTemplateHash] = opts.TemplateHash

	containers := make([]corev1.Container, len(opts.Template.Containers))
	for i, container := range opts.Template.Containers {
		ports := make([]corev1.ContainerPort, len(container.Ports))
		for j, port := range container.Ports {
			ports[j] = corev1.ContainerPort{
				Name:          port.Name,
				ContainerPort: port.ContainerPort,
				Protocol:      corev1.Protocol(port.Protocol),
			}
		}
		containers[i] = corev1.Container{
			Name:  container.Name,
			Image: container.Image,
			Ports: ports,
		}
	}

	created, err := kube.clientset.CoreV1().Pods(kube.namespace).Create(
		ctx,
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				GenerateName: fmt.Sprintf("%s-%s-", opts.Deployment, opts.TemplateHash),
				Namespace:    kube.namespace,
				Labels:       podLabels,
			},
			Spec: corev1.PodSpec{Containers: containers},
		},
		metav1.CreateOptions{FieldManager: ManagerName},
	)
	if err != nil {
		return Pod{}, fmt.Errorf("failed to create pod: %w", err)
	}

	return fromKubePod(created), nil
}

func (kube Kube) DeletePod(ctx context.Context, id PodID) error {
	err := kube.clientset.CoreV1().Pods(kube.namespace).Delete(ctx, string(id), metav1.DeleteOptions{})
	if err != nil && !kerrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", id, err)
	}
	return nil
}

func (kube Kube) ListPods(ctx context.Context, selector map[string]string) ([]Pod, error) {
	list, err := kube.clientset.CoreV1().Pods(kube.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	pods := make([]Pod, len(list.Items))
	for i, item := range list.Items {
		pods[i] = fromKubePod(&item)
	}
	return pods, nil
}

func (kube Kube) Watch(ctx context.Context, opts WatchOptions) (<-chan Event, error) {
	selector := labels.SelectorFromSet(opts.Selector).String()

	watcher, err := kube.clientset.CoreV1().Pods(kube.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:   selector,
		ResourceVersion: opts.ResumeFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pod watch: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() { watcher.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-watcher.ResultChan():
				if !ok {
					return
				}

				if item.Type == watch.Error {
					status := kerrors.FromObject(item.Object)
					if !kerrors.IsResourceExpired(status) && !kerrors.IsGone(status) {
						return
					}
					// The resume point fell out of the server's history
					// window. Drop it and watch from now, the way reflectors
					// relist on 410; the next reconcile pass lists pods
					// regardless, so nothing is acted on stale.
					watcher.Stop()
					next, err := kube.clientset.CoreV1().Pods(kube.namespace).Watch(ctx, metav1.ListOptions{LabelSelector: selector})
					if err != nil {
						return
					}
					watcher = next
					continue
				}

				pod, isPod := item.Object.(*corev1.Pod)
				if !isPod {
					continue
				}

				event := Event{Pod: fromKubePod(pod)}
				switch item.Type {
				case watch.Added:
					event.Type = EventAdded
				case watch.Modified:
					event.Type = EventModified
				case watch.Deleted:
					event.Type = EventDeleted
				default:
					continue
				}

				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// fromKubePod maps a Kubernetes pod into the engine's view. The pod name is
// the identity: names are unique within the namespace and survive watches.
func fromKubePod(pod *corev1.Pod) Pod {
	return Pod{
		ID:              PodID(pod.Name),
		Name:            pod.Name,
		Labels:          pod.Labels,
		TemplateHash:    pod.Labels[LabelTemplateHash],
		Ready:           isPodReady(pod),
		CreatedAt:       pod.CreationTimestamp.Time,
		ResourceVersion: pod.ResourceVersion,
	}
}

// isPodReady checks the Ready condition; pods being deleted count as unready
// so the diff engine prefers replacing them.
func isPodReady(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}

var (
	_ Cluster = (*Kube)(nil)
	_ Cluster = (*Memory)(nil)
)
