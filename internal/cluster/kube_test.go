package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"

	"github.com/quayside/convoy/internal/spec"
)

// newFakeKube wires the backend to a fake clientset. The fake tracker does
// not implement generateName, so a reactor fills names in before storage.
func newFakeKube() (*Kube, *fake.Clientset) {
	clientset := fake.NewSimpleClientset()

	var serial int
	clientset.PrependReactor("create", "pods", func(action ktesting.Action) (bool, runtime.Object, error) {
		pod, ok := action.(ktesting.CreateAction).GetObject().(*corev1.Pod)
		if ok && pod.Name == "" && pod.GenerateName != "" {
			serial++
			pod.Name = fmt.Sprintf("%s%d", pod.GenerateName, serial)
		}
		return false, nil, nil
	})

	return &Kube{clientset: clientset, namespace: "default"}, clientset
}

func TestKubeCreateListDelete(t *testing.T) {
	kube, _ := newFakeKube()
	ctx := context.Background()

	created, err := kube.CreatePod(ctx, CreateOptions{
		Deployment:   "web",
		Template:     testTemplate("web"),
		TemplateHash: "abc123",
	})
	require.NoError(t, err)
	require.Equal(t, "web-abc123-1", created.Name)
	require.Equal(t, PodID(created.Name), created.ID)
	require.Equal(t, "web", created.Labels[LabelDeployment])
	require.Equal(t, "abc123", created.Labels[LabelTemplateHash])
	require.Equal(t, ManagerName, created.Labels[LabelManagedBy])

	pods, err := kube.ListPods(ctx, map[string]string{LabelDeployment: "web"})
	require.NoError(t, err)
	require.Len(t, pods, 1)

	pods, err = kube.ListPods(ctx, map[string]string{LabelDeployment: "other"})
	require.NoError(t, err)
	require.Empty(t, pods)

	require.NoError(t, kube.DeletePod(ctx, created.ID))
	require.NoError(t, kube.DeletePod(ctx, created.ID), "deleting a missing pod is not an error")

	pods, err = kube.ListPods(ctx, map[string]string{LabelDeployment: "web"})
	require.NoError(t, err)
	require.Empty(t, pods)
}

func TestKubeWatch(t *testing.T) {
	kube, _ := newFakeKube()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := kube.Watch(ctx, WatchOptions{Selector: map[string]string{LabelDeployment: "web"}})
	require.NoError(t, err)

	created, err := kube.CreatePod(ctx, CreateOptions{Deployment: "web", Template: testTemplate("web"), TemplateHash: "h1"})
	require.NoError(t, err)

	event := receive(t, events)
	require.Equal(t, EventAdded, event.Type)
	require.Equal(t, created.ID, event.Pod.ID)

	require.NoError(t, kube.DeletePod(ctx, created.ID))

	event = receive(t, events)
	require.Equal(t, EventDeleted, event.Type)
	require.Equal(t, created.ID, event.Pod.ID)
}

func TestKubeWatchRecoversFromExpiredResumePoint(t *testing.T) {
	kube, clientset := newFakeKube()

	expired := watch.NewFake()
	var (
		mu    sync.Mutex
		calls int
	)
	clientset.PrependWatchReactor("pods", func(ktesting.Action) (bool, watch.Interface, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return true, expired, nil
		}
		return false, nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := kube.Watch(ctx, WatchOptions{
		Selector:   map[string]string{LabelDeployment: "web"},
		ResumeFrom: "12345",
	})
	require.NoError(t, err)

	// The server rejects the stale resume point with 410 Gone.
	expired.Error(&metav1.Status{Reason: metav1.StatusReasonExpired, Code: 410})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 5*time.Second, 10*time.Millisecond, "watch must be reissued without the expired resume point")

	created, err := kube.CreatePod(ctx, CreateOptions{Deployment: "web", Template: testTemplate("web"), TemplateHash: "h1"})
	require.NoError(t, err)

	event := receive(t, events)
	require.Equal(t, EventAdded, event.Type)
	require.Equal(t, created.ID, event.Pod.ID)
}

func TestFromKubePodReadiness(t *testing.T) {
	ready := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "web-1"},
		Status: corev1.PodStatus{
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
	require.True(t, fromKubePod(ready).Ready)

	unready := ready.DeepCopy()
	unready.Status.Conditions[0].Status = corev1.ConditionFalse
	require.False(t, fromKubePod(unready).Ready)

	// A pod being torn down counts as unready even if its condition has not
	// flipped yet.
	terminating := ready.DeepCopy()
	now := metav1.NewTime(time.Now())
	terminating.DeletionTimestamp = &now
	require.False(t, fromKubePod(terminating).Ready)

	require.False(t, fromKubePod(&corev1.Pod{}).Ready, "no Ready condition means unready")
}

func TestSpecStoreRoundTrip(t *testing.T) {
	kube, _ := newFakeKube()
	ctx := context.Background()

	deployment := spec.DeploymentSpec{
		Name:     "web",
		Replicas: 2,
		Selector: map[string]string{"app": "web"},
		Template: testTemplate("web"),
	}

	require.NoError(t, kube.SaveSpec(ctx, deployment))

	stored, err := kube.LoadSpec(ctx, "web")
	require.NoError(t, err)
	require.True(t, deployment.Equal(stored))

	// Saving again takes the update path and replaces the stored document.
	deployment.Replicas = 5
	require.NoError(t, kube.SaveSpec(ctx, deployment))

	stored, err = kube.LoadSpec(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, int32(5), stored.Replicas)

	specs, err := kube.ListSpecs(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 1)

	require.NoError(t, kube.DeleteSpec(ctx, "web"))
	require.NoError(t, kube.DeleteSpec(ctx, "web"), "deleting a missing spec is not an error")

	_, err = kube.LoadSpec(ctx, "web")
	require.Error(t, err)
}
