// Package cluster implements the Cluster Backend: one Kubernetes Pod per
// execution, staged and driven entirely through exec-attach streams rather
// than a mounted volume. Each execution launches a sleeping pod, waits for
// it to become ready, exec-attaches to stage an input archive, exec-attaches
// again to run the interpreter as an unprivileged user, supervises it to a
// deadline, snapshots the workspace through a base64-safe exec pipe, and
// deletes the pod unconditionally.
package cluster

import (
	"fmt"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultPodStartupTimeout bounds how long the wait-ready step (after
// launch) waits for a pod to reach the Running phase before giving up.
const DefaultPodStartupTimeout = 30 * time.Second

// Config holds everything the Cluster Backend needs to schedule and drive
// sandbox pods.
type Config struct {
	// Namespace is the Kubernetes namespace sandbox pods are created in.
	// Defaults to "default".
	Namespace string

	// KubeconfigPath points at a kubeconfig file. When empty, in-cluster
	// configuration is used instead.
	KubeconfigPath string

	// Image is the sandbox image reference run for every execution.
	Image string

	// ServiceAccount is the Kubernetes ServiceAccount name set on created
	// pods. If empty, the namespace's default SA is used.
	ServiceAccount string

	// ImagePullSecrets names Secrets (type kubernetes.io/dockerconfigjson)
	// attached to every created pod.
	ImagePullSecrets []string

	// PodStartupTimeout bounds how long the wait-ready step waits for a pod
	// to reach Running. Defaults to DefaultPodStartupTimeout when zero.
	PodStartupTimeout time.Duration
}

// NewConfig creates a Config with the given namespace and kubeconfig path.
// If namespace is empty, it defaults to "default".
func NewConfig(namespace, kubeconfigPath string) Config {
	if namespace == "" {
		namespace = "default"
	}
	return Config{
		Namespace:         namespace,
		KubeconfigPath:    kubeconfigPath,
		PodStartupTimeout: DefaultPodStartupTimeout,
	}
}

// RestConfig returns the *rest.Config for the given Config, building it from
// KubeconfigPath when set or falling back to in-cluster configuration.
func RestConfig(cfg Config) (*rest.Config, error) {
	if cfg.KubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	}
	return rest.InClusterConfig()
}

// NewClientset creates a Kubernetes clientset from the Config.
func NewClientset(cfg Config) (kubernetes.Interface, *rest.Config, error) {
	restConfig, err := RestConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building k8s rest config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("creating k8s clientset: %w", err)
	}

	return clientset, restConfig, nil
}
