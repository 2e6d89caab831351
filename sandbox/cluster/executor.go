package cluster

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/utils/exec"

	"github.com/sandboxd/sandboxd/sandbox/tracing"
)

// PodExecutor abstracts exec-ing a command inside a running Pod container.
// This lets tests inject a fake without needing a real API server.
type PodExecutor interface {
	ExecInPod(
		ctx context.Context,
		namespace, podName, containerName string,
		command []string,
		stdin io.Reader,
		stdout, stderr io.Writer,
	) error
}

// ExecExitError is returned by a PodExecutor when the executed process
// exits with a non-zero status.
type ExecExitError struct {
	ExitCode int
}

func (e *ExecExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}

// SPDYExecutor implements PodExecutor using the Kubernetes SPDY exec API
// (remotecommand).
type SPDYExecutor struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
}

// NewSPDYExecutor creates a new SPDYExecutor backed by the given clientset
// and REST config.
func NewSPDYExecutor(clientset kubernetes.Interface, restConfig *rest.Config) *SPDYExecutor {
	return &SPDYExecutor{clientset: clientset, restConfig: restConfig}
}

func (e *SPDYExecutor) ExecInPod(
	ctx context.Context,
	namespace, podName, containerName string,
	command []string,
	stdin io.Reader,
	stdout, stderr io.Writer,
) error {
	ctx, span := tracing.StartSpan(ctx, "k8s.spdy.exec", tracing.Attrs{
		"namespace":      namespace,
		"pod-name":       podName,
		"container-name": containerName,
	})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	if stdin == nil && stdout == nil && stderr == nil {
		stdout = io.Discard
	}

	req := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    stdout != nil,
			Stderr:    stderr != nil,
		}, scheme.ParameterCodec)

	logger := lagerctx.FromContext(ctx).Session("exec-in-pod", lager.Data{
		"pod":       podName,
		"container": containerName,
	})

	exec, err := remotecommand.NewSPDYExecutor(e.restConfig, http.MethodPost, req.URL())
	if err != nil {
		logger.Error("failed-to-create-spdy-executor", err)
		spanErr = err
		return fmt.Errorf("create spdy executor: %w", err)
	}

	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		if exitErr, ok := err.(utilexec.ExitError); ok {
			return &ExecExitError{ExitCode: exitErr.ExitStatus()}
		}
		logger.Error("failed-to-exec-stream", err)
		spanErr = err
		return fmt.Errorf("exec stream: %w", err)
	}

	return nil
}
