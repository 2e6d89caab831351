package cluster

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/archive"
	"github.com/sandboxd/sandboxd/sandbox/metric"
	"github.com/sandboxd/sandboxd/sandbox/pathvalidate"
	"github.com/sandboxd/sandboxd/sandbox/tracing"
	"github.com/sandboxd/sandboxd/sandbox/wrapper"
)

const (
	workspaceDir     = "/workspace"
	minCPULimitSec   = 1
	minMemoryLimitMB = 16
	podPollInterval  = 100 * time.Millisecond
	snapshotTimeout  = 10 * time.Second
	killWaitTimeout  = 5 * time.Second
)

var _ sandbox.Backend = (*Backend)(nil)

// Backend is the Cluster Backend: it schedules one ephemeral Pod per
// execution and drives staging/running/killing/snapshotting entirely
// through exec-attach streams.
type Backend struct {
	cfg       Config
	clientset kubernetes.Interface
	executor  PodExecutor
}

// NewBackend returns a Backend driven by the given configuration, clientset,
// and REST config. The REST config is used to build the default
// SPDYExecutor; use NewBackendWithExecutor in tests to inject a fake.
func NewBackend(cfg Config, clientset kubernetes.Interface, restConfig *rest.Config) *Backend {
	return NewBackendWithExecutor(cfg, clientset, NewSPDYExecutor(clientset, restConfig))
}

// NewBackendWithExecutor is like NewBackend but takes an explicit
// PodExecutor, letting tests inject a fake without a real API server.
func NewBackendWithExecutor(cfg Config, clientset kubernetes.Interface, executor PodExecutor) *Backend {
	if cfg.PodStartupTimeout == 0 {
		cfg.PodStartupTimeout = DefaultPodStartupTimeout
	}
	return &Backend{cfg: cfg, clientset: clientset, executor: executor}
}

// Run implements sandbox.Backend by folding RunStream's events.
func (b *Backend) Run(ctx context.Context, params sandbox.RunParams) (sandbox.ExecutionResult, error) {
	return sandbox.RunViaStream(ctx, b.RunStream, params)
}

// RunStream implements sandbox.Backend. Launch, Wait-ready, and Stage
// happen synchronously before this call returns; everything from Run
// onward (Supervise/Kill/Snapshot/Teardown) happens on a background
// goroutine that owns the returned channel and always closes it with a
// terminal EventResult, even on partial failure.
func (b *Backend) RunStream(ctx context.Context, params sandbox.RunParams) (<-chan sandbox.StreamEvent, error) {
	log := lagerctx.FromContext(ctx).Session("cluster-run")
	name := generatePodName(uuid.New().String())

	ctx, span := tracing.StartSpan(ctx, "cluster.run", tracing.Attrs{"pod": name})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	if err := b.launch(ctx, name, params); err != nil {
		spanErr = err
		log.Error("launch-failed", err, lager.Data{"pod": name})
		metric.RecordBackendError(ctx, "cluster", "launch")
		return nil, sandbox.BackendErrorf(err, "launching pod %s", name)
	}

	if err := b.waitReady(ctx, name); err != nil {
		b.teardown(ctx, name)
		spanErr = err
		log.Error("wait-ready-failed", err, lager.Data{"pod": name})
		metric.RecordBackendError(ctx, "cluster", "wait-ready")
		return nil, sandbox.BackendErrorf(err, "waiting for pod %s to become ready", name)
	}

	code := wrapper.Wrap(params.Code, params.LastLineInteractive)
	archiveBytes, err := stageArchive(code, params.Files)
	if err != nil {
		b.teardown(ctx, name)
		spanErr = err
		metric.RecordBackendError(ctx, "cluster", "archive")
		return nil, err
	}

	if err := b.stage(ctx, name, archiveBytes); err != nil {
		b.teardown(ctx, name)
		spanErr = err
		log.Error("stage-failed", err, lager.Data{"pod": name})
		metric.RecordBackendError(ctx, "cluster", "stage")
		return nil, sandbox.StagingErrorf(err, "extracting archive into pod %s", name)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	var stdin io.Reader
	if params.HasStdin {
		stdin = strings.NewReader(params.Stdin)
	}

	start := time.Now()
	execDone := make(chan error, 1)
	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		execDone <- b.executor.ExecInPod(ctx, b.cfg.Namespace, name, mainContainerName,
			[]string{"python", workspaceDir + "/" + pathvalidate.EntrypointName},
			stdin, stdoutW, stderrW)
	}()

	events := make(chan sandbox.StreamEvent, 16)
	go b.supervise(ctx, name, execDone, stdoutR, stderrR, params, start, events)

	metric.RecordExecutionStarted(ctx, "cluster")
	return events, nil
}

func stageArchive(code string, files []sandbox.StagedFile) ([]byte, error) {
	archiveFiles := make([]archive.StagedFile, len(files))
	for i, f := range files {
		archiveFiles[i] = archive.StagedFile{Path: f.Path, Bytes: f.Bytes}
	}
	data, err := archive.Build(code, archiveFiles)
	if err != nil {
		if pathErr, ok := err.(*pathvalidate.Error); ok {
			return nil, sandbox.InvalidPathError(pathErr.Path, pathErr)
		}
		return nil, sandbox.InvalidPathError("", err)
	}
	return data, nil
}

// launch creates the sandbox pod and returns once the create call is
// acknowledged; readiness is a separate step.
func (b *Backend) launch(ctx context.Context, name string, params sandbox.RunParams) error {
	pod := buildPod(b.cfg, name, params)
	_, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	return err
}

// waitReady polls the pod's phase every podPollInterval until it reaches
// Running, it fails outright, or cfg.PodStartupTimeout elapses.
func (b *Backend) waitReady(ctx context.Context, name string) error {
	deadline := time.Now().Add(b.cfg.PodStartupTimeout)
	for {
		pod, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return fmt.Errorf("pod %s entered terminal phase %s before use", name, pod.Status.Phase)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pod %s did not become ready within %s", name, b.cfg.PodStartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(podPollInterval):
		}
	}
}

// stage exec-attaches tar into the pod's workspace as the unprivileged
// sandbox user, writing the archive bytes directly to its stdin.
func (b *Backend) stage(ctx context.Context, name string, archiveBytes []byte) error {
	var stderr bytes.Buffer
	err := b.executor.ExecInPod(ctx, b.cfg.Namespace, name, mainContainerName,
		[]string{"tar", "-x", "-C", workspaceDir},
		bytes.NewReader(archiveBytes), nil, &stderr)
	if err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

// supervise drains stdout/stderr into capped, incrementally-decoded
// StreamEvents, enforces the timeout deadline (Kill), snapshots the
// workspace, tears the pod down, and always emits exactly one terminal
// EventResult before closing events.
func (b *Backend) supervise(
	ctx context.Context,
	name string,
	execDone <-chan error,
	stdout, stderr io.Reader,
	params sandbox.RunParams,
	start time.Time,
	events chan<- sandbox.StreamEvent,
) {
	log := lagerctx.FromContext(ctx).Session("cluster-supervise", lager.Data{"pod": name})
	ctx, span := tracing.StartSpan(ctx, "cluster.supervise", tracing.Attrs{"pod": name})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()
	defer close(events)
	defer b.teardown(ctx, name)

	stdoutCapper := sandbox.NewStreamCapper(params.MaxOutputBytes)
	stderrCapper := sandbox.NewStreamCapper(params.MaxOutputBytes)

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		drainPipe(stdout, stdoutCapper, sandbox.EventStdout, events)
	}()
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		drainPipe(stderr, stderrCapper, sandbox.EventStderr, events)
	}()

	deadline := time.Duration(params.TimeoutMS) * time.Millisecond
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var timedOut bool
	var execErr error
	select {
	case execErr = <-execDone:
	case <-timer.C:
		timedOut = true
		b.kill(ctx, name)
		execErr = <-execDone
	}

	<-pipeDone
	<-stderrDone

	exitCode := extractExitCode(execErr, timedOut)
	durationMS := time.Since(start).Milliseconds()

	snapshot, err := b.snapshot(ctx, name)
	if err != nil {
		log.Error("snapshot-failed", err)
		snapshot = nil
	}

	metric.RecordExecutionDuration(ctx, "cluster", time.Since(start), timedOut)

	events <- sandbox.StreamEvent{
		Kind: sandbox.EventResult,
		Result: &sandbox.ExecutionResult{
			ExitCode:        exitCode,
			TimedOut:        timedOut,
			DurationMS:      durationMS,
			Files:           snapshot,
			StdoutTruncated: stdoutCapper.Truncated(),
			StderrTruncated: stderrCapper.Truncated(),
		},
	}
}

func drainPipe(r io.Reader, capper *sandbox.StreamCapper, kind sandbox.StreamEventKind, events chan<- sandbox.StreamEvent) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if text := capper.Feed(buf[:n]); text != "" {
				events <- sandbox.StreamEvent{Kind: kind, Chunk: text}
			}
		}
		if err != nil {
			break
		}
	}
	if text := capper.Flush(); text != "" {
		events <- sandbox.StreamEvent{Kind: kind, Chunk: text}
	}
}

// kill exec-attaches a fresh `pkill -9 python` inside the pod, ignoring any
// error. The exec session runs as the pod's configured user (uid 65532),
// the same user the python process runs as.
func (b *Backend) kill(ctx context.Context, name string) {
	killCtx, cancel := context.WithTimeout(context.Background(), killWaitTimeout)
	defer cancel()
	_ = b.executor.ExecInPod(killCtx, b.cfg.Namespace, name, mainContainerName,
		[]string{"pkill", "-9", "python"}, nil, io.Discard, io.Discard)
}

// snapshot captures every workspace member except the entrypoint. The tar
// stream is base64-encoded inside the pod before being written to stdout
// and decoded here, since SPDY exec streams are not guaranteed to preserve
// arbitrary binary frames end to end.
func (b *Backend) snapshot(ctx context.Context, name string) ([]sandbox.WorkspaceEntry, error) {
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := []string{"sh", "-c",
		fmt.Sprintf("tar -c --exclude=%s -C %s . | base64", pathvalidate.EntrypointName, workspaceDir)}
	if err := b.executor.ExecInPod(snapCtx, b.cfg.Namespace, name, mainContainerName, cmd, nil, &stdout, &stderr); err != nil {
		return nil, fmt.Errorf("%w: %s", err, stderr.String())
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(stdout.String()))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 snapshot: %w", err)
	}
	return archive.ParseSnapshot(decoded)
}

// teardown deletes the pod with no grace period, ignoring a not-found
// error; it must run on every exit path.
func (b *Backend) teardown(ctx context.Context, name string) {
	log := lagerctx.FromContext(ctx).Session("cluster-teardown", lager.Data{"pod": name})
	killCtx, cancel := context.WithTimeout(context.Background(), killWaitTimeout)
	defer cancel()
	grace := int64(0)
	err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Delete(killCtx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		log.Debug("teardown-delete-failed", lager.Data{"error": err.Error()})
	}
}

func extractExitCode(execErr error, timedOut bool) *int {
	if timedOut {
		return nil
	}
	if execErr == nil {
		zero := 0
		return &zero
	}
	var exitErr *ExecExitError
	if errors.As(execErr, &exitErr) {
		code := exitErr.ExitCode
		return &code
	}
	fallback := 1
	return &fallback
}
