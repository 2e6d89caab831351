package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"
	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/archive"
	"github.com/sandboxd/sandboxd/sandbox/metric"
	"github.com/sandboxd/sandboxd/sandbox/pathvalidate"
	"github.com/sandboxd/sandboxd/sandbox/tracing"
	"github.com/sandboxd/sandboxd/sandbox/wrapper"
)

const (
	sandboxUser      = "65532:65532"
	workspaceDir     = "/workspace"
	minCPULimitSec   = 1
	minMemoryLimitMB = 16
	snapshotTimeout  = 10 * time.Second
	killWaitTimeout  = 5 * time.Second
)

var _ sandbox.Backend = (*Backend)(nil)

// Backend is the Container Backend: it shells out to a container-runtime
// CLI to launch one ephemeral, network-less, auto-removing container per
// execution.
type Backend struct {
	cfg Resolved
}

// NewBackend returns a Backend driven by the given resolved configuration.
func NewBackend(cfg Resolved) *Backend {
	return &Backend{cfg: cfg}
}

// Run implements sandbox.Backend by folding RunStream's events.
func (b *Backend) Run(ctx context.Context, params sandbox.RunParams) (sandbox.ExecutionResult, error) {
	return sandbox.RunViaStream(ctx, b.RunStream, params)
}

// RunStream implements sandbox.Backend. Launch and Stage happen
// synchronously before this call returns; everything from Run onward
// (Supervise/Kill/Snapshot/Teardown) happens on a background goroutine
// that owns the returned channel and always closes it with a terminal
// EventResult, even on partial failure.
func (b *Backend) RunStream(ctx context.Context, params sandbox.RunParams) (<-chan sandbox.StreamEvent, error) {
	log := lagerctx.FromContext(ctx).Session("container-run")
	name := fmt.Sprintf("sandboxd-exec-%s", strings.ReplaceAll(uuid.New().String(), "-", ""))

	ctx, span := tracing.StartSpan(ctx, "container.run", tracing.Attrs{"container": name})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	if err := b.launch(ctx, name, params); err != nil {
		spanErr = err
		log.Error("launch-failed", err, lager.Data{"container": name})
		metric.RecordBackendError(ctx, "container", "launch")
		return nil, sandbox.BackendErrorf(err, "launching container %s", name)
	}

	code := wrapper.Wrap(params.Code, params.LastLineInteractive)
	archiveBytes, err := b.stageArchive(code, params.Files)
	if err != nil {
		b.teardown(ctx, name)
		spanErr = err
		metric.RecordBackendError(ctx, "container", "archive")
		return nil, err
	}

	if err := b.stage(ctx, name, archiveBytes); err != nil {
		b.teardown(ctx, name)
		spanErr = err
		log.Error("stage-failed", err, lager.Data{"container": name})
		metric.RecordBackendError(ctx, "container", "stage")
		return nil, sandbox.StagingErrorf(err, "extracting archive into container %s", name)
	}

	execCmd := exec.Command(b.cfg.BinaryPath, "exec", "-u", sandboxUser, "-i", name,
		"python", workspaceDir+"/"+pathvalidate.EntrypointName)

	var stdinPipe io.WriteCloser
	if params.HasStdin {
		stdinPipe, err = execCmd.StdinPipe()
		if err != nil {
			b.teardown(ctx, name)
			spanErr = err
			metric.RecordBackendError(ctx, "container", "stdin-pipe")
			return nil, sandbox.BackendErrorf(err, "opening stdin pipe for container %s", name)
		}
	}

	stdoutPipe, err := execCmd.StdoutPipe()
	if err != nil {
		b.teardown(ctx, name)
		spanErr = err
		metric.RecordBackendError(ctx, "container", "stdout-pipe")
		return nil, sandbox.BackendErrorf(err, "opening stdout pipe for container %s", name)
	}
	stderrPipe, err := execCmd.StderrPipe()
	if err != nil {
		b.teardown(ctx, name)
		spanErr = err
		metric.RecordBackendError(ctx, "container", "stderr-pipe")
		return nil, sandbox.BackendErrorf(err, "opening stderr pipe for container %s", name)
	}

	start := time.Now()
	if err := execCmd.Start(); err != nil {
		b.teardown(ctx, name)
		spanErr = err
		metric.RecordBackendError(ctx, "container", "start")
		return nil, sandbox.BackendErrorf(err, "starting python in container %s", name)
	}

	if stdinPipe != nil {
		go func() {
			io.WriteString(stdinPipe, params.Stdin)
			stdinPipe.Close()
		}()
	}

	events := make(chan sandbox.StreamEvent, 16)
	go b.supervise(ctx, name, execCmd, stdoutPipe, stderrPipe, params, start, events)

	metric.RecordExecutionStarted(ctx, "container")
	return events, nil
}

func (b *Backend) stageArchive(code string, files []sandbox.StagedFile) ([]byte, error) {
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

// buildRunArgs builds the `docker run` argument list for one ephemeral
// sandbox container: no network, host cgroup namespace, pid limit 64,
// no-new-privileges, all capabilities dropped but CHOWN, workdir
// /workspace, tmpfs /tmp and /workspace, and the fixed Python environment.
// The root process is a long sleep strictly exceeding the execution
// timeout; the caller tears the container down unconditionally.
func buildRunArgs(image, name string, extraRunArgs []string, params sandbox.RunParams) []string {
	args := []string{
		"run", "-d", "--rm",
		"--pull", "never",
		"--network", "none",
		"--name", name,
		"--cgroupns", "host",
		"--pids-limit", "64",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--cap-add", "CHOWN",
		"--workdir", workspaceDir,
		"--tmpfs", "/tmp:rw,size=64m",
		"--tmpfs", workspaceDir + ":rw,uid=65532,gid=65532",
		"--env", "PYTHONUNBUFFERED=1",
		"--env", "PYTHONDONTWRITEBYTECODE=1",
		"--env", "PYTHONIOENCODING=utf-8",
		"--env", "MPLCONFIGDIR=/tmp/matplotlib",
	}

	if params.CPUTimeLimitSec > 0 {
		cpuLimit := params.CPUTimeLimitSec
		if cpuLimit < minCPULimitSec {
			cpuLimit = minCPULimitSec
		}
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", cpuLimit, cpuLimit))
	}
	if params.MemoryLimitMB > 0 {
		memLimit := params.MemoryLimitMB
		if memLimit < minMemoryLimitMB {
			memLimit = minMemoryLimitMB
		}
		memFlag := fmt.Sprintf("%dm", memLimit)
		args = append(args, "--memory", memFlag, "--memory-swap", memFlag)
	}

	args = append(args, extraRunArgs...)

	sleepSeconds := params.TimeoutMS/1000 + 10
	args = append(args, image, "sleep", fmt.Sprintf("%d", sleepSeconds))
	return args
}

// launch starts a detached, auto-removing, network-less container whose
// root process is a long sleep strictly exceeding the execution timeout.
func (b *Backend) launch(ctx context.Context, name string, params sandbox.RunParams) error {
	args := buildRunArgs(b.cfg.Image, name, b.cfg.ExtraRunArgs, params)

	var stderr bytes.Buffer
	cmd := exec.Command(b.cfg.BinaryPath, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

// stage streams the archive into the container's workspace as the
// unprivileged sandbox user.
func (b *Backend) stage(ctx context.Context, name string, archiveBytes []byte) error {
	cmd := exec.Command(b.cfg.BinaryPath, "exec", "-u", sandboxUser, "-i", name,
		"tar", "-x", "-C", workspaceDir)
	cmd.Stdin = bytes.NewReader(archiveBytes)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

// supervise drains stdout/stderr into capped, incrementally-decoded
// StreamEvents, enforces the timeout deadline (Kill), snapshots the
// workspace, tears the container down, and always emits exactly one
// terminal EventResult before closing events.
func (b *Backend) supervise(
	ctx context.Context,
	name string,
	cmd *exec.Cmd,
	stdout, stderr io.Reader,
	params sandbox.RunParams,
	start time.Time,
	events chan<- sandbox.StreamEvent,
) {
	log := lagerctx.FromContext(ctx).Session("container-supervise", lager.Data{"container": name})
	ctx, span := tracing.StartSpan(ctx, "container.supervise", tracing.Attrs{"container": name})
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

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	deadline := time.Duration(params.TimeoutMS) * time.Millisecond
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var timedOut bool
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		timedOut = true
		b.kill(ctx, name, cmd)
		waitErr = <-waitDone
	}

	<-pipeDone
	<-stderrDone

	exitCode := extractExitCode(cmd, waitErr, timedOut)
	durationMS := time.Since(start).Milliseconds()

	snapshot, err := b.snapshot(ctx, name)
	if err != nil {
		log.Error("snapshot-failed", err)
		snapshot = nil
	}

	metric.RecordExecutionDuration(ctx, "container", time.Since(start), timedOut)

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

// kill sends pkill -9 python inside the container as root (the
// unprivileged sandbox user cannot signal its own process after it stops
// responding), then kills the local process handle.
func (b *Backend) kill(ctx context.Context, name string, cmd *exec.Cmd) {
	killCtx, cancel := context.WithTimeout(context.Background(), killWaitTimeout)
	defer cancel()
	_ = exec.CommandContext(killCtx, b.cfg.BinaryPath, "exec", name, "pkill", "-9", "python").Run()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// snapshot captures every workspace member except the entrypoint.
func (b *Backend) snapshot(ctx context.Context, name string) ([]sandbox.WorkspaceEntry, error) {
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	cmd := exec.CommandContext(snapCtx, b.cfg.BinaryPath, "exec", name,
		"tar", "-c", "--exclude="+pathvalidate.EntrypointName, "-C", workspaceDir, ".")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return archive.ParseSnapshot(out)
}

// teardown kills the container by name, ignoring any error; it must run
// on every exit path.
func (b *Backend) teardown(ctx context.Context, name string) {
	log := lagerctx.FromContext(ctx).Session("container-teardown", lager.Data{"container": name})
	killCtx, cancel := context.WithTimeout(context.Background(), killWaitTimeout)
	defer cancel()
	if err := exec.CommandContext(killCtx, b.cfg.BinaryPath, "kill", name).Run(); err != nil {
		log.Debug("teardown-kill-failed", lager.Data{"error": err.Error()})
	}
}

func extractExitCode(cmd *exec.Cmd, waitErr error, timedOut bool) *int {
	if timedOut {
		return nil
	}
	code := cmd.ProcessState.ExitCode()
	return &code
}
