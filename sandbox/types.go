// Package sandbox defines the abstract sandbox execution contract shared by
// every backend: the request/result data model and the Backend interface
// itself. Concrete backends live in sibling packages (container, cluster).
package sandbox

import (
	"context"
)

// InputFile pairs a workspace-relative destination path with the file-id
// of the bytes to stage there.
type InputFile struct {
	Path   string
	FileID string
}

// ExecuteRequest is everything needed to run one Python program in a fresh
// sandbox.
type ExecuteRequest struct {
	Code                string
	Stdin               string
	HasStdin            bool
	TimeoutMS           int
	MaxOutputBytes      int
	CPUTimeLimitSec     int
	MemoryLimitMB       int
	LastLineInteractive bool
	Inputs              []InputFile
}

// StagedFile is an input resolved to bytes, ready to be archived into the
// sandbox workspace.
type StagedFile struct {
	Path  string
	Bytes []byte
}

// RunParams is the backend-facing view of an execution request: staged
// input bytes instead of file-ids, since resolving file-ids is the
// Coordinator's job, not the backend's.
type RunParams struct {
	Code                string
	Stdin               string
	HasStdin            bool
	TimeoutMS           int
	MaxOutputBytes      int
	CPUTimeLimitSec     int
	MemoryLimitMB       int
	LastLineInteractive bool
	Files               []StagedFile
}

// WorkspaceEntryKind distinguishes files from directories in a workspace
// snapshot.
type WorkspaceEntryKind string

const (
	EntryFile WorkspaceEntryKind = "file"
	EntryDir  WorkspaceEntryKind = "directory"
)

// WorkspaceEntry is one path observed in the sandbox workspace after
// execution. Content is only populated for files.
type WorkspaceEntry struct {
	Path    string
	Kind    WorkspaceEntryKind
	Content []byte
}

// ExecutionResult is the outcome of a non-streaming Run call.
type ExecutionResult struct {
	Stdout     string
	Stderr     string
	ExitCode   *int
	TimedOut   bool
	DurationMS int64
	Files      []WorkspaceEntry

	// StdoutTruncated/StderrTruncated report whether the backend's
	// StreamCapper actually dropped bytes for the corresponding stream.
	// RunViaStream uses these instead of comparing lengths against
	// MaxOutputBytes, since a stream whose real output lands exactly on
	// the cap is indistinguishable from a truncated one by length alone.
	StdoutTruncated bool
	StderrTruncated bool
}

// StreamEventKind discriminates StreamEvent's two shapes.
type StreamEventKind string

const (
	EventStdout StreamEventKind = "stdout"
	EventStderr StreamEventKind = "stderr"
	EventResult StreamEventKind = "result"
)

// StreamEvent is either an output chunk (Kind == EventStdout/EventStderr,
// Chunk populated) or the terminal summary (Kind == EventResult, Result
// populated). Exactly one EventResult is emitted per stream, and it is
// always last.
type StreamEvent struct {
	Kind   StreamEventKind
	Chunk  string
	Result *ExecutionResult
}

// ResponseFile is one file-store entry produced by a workspace diff, named
// by the file-id the Request Coordinator minted for it rather than its raw
// bytes.
type ResponseFile struct {
	Path   string
	Kind   WorkspaceEntryKind
	FileID string
}

// ExecuteResponse is the Request Coordinator's external view of an
// execution: the backend's output plus the set of new or modified
// workspace files it persisted into the File Store.
type ExecuteResponse struct {
	Stdout     string
	Stderr     string
	ExitCode   *int
	TimedOut   bool
	DurationMS int64
	Files      []ResponseFile
}

// Backend is the single abstraction both the container-runtime and
// cluster implementations satisfy. Run blocks until the sandbox finishes;
// RunStream delivers the same computation as an ordered channel of events.
type Backend interface {
	Run(ctx context.Context, params RunParams) (ExecutionResult, error)
	RunStream(ctx context.Context, params RunParams) (<-chan StreamEvent, error)
}
