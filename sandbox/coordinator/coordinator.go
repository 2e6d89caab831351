// Package coordinator implements the Request Coordinator: it resolves a
// request's declared inputs from the File Store, invokes a Sandbox Backend,
// diffs the returned workspace snapshot against what was staged, and
// persists whatever is new or changed back into the File Store before
// assembling the external response. It owns no sandbox state itself —
// every byte it touches belongs to either the File Store or the backend it
// was given.
package coordinator

import (
	"bytes"
	"context"

	"code.cloudfoundry.org/lager/v3/lagerctx"

	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/filestore"
)

// FileStore is the subset of filestore.Store the Coordinator depends on,
// named here so tests can substitute a fake.
type FileStore interface {
	Get(ctx context.Context, id string) ([]byte, filestore.Metadata, error)
	Put(ctx context.Context, content []byte, filename string) (string, error)
}

// Coordinator wires a File Store and a Sandbox Backend together to satisfy
// execution requests end to end.
type Coordinator struct {
	store        FileStore
	backend      sandbox.Backend
	maxTimeoutMS int
}

// New returns a Coordinator that rejects any request asking for more than
// maxTimeoutMS.
func New(store FileStore, backend sandbox.Backend, maxTimeoutMS int) *Coordinator {
	return &Coordinator{store: store, backend: backend, maxTimeoutMS: maxTimeoutMS}
}

// Execute resolves req's inputs, runs it to completion on the backend, and
// returns the assembled response with any new or modified workspace files
// persisted into the File Store.
func (c *Coordinator) Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResponse, error) {
	log := lagerctx.FromContext(ctx).Session("coordinator-execute")

	if req.TimeoutMS > c.maxTimeoutMS {
		return sandbox.ExecuteResponse{}, sandbox.InvalidTimeoutError(req.TimeoutMS, c.maxTimeoutMS)
	}

	staged, stagedInputs, err := c.resolveInputs(ctx, req.Inputs)
	if err != nil {
		return sandbox.ExecuteResponse{}, err
	}

	params := sandbox.RunParams{
		Code:                req.Code,
		Stdin:               req.Stdin,
		HasStdin:            req.HasStdin,
		TimeoutMS:           req.TimeoutMS,
		MaxOutputBytes:      req.MaxOutputBytes,
		CPUTimeLimitSec:     req.CPUTimeLimitSec,
		MemoryLimitMB:       req.MemoryLimitMB,
		LastLineInteractive: req.LastLineInteractive,
		Files:               staged,
	}

	result, err := c.backend.Run(ctx, params)
	if err != nil {
		log.Error("backend-run-failed", err)
		return sandbox.ExecuteResponse{}, err
	}

	files, err := c.diff(ctx, result.Files, stagedInputs)
	if err != nil {
		log.Error("diff-persist-failed", err)
		return sandbox.ExecuteResponse{}, err
	}

	return sandbox.ExecuteResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		TimedOut:   result.TimedOut,
		DurationMS: result.DurationMS,
		Files:      files,
	}, nil
}

// StreamEvent mirrors sandbox.StreamEvent but carries an ExecuteResponse
// instead of a raw ExecutionResult in its terminal event, so a streaming
// caller still gets file-ids rather than bytes.
type StreamEvent struct {
	Kind     sandbox.StreamEventKind
	Chunk    string
	Response *sandbox.ExecuteResponse
}

// ExecuteStream is Execute's streaming counterpart: stdout/stderr events
// are relayed as they arrive, and the diff/persist step runs only once the
// backend's terminal event is seen, so file-ids are minted exactly once.
func (c *Coordinator) ExecuteStream(ctx context.Context, req sandbox.ExecuteRequest) (<-chan StreamEvent, error) {
	if req.TimeoutMS > c.maxTimeoutMS {
		return nil, sandbox.InvalidTimeoutError(req.TimeoutMS, c.maxTimeoutMS)
	}

	staged, stagedInputs, err := c.resolveInputs(ctx, req.Inputs)
	if err != nil {
		return nil, err
	}

	params := sandbox.RunParams{
		Code:                req.Code,
		Stdin:               req.Stdin,
		HasStdin:            req.HasStdin,
		TimeoutMS:           req.TimeoutMS,
		MaxOutputBytes:      req.MaxOutputBytes,
		CPUTimeLimitSec:     req.CPUTimeLimitSec,
		MemoryLimitMB:       req.MemoryLimitMB,
		LastLineInteractive: req.LastLineInteractive,
		Files:               staged,
	}

	backendEvents, err := c.backend.RunStream(ctx, params)
	if err != nil {
		return nil, err
	}

	log := lagerctx.FromContext(ctx).Session("coordinator-execute-stream")
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		for ev := range backendEvents {
			if ev.Kind != sandbox.EventResult {
				out <- StreamEvent{Kind: ev.Kind, Chunk: ev.Chunk}
				continue
			}
			var result sandbox.ExecutionResult
			if ev.Result != nil {
				result = *ev.Result
			}
			files, err := c.diff(ctx, result.Files, stagedInputs)
			if err != nil {
				log.Error("diff-persist-failed", err)
				files = nil
			}
			out <- StreamEvent{Kind: sandbox.EventResult, Response: &sandbox.ExecuteResponse{
				Stdout:     result.Stdout,
				Stderr:     result.Stderr,
				ExitCode:   result.ExitCode,
				TimedOut:   result.TimedOut,
				DurationMS: result.DurationMS,
				Files:      files,
			}}
		}
	}()
	return out, nil
}

// resolveInputs fetches every declared input's bytes from the File Store,
// returning both the backend-facing staged files and a path→bytes map the
// diff step uses to detect unchanged files.
func (c *Coordinator) resolveInputs(ctx context.Context, inputs []sandbox.InputFile) ([]sandbox.StagedFile, map[string][]byte, error) {
	staged := make([]sandbox.StagedFile, 0, len(inputs))
	byPath := make(map[string][]byte, len(inputs))
	for _, in := range inputs {
		content, _, err := c.store.Get(ctx, in.FileID)
		if err != nil {
			if _, ok := err.(*sandbox.NotFound); ok {
				return nil, nil, sandbox.UnknownFileError(in.FileID, in.Path)
			}
			return nil, nil, err
		}
		staged = append(staged, sandbox.StagedFile{Path: in.Path, Bytes: content})
		byPath[in.Path] = content
	}
	return staged, byPath, nil
}

// diff walks the backend's workspace snapshot, skipping directories and
// any staged input left byte-identical, and persists everything else into
// the File Store, preserving the backend's return order.
func (c *Coordinator) diff(ctx context.Context, entries []sandbox.WorkspaceEntry, stagedInputs map[string][]byte) ([]sandbox.ResponseFile, error) {
	var files []sandbox.ResponseFile
	for _, entry := range entries {
		if entry.Kind == sandbox.EntryDir {
			continue
		}
		if original, ok := stagedInputs[entry.Path]; ok && bytes.Equal(original, entry.Content) {
			continue
		}
		fileID, err := c.store.Put(ctx, entry.Content, entry.Path)
		if err != nil {
			return nil, err
		}
		files = append(files, sandbox.ResponseFile{
			Path:   entry.Path,
			Kind:   sandbox.EntryFile,
			FileID: fileID,
		})
	}
	return files, nil
}
