package api

import (
	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/filestore"
)

// defaults fills in a config-sourced default for every request field a
// caller may omit.
type defaults struct {
	MaxOutputBytes  int
	CPUTimeLimitSec int
	MemoryLimitMB   int
}

func toExecuteRequest(w executeRequestWire, d defaults) sandbox.ExecuteRequest {
	req := sandbox.ExecuteRequest{
		Code:                w.Code,
		TimeoutMS:           w.TimeoutMS,
		MaxOutputBytes:      w.MaxOutputBytes,
		CPUTimeLimitSec:     w.CPUTimeLimitSec,
		MemoryLimitMB:       w.MemoryLimitMB,
		LastLineInteractive: true,
	}
	if w.Stdin != nil {
		req.Stdin = *w.Stdin
		req.HasStdin = true
	}
	if w.LastLineInteractive != nil {
		req.LastLineInteractive = *w.LastLineInteractive
	}
	if req.MaxOutputBytes == 0 {
		req.MaxOutputBytes = d.MaxOutputBytes
	}
	if req.CPUTimeLimitSec == 0 {
		req.CPUTimeLimitSec = d.CPUTimeLimitSec
	}
	if req.MemoryLimitMB == 0 {
		req.MemoryLimitMB = d.MemoryLimitMB
	}
	for _, in := range w.Inputs {
		req.Inputs = append(req.Inputs, sandbox.InputFile{Path: in.Path, FileID: in.FileID})
	}
	return req
}

func fromExecuteResponse(r sandbox.ExecuteResponse) executeResponseWire {
	out := executeResponseWire{
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		ExitCode:   r.ExitCode,
		TimedOut:   r.TimedOut,
		DurationMS: r.DurationMS,
		Files:      []responseFileWire{},
	}
	for _, f := range r.Files {
		out.Files = append(out.Files, responseFileWire{
			Path:   f.Path,
			Kind:   string(f.Kind),
			FileID: f.FileID,
		})
	}
	return out
}

func fromMetadata(id string, meta filestore.Metadata) fileRecordWire {
	return fileRecordWire{
		FileID:     id,
		Filename:   meta.Filename,
		SizeBytes:  meta.SizeBytes,
		UploadTime: meta.UploadTime,
	}
}

func fromErr(err error) (status int, body errorWire) {
	sErr, ok := err.(*sandbox.Error)
	if !ok {
		return 500, errorWire{Kind: "Internal", Message: err.Error()}
	}
	return statusForKind(sErr.Kind), errorWire{Kind: string(sErr.Kind), Message: sErr.Error()}
}

func statusForKind(kind sandbox.Kind) int {
	switch kind {
	case sandbox.KindInvalidTimeout, sandbox.KindInvalidPath:
		return 422
	case sandbox.KindFileTooLarge:
		return 413
	case sandbox.KindUnknownFile:
		return 404
	case sandbox.KindBackendError, sandbox.KindStagingError:
		return 500
	default:
		return 500
	}
}
