// Package api is the thin HTTP surface that marshals requests onto
// sandbox/coordinator.Coordinator and sandbox/filestore.Store. No sandbox
// business logic lives here, only JSON (de)serialization and routing.
package api

// inputFileWire is one element of executeRequestWire.Inputs.
type inputFileWire struct {
	Path   string `json:"path"`
	FileID string `json:"file_id"`
}

// executeRequestWire is the wire shape of an ExecuteRequest.
type executeRequestWire struct {
	Code                string          `json:"code"`
	Stdin               *string         `json:"stdin,omitempty"`
	TimeoutMS           int             `json:"timeout_ms"`
	MaxOutputBytes      int             `json:"max_output_bytes,omitempty"`
	CPUTimeLimitSec     int             `json:"cpu_time_limit_sec,omitempty"`
	MemoryLimitMB       int             `json:"memory_limit_mb,omitempty"`
	LastLineInteractive *bool           `json:"last_line_interactive,omitempty"`
	Inputs              []inputFileWire `json:"inputs,omitempty"`
}

// responseFileWire is one element of executeResponseWire.Files.
type responseFileWire struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	FileID string `json:"file_id"`
}

// executeResponseWire is the wire shape of an ExecutionResult, externalized
// (raw bytes replaced by file-ids).
type executeResponseWire struct {
	Stdout     string             `json:"stdout"`
	Stderr     string             `json:"stderr"`
	ExitCode   *int               `json:"exit_code"`
	TimedOut   bool               `json:"timed_out"`
	DurationMS int64              `json:"duration_ms"`
	Files      []responseFileWire `json:"files"`
}

// fileRecordWire is the wire shape of a stored file's metadata (bytes
// excluded; those are served at the download endpoint as a raw body).
type fileRecordWire struct {
	FileID     string  `json:"file_id"`
	Filename   string  `json:"filename"`
	SizeBytes  int     `json:"size_bytes"`
	UploadTime float64 `json:"upload_time"`
}

// errorWire is the error envelope returned on any non-2xx response.
type errorWire struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// streamEventWire is one server-sent event payload. The SSE event name
// written alongside it is either "output" (Stream/Chunk populated) or
// "result" (Response populated).
type streamEventWire struct {
	Stream   string               `json:"stream,omitempty"`
	Chunk    string               `json:"chunk,omitempty"`
	Response *executeResponseWire `json:"result,omitempty"`
}
