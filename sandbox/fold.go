package sandbox

import (
	"context"
	"strings"
)

// StreamFunc is the shape of a backend's RunStream method, referenced as a
// value so RunViaStream can be shared by every Backend implementation.
type StreamFunc func(ctx context.Context, params RunParams) (<-chan StreamEvent, error)

// RunViaStream implements Run generically on top of a RunStream
// implementation: it drains the stream, concatenating stdout and stderr
// chunks in arrival order, and returns the terminal EventResult's
// ExecutionResult with those concatenated buffers filled in. Every backend
// defines RunStream itself and gets Run for free by delegating to this.
func RunViaStream(ctx context.Context, stream StreamFunc, params RunParams) (ExecutionResult, error) {
	ch, err := stream(ctx, params)
	if err != nil {
		return ExecutionResult{}, err
	}

	var stdout, stderr strings.Builder
	var result ExecutionResult
	for ev := range ch {
		switch ev.Kind {
		case EventStdout:
			stdout.WriteString(ev.Chunk)
		case EventStderr:
			stderr.WriteString(ev.Chunk)
		case EventResult:
			if ev.Result != nil {
				result = *ev.Result
			}
		}
	}

	// RunStream's per-chunk cap drops overflow silently (the stream must
	// not close early). Run's contract additionally calls for a visible
	// truncation marker on the tail of a stream that hit the cap. Whether
	// that happened is the terminal event's call, not ours to re-derive:
	// a stream whose real output lands exactly on MaxOutputBytes is
	// otherwise indistinguishable from one that got clipped to it.
	result.Stdout = applyTruncationMarker(stdout.String(), params.MaxOutputBytes, result.StdoutTruncated)
	result.Stderr = applyTruncationMarker(stderr.String(), params.MaxOutputBytes, result.StderrTruncated)
	return result, nil
}

func applyTruncationMarker(s string, maxBytes int, truncated bool) string {
	if !truncated {
		return s
	}
	return markTruncated([]byte(s), maxBytes)
}
