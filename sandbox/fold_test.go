package sandbox_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sandboxd/sandboxd/sandbox"
)

func TestSandbox(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sandbox Suite")
}

var _ = Describe("RunViaStream", func() {
	It("concatenates stdout/stderr chunks in arrival order and returns the terminal result", func() {
		exitCode := 0
		stream := func(ctx context.Context, params sandbox.RunParams) (<-chan sandbox.StreamEvent, error) {
			ch := make(chan sandbox.StreamEvent, 4)
			ch <- sandbox.StreamEvent{Kind: sandbox.EventStdout, Chunk: "hel"}
			ch <- sandbox.StreamEvent{Kind: sandbox.EventStderr, Chunk: "err1"}
			ch <- sandbox.StreamEvent{Kind: sandbox.EventStdout, Chunk: "lo"}
			ch <- sandbox.StreamEvent{Kind: sandbox.EventResult, Result: &sandbox.ExecutionResult{
				ExitCode:   &exitCode,
				DurationMS: 42,
			}}
			close(ch)
			return ch, nil
		}

		result, err := sandbox.RunViaStream(context.Background(), stream, sandbox.RunParams{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Stdout).To(Equal("hello"))
		Expect(result.Stderr).To(Equal("err1"))
		Expect(*result.ExitCode).To(Equal(0))
		Expect(result.DurationMS).To(Equal(int64(42)))
	})

	It("overwrites the tail with the truncation marker when the terminal result reports a dropped stream", func() {
		stream := func(ctx context.Context, params sandbox.RunParams) (<-chan sandbox.StreamEvent, error) {
			ch := make(chan sandbox.StreamEvent, 2)
			ch <- sandbox.StreamEvent{Kind: sandbox.EventStdout, Chunk: "01234567890123456789"}
			ch <- sandbox.StreamEvent{Kind: sandbox.EventResult, Result: &sandbox.ExecutionResult{StdoutTruncated: true}}
			close(ch)
			return ch, nil
		}

		result, err := sandbox.RunViaStream(context.Background(), stream, sandbox.RunParams{MaxOutputBytes: 20})
		Expect(err).NotTo(HaveOccurred())
		Expect(len(result.Stdout)).To(Equal(20))
		Expect(result.Stdout[len(result.Stdout)-len(sandbox.TruncationMarker):]).To(Equal(sandbox.TruncationMarker))
	})

	It("leaves output untouched when it lands exactly on the cap without being truncated", func() {
		stream := func(ctx context.Context, params sandbox.RunParams) (<-chan sandbox.StreamEvent, error) {
			ch := make(chan sandbox.StreamEvent, 2)
			ch <- sandbox.StreamEvent{Kind: sandbox.EventStdout, Chunk: "0123456789"}
			ch <- sandbox.StreamEvent{Kind: sandbox.EventResult, Result: &sandbox.ExecutionResult{}}
			close(ch)
			return ch, nil
		}

		result, err := sandbox.RunViaStream(context.Background(), stream, sandbox.RunParams{MaxOutputBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Stdout).To(Equal("0123456789"))
	})

	It("propagates an error from the stream function without draining", func() {
		boom := context.Canceled
		stream := func(ctx context.Context, params sandbox.RunParams) (<-chan sandbox.StreamEvent, error) {
			return nil, boom
		}

		_, err := sandbox.RunViaStream(context.Background(), stream, sandbox.RunParams{})
		Expect(err).To(MatchError(boom))
	})
})
