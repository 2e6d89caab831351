package container

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sandboxd/sandboxd/sandbox"
)

func TestContainer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Container Suite")
}

var _ = Describe("buildRunArgs", func() {
	It("always isolates the network and drops capabilities but CHOWN", func() {
		args := buildRunArgs("sandboxd/python:3.12", "sandboxd-exec-abc", nil, sandbox.RunParams{TimeoutMS: 1000})
		joined := strings.Join(args, " ")
		Expect(joined).To(ContainSubstring("--network none"))
		Expect(joined).To(ContainSubstring("--cap-drop ALL"))
		Expect(joined).To(ContainSubstring("--cap-add CHOWN"))
		Expect(joined).To(ContainSubstring("--pids-limit 64"))
	})

	It("sets the root process to a sleep exceeding the timeout", func() {
		args := buildRunArgs("img", "name", nil, sandbox.RunParams{TimeoutMS: 2000})
		Expect(args[len(args)-2]).To(Equal("sleep"))
		Expect(args[len(args)-1]).To(Equal("12"))
	})

	It("omits ulimit and memory flags when limits are unset", func() {
		args := buildRunArgs("img", "name", nil, sandbox.RunParams{TimeoutMS: 1000})
		joined := strings.Join(args, " ")
		Expect(joined).NotTo(ContainSubstring("--ulimit"))
		Expect(joined).NotTo(ContainSubstring("--memory"))
	})

	It("omits the CPU ulimit when the CPU limit is zero", func() {
		args := buildRunArgs("img", "name", nil, sandbox.RunParams{TimeoutMS: 1000, CPUTimeLimitSec: 0})
		Expect(strings.Join(args, " ")).NotTo(ContainSubstring("--ulimit"))
	})

	It("clamps the memory limit to a floor of 16 MiB and matches swap to it", func() {
		args := buildRunArgs("img", "name", nil, sandbox.RunParams{TimeoutMS: 1000, MemoryLimitMB: 4})
		joined := strings.Join(args, " ")
		Expect(joined).To(ContainSubstring("--memory 16m"))
		Expect(joined).To(ContainSubstring("--memory-swap 16m"))
	})

	It("appends extra run args verbatim", func() {
		args := buildRunArgs("img", "name", []string{"--label", "team=sandboxd"}, sandbox.RunParams{TimeoutMS: 1000})
		joined := strings.Join(args, " ")
		Expect(joined).To(ContainSubstring("--label team=sandboxd"))
	})
})

var _ = Describe("extractExitCode", func() {
	It("returns nil when the process timed out", func() {
		Expect(extractExitCode(nil, nil, true)).To(BeNil())
	})
})
