// Package container implements the Container Backend: an ephemeral,
// single-use sandbox per execution, driven entirely through subprocess
// calls to a container-runtime CLI (docker by default). Each execution
// launches a sleeping container, stages an input archive into it, runs the
// interpreter inside as an unprivileged user, supervises it to a deadline,
// snapshots the workspace, and tears the container down unconditionally.
package container

import (
	"fmt"
	"os/exec"
)

// DefaultBinary is the container-runtime CLI looked up on PATH when
// Config.Binary is empty.
const DefaultBinary = "docker"

// Config holds everything the Container Backend needs to launch sandboxes.
type Config struct {
	// Binary is the container-runtime CLI to invoke (docker, podman, ...).
	// Defaults to DefaultBinary.
	Binary string

	// Image is the sandbox image reference run for every execution.
	Image string

	// ExtraRunArgs are appended to the `run` invocation verbatim, each
	// element as one argument; no whitespace splitting is applied.
	ExtraRunArgs []string
}

// Resolved is a Config with its runtime binary resolved to an absolute
// path, ready to exec.
type Resolved struct {
	Config
	BinaryPath string
}

// Resolve locates cfg.Binary (or DefaultBinary) on PATH, failing fast at
// startup rather than on the first execution request.
func Resolve(cfg Config) (Resolved, error) {
	bin := cfg.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return Resolved{}, fmt.Errorf("container runtime CLI %q not found on PATH: %w", bin, err)
	}
	return Resolved{Config: cfg, BinaryPath: path}, nil
}
