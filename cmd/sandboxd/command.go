package main

import (
	"fmt"
	"os"
	"time"

	"code.cloudfoundry.org/lager/v3"
	flags "github.com/jessevdk/go-flags"

	"github.com/sandboxd/sandboxd/sandbox/cluster"
	"github.com/sandboxd/sandboxd/sandbox/container"
	"github.com/sandboxd/sandboxd/tracing"
)

// SandboxdCommand is the top-level flag struct parsed by main. Every
// setting is also reachable through an env var under the SANDBOXD_ prefix,
// wired in main via twentythousandtonnesofcrudeoil.
type SandboxdCommand struct {
	Version func() `short:"v" long:"version" description:"Print the version of sandboxd and exit"`

	BindIP   string `long:"bind-ip"   description:"IP address to listen on" default:"0.0.0.0"`
	BindPort int    `long:"bind-port" description:"Port to listen on" default:"8080"`

	Backend string `long:"backend" description:"Sandbox backend to run executions on: container or cluster" default:"container"`

	FileStoreDir     string `long:"file-store-dir"      description:"Directory the file store persists uploads and outputs under" default:"/var/lib/sandboxd/files"`
	MaxUploadMB      int    `long:"max-upload-mb"       description:"Maximum accepted size of a single uploaded file, in MiB" default:"50"`
	UploadTTLSeconds int    `long:"upload-ttl-seconds"  description:"Age, in seconds, after which an uploaded or produced file is swept" default:"3600"`
	SweepInterval    time.Duration `long:"sweep-interval" description:"How often the file store sweep runs" default:"5m"`

	MaxTimeoutMS      int `long:"max-timeout-ms"        description:"Upper bound on the timeout_ms a caller may request" default:"30000"`
	MaxOutputBytes    int `long:"max-output-bytes"      description:"Captured stdout/stderr ceiling applied when a request doesn't specify one" default:"1048576"`
	DefaultCPUSeconds int `long:"default-cpu-seconds"   description:"CPU time limit applied when a request doesn't specify one" default:"10"`
	DefaultMemoryMB   int `long:"default-memory-mb"     description:"Memory limit applied when a request doesn't specify one" default:"256"`

	Container struct {
		Binary       string   `long:"container-binary"        description:"Container-runtime CLI to invoke" default:"docker"`
		Image        string   `long:"container-image"         description:"Sandbox image reference run for every container execution" default:"sandboxd/python:3.12"`
		ExtraRunArgs []string `long:"container-extra-run-arg" description:"Extra arguments appended to the container run invocation verbatim"`
	} `group:"Container Backend"`

	Cluster struct {
		Namespace         string        `long:"cluster-namespace"           description:"Kubernetes namespace sandbox pods are created in" default:"default"`
		KubeconfigPath    string        `long:"cluster-kubeconfig"          description:"Path to a kubeconfig file; empty uses in-cluster configuration"`
		Image             string        `long:"cluster-image"               description:"Sandbox image reference run for every cluster execution" default:"sandboxd/python:3.12"`
		ServiceAccount    string        `long:"cluster-service-account"     description:"ServiceAccount name set on created pods"`
		ImagePullSecrets  []string      `long:"cluster-image-pull-secret"  description:"Names of image pull secrets attached to created pods"`
		PodStartupTimeout time.Duration `long:"cluster-pod-startup-timeout" description:"How long to wait for a pod to reach Running before giving up" default:"30s"`
	} `group:"Cluster Backend"`

	Sampling tracing.SamplingConfig `group:"Tracing"`
	Metrics  tracing.MetricsConfig  `group:"Metrics"`
}

// LessenRequirements is a no-op: no sandboxd flag is marked required, so
// there is nothing to relax.
func (cmd *SandboxdCommand) LessenRequirements(parser *flags.Parser) {}

// buildContainerBackend resolves the configured container-runtime CLI on
// PATH, failing fast rather than on the first execution request.
func (cmd *SandboxdCommand) buildContainerBackend() (*container.Backend, error) {
	resolved, err := container.Resolve(container.Config{
		Binary:       cmd.Container.Binary,
		Image:        cmd.Container.Image,
		ExtraRunArgs: cmd.Container.ExtraRunArgs,
	})
	if err != nil {
		return nil, err
	}
	return container.NewBackend(resolved), nil
}

// buildClusterBackend builds a Kubernetes clientset from the configured
// kubeconfig (or in-cluster config) and wraps it in a Cluster Backend.
func (cmd *SandboxdCommand) buildClusterBackend() (*cluster.Backend, error) {
	cfg := cluster.NewConfig(cmd.Cluster.Namespace, cmd.Cluster.KubeconfigPath)
	cfg.Image = cmd.Cluster.Image
	cfg.ServiceAccount = cmd.Cluster.ServiceAccount
	cfg.ImagePullSecrets = cmd.Cluster.ImagePullSecrets
	if cmd.Cluster.PodStartupTimeout > 0 {
		cfg.PodStartupTimeout = cmd.Cluster.PodStartupTimeout
	}

	clientset, restConfig, err := cluster.NewClientset(cfg)
	if err != nil {
		return nil, err
	}
	return cluster.NewBackend(cfg, clientset, restConfig), nil
}

// addr is the listen address to pass to http.Server, combining BindIP and
// BindPort the way the web command combines its own bind flags.
func (cmd *SandboxdCommand) addr() string {
	return fmt.Sprintf("%s:%d", cmd.BindIP, cmd.BindPort)
}

func fatal(logger lager.Logger, action string, err error) {
	logger.Error(action, err)
	os.Exit(1)
}
