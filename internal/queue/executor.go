package queue

import (
	"context"
	"maps"
	"path"
	"regexp"
	"slices"
	"strings"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/inventory"
	"github.com/kubeadapt/gpu-broker/internal/normalize"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const executorComponent = "queue.executor"

// OutputPath is where a job's combined output is written on the pod.
func OutputPath(jobName string) string {
	return path.Join("/outputs", jobName, "results.txt")
}

// SSHExecutor copies a job's script to the pod with scp and runs it over
// ssh, redirecting its output to OutputPath.
type SSHExecutor struct {
	Runner inventory.CommandRunner
	// RemoteDir is the parent of the per-job working directory.
	RemoteDir string
}

// NewSSHExecutor creates an SSHExecutor using os/exec.
func NewSSHExecutor() *SSHExecutor {
	return &SSHExecutor{Runner: inventory.ExecRunner{}, RemoteDir: "/tmp/gpubroker"}
}

// Execute implements Executor.
func (x *SSHExecutor) Execute(ctx context.Context, pod model.Pod, job model.Job) (string, error) {
	target, err := normalize.ParseSSHTarget(pod.SSHConnection)
	if err != nil {
		return "", brokererrors.Wrap(brokererrors.ErrNoConnection, executorComponent, err,
			"pod %s has no usable ssh connection", pod.ID)
	}

	workDir := path.Join(x.remoteDir(), job.ID)
	script := path.Join(workDir, path.Base(job.ScriptPath))
	output := OutputPath(job.Name)
	command, err := RemoteCommand(job, workDir, script, output)
	if err != nil {
		return "", err
	}

	if err := x.ssh(ctx, target, "mkdir -p "+shellQuote(workDir)+" "+shellQuote(path.Dir(output))); err != nil {
		return "", err
	}

	scpArgs := append(target.SCPArgs(), job.ScriptPath, target.Destination()+":"+script)
	if _, stderr, err := x.Runner.Run(ctx, "scp", scpArgs...); err != nil {
		return "", commandError(err, stderr, "copy %s to pod %s", job.ScriptPath, pod.ID)
	}

	if err := x.ssh(ctx, target, command); err != nil {
		return "", err
	}
	return output, nil
}

func (x *SSHExecutor) ssh(ctx context.Context, target normalize.SSHTarget, command string) error {
	args := append(target.SSHArgs(), command)
	if _, stderr, err := x.Runner.Run(ctx, "ssh", args...); err != nil {
		return commandError(err, stderr, "remote command on %s", target.Destination())
	}
	return nil
}

func (x *SSHExecutor) remoteDir() string {
	if x.RemoteDir == "" {
		return "/tmp/gpubroker"
	}
	return x.RemoteDir
}

var (
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	argKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// validateKeys checks that env and arg keys are plain identifiers. Keys are
// written into the remote shell line unquoted.
func validateKeys(env, args map[string]string) error {
	for _, k := range slices.Sorted(maps.Keys(env)) {
		if !envKeyPattern.MatchString(k) {
			return brokererrors.New(brokererrors.ErrInvalidArgument, executorComponent,
				"invalid environment variable name %q", k)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(args)) {
		if !argKeyPattern.MatchString(k) {
			return brokererrors.New(brokererrors.ErrInvalidArgument, executorComponent,
				"invalid argument name %q", k)
		}
	}
	return nil
}

// RemoteCommand builds the shell line that runs a job's script on the pod.
// Environment and arguments are emitted in key order. Keys that are not
// plain identifiers are rejected.
func RemoteCommand(job model.Job, workDir, script, output string) (string, error) {
	if err := validateKeys(job.Env, job.Args); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("cd " + shellQuote(workDir) + " && ")
	for _, k := range slices.Sorted(maps.Keys(job.Env)) {
		b.WriteString(k + "=" + shellQuote(job.Env[k]) + " ")
	}
	b.WriteString(interpreter(script) + " " + shellQuote(script))
	for _, k := range slices.Sorted(maps.Keys(job.Args)) {
		b.WriteString(" --" + k + " " + shellQuote(job.Args[k]))
	}
	b.WriteString(" > " + shellQuote(output) + " 2>&1")
	return b.String(), nil
}

func interpreter(script string) string {
	switch path.Ext(script) {
	case ".py":
		return "python"
	default:
		return "bash"
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func commandError(err error, stderr []byte, format string, args ...any) error {
	msg := strings.TrimSpace(string(stderr))
	if msg != "" {
		format += ": %s"
		args = append(args, msg)
	}
	return brokererrors.Wrap(brokererrors.ErrCommandFailed, executorComponent, err, format, args...)
}
