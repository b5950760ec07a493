package pods

import (
	"context"
	"log/slog"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/normalize"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

// InteractiveRunner runs a command attached to the caller's terminal and
// reports its exit code.
type InteractiveRunner interface {
	RunInteractive(ctx context.Context, name string, args ...string) (int, error)
}

// SSHSession is the result of an SSH request. ExitCode is only meaningful
// for interactive sessions.
type SSHSession struct {
	PodID      string `json:"pod_id"`
	Connection string `json:"connection"`
	ExitCode   int    `json:"exit_code"`
}

// SSH resolves the connection of a running pod. In interactive mode it
// opens an ssh session on the current terminal and returns once it exits.
// The check uses the cached status; call Status first for a fresh one.
func (m *Manager) SSH(ctx context.Context, id string, interactive bool) (SSHSession, error) {
	pod, ok := m.pods.Get(id)
	if !ok {
		return SSHSession{}, brokererrors.New(brokererrors.ErrNotFound, component, "pod %q not found", id)
	}
	if pod.Status != model.PodRunning {
		return SSHSession{}, brokererrors.New(brokererrors.ErrNotRunning, component,
			"pod %q is %s, not running", id, pod.Status)
	}
	if pod.SSHConnection == "" {
		return SSHSession{}, brokererrors.New(brokererrors.ErrNoConnection, component,
			"pod %q has no ssh connection yet", id)
	}

	session := SSHSession{PodID: id, Connection: pod.SSHConnection}
	if !interactive {
		return session, nil
	}

	target, err := normalize.ParseSSHTarget(pod.SSHConnection)
	if err != nil {
		return SSHSession{}, brokererrors.Wrap(brokererrors.ErrNoConnection, component, err,
			"pod %q has an unusable ssh connection", id)
	}

	slog.Debug("pods: opening ssh session", "pod", id, "target", target.Destination())
	code, err := m.ssh.RunInteractive(ctx, "ssh", target.SSHArgs()...)
	if err != nil {
		return SSHSession{}, brokererrors.Wrap(brokererrors.ErrCommandFailed, component, err, "ssh to pod %q failed", id)
	}
	session.ExitCode = code
	return session, nil
}
