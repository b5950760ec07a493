package pods

import (
	"log/slog"
	"slices"
	"time"

	"k8s.io/utils/ptr"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

// transitions lists the states each pod state may move to. Stopped and
// failed have no entry and are therefore absorbing.
var transitions = map[model.PodStatus][]model.PodStatus{
	model.PodCreating: {model.PodRunning, model.PodStopped, model.PodFailed},
	model.PodRunning:  {model.PodStopped, model.PodFailed},
}

// CanTransition reports whether a pod may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to model.PodStatus) bool {
	if from == to {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// transitionTo moves p to state and stamps the start or stop time the
// first time the pod enters running or a terminal state. Disallowed
// transitions leave p untouched and return false.
func transitionTo(p *model.Pod, state model.PodStatus, now time.Time) bool {
	if !CanTransition(p.Status, state) {
		slog.Debug("pods: ignoring status transition",
			"pod", p.ID,
			"from", p.Status,
			"to", state,
		)
		return false
	}

	p.Status = state
	switch state {
	case model.PodRunning:
		if p.StartedAt == nil {
			p.StartedAt = ptr.To(now)
		}
	case model.PodStopped, model.PodFailed:
		if p.StoppedAt == nil {
			p.StoppedAt = ptr.To(now)
		}
	}
	return true
}
