package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/observability"
	"github.com/kubeadapt/gpu-broker/internal/pods"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const component = "queue"

// Defaults for jobs that leave their requirements unset.
const (
	DefaultGPUType  = model.GPUH100_80GB
	DefaultGPUCount = 1
)

// PodManager is the slice of the pod lifecycle manager a job needs.
type PodManager interface {
	Create(ctx context.Context, req pods.CreateRequest) (model.Pod, error)
	Status(ctx context.Context, id string) (model.Pod, error)
	Terminate(ctx context.Context, id string) (model.Pod, error)
}

// Executor runs a job's script on a ready pod and returns where the output
// was written.
type Executor interface {
	Execute(ctx context.Context, pod model.Pod, job model.Job) (outputPath string, err error)
}

// Spec describes a job to enqueue.
type Spec struct {
	Name         string               `json:"name,omitempty" yaml:"name"`
	ScriptPath   string               `json:"script_path" yaml:"script"`
	Args         map[string]string    `json:"args,omitempty" yaml:"args"`
	Env          map[string]string    `json:"env,omitempty" yaml:"env"`
	Requirements model.GPURequirement `json:"requirements" yaml:"requirements"`
	Metadata     map[string]string    `json:"metadata,omitempty" yaml:"metadata"`
}

// Validate rejects env and arg names that cannot be passed to the remote
// shell as-is.
func (s Spec) Validate() error {
	return validateKeys(s.Env, s.Args)
}

// Options configures a Queue. Zero fields take defaults.
type Options struct {
	MaxConcurrent  int
	PollInterval   time.Duration
	ReadyTimeout   time.Duration
	CleanupTimeout time.Duration
	Clock          clock.PassiveClock
	Metrics        *observability.Metrics
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Minute
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// entry is the queue's private state for one job. All fields are guarded
// by Queue.mu.
type entry struct {
	job         model.Job
	cancel      context.CancelFunc
	podReleased bool
}

// Queue runs jobs on freshly created pods with bounded concurrency. Jobs are
// admitted in FIFO order; completion order is unordered.
type Queue struct {
	pods PodManager
	exec Executor
	opts Options

	mu      sync.Mutex
	jobs    map[string]*entry
	order   []string
	pending []string
	running int
	// changed is closed and replaced whenever a job is enqueued or a task
	// finishes.
	changed chan struct{}
}

// New creates a Queue.
func New(pm PodManager, exec Executor, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{
		pods:    pm,
		exec:    exec,
		opts:    opts,
		jobs:    make(map[string]*entry),
		changed: make(chan struct{}),
	}
}

// Enqueue adds a pending job and returns it without waiting.
func (q *Queue) Enqueue(spec Spec) model.Job {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	job := model.Job{
		ID:           "job-" + hex,
		Name:         spec.Name,
		Status:       model.JobPending,
		ScriptPath:   spec.ScriptPath,
		Args:         spec.Args,
		Env:          spec.Env,
		Requirements: spec.Requirements,
		CreatedAt:    q.opts.Clock.Now(),
		Metadata:     spec.Metadata,
	}
	if job.Name == "" {
		job.Name = "job-" + hex[:8]
	}
	if job.Requirements.GPUType == "" {
		job.Requirements.GPUType = DefaultGPUType
	}
	if job.Requirements.GPUCount <= 0 {
		job.Requirements.GPUCount = DefaultGPUCount
	}
	job = job.Clone()

	q.mu.Lock()
	q.jobs[job.ID] = &entry{job: job}
	q.order = append(q.order, job.ID)
	q.pending = append(q.pending, job.ID)
	q.signalLocked()
	q.mu.Unlock()

	q.countTransition(model.JobPending)
	slog.Info("queue: job enqueued", "job", job.ID, "name", job.Name, "gpu_type", job.Requirements.GPUType)
	return job.Clone()
}

// RunAll drains the queue and returns once every admitted job has finished.
// Individual job failures end up in the job's state; the only error
// returned is the context's.
func (q *Queue) RunAll(ctx context.Context) error {
	return q.drain(ctx, false)
}

// Serve keeps draining the queue as jobs arrive until ctx is done.
func (q *Queue) Serve(ctx context.Context) error {
	return q.drain(ctx, true)
}

func (q *Queue) drain(ctx context.Context, forever bool) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		q.mu.Lock()
		q.admitLocked(ctx, &wg)
		idle := q.running == 0 && len(q.pending) == 0
		changed := q.changed
		q.mu.Unlock()

		if idle && !forever {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// admitLocked starts pending jobs until the concurrency bound is reached.
// The job is marked running here, under the lock, so the number of running
// jobs can never exceed the bound.
func (q *Queue) admitLocked(ctx context.Context, wg *sync.WaitGroup) {
	for q.running < q.opts.MaxConcurrent && len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		e := q.jobs[id]

		jctx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		e.job.Status = model.JobRunning
		e.job.StartedAt = ptr.To(q.opts.Clock.Now())
		q.running++
		q.setRunningGauge()
		q.countTransition(model.JobRunning)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			q.run(jctx, e)

			q.mu.Lock()
			q.running--
			q.setRunningGauge()
			q.signalLocked()
			q.mu.Unlock()
		}()
	}
}

func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// run is the task body for one job. It owns the pod it creates and always
// releases it before returning.
func (q *Queue) run(ctx context.Context, e *entry) {
	job := q.snapshot(e)
	slog.Info("queue: job started", "job", job.ID, "name", job.Name)

	pod, err := q.pods.Create(ctx, pods.CreateRequest{
		GPUType:  job.Requirements.GPUType,
		GPUCount: job.Requirements.GPUCount,
		Name:     job.Name + "-pod",
		Metadata: map[string]string{"job_id": job.ID},
	})
	if err != nil {
		q.finish(ctx, e, "", fmt.Errorf("create pod: %w", err))
		return
	}

	q.mu.Lock()
	e.job.PodID = pod.ID
	q.mu.Unlock()
	defer q.releasePod(context.WithoutCancel(ctx), e)

	ready, err := q.waitReady(ctx, pod.ID)
	if err != nil {
		q.finish(ctx, e, "", err)
		return
	}

	job = q.snapshot(e)
	output, err := q.exec.Execute(ctx, ready, job)
	if err != nil {
		err = fmt.Errorf("execute: %w", err)
	}
	q.finish(ctx, e, output, err)
}

// waitReady polls the pod until it runs. A pod that fails or stops first
// aborts the job.
func (q *Queue) waitReady(ctx context.Context, podID string) (model.Pod, error) {
	var ready model.Pod
	err := wait.PollUntilContextTimeout(ctx, q.opts.PollInterval, q.opts.ReadyTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := q.pods.Status(ctx, podID)
			if err != nil {
				slog.Debug("queue: pod status unavailable, polling again", "pod", podID, "error", err)
				return false, nil
			}
			switch pod.Status {
			case model.PodRunning:
				ready = pod
				return true, nil
			case model.PodFailed, model.PodStopped:
				return false, brokererrors.New(brokererrors.ErrCommandFailed, component,
					"pod %s %s before becoming ready", podID, pod.Status)
			}
			return false, nil
		})
	if err == nil {
		return ready, nil
	}
	if ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
		return model.Pod{}, brokererrors.Wrap(brokererrors.ErrTimeout, component, err,
			"pod %s not ready after %s", podID, q.opts.ReadyTimeout)
	}
	return model.Pod{}, err
}

// finish moves a running job to its terminal state. A job already made
// terminal by Cancel keeps that state.
func (q *Queue) finish(ctx context.Context, e *entry, output string, err error) {
	q.mu.Lock()
	if e.job.Status.Terminal() {
		q.mu.Unlock()
		return
	}

	now := q.opts.Clock.Now()
	e.job.CompletedAt = ptr.To(now)
	switch {
	case err == nil:
		e.job.Status = model.JobCompleted
		e.job.OutputPath = output
	case ctx.Err() != nil:
		e.job.Status = model.JobCancelled
		e.job.Error = err.Error()
	default:
		e.job.Status = model.JobFailed
		e.job.Error = err.Error()
	}
	job := e.job.Clone()
	q.mu.Unlock()

	q.countTransition(job.Status)
	q.observeDuration(job)
	if err != nil {
		slog.Warn("queue: job ended", "job", job.ID, "status", job.Status, "error", err)
		return
	}
	slog.Info("queue: job completed", "job", job.ID, "output", job.OutputPath)
}

// releasePod terminates the job's pod at most once. Failures are logged and
// otherwise ignored.
func (q *Queue) releasePod(ctx context.Context, e *entry) {
	q.mu.Lock()
	if e.job.PodID == "" || e.podReleased {
		q.mu.Unlock()
		return
	}
	e.podReleased = true
	podID, jobID := e.job.PodID, e.job.ID
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, q.opts.CleanupTimeout)
	defer cancel()
	if _, err := q.pods.Terminate(ctx, podID); err != nil {
		slog.Warn("queue: pod cleanup failed", "job", jobID, "pod", podID, "error", err)
		return
	}
	slog.Debug("queue: pod released", "job", jobID, "pod", podID)
}

// Cancel stops a job. Pending jobs leave the queue; running jobs have their
// task cancelled and their pod terminated. Finished jobs cannot be
// cancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return brokererrors.New(brokererrors.ErrNotFound, component, "job %q not found", id)
	}

	switch e.job.Status {
	case model.JobPending:
		q.pending = slices.DeleteFunc(q.pending, func(p string) bool { return p == id })
		q.markCancelledLocked(e)
		q.signalLocked()
		q.mu.Unlock()

	case model.JobRunning:
		q.markCancelledLocked(e)
		cancel := e.cancel
		q.mu.Unlock()

		cancel()
		q.releasePod(context.Background(), e)

	default:
		status := e.job.Status
		q.mu.Unlock()
		return brokererrors.New(brokererrors.ErrNotCancellable, component, "job %q is already %s", id, status)
	}

	q.countTransition(model.JobCancelled)
	slog.Info("queue: job cancelled", "job", id)
	return nil
}

func (q *Queue) markCancelledLocked(e *entry) {
	e.job.Status = model.JobCancelled
	e.job.CompletedAt = ptr.To(q.opts.Clock.Now())
	e.job.Error = "cancelled"
}

// Get returns a copy of the job.
func (q *Queue) Get(id string) (model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return e.job.Clone(), true
}

// List returns jobs in enqueue order, optionally restricted to statuses.
func (q *Queue) List(statuses ...model.JobStatus) []model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.Job, 0, len(q.order))
	for _, id := range q.order {
		j := q.jobs[id].job
		if len(statuses) > 0 && !slices.Contains(statuses, j.Status) {
			continue
		}
		out = append(out, j.Clone())
	}
	return out
}

func (q *Queue) snapshot(e *entry) model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return e.job.Clone()
}

func (q *Queue) countTransition(status model.JobStatus) {
	if q.opts.Metrics != nil {
		q.opts.Metrics.JobTransitionsTotal.WithLabelValues(string(status)).Inc()
	}
}

func (q *Queue) setRunningGauge() {
	if q.opts.Metrics != nil {
		q.opts.Metrics.JobsRunning.Set(float64(q.running))
	}
}

func (q *Queue) observeDuration(job model.Job) {
	if q.opts.Metrics != nil && job.StartedAt != nil && job.CompletedAt != nil {
		q.opts.Metrics.JobDuration.Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
}
