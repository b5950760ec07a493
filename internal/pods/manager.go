package pods

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/kubeadapt/gpu-broker/internal/discovery"
	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/inventory"
	"github.com/kubeadapt/gpu-broker/internal/normalize"
	"github.com/kubeadapt/gpu-broker/internal/observability"
	"github.com/kubeadapt/gpu-broker/internal/store"
	"github.com/kubeadapt/gpu-broker/internal/transport"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const component = "pods"

// Provisioning defaults applied when a request leaves them unset.
const (
	DefaultImage      = "pytorch/pytorch:2.0.1-cuda11.7-cudnn8-devel"
	DefaultDiskSizeGB = 50
)

// Discoverer finds inventory for a create request.
type Discoverer interface {
	Discover(ctx context.Context, f discovery.Filter) ([]model.Resource, error)
}

// CreateRequest describes a pod to provision. Only GPUType is required.
type CreateRequest struct {
	GPUType        model.GPUType     `json:"gpu_type"`
	GPUCount       int               `json:"gpu_count,omitempty"`
	Name           string            `json:"name,omitempty"`
	MaxCostPerHour *float64          `json:"max_cost_per_hour,omitempty"`
	Regions        []string          `json:"regions,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	Image          string            `json:"image,omitempty"`
	DiskSizeGB     int               `json:"disk_size_gb,omitempty"`
	VCPUs          int               `json:"vcpus,omitempty"`
	MemoryGB       int               `json:"memory_gb,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r CreateRequest) filter() discovery.Filter {
	return discovery.Filter{
		GPUType:      r.GPUType,
		GPUCount:     r.GPUCount,
		Provider:     r.Provider,
		Regions:      r.Regions,
		MaxCost:      r.MaxCostPerHour,
		MinAvailable: r.GPUCount,
	}
}

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	Retrier *transport.Retrier
	Clock   clock.PassiveClock
	Metrics *observability.Metrics
	// SSH runs interactive sessions. Defaults to inventory.ExecRunner.
	SSH InteractiveRunner
}

// Manager owns the canonical pod records. Reads are concurrent; mutations
// are serialized per pod id.
type Manager struct {
	source     inventory.PodSource
	discoverer Discoverer
	retrier    *transport.Retrier
	clock      clock.PassiveClock
	metrics    *observability.Metrics
	ssh        InteractiveRunner

	pods  *store.TypedStore[model.Pod]
	locks *store.KeyedMutex
}

// NewManager creates a Manager over a pod source and a discoverer.
func NewManager(source inventory.PodSource, discoverer Discoverer, opts Options) *Manager {
	if opts.Retrier == nil {
		opts.Retrier = transport.NewRetrier(transport.DefaultRetryPolicy(), 0, opts.Metrics)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.SSH == nil {
		opts.SSH = inventory.ExecRunner{}
	}
	return &Manager{
		source:     source,
		discoverer: discoverer,
		retrier:    opts.Retrier,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		ssh:        opts.SSH,
		pods:       store.NewTypedStore[model.Pod](),
		locks:      store.NewKeyedMutex(),
	}
}

// Plan runs discovery for req and returns the resource Create would use.
func (m *Manager) Plan(ctx context.Context, req CreateRequest) (model.Resource, error) {
	if req.GPUType == "" {
		return model.Resource{}, brokererrors.New(brokererrors.ErrInvalidArgument, component, "gpu type is required")
	}

	resources, err := m.discoverer.Discover(ctx, req.filter())
	if err != nil {
		return model.Resource{}, err
	}
	if len(resources) == 0 {
		return model.Resource{}, brokererrors.New(brokererrors.ErrNoResources, component,
			"no available resources for %s x%d", req.GPUType, max(req.GPUCount, 1))
	}

	selected := resources[0]
	if !selected.HasConfigID() {
		return model.Resource{}, brokererrors.New(brokererrors.ErrMissingIdentifier, component,
			"selected %s offer from %s has no configuration id", selected.GPUType, selected.Provider)
	}
	return selected, nil
}

// Create provisions the cheapest matching offer and records the new pod in
// the creating state.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (model.Pod, error) {
	selected, err := m.Plan(ctx, req)
	if err != nil {
		m.countOp("create", err)
		return model.Pod{}, err
	}

	opts := createOptions(req)
	var out string
	err = m.retrier.Do(ctx, "pods_create", func(ctx context.Context) error {
		var err error
		out, err = m.source.CreatePod(ctx, selected.ConfigID, opts)
		return err
	})
	m.countOp("create", err)
	if err != nil {
		return model.Pod{}, err
	}

	id := normalize.ParseCreatedPodID(out)
	if id == "" {
		id = uuid.NewString()
		slog.Warn("pods: provisioning output had no pod id, using a local id", "pod", id, "name", opts.Name)
	}

	count := req.GPUCount
	if count <= 0 {
		count = max(selected.TotalCount, 1)
	}

	pod := model.Pod{
		ID:          id,
		Name:        opts.Name,
		Status:      model.PodCreating,
		GPUType:     selected.GPUType,
		GPUCount:    count,
		CostPerHour: selected.CostPerHour,
		CreatedAt:   m.clock.Now(),
		Provider:    selected.Provider,
		Region:      selected.Region,
		Metadata: map[string]string{
			"config_id": selected.ConfigID,
			"image":     opts.Image,
		},
	}
	for k, v := range req.Metadata {
		pod.Metadata[k] = v
	}

	unlock := m.locks.Lock(id)
	m.pods.Set(id, pod)
	unlock()
	m.refreshGauge()

	slog.Info("pods: created",
		"pod", id,
		"name", pod.Name,
		"gpu_type", pod.GPUType,
		"gpu_count", pod.GPUCount,
		"provider", pod.Provider,
		"cost_per_hour", pod.CostPerHour,
	)
	return pod.Clone(), nil
}

func createOptions(req CreateRequest) inventory.CreateOptions {
	opts := inventory.CreateOptions{
		Name:       req.Name,
		Image:      req.Image,
		GPUCount:   req.GPUCount,
		DiskSizeGB: req.DiskSizeGB,
		VCPUs:      req.VCPUs,
		MemoryGB:   req.MemoryGB,
		Env:        req.Env,
	}
	if opts.Name == "" {
		opts.Name = GenerateName()
	}
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.DiskSizeGB <= 0 {
		opts.DiskSizeGB = DefaultDiskSizeGB
	}
	return opts
}

// GenerateName returns a unique pod name of the form "pod-1a2b3c4d".
func GenerateName() string {
	return "pod-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Status refreshes a pod from the backend. When the backend cannot be
// reached the cached record is returned instead; the call fails only when
// there is nothing cached.
func (m *Manager) Status(ctx context.Context, id string) (model.Pod, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	var text string
	err := m.retrier.Do(ctx, "pods_status", func(ctx context.Context) error {
		var err error
		text, err = m.source.PodStatus(ctx, id)
		return err
	})
	m.countOp("status", err)
	if err != nil {
		if cached, ok := m.pods.Get(id); ok {
			slog.Warn("pods: status lookup failed, serving cached record", "pod", id, "error", err)
			return cached.Clone(), nil
		}
		return model.Pod{}, err
	}

	now := m.clock.Now()
	details := normalize.ParsePodDetails(text)
	pod := m.pods.Update(id, func(cur model.Pod, ok bool) model.Pod {
		if !ok {
			cur = model.Pod{ID: id, Status: model.PodCreating, CreatedAt: now}
		} else {
			cur = cur.Clone()
		}
		mergeDetails(&cur, details, now)
		return cur
	})
	m.refreshGauge()
	return pod.Clone(), nil
}

// mergeDetails copies the non-empty parsed fields onto p.
func mergeDetails(p *model.Pod, d normalize.PodDetails, now time.Time) {
	if d.Name != "" {
		p.Name = d.Name
	}
	if d.GPUType != "" && d.GPUType != model.GPUUnknown {
		p.GPUType = d.GPUType
	}
	if d.GPUCount > 0 {
		p.GPUCount = d.GPUCount
	}
	if d.CostPerHour > 0 {
		p.CostPerHour = d.CostPerHour
	}
	if d.Provider != "" {
		p.Provider = d.Provider
	}
	if d.Region != "" {
		p.Region = d.Region
	}
	if d.SSHConnection != "" {
		p.SSHConnection = d.SSHConnection
	}
	if !d.CreatedAt.IsZero() {
		p.CreatedAt = d.CreatedAt
	}
	if state, ok := normalize.ParsePodStatus(d.Status); ok {
		transitionTo(p, state, now)
	}
}

// List returns the backend's pod listing merged with the cache. Cached
// fields the listing lacks, such as cost, are kept. If the listing fails
// the cached records are returned.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]model.Pod, error) {
	var text string
	err := m.retrier.Do(ctx, "pods_list", func(ctx context.Context) error {
		var err error
		text, err = m.source.PodsTable(ctx)
		return err
	})
	m.countOp("list", err)
	if err != nil {
		if m.pods.Len() == 0 {
			return nil, err
		}
		slog.Warn("pods: listing failed, serving cached records", "error", err)
		return filterActive(m.Pods(), activeOnly), nil
	}

	now := m.clock.Now()
	rows := normalize.ParsePodsTable(text)
	out := make([]model.Pod, 0, len(rows))
	for _, row := range rows {
		if row.ID == "" {
			continue
		}
		unlock := m.locks.Lock(row.ID)
		pod := m.pods.Update(row.ID, func(cur model.Pod, ok bool) model.Pod {
			if !ok {
				cur = model.Pod{ID: row.ID, Status: model.PodCreating, CreatedAt: now}
			} else {
				cur = cur.Clone()
			}
			mergeRow(&cur, row, now)
			return cur
		})
		unlock()
		out = append(out, pod.Clone())
	}
	m.refreshGauge()
	return filterActive(out, activeOnly), nil
}

func mergeRow(p *model.Pod, row normalize.PodRow, now time.Time) {
	if p.Name == "" {
		p.Name = row.Name
	}
	if gt, count := normalize.ParseGPUInfo(row.GPUInfo); gt != model.GPUUnknown {
		if p.GPUType == "" || p.GPUType == model.GPUUnknown {
			p.GPUType = gt
		}
		if p.GPUCount == 0 {
			p.GPUCount = count
		}
	}
	if !row.CreatedAt.IsZero() {
		p.CreatedAt = row.CreatedAt
	}
	if state, ok := normalize.ParsePodStatus(row.Status); ok {
		transitionTo(p, state, now)
	}
}

func filterActive(pods []model.Pod, activeOnly bool) []model.Pod {
	if !activeOnly {
		return pods
	}
	out := pods[:0:0]
	for _, p := range pods {
		if p.Status.Active() {
			out = append(out, p)
		}
	}
	return out
}

// Terminate stops a known pod. The record is kept in the stopped state.
// Terminating a stopped pod is a no-op; a failed pod stays failed.
func (m *Manager) Terminate(ctx context.Context, id string) (model.Pod, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cur, ok := m.pods.Get(id)
	if !ok {
		err := brokererrors.New(brokererrors.ErrNotFound, component, "pod %q not found", id)
		m.countOp("terminate", err)
		return model.Pod{}, err
	}
	if cur.Status == model.PodStopped {
		return cur.Clone(), nil
	}

	err := m.retrier.Do(ctx, "pods_terminate", func(ctx context.Context) error {
		return m.source.TerminatePod(ctx, id)
	})
	m.countOp("terminate", err)
	if err != nil {
		return model.Pod{}, err
	}

	now := m.clock.Now()
	pod := m.pods.Update(id, func(cur model.Pod, _ bool) model.Pod {
		cur = cur.Clone()
		transitionTo(&cur, model.PodStopped, now)
		return cur
	})
	m.refreshGauge()

	slog.Info("pods: terminated", "pod", id, "status", pod.Status)
	return pod.Clone(), nil
}

// Logs returns the last lines of a pod's output.
func (m *Manager) Logs(ctx context.Context, id string, lines int) (string, error) {
	var out string
	err := m.retrier.Do(ctx, "pods_logs", func(ctx context.Context) error {
		var err error
		out, err = m.source.PodLogs(ctx, id, lines)
		return err
	})
	m.countOp("logs", err)
	return out, err
}

// Get returns the cached record for id.
func (m *Manager) Get(id string) (model.Pod, bool) {
	p, ok := m.pods.Get(id)
	if !ok {
		return model.Pod{}, false
	}
	return p.Clone(), true
}

// Pods returns every cached record in creation order.
func (m *Manager) Pods() []model.Pod {
	vals := m.pods.Values()
	out := make([]model.Pod, len(vals))
	for i, p := range vals {
		out[i] = p.Clone()
	}
	return out
}

// ActivePods returns the cached records that still hold resources.
func (m *Manager) ActivePods() []model.Pod {
	return filterActive(m.Pods(), true)
}

func (m *Manager) countOp(op string, err error) {
	if m.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.metrics.PodOperationsTotal.WithLabelValues(op, result).Inc()
}

func (m *Manager) refreshGauge() {
	if m.metrics == nil {
		return
	}
	counts := map[model.PodStatus]int{
		model.PodCreating: 0,
		model.PodRunning:  0,
		model.PodStopped:  0,
		model.PodFailed:   0,
	}
	for _, p := range m.pods.Values() {
		counts[p.Status]++
	}
	for status, n := range counts {
		m.metrics.PodsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
