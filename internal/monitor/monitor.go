package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/observability"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const component = "monitor"

// PodLister returns the pods to aggregate. *pods.Manager implements it.
type PodLister interface {
	List(ctx context.Context, activeOnly bool) ([]model.Pod, error)
}

// Notifier delivers an alert message. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, action, recipient, subject, message string) error
}

// Options configures a Monitor. Zero fields take defaults.
type Options struct {
	Interval  time.Duration
	Team      string
	Retention time.Duration
	// DedupWindow is the minimum time between two firings of one alert.
	DedupWindow time.Duration
	Clock       clock.PassiveClock
	Metrics     *observability.Metrics
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Team == "" {
		o.Team = "default"
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = time.Hour
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

type alertState struct {
	alert     model.Alert
	condition *Condition
}

// Monitor samples team usage on a fixed interval, keeps a bounded history
// and fires alerts whose conditions hold.
type Monitor struct {
	pods     PodLister
	notifier Notifier
	opts     Options

	mu          sync.RWMutex
	alerts      map[string]*alertState
	alertOrder  []string
	nextAlertID int
	history     []model.TeamUsage

	ready     atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}
}

// New creates a Monitor. notifier may be nil, in which case firing alerts
// are only logged.
func New(pl PodLister, notifier Notifier, opts Options) *Monitor {
	opts.setDefaults()
	return &Monitor{
		pods:     pl,
		notifier: notifier,
		opts:     opts,
		alerts:   make(map[string]*alertState),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop. Calling it again has no effect.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run(ctx)
	})
}

// Stop ends the sampling loop and waits for it to exit. Safe to call
// multiple times, and before Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.started.Load() {
		<-m.done
	}
}

// IsReady reports whether at least one sample has been taken.
func (m *Monitor) IsReady() bool {
	return m.ready.Load()
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.tickAndLog(ctx)

	ticker := m.newTicker()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			m.tickAndLog(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// newTicker uses the injected clock when it can tick, else the wall clock.
func (m *Monitor) newTicker() clock.Ticker {
	if c, ok := m.opts.Clock.(clock.WithTicker); ok {
		return c.NewTicker(m.opts.Interval)
	}
	return clock.RealClock{}.NewTicker(m.opts.Interval)
}

func (m *Monitor) tickAndLog(ctx context.Context) {
	if _, err := m.Tick(ctx); err != nil {
		slog.Warn("monitor: sample failed", "error", err)
	}
}

// Tick takes one sample: it computes usage, records it in the history and
// evaluates the alerts against it.
func (m *Monitor) Tick(ctx context.Context) (model.TeamUsage, error) {
	start := time.Now()
	usage, err := m.Usage(ctx)
	if err != nil {
		return model.TeamUsage{}, err
	}

	m.record(usage)
	m.ready.Store(true)
	m.evaluate(ctx, usage)

	if m.opts.Metrics != nil {
		m.opts.Metrics.MonitorTickDuration.Observe(time.Since(start).Seconds())
		m.opts.Metrics.UsageActivePods.Set(float64(usage.ActivePods))
		m.opts.Metrics.UsageGPUs.Set(float64(usage.TotalGPUs))
		m.opts.Metrics.UsageCostPerHour.Set(usage.CostPerHour)
	}
	slog.Debug("monitor: sampled usage",
		"active_pods", usage.ActivePods,
		"total_gpus", usage.TotalGPUs,
		"cost_per_hour", usage.CostPerHour,
	)
	return usage, nil
}

// Usage computes a fresh usage snapshot without recording it.
func (m *Monitor) Usage(ctx context.Context) (model.TeamUsage, error) {
	active, err := m.pods.List(ctx, true)
	if err != nil {
		return model.TeamUsage{}, fmt.Errorf("monitor: list active pods: %w", err)
	}
	return Aggregate(m.opts.Team, active, m.opts.Clock.Now()), nil
}

// Aggregate builds a usage snapshot from a set of active pods. Cost today
// is the cost accrued since midnight UTC.
func Aggregate(team string, active []model.Pod, now time.Time) model.TeamUsage {
	usage := model.TeamUsage{
		Team:      team,
		Pods:      active,
		Timestamp: now,
	}
	if usage.Pods == nil {
		usage.Pods = []model.Pod{}
	}

	midnight := now.UTC().Truncate(24 * time.Hour)
	for _, p := range active {
		usage.ActivePods++
		usage.TotalGPUs += p.GPUCount
		usage.CostPerHour += p.CostPerHour
		usage.CostToday += costSince(p, midnight, now)
	}
	return usage
}

func costSince(p model.Pod, from, now time.Time) float64 {
	if p.StartedAt == nil {
		return 0
	}
	start := *p.StartedAt
	if start.Before(from) {
		start = from
	}
	end := now
	if p.StoppedAt != nil && p.StoppedAt.Before(end) {
		end = *p.StoppedAt
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Hours() * p.CostPerHour
}

func (m *Monitor) record(usage model.TeamUsage) {
	cutoff := usage.Timestamp.Add(-m.opts.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, usage)
	i := 0
	for i < len(m.history) && !m.history[i].Timestamp.After(cutoff) {
		i++
	}
	m.history = m.history[i:]
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (model.TeamUsage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return model.TeamUsage{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns the samples taken within window of now, oldest first.
func (m *Monitor) History(window time.Duration) []model.TeamUsage {
	cutoff := m.opts.Clock.Now().Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TeamUsage, 0, len(m.history))
	for _, u := range m.history {
		if u.Timestamp.After(cutoff) {
			out = append(out, u)
		}
	}
	return out
}

// AddAlert registers an active alert. The condition is compiled up front so
// a bad expression is rejected here rather than on every tick.
func (m *Monitor) AddAlert(name, condition, action, recipient string) (model.Alert, error) {
	cond, err := Compile(condition)
	if err != nil {
		return model.Alert{}, brokererrors.Wrap(brokererrors.ErrInvalidArgument, component, err, "invalid alert condition")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("alert-%d", m.nextAlertID)
	m.nextAlertID++

	a := model.Alert{
		ID:        id,
		Name:      name,
		Condition: condition,
		Action:    action,
		Recipient: recipient,
		Active:    true,
	}
	m.alerts[id] = &alertState{alert: a, condition: cond}
	m.alertOrder = append(m.alertOrder, id)
	return a, nil
}

// RemoveAlert deletes an alert and reports whether it existed.
func (m *Monitor) RemoveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[id]; !ok {
		return false
	}
	delete(m.alerts, id)
	for i, a := range m.alertOrder {
		if a == id {
			m.alertOrder = append(m.alertOrder[:i], m.alertOrder[i+1:]...)
			break
		}
	}
	return true
}

// Alerts returns every registered alert in creation order.
func (m *Monitor) Alerts() []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Alert, 0, len(m.alertOrder))
	for _, id := range m.alertOrder {
		a := m.alerts[id].alert
		if a.LastTriggered != nil {
			a.LastTriggered = ptr.To(*a.LastTriggered)
		}
		out = append(out, a)
	}
	return out
}

type firing struct {
	alert   model.Alert
	message string
}

func (m *Monitor) evaluate(ctx context.Context, usage model.TeamUsage) {
	vars := Fields(usage)
	now := m.opts.Clock.Now()

	var fire []firing
	m.mu.Lock()
	for _, id := range m.alertOrder {
		st := m.alerts[id]
		if !st.alert.Active || !st.condition.Eval(vars) {
			continue
		}
		if last := st.alert.LastTriggered; last != nil && now.Sub(*last) < m.opts.DedupWindow {
			continue
		}
		st.alert.LastTriggered = ptr.To(now)
		fire = append(fire, firing{alert: st.alert, message: alertMessage(st.alert, usage)})
	}
	m.mu.Unlock()

	for _, f := range fire {
		slog.Info("monitor: alert fired",
			"alert", f.alert.ID,
			"name", f.alert.Name,
			"condition", f.alert.Condition,
			"action", f.alert.Action,
		)
		if m.opts.Metrics != nil {
			m.opts.Metrics.AlertsFiredTotal.WithLabelValues(f.alert.Action).Inc()
		}
		if m.notifier == nil {
			continue
		}
		if err := m.notifier.Notify(ctx, f.alert.Action, f.alert.Recipient, f.alert.Name, f.message); err != nil {
			slog.Warn("monitor: alert notification failed", "alert", f.alert.ID, "error", err)
		}
	}
}

// Fields exposes a usage snapshot to alert conditions.
func Fields(u model.TeamUsage) map[string]float64 {
	return map[string]float64{
		FieldActivePods:  float64(u.ActivePods),
		FieldTotalGPUs:   float64(u.TotalGPUs),
		FieldCostPerHour: u.CostPerHour,
		FieldCostToday:   u.CostToday,
	}
}

func alertMessage(a model.Alert, u model.TeamUsage) string {
	return fmt.Sprintf("Alert: %s\nCondition: %s\nCurrent usage:\n"+
		"  - Active pods: %d\n  - Total GPUs: %d\n  - Cost per hour: $%.2f\n  - Total cost today: $%.2f",
		a.Name, a.Condition, u.ActivePods, u.TotalGPUs, u.CostPerHour, u.CostToday)
}
