package pods

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/kubeadapt/gpu-broker/internal/discovery"
	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/inventory"
	"github.com/kubeadapt/gpu-broker/internal/transport"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

type fakeSource struct {
	mu sync.Mutex

	createOut  string
	createErr  error
	createOpts inventory.CreateOptions
	createCfg  string
	creates    int

	statusText  map[string]string
	statusErrs  []error
	statusCalls int

	podsText string
	podsErr  error

	terminateErr error
	terminated   []string

	logs string
}

func newFakeSource() *fakeSource {
	return &fakeSource{statusText: make(map[string]string)}
}

func (f *fakeSource) PodsTable(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.podsText, f.podsErr
}

func (f *fakeSource) PodStatus(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.statusText[id], nil
}

func (f *fakeSource) CreatePod(_ context.Context, configID string, opts inventory.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.createCfg = configID
	f.createOpts = opts
	return f.createOut, f.createErr
}

func (f *fakeSource) TerminatePod(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeSource) PodLogs(_ context.Context, _ string, _ int) (string, error) {
	return f.logs, nil
}

type fakeDiscoverer struct {
	resources []model.Resource
	err       error
	filter    discovery.Filter
}

func (f *fakeDiscoverer) Discover(_ context.Context, flt discovery.Filter) ([]model.Resource, error) {
	f.filter = flt
	return f.resources, f.err
}

type fakeSSH struct {
	name string
	args []string
	code int
}

func (f *fakeSSH) RunInteractive(_ context.Context, name string, args ...string) (int, error) {
	f.name = name
	f.args = args
	return f.code, nil
}

var h100 = model.Resource{
	GPUType:        model.GPUH100_80GB,
	AvailableCount: 2,
	TotalCount:     2,
	CostPerHour:    2.95,
	Provider:       "Datacrunch",
	Region:         "FI",
	ConfigID:       "cfg-dc",
}

func fastRetrier() *transport.Retrier {
	return transport.NewRetrier(transport.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}, 0, nil)
}

func newTestManager(src *fakeSource, disc *fakeDiscoverer) (*Manager, *testingclock.FakePassiveClock, *fakeSSH) {
	clk := testingclock.NewFakePassiveClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	ssh := &fakeSSH{}
	m := NewManager(src, disc, Options{Retrier: fastRetrier(), Clock: clk, SSH: ssh})
	return m, clk, ssh
}

func createPod(t *testing.T, m *Manager, src *fakeSource, id string) model.Pod {
	t.Helper()
	src.createOut = `{"id":"` + id + `"}`
	pod, err := m.Create(context.Background(), CreateRequest{GPUType: model.GPUH100_80GB, GPUCount: 2})
	require.NoError(t, err)
	return pod
}

func TestCreate_NoResources(t *testing.T) {
	src := newFakeSource()
	m, _, _ := newTestManager(src, &fakeDiscoverer{})

	_, err := m.Create(context.Background(), CreateRequest{GPUType: model.GPURTX3090, GPUCount: 1})
	require.Error(t, err)
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrNoResources))
	assert.Empty(t, m.Pods())
	assert.Zero(t, src.creates)
}

func TestCreate_MissingIdentifier(t *testing.T) {
	src := newFakeSource()
	r := h100
	r.ConfigID = ""
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{r, h100}})

	_, err := m.Create(context.Background(), CreateRequest{GPUType: model.GPUH100_80GB})
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrMissingIdentifier))
	assert.Empty(t, m.Pods())
	assert.Zero(t, src.creates)
}

func TestCreate_RequiresGPUType(t *testing.T) {
	m, _, _ := newTestManager(newFakeSource(), &fakeDiscoverer{resources: []model.Resource{h100}})
	_, err := m.Create(context.Background(), CreateRequest{})
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrInvalidArgument))
}

func TestCreate_Success(t *testing.T) {
	src := newFakeSource()
	disc := &fakeDiscoverer{resources: []model.Resource{h100}}
	m, clk, _ := newTestManager(src, disc)

	pod := createPod(t, m, src, "pod-abc")

	assert.Equal(t, "pod-abc", pod.ID)
	assert.Equal(t, model.PodCreating, pod.Status)
	assert.Equal(t, model.GPUH100_80GB, pod.GPUType)
	assert.Equal(t, 2, pod.GPUCount)
	assert.InDelta(t, 2.95, pod.CostPerHour, 1e-9)
	assert.Equal(t, clk.Now(), pod.CreatedAt)
	assert.Nil(t, pod.StartedAt)

	assert.Equal(t, "cfg-dc", src.createCfg)
	assert.Equal(t, DefaultImage, src.createOpts.Image)
	assert.Equal(t, DefaultDiskSizeGB, src.createOpts.DiskSizeGB)
	assert.Regexp(t, `^pod-[0-9a-f]{8}$`, src.createOpts.Name)
	assert.Equal(t, src.createOpts.Name, pod.Name)

	assert.Equal(t, 2, disc.filter.MinAvailable)
	assert.Equal(t, model.GPUH100_80GB, disc.filter.GPUType)

	cached, ok := m.Get("pod-abc")
	require.True(t, ok)
	assert.Equal(t, pod, cached)
}

func TestCreate_SynthesizesIDWhenOutputHasNone(t *testing.T) {
	src := newFakeSource()
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})

	src.createOut = "Pod creation submitted"
	pod, err := m.Create(context.Background(), CreateRequest{GPUType: model.GPUH100_80GB, Name: "trainer"})
	require.NoError(t, err)
	assert.NotEmpty(t, pod.ID)
	assert.Equal(t, "trainer", pod.Name)
	assert.Equal(t, 2, pod.GPUCount, "count defaults to the offer size")
}

func TestCreate_ProvisioningFailure(t *testing.T) {
	src := newFakeSource()
	src.createErr = brokererrors.New(brokererrors.ErrAuthFailed, "inventory.cli", "not logged in")
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})

	_, err := m.Create(context.Background(), CreateRequest{GPUType: model.GPUH100_80GB})
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrAuthFailed))
	assert.Equal(t, 1, src.creates, "auth failures are not retried")
	assert.Empty(t, m.Pods())
}

func TestPlan_DoesNotProvision(t *testing.T) {
	src := newFakeSource()
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})

	r, err := m.Plan(context.Background(), CreateRequest{GPUType: model.GPUH100_80GB})
	require.NoError(t, err)
	assert.Equal(t, "cfg-dc", r.ConfigID)
	assert.Zero(t, src.creates)
}

func TestStatus_MergesAndTransitions(t *testing.T) {
	src := newFakeSource()
	m, clk, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})
	createPod(t, m, src, "pod-1")

	clk.SetTime(clk.Now().Add(5 * time.Minute))
	src.statusText["pod-1"] = "Status: RUNNING\nSSH: ssh root@10.0.0.1 -p 2222\nLocation: FI-HEL\n"

	pod, err := m.Status(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, model.PodRunning, pod.Status)
	require.NotNil(t, pod.StartedAt)
	assert.Equal(t, clk.Now(), *pod.StartedAt)
	assert.Equal(t, "ssh root@10.0.0.1 -p 2222", pod.SSHConnection)
	assert.Equal(t, "FI-HEL", pod.Region)
	assert.InDelta(t, 2.95, pod.CostPerHour, 1e-9, "cost kept from the cache")
}

func TestStatus_UnknownPodCreatesRecord(t *testing.T) {
	src := newFakeSource()
	src.statusText["ext-1"] = "Name: remote\nStatus: weird\nGPU Type: A100_80GB\nGPU Count: 4\n"
	m, _, _ := newTestManager(src, &fakeDiscoverer{})

	pod, err := m.Status(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, model.PodCreating, pod.Status, "unrecognized status stays in the initial state")
	assert.Equal(t, "remote", pod.Name)
	assert.Equal(t, model.GPUA100_80GB, pod.GPUType)
	assert.Equal(t, 4, pod.GPUCount)
	assert.Len(t, m.Pods(), 1)
}

func TestStatus_FallsBackToCache(t *testing.T) {
	src := newFakeSource()
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})
	created := createPod(t, m, src, "pod-1")

	src.statusErrs = []error{errors.New("exit status 1")}
	pod, err := m.Status(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, created, pod)

	src.statusErrs = []error{errors.New("exit status 1")}
	_, err = m.Status(context.Background(), "unknown")
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrCommandFailed))
}

func TestStatus_RetriesRateLimit(t *testing.T) {
	src := newFakeSource()
	src.statusText["pod-1"] = "Status: running"
	limited := brokererrors.New(brokererrors.ErrRateLimited, "inventory.api", "429")
	src.statusErrs = []error{limited, limited}
	m, _, _ := newTestManager(src, &fakeDiscoverer{})

	pod, err := m.Status(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, 3, src.statusCalls)
	assert.Equal(t, model.PodRunning, pod.Status)
}

func TestTerminate_UnknownPod(t *testing.T) {
	src := newFakeSource()
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})
	createPod(t, m, src, "pod-1")
	before := m.Pods()

	_, err := m.Terminate(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrNotFound))
	assert.Equal(t, before, m.Pods())
	assert.Empty(t, src.terminated)
}

func TestTerminate_ThenStatusStaysStopped(t *testing.T) {
	src := newFakeSource()
	m, clk, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})
	createPod(t, m, src, "pod-1")

	clk.SetTime(clk.Now().Add(time.Hour))
	pod, err := m.Terminate(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, model.PodStopped, pod.Status)
	require.NotNil(t, pod.StoppedAt)
	assert.Equal(t, clk.Now(), *pod.StoppedAt)
	assert.Equal(t, []string{"pod-1"}, src.terminated)

	// A stale backend view cannot revive a stopped pod.
	src.statusText["pod-1"] = "Status: RUNNING"
	pod, err = m.Status(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, model.PodStopped, pod.Status)

	// Terminating again is a no-op.
	_, err = m.Terminate(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Len(t, src.terminated, 1)
	assert.Len(t, m.Pods(), 1)
}

func TestTerminate_FailureKeepsRecord(t *testing.T) {
	src := newFakeSource()
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})
	createPod(t, m, src, "pod-1")

	src.terminateErr = brokererrors.New(brokererrors.ErrCommandFailed, "inventory.cli", "boom")
	_, err := m.Terminate(context.Background(), "pod-1")
	require.Error(t, err)

	pod, _ := m.Get("pod-1")
	assert.Equal(t, model.PodCreating, pod.Status)
}

func TestSSH_RequiresRunning(t *testing.T) {
	src := newFakeSource()
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})

	createPod(t, m, src, "creating")

	createPod(t, m, src, "stopped")
	_, err := m.Terminate(context.Background(), "stopped")
	require.NoError(t, err)

	createPod(t, m, src, "failed")
	src.statusText["failed"] = "Status: ERROR\nSSH: ssh root@10.0.0.2"
	_, err = m.Status(context.Background(), "failed")
	require.NoError(t, err)

	for _, id := range []string{"creating", "stopped", "failed"} {
		_, err := m.SSH(context.Background(), id, false)
		assert.True(t, brokererrors.IsCode(err, brokererrors.ErrNotRunning), id)
	}

	_, err = m.SSH(context.Background(), "ghost", false)
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrNotFound))
}

func TestSSH_Running(t *testing.T) {
	src := newFakeSource()
	m, _, ssh := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})
	createPod(t, m, src, "pod-1")

	src.statusText["pod-1"] = "Status: running"
	_, err := m.Status(context.Background(), "pod-1")
	require.NoError(t, err)

	_, err = m.SSH(context.Background(), "pod-1", false)
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrNoConnection))

	src.statusText["pod-1"] = "Status: running\nSSH: ssh root@10.0.0.1 -p 2222"
	_, err = m.Status(context.Background(), "pod-1")
	require.NoError(t, err)

	session, err := m.SSH(context.Background(), "pod-1", false)
	require.NoError(t, err)
	assert.Equal(t, "ssh root@10.0.0.1 -p 2222", session.Connection)
	assert.Empty(t, ssh.name, "non-interactive mode runs nothing")

	ssh.code = 130
	session, err = m.SSH(context.Background(), "pod-1", true)
	require.NoError(t, err)
	assert.Equal(t, 130, session.ExitCode)
	assert.Equal(t, "ssh", ssh.name)
	assert.Equal(t, []string{"-p", "2222", "root@10.0.0.1"}, ssh.args)
}

const listing = `┏━━━━━━━┳━━━━━━━━━┳━━━━━━━━━━━━━━━┳━━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━┓
┃ ID    ┃ Name    ┃ GPU           ┃ Status  ┃ Created             ┃
┡━━━━━━━╇━━━━━━━━━╇━━━━━━━━━━━━━━━╇━━━━━━━━━╇━━━━━━━━━━━━━━━━━━━━━┩
│ pod-1 │ trainer │ H100_80GB x 2 │ ACTIVE  │ 2026-03-01 10:00:00 │
│ pod-2 │ other   │ 1x L4         │ STOPPED │ 2026-03-01 09:00:00 │
│ pod-3 │ new     │ T4            │ ???     │                     │
└───────┴─────────┴───────────────┴─────────┴─────────────────────┘`

func TestList_MergesWithCache(t *testing.T) {
	src := newFakeSource()
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})
	createPod(t, m, src, "pod-1")
	src.podsText = listing

	all, err := m.List(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, all, 3)

	assert.Equal(t, model.PodRunning, all[0].Status)
	assert.InDelta(t, 2.95, all[0].CostPerHour, 1e-9, "listing has no cost, cache does")
	assert.Equal(t, model.GPUL4, all[1].GPUType)
	assert.Equal(t, 1, all[1].GPUCount)
	assert.Equal(t, model.PodStopped, all[1].Status)
	assert.Equal(t, model.PodCreating, all[2].Status)

	active, err := m.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "pod-1", active[0].ID)
	assert.Equal(t, "pod-3", active[1].ID)

	assert.Len(t, m.ActivePods(), 2)
}

func TestList_FallsBackToCache(t *testing.T) {
	src := newFakeSource()
	src.podsErr = errors.New("exit status 1")
	m, _, _ := newTestManager(src, &fakeDiscoverer{resources: []model.Resource{h100}})

	_, err := m.List(context.Background(), false)
	require.Error(t, err)

	createPod(t, m, src, "pod-1")
	pods, err := m.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, pods, 1)
}

func TestLogs(t *testing.T) {
	src := newFakeSource()
	src.logs = "epoch 1 done"
	m, _, _ := newTestManager(src, &fakeDiscoverer{})

	out, err := m.Logs(context.Background(), "pod-1", 50)
	require.NoError(t, err)
	assert.Equal(t, "epoch 1 done", out)
}
