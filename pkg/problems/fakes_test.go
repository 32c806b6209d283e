package problems

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// fakeCloud records verb calls and answers from in-memory sets.
type fakeCloud struct {
	mu        sync.Mutex
	disks     map[string]bool
	vms       map[string]bool
	calls     []string
	detachErr error
	deleteErr error
	attachErr error
	rebootErr error
	onReboot  func(vmCID string)
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{disks: map[string]bool{}, vms: map[string]bool{}}
}

func (c *fakeCloud) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeCloud) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeCloud) DetachDisk(_ context.Context, vmCID, diskCID string) error {
	c.record("detach " + vmCID + " " + diskCID)
	return c.detachErr
}

func (c *fakeCloud) AttachDisk(_ context.Context, vmCID, diskCID string) error {
	c.record("attach " + vmCID + " " + diskCID)
	return c.attachErr
}

func (c *fakeCloud) DeleteDisk(_ context.Context, diskCID string) error {
	c.record("delete " + diskCID)
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.disks, diskCID)
	return nil
}

func (c *fakeCloud) HasDisk(_ context.Context, diskCID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disks[diskCID], nil
}

func (c *fakeCloud) HasVM(_ context.Context, vmCID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vms[vmCID], nil
}

func (c *fakeCloud) RebootVM(_ context.Context, vmCID string) error {
	c.record("reboot " + vmCID)
	if c.rebootErr != nil {
		return c.rebootErr
	}
	if c.onReboot != nil {
		c.onReboot(vmCID)
	}
	return nil
}

// fakeAgent is one VM's agent.
type fakeAgent struct {
	mu          sync.Mutex
	mounted     []string
	unsupported bool
	listErr     error
	pingErr     error
	mountErr    error
}

func (a *fakeAgent) ListMountedDisks(context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsupported {
		return nil, engine.ErrAgentUnsupported
	}
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]string(nil), a.mounted...), nil
}

func (a *fakeAgent) MountDisk(_ context.Context, diskCID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mountErr != nil {
		return a.mountErr
	}
	a.mounted = append(a.mounted, diskCID)
	return nil
}

func (a *fakeAgent) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pingErr
}

func (a *fakeAgent) setPingErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pingErr = err
}

// agentsByCID resolves agents by VM CID; unknown VMs get an agent that
// never answers.
func agentsByCID(agents map[string]*fakeAgent) engine.AgentResolver {
	return engine.AgentResolverFunc(func(_ context.Context, vm *stores.VM) (engine.AgentClient, error) {
		if a, ok := agents[vm.CID]; ok {
			return a, nil
		}
		return &fakeAgent{pingErr: context.DeadlineExceeded}, nil
	})
}

type fixture struct {
	ctx    context.Context
	repo   *stores.SQLiteStore
	cloud  *fakeCloud
	agents map[string]*fakeAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return &fixture{ctx: ctx, repo: repo, cloud: newFakeCloud(), agents: map[string]*fakeAgent{}}
}

func (f *fixture) deps() engine.Deps {
	return engine.Deps{
		Repo:       f.repo,
		Cloud:      f.cloud,
		Agents:     agentsByCID(f.agents),
		Logger:     zerolog.Nop(),
		RebootWait: 200 * time.Millisecond,
	}
}

func (f *fixture) vm(t *testing.T, cid string) *stores.VM {
	t.Helper()
	vm := &stores.VM{CID: cid, AgentID: "agent-" + cid}
	require.NoError(t, f.repo.SaveVM(f.ctx, vm))
	f.cloud.vms[cid] = true
	return vm
}

func (f *fixture) instance(t *testing.T, job string, vm *stores.VM, labels map[string]string) *stores.Instance {
	t.Helper()
	inst := &stores.Instance{Deployment: "dep", Job: job, Index: 0, Labels: labels}
	if vm != nil {
		inst.VMID = &vm.ID
	}
	require.NoError(t, f.repo.SaveInstance(f.ctx, inst))
	return inst
}

func (f *fixture) disk(t *testing.T, cid string, inst *stores.Instance, active bool) *stores.PersistentDisk {
	t.Helper()
	d := &stores.PersistentDisk{DiskCID: cid, Size: 2048, Active: active}
	if inst != nil {
		d.InstanceID = &inst.ID
	}
	require.NoError(t, f.repo.SaveDisk(f.ctx, d))
	f.cloud.disks[cid] = true
	return d
}

func idOf(id int64) string {
	return strconv.FormatInt(id, 10)
}

func build(t *testing.T, f *fixture, ctor engine.HandlerConstructor, deps engine.Deps, id int64) engine.Handler {
	t.Helper()
	h, err := ctor(f.ctx, deps, idOf(id), nil)
	require.NoError(t, err)
	return h
}

func run(t *testing.T, f *fixture, h engine.Handler, name string) error {
	t.Helper()
	res, ok := engine.FindResolution(h.Resolutions(), name)
	require.True(t, ok, "resolution %s", name)
	return res.Action(f.ctx)
}

func stillExists(t *testing.T, f *fixture, h engine.Handler) bool {
	t.Helper()
	exists, err := h.ProblemStillExists(f.ctx)
	require.NoError(t, err)
	return exists
}
