package problems

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

func TestMissingVM(t *testing.T) {
	f := newFixture(t)
	vm := f.vm(t, "vm-1")
	inst := f.instance(t, "web", vm, nil)
	h := build(t, f, NewMissingVM, f.deps(), vm.ID)

	assert.False(t, stillExists(t, f, h))
	assert.Equal(t, fmt.Sprintf("instance:%d", inst.ID), h.LockKey())

	err := run(t, f, h, ResolutionDeleteVMReference)
	require.Error(t, err)
	assert.Equal(t, "VM exists in the cloud", engine.Reason(err))

	delete(f.cloud.vms, "vm-1")
	assert.True(t, stillExists(t, f, h))
	assert.Equal(t, "VM 'vm-1' (web/0) is missing from the cloud", h.Description())
	assert.Equal(t, "Delete reference to missing VM 'vm-1'", h.Resolutions()[1].Plan())

	require.NoError(t, run(t, f, h, ResolutionDeleteVMReference))
	assert.False(t, stillExists(t, f, h))

	got, err := f.repo.FindInstance(f.ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, got.VMID)

	// Repeating the delete is harmless.
	require.NoError(t, run(t, f, h, ResolutionDeleteVMReference))
}

func TestMissingVMWithoutInstance(t *testing.T) {
	f := newFixture(t)
	vm := f.vm(t, "vm-1")
	h := build(t, f, NewMissingVM, f.deps(), vm.ID)

	assert.Equal(t, fmt.Sprintf("vm:%d", vm.ID), h.LockKey())
	assert.Equal(t, "VM 'vm-1' (no instance) is missing from the cloud", h.Description())
}

func TestUnresponsiveAgentReboot(t *testing.T) {
	f := newFixture(t)
	vm := f.vm(t, "vm-1")
	f.instance(t, "web", vm, nil)
	agent := &fakeAgent{pingErr: errors.New("nats: timeout")}
	f.agents["vm-1"] = agent
	f.cloud.onReboot = func(string) { agent.setPingErr(nil) }

	h := build(t, f, NewUnresponsiveAgent, f.deps(), vm.ID)
	assert.True(t, stillExists(t, f, h))
	assert.Equal(t, "agent-vm-1 (web/0) is not responding", h.Description())

	require.NoError(t, run(t, f, h, ResolutionRebootVM))
	assert.Equal(t, []string{"reboot vm-1"}, f.cloud.Calls())
	assert.False(t, stillExists(t, f, h))
}

func TestUnresponsiveAgentRebootTimesOut(t *testing.T) {
	f := newFixture(t)
	vm := f.vm(t, "vm-1")
	f.agents["vm-1"] = &fakeAgent{pingErr: errors.New("nats: timeout")}

	h := build(t, f, NewUnresponsiveAgent, f.deps(), vm.ID)
	err := run(t, f, h, ResolutionRebootVM)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.ErrCodeTimeout, ee.Code)
}

func TestUnresponsiveAgentSkipsMissingVM(t *testing.T) {
	f := newFixture(t)
	vm := f.vm(t, "vm-1")
	delete(f.cloud.vms, "vm-1")

	h := build(t, f, NewUnresponsiveAgent, f.deps(), vm.ID)
	assert.False(t, stillExists(t, f, h))
}

func TestMountInfoMismatch(t *testing.T) {
	f := newFixture(t)
	vm := f.vm(t, "vm-1")
	inst := f.instance(t, "db", vm, nil)
	d := f.disk(t, "disk-1", inst, true)
	agent := &fakeAgent{}
	f.agents["vm-1"] = agent

	h := build(t, f, NewMountInfoMismatch, f.deps(), d.ID)
	assert.True(t, stillExists(t, f, h))
	assert.Equal(t, "Inconsistent mount information: disk 'disk-1' (db/0) is not mounted on VM 'vm-1'", h.Description())

	require.NoError(t, run(t, f, h, ResolutionReattachDisk))
	assert.Equal(t, []string{"attach vm-1 disk-1"}, f.cloud.Calls())
	assert.False(t, stillExists(t, f, h))
}

func TestMountInfoMismatchReattachAndReboot(t *testing.T) {
	f := newFixture(t)
	vm := f.vm(t, "vm-1")
	inst := f.instance(t, "db", vm, nil)
	d := f.disk(t, "disk-1", inst, true)
	agent := &fakeAgent{}
	f.agents["vm-1"] = agent
	f.cloud.onReboot = func(string) {
		agent.mu.Lock()
		agent.mounted = append(agent.mounted, "disk-1")
		agent.mu.Unlock()
	}

	h := build(t, f, NewMountInfoMismatch, f.deps(), d.ID)
	require.NoError(t, run(t, f, h, ResolutionReattachDiskAndReboot))
	assert.Equal(t, []string{"attach vm-1 disk-1", "reboot vm-1"}, f.cloud.Calls())
	assert.False(t, stillExists(t, f, h))
}

func TestMountInfoMismatchNotReported(t *testing.T) {
	t.Run("mounted", func(t *testing.T) {
		f := newFixture(t)
		vm := f.vm(t, "vm-1")
		inst := f.instance(t, "db", vm, nil)
		d := f.disk(t, "disk-1", inst, true)
		f.agents["vm-1"] = &fakeAgent{mounted: []string{"disk-1"}}
		assert.False(t, stillExists(t, f, build(t, f, NewMountInfoMismatch, f.deps(), d.ID)))
	})

	t.Run("unsupported agent", func(t *testing.T) {
		f := newFixture(t)
		vm := f.vm(t, "vm-1")
		inst := f.instance(t, "db", vm, nil)
		d := f.disk(t, "disk-1", inst, true)
		f.agents["vm-1"] = &fakeAgent{unsupported: true}
		assert.False(t, stillExists(t, f, build(t, f, NewMountInfoMismatch, f.deps(), d.ID)))
	})

	t.Run("no vm", func(t *testing.T) {
		f := newFixture(t)
		inst := f.instance(t, "db", nil, nil)
		d := f.disk(t, "disk-1", inst, true)
		h := build(t, f, NewMountInfoMismatch, f.deps(), d.ID)
		assert.False(t, stillExists(t, f, h))

		err := run(t, f, h, ResolutionReattachDisk)
		require.Error(t, err)
		assert.Equal(t, "Instance has no VM", engine.Reason(err))
	})

	t.Run("inactive disk", func(t *testing.T) {
		f := newFixture(t)
		vm := f.vm(t, "vm-1")
		inst := f.instance(t, "db", vm, nil)
		d := f.disk(t, "disk-1", inst, false)
		f.agents["vm-1"] = &fakeAgent{}
		assert.False(t, stillExists(t, f, build(t, f, NewMountInfoMismatch, f.deps(), d.ID)))
	})
}

func TestMissingDisk(t *testing.T) {
	f := newFixture(t)
	inst := f.instance(t, "db", nil, nil)
	d := f.disk(t, "disk-1", inst, true)
	h := build(t, f, NewMissingDisk, f.deps(), d.ID)

	assert.False(t, stillExists(t, f, h))
	err := run(t, f, h, ResolutionDeleteDiskReference)
	require.Error(t, err)
	assert.Equal(t, "Disk exists in the cloud", engine.Reason(err))

	delete(f.cloud.disks, "disk-1")
	assert.True(t, stillExists(t, f, h))
	assert.Equal(t, "Disk 'disk-1' (db/0, 2048M) is missing from the cloud", h.Description())

	require.NoError(t, run(t, f, h, ResolutionDeleteDiskReference))
	_, err = f.repo.FindDisk(f.ctx, d.ID)
	assert.ErrorIs(t, err, stores.ErrNotFound)
	assert.False(t, stillExists(t, f, h))
}

func TestMissingDiskIgnoresInactiveDisk(t *testing.T) {
	f := newFixture(t)
	inst := f.instance(t, "db", nil, nil)
	d := f.disk(t, "disk-9", inst, false)
	delete(f.cloud.disks, "disk-9")

	h := build(t, f, NewMissingDisk, f.deps(), d.ID)
	assert.False(t, stillExists(t, f, h), "an inactive disk row is not a missing disk")
}
