package problems

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

func parseID(kind, resourceID string) (int64, error) {
	id, err := strconv.ParseInt(resourceID, 10, 64)
	if err != nil || id <= 0 {
		return 0, engine.NewValidationError(fmt.Sprintf("Invalid %s id '%s'", kind, resourceID))
	}
	return id, nil
}

func goneError(kind, resourceID string) error {
	return engine.NewValidationError(fmt.Sprintf("%s '%s' is no longer in the database", kind, resourceID))
}

// diskRefs is a disk together with the instance and VM it hangs off.
// Instance and VM are nil when the disk is orphaned or the instance has no VM.
type diskRefs struct {
	disk     *stores.PersistentDisk
	instance *stores.Instance
	vm       *stores.VM
}

// loadDisk reads the disk and its owners from the repository.
func loadDisk(ctx context.Context, repo stores.Repository, resourceID string) (*diskRefs, error) {
	id, err := parseID("disk", resourceID)
	if err != nil {
		return nil, err
	}

	disk, err := repo.FindDisk(ctx, id)
	if stores.IsNotFound(err) {
		return nil, goneError("Disk", resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load disk %s: %w", resourceID, err)
	}

	refs := &diskRefs{disk: disk}
	if disk.InstanceID == nil {
		return refs, nil
	}

	refs.instance, err = repo.FindInstance(ctx, *disk.InstanceID)
	if stores.IsNotFound(err) {
		return nil, goneError("Instance", strconv.FormatInt(*disk.InstanceID, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %d: %w", *disk.InstanceID, err)
	}

	refs.vm, err = instanceVM(ctx, repo, refs.instance)
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// instanceVM reads the VM currently linked to inst, nil when there is none.
func instanceVM(ctx context.Context, repo stores.Repository, inst *stores.Instance) (*stores.VM, error) {
	if inst == nil || inst.VMID == nil {
		return nil, nil
	}
	vm, err := repo.FindVM(ctx, *inst.VMID)
	if stores.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vm %d: %w", *inst.VMID, err)
	}
	return vm, nil
}

// currentDiskVM re-reads the VM a disk is reachable through right now.
func currentDiskVM(ctx context.Context, repo stores.Repository, diskID int64) (*stores.VM, error) {
	disk, err := repo.FindDisk(ctx, diskID)
	if err != nil {
		return nil, err
	}
	if disk.InstanceID == nil {
		return nil, nil
	}
	inst, err := repo.FindInstance(ctx, *disk.InstanceID)
	if stores.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return instanceVM(ctx, repo, inst)
}

// vmRefs is a VM and the instance it hosts, if any.
type vmRefs struct {
	vm       *stores.VM
	instance *stores.Instance
}

func loadVM(ctx context.Context, repo stores.Repository, resourceID string) (*vmRefs, error) {
	id, err := parseID("vm", resourceID)
	if err != nil {
		return nil, err
	}

	vm, err := repo.FindVM(ctx, id)
	if stores.IsNotFound(err) {
		return nil, goneError("VM", resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vm %s: %w", resourceID, err)
	}

	inst, err := repo.FindInstanceByVM(ctx, id)
	if err != nil && !stores.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load instance of vm %s: %w", resourceID, err)
	}
	return &vmRefs{vm: vm, instance: inst}, nil
}

func instanceLockKey(inst *stores.Instance, fallback string) string {
	if inst == nil {
		return fallback
	}
	return "instance:" + strconv.FormatInt(inst.ID, 10)
}

func instanceName(inst *stores.Instance) string {
	if inst == nil {
		return "no instance"
	}
	job := inst.Job
	if job == "" {
		job = "unknown"
	}
	return fmt.Sprintf("%s/%d", job, inst.Index)
}

func requireCloud(deps engine.Deps) error {
	if deps.Cloud == nil {
		return engine.NewPermanentError("no cloud adapter configured", nil).WithCode(engine.ErrCodeUnsupported)
	}
	return nil
}

func agentFor(ctx context.Context, deps engine.Deps, vm *stores.VM) (engine.AgentClient, error) {
	if deps.Agents == nil {
		return nil, engine.NewPermanentError("no agent client configured", nil).WithCode(engine.ErrCodeUnsupported)
	}
	return deps.Agents.ForVM(ctx, vm)
}

// mountedDisks asks the VM's agent which disk handles it has mounted.
// supported is false when the agent lacks the query.
func mountedDisks(ctx context.Context, deps engine.Deps, vm *stores.VM) (disks []string, supported bool, err error) {
	client, err := agentFor(ctx, deps, vm)
	if err == nil {
		disks, err = client.ListMountedDisks(ctx)
	}
	if errors.Is(err, engine.ErrAgentUnsupported) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	return disks, true, nil
}

// diskMounted reports whether the agent on vm has diskCID mounted. No VM
// means not mounted. An agent that cannot answer counts as mounted.
func diskMounted(ctx context.Context, deps engine.Deps, log zerolog.Logger, vm *stores.VM, diskCID string) (bool, error) {
	if vm == nil {
		return false, nil
	}

	disks, supported, err := mountedDisks(ctx, deps, vm)
	if err != nil {
		return false, fmt.Errorf("failed to list mounted disks on vm %s: %w", vm.CID, err)
	}
	if !supported {
		log.Warn().Str("vm_cid", vm.CID).Str("disk_cid", diskCID).
			Msg("Agent cannot list mounted disks, assuming disk is mounted")
		return true, nil
	}
	return slices.Contains(disks, diskCID), nil
}

// waitForAgent pings the VM's agent until it answers or wait elapses.
func waitForAgent(ctx context.Context, deps engine.Deps, vm *stores.VM) error {
	wait := deps.RebootWait
	if wait <= 0 {
		wait = engine.DefaultRebootWait
	}
	interval := wait / 10
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		client, err := agentFor(ctx, deps, vm)
		if err == nil {
			err = client.Ping(ctx)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return engine.NewTransientError(fmt.Sprintf("agent on vm %s did not respond within %s", vm.CID, wait), lastErr).
				WithCode(engine.ErrCodeTimeout)
		case <-ticker.C:
		}
	}
}
