package problems

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// TypeMountInfoMismatch tags an active disk the VM's agent does not have
// mounted.
const TypeMountInfoMismatch = "mount_info_mismatch"

// Resolution names offered for mount mismatches.
const (
	ResolutionReattachDisk          = "reattach_disk"
	ResolutionReattachDiskAndReboot = "reattach_disk_and_reboot"
)

// MountInfoMismatch handles an active disk that its instance's agent does
// not report as mounted.
type MountInfoMismatch struct {
	deps engine.Deps
	log  zerolog.Logger

	resourceID string
	diskID     int64
	diskCID    string
	instance   *stores.Instance
	vmCID      string
}

var mountInfoMismatchCatalog = engine.Catalog[*MountInfoMismatch]{
	{Name: engine.ResolutionIgnore, Plan: engine.Static[*MountInfoMismatch]("Ignore problem"), Action: engine.Noop[*MountInfoMismatch]},
	{Name: ResolutionReattachDisk, Plan: engine.Static[*MountInfoMismatch]("Reattach disk to instance"), Action: (*MountInfoMismatch).reattach},
	{Name: ResolutionReattachDiskAndReboot, Plan: engine.Static[*MountInfoMismatch]("Reattach disk and reboot instance"), Action: (*MountInfoMismatch).reattachAndReboot},
}

// NewMountInfoMismatch builds the handler for disk resourceID.
func NewMountInfoMismatch(ctx context.Context, deps engine.Deps, resourceID string, _ map[string]any) (engine.Handler, error) {
	refs, err := loadDisk(ctx, deps.Repo, resourceID)
	if err != nil {
		return nil, err
	}

	h := &MountInfoMismatch{
		deps:       deps,
		log:        deps.Logger.With().Str("problem_type", TypeMountInfoMismatch).Str("disk_cid", refs.disk.DiskCID).Logger(),
		resourceID: resourceID,
		diskID:     refs.disk.ID,
		diskCID:    refs.disk.DiskCID,
		instance:   refs.instance,
	}
	if refs.vm != nil {
		h.vmCID = refs.vm.CID
	}
	return h, nil
}

func (h *MountInfoMismatch) ResourceID() string { return h.resourceID }

func (h *MountInfoMismatch) LockKey() string {
	return instanceLockKey(h.instance, "disk:"+h.resourceID)
}

// ProblemStillExists is true when the disk is active, its instance has a
// VM, and the agent's mounted list lacks the disk. Agents that cannot list
// mounts never report a mismatch.
func (h *MountInfoMismatch) ProblemStillExists(ctx context.Context) (bool, error) {
	disk, err := h.deps.Repo.FindDisk(ctx, h.diskID)
	if stores.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !disk.Active {
		return false, nil
	}

	vm, err := currentDiskVM(ctx, h.deps.Repo, h.diskID)
	if err != nil || vm == nil {
		return false, err
	}

	disks, supported, err := mountedDisks(ctx, h.deps, vm)
	if err != nil {
		return false, fmt.Errorf("failed to list mounted disks on vm %s: %w", vm.CID, err)
	}
	if !supported {
		return false, nil
	}
	return !slices.Contains(disks, h.diskCID), nil
}

func (h *MountInfoMismatch) Description() string {
	vm := h.vmCID
	if vm == "" {
		vm = "no vm"
	}
	return fmt.Sprintf("Inconsistent mount information: disk '%s' (%s) is not mounted on VM '%s'", h.diskCID, instanceName(h.instance), vm)
}

func (h *MountInfoMismatch) Resolutions() []engine.Resolution {
	return mountInfoMismatchCatalog.Bind(h)
}

func (h *MountInfoMismatch) attach(ctx context.Context) (*stores.VM, error) {
	if err := requireCloud(h.deps); err != nil {
		return nil, err
	}

	vm, err := currentDiskVM(ctx, h.deps.Repo, h.diskID)
	if stores.IsNotFound(err) {
		return nil, goneError("Disk", h.resourceID)
	}
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return nil, engine.NewValidationError("Instance has no VM")
	}

	if err := h.deps.Cloud.AttachDisk(ctx, vm.CID, h.diskCID); err != nil {
		return nil, fmt.Errorf("failed to attach disk %s to vm %s: %w", h.diskCID, vm.CID, err)
	}
	return vm, nil
}

func (h *MountInfoMismatch) reattach(ctx context.Context) error {
	vm, err := h.attach(ctx)
	if err != nil {
		return err
	}

	client, err := agentFor(ctx, h.deps, vm)
	if err != nil {
		return err
	}
	if err := client.MountDisk(ctx, h.diskCID); err != nil {
		return fmt.Errorf("failed to mount disk %s: %w", h.diskCID, err)
	}
	h.log.Info().Str("vm_cid", vm.CID).Msg("Disk reattached and mounted")
	return nil
}

func (h *MountInfoMismatch) reattachAndReboot(ctx context.Context) error {
	vm, err := h.attach(ctx)
	if err != nil {
		return err
	}

	if err := h.deps.Cloud.RebootVM(ctx, vm.CID); err != nil {
		return fmt.Errorf("failed to reboot vm %s: %w", vm.CID, err)
	}
	h.log.Info().Str("vm_cid", vm.CID).Msg("Disk reattached, VM rebooted")
	return waitForAgent(ctx, h.deps, vm)
}
