package problems

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// TypeInactiveDisk tags a persistent disk whose active flag is false.
const TypeInactiveDisk = "inactive_disk"

// Resolution names offered for inactive disks.
const (
	ResolutionDeleteDisk   = "delete_disk"
	ResolutionActivateDisk = "activate_disk"
)

// InactiveDisk handles a disk that exists in the database but is not the
// active disk of its instance.
type InactiveDisk struct {
	deps engine.Deps
	log  zerolog.Logger

	resourceID string
	diskID     int64
	diskCID    string
	size       int
	instance   *stores.Instance
}

var inactiveDiskCatalog = engine.Catalog[*InactiveDisk]{
	{Name: engine.ResolutionIgnore, Plan: engine.Static[*InactiveDisk]("Ignore problem"), Action: engine.Noop[*InactiveDisk]},
	{Name: ResolutionDeleteDisk, Plan: engine.Static[*InactiveDisk]("Delete disk"), Action: (*InactiveDisk).deleteDisk},
	{Name: ResolutionActivateDisk, Plan: engine.Static[*InactiveDisk]("Activate disk"), Action: (*InactiveDisk).activateDisk},
}

// NewInactiveDisk builds the handler for disk resourceID.
func NewInactiveDisk(ctx context.Context, deps engine.Deps, resourceID string, _ map[string]any) (engine.Handler, error) {
	refs, err := loadDisk(ctx, deps.Repo, resourceID)
	if err != nil {
		return nil, err
	}

	return &InactiveDisk{
		deps:       deps,
		log:        deps.Logger.With().Str("problem_type", TypeInactiveDisk).Str("disk_cid", refs.disk.DiskCID).Logger(),
		resourceID: resourceID,
		diskID:     refs.disk.ID,
		diskCID:    refs.disk.DiskCID,
		size:       refs.disk.Size,
		instance:   refs.instance,
	}, nil
}

func (h *InactiveDisk) ResourceID() string { return h.resourceID }

func (h *InactiveDisk) LockKey() string {
	return instanceLockKey(h.instance, "disk:"+h.resourceID)
}

// ProblemStillExists is true while the disk row exists and is inactive. A
// disk removed from the database is not reported here.
func (h *InactiveDisk) ProblemStillExists(ctx context.Context) (bool, error) {
	disk, err := h.deps.Repo.FindDisk(ctx, h.diskID)
	if stores.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !disk.Active, nil
}

func (h *InactiveDisk) Description() string {
	return fmt.Sprintf("Disk '%s' (%s, %dM) is inactive", h.diskCID, instanceName(h.instance), h.size)
}

func (h *InactiveDisk) Resolutions() []engine.Resolution {
	return inactiveDiskCatalog.Bind(h)
}

func (h *InactiveDisk) mounted(ctx context.Context, vm *stores.VM) (bool, error) {
	return diskMounted(ctx, h.deps, h.log, vm, h.diskCID)
}

func (h *InactiveDisk) activateDisk(ctx context.Context) error {
	vm, err := currentDiskVM(ctx, h.deps.Repo, h.diskID)
	if stores.IsNotFound(err) {
		return goneError("Disk", h.resourceID)
	}
	if err != nil {
		return err
	}

	mounted, err := h.mounted(ctx, vm)
	if err != nil {
		return err
	}
	if !mounted {
		return engine.NewValidationError("Disk is not mounted")
	}

	disk, err := h.deps.Repo.FindDisk(ctx, h.diskID)
	if stores.IsNotFound(err) {
		return goneError("Disk", h.resourceID)
	}
	if err != nil {
		return err
	}
	if disk.InstanceID == nil {
		return engine.NewValidationError("Disk is not attached to an instance")
	}

	active, err := h.deps.Repo.ActiveDisk(ctx, *disk.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to read active disk of instance %d: %w", *disk.InstanceID, err)
	}
	if active != nil {
		return engine.NewValidationError("Instance already has an active disk")
	}

	disk.Active = true
	if err := h.deps.Repo.SaveDisk(ctx, disk); err != nil {
		if errors.Is(err, stores.ErrActiveDiskConflict) {
			return engine.NewValidationError("Instance already has an active disk")
		}
		return fmt.Errorf("failed to activate disk %s: %w", h.diskCID, err)
	}

	h.log.Info().Int64("instance_id", *disk.InstanceID).Msg("Disk activated")
	return nil
}

func (h *InactiveDisk) deleteDisk(ctx context.Context) error {
	if err := requireCloud(h.deps); err != nil {
		return err
	}

	// A row already destroyed by an earlier delete leaves nothing to be
	// mounted on; the cloud delete below is then a NotFound no-op.
	vm, err := currentDiskVM(ctx, h.deps.Repo, h.diskID)
	if err != nil && !stores.IsNotFound(err) {
		return err
	}

	mounted, err := h.mounted(ctx, vm)
	if err != nil {
		return err
	}
	if mounted {
		return engine.NewValidationError("Disk is currently in use")
	}

	if vm != nil {
		if err := h.deps.Cloud.DetachDisk(ctx, vm.CID, h.diskCID); err != nil {
			h.log.Warn().Err(err).Str("vm_cid", vm.CID).Msg("Failed to detach disk, deleting anyway")
		}
	}

	if err := h.deps.Cloud.DeleteDisk(ctx, h.diskCID); err != nil {
		switch {
		case errors.Is(err, engine.ErrDiskNotFound):
			h.log.Info().Msg("Disk already removed from the cloud")
		case h.deps.StrictDelete:
			return fmt.Errorf("failed to delete disk %s: %w", h.diskCID, err)
		default:
			h.log.Error().Err(err).Msg("Failed to delete disk from the cloud, removing database record")
		}
	}

	if err := h.deps.Repo.DestroyDisk(ctx, h.diskID); err != nil && !stores.IsNotFound(err) {
		return fmt.Errorf("failed to destroy disk record %d: %w", h.diskID, err)
	}

	h.log.Info().Msg("Disk deleted")
	return nil
}
