package problems

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// TypeMissingDisk tags a disk row whose cloud disk no longer exists.
const TypeMissingDisk = "missing_disk"

// ResolutionDeleteDiskReference removes a disk row the cloud no longer knows.
const ResolutionDeleteDiskReference = "delete_disk_reference"

// MissingDisk handles a disk recorded in the database but absent from the
// cloud. It has no auto resolution: dropping the record loses the only
// trace of the data.
type MissingDisk struct {
	deps engine.Deps
	log  zerolog.Logger

	resourceID string
	diskID     int64
	diskCID    string
	size       int
	instance   *stores.Instance
}

var missingDiskCatalog = engine.Catalog[*MissingDisk]{
	{Name: engine.ResolutionIgnore, Plan: engine.Static[*MissingDisk]("Ignore problem"), Action: engine.Noop[*MissingDisk]},
	{Name: ResolutionDeleteDiskReference, Plan: engine.Static[*MissingDisk]("Delete disk reference (DANGEROUS!)"), Action: (*MissingDisk).deleteReference},
}

// NewMissingDisk builds the handler for disk resourceID.
func NewMissingDisk(ctx context.Context, deps engine.Deps, resourceID string, _ map[string]any) (engine.Handler, error) {
	refs, err := loadDisk(ctx, deps.Repo, resourceID)
	if err != nil {
		return nil, err
	}
	return &MissingDisk{
		deps:       deps,
		log:        deps.Logger.With().Str("problem_type", TypeMissingDisk).Str("disk_cid", refs.disk.DiskCID).Logger(),
		resourceID: resourceID,
		diskID:     refs.disk.ID,
		diskCID:    refs.disk.DiskCID,
		size:       refs.disk.Size,
		instance:   refs.instance,
	}, nil
}

func (h *MissingDisk) ResourceID() string { return h.resourceID }

func (h *MissingDisk) LockKey() string {
	return instanceLockKey(h.instance, "disk:"+h.resourceID)
}

func (h *MissingDisk) ProblemStillExists(ctx context.Context) (bool, error) {
	disk, err := h.deps.Repo.FindDisk(ctx, h.diskID)
	if err != nil {
		if stores.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !disk.Active {
		return false, nil
	}
	if err := requireCloud(h.deps); err != nil {
		return false, err
	}
	exists, err := h.deps.Cloud.HasDisk(ctx, h.diskCID)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (h *MissingDisk) Description() string {
	return fmt.Sprintf("Disk '%s' (%s, %dM) is missing from the cloud", h.diskCID, instanceName(h.instance), h.size)
}

func (h *MissingDisk) Resolutions() []engine.Resolution {
	return missingDiskCatalog.Bind(h)
}

func (h *MissingDisk) deleteReference(ctx context.Context) error {
	if err := requireCloud(h.deps); err != nil {
		return err
	}
	exists, err := h.deps.Cloud.HasDisk(ctx, h.diskCID)
	if err != nil {
		return fmt.Errorf("failed to look up disk %s: %w", h.diskCID, err)
	}
	if exists {
		return engine.NewValidationError("Disk exists in the cloud")
	}

	if err := h.deps.Repo.DestroyDisk(ctx, h.diskID); err != nil && !stores.IsNotFound(err) {
		return fmt.Errorf("failed to destroy disk record %d: %w", h.diskID, err)
	}
	h.log.Info().Msg("Disk reference deleted")
	return nil
}
