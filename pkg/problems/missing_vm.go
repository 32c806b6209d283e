package problems

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// TypeMissingVM tags a VM row whose cloud VM no longer exists.
const TypeMissingVM = "missing_vm"

// ResolutionDeleteVMReference removes a VM row the cloud no longer knows.
const ResolutionDeleteVMReference = "delete_vm_reference"

// MissingVM handles a VM recorded in the database but absent from the cloud.
type MissingVM struct {
	deps engine.Deps
	log  zerolog.Logger

	resourceID string
	vmID       int64
	vmCID      string
	instance   *stores.Instance
}

var missingVMCatalog = engine.Catalog[*MissingVM]{
	{Name: engine.ResolutionIgnore, Plan: engine.Static[*MissingVM]("Ignore problem"), Action: engine.Noop[*MissingVM]},
	{Name: ResolutionDeleteVMReference, Plan: (*MissingVM).planDeleteReference, Action: (*MissingVM).deleteReference},
}

// NewMissingVM builds the handler for VM resourceID.
func NewMissingVM(ctx context.Context, deps engine.Deps, resourceID string, _ map[string]any) (engine.Handler, error) {
	refs, err := loadVM(ctx, deps.Repo, resourceID)
	if err != nil {
		return nil, err
	}
	return &MissingVM{
		deps:       deps,
		log:        deps.Logger.With().Str("problem_type", TypeMissingVM).Str("vm_cid", refs.vm.CID).Logger(),
		resourceID: resourceID,
		vmID:       refs.vm.ID,
		vmCID:      refs.vm.CID,
		instance:   refs.instance,
	}, nil
}

func (h *MissingVM) ResourceID() string { return h.resourceID }

func (h *MissingVM) LockKey() string {
	return instanceLockKey(h.instance, "vm:"+h.resourceID)
}

func (h *MissingVM) ProblemStillExists(ctx context.Context) (bool, error) {
	if _, err := h.deps.Repo.FindVM(ctx, h.vmID); err != nil {
		if stores.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := requireCloud(h.deps); err != nil {
		return false, err
	}
	exists, err := h.deps.Cloud.HasVM(ctx, h.vmCID)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (h *MissingVM) Description() string {
	return fmt.Sprintf("VM '%s' (%s) is missing from the cloud", h.vmCID, instanceName(h.instance))
}

func (h *MissingVM) Resolutions() []engine.Resolution {
	return missingVMCatalog.Bind(h)
}

func (h *MissingVM) planDeleteReference() string {
	return fmt.Sprintf("Delete reference to missing VM '%s'", h.vmCID)
}

func (h *MissingVM) deleteReference(ctx context.Context) error {
	return destroyVMReference(ctx, h.deps, h.vmID, h.vmCID)
}

// destroyVMReference drops the VM row unless the cloud has the VM again.
func destroyVMReference(ctx context.Context, deps engine.Deps, vmID int64, vmCID string) error {
	if err := requireCloud(deps); err != nil {
		return err
	}
	exists, err := deps.Cloud.HasVM(ctx, vmCID)
	if err != nil {
		return fmt.Errorf("failed to look up vm %s: %w", vmCID, err)
	}
	if exists {
		return engine.NewValidationError("VM exists in the cloud")
	}
	if err := deps.Repo.DestroyVM(ctx, vmID); err != nil && !stores.IsNotFound(err) {
		return fmt.Errorf("failed to destroy vm record %d: %w", vmID, err)
	}
	return nil
}
