package problems

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// TypeUnresponsiveAgent tags a VM that exists in the cloud but whose agent
// does not answer.
const TypeUnresponsiveAgent = "unresponsive_agent"

// ResolutionRebootVM reboots the VM and waits for its agent.
const ResolutionRebootVM = "reboot_vm"

// UnresponsiveAgent handles a running VM whose agent cannot be reached.
type UnresponsiveAgent struct {
	deps engine.Deps
	log  zerolog.Logger

	resourceID string
	vmID       int64
	vmCID      string
	agentID    string
	instance   *stores.Instance
}

var unresponsiveAgentCatalog = engine.Catalog[*UnresponsiveAgent]{
	{Name: engine.ResolutionIgnore, Plan: engine.Static[*UnresponsiveAgent]("Ignore problem"), Action: engine.Noop[*UnresponsiveAgent]},
	{Name: ResolutionRebootVM, Plan: engine.Static[*UnresponsiveAgent]("Reboot VM"), Action: (*UnresponsiveAgent).reboot},
}

// NewUnresponsiveAgent builds the handler for VM resourceID.
func NewUnresponsiveAgent(ctx context.Context, deps engine.Deps, resourceID string, _ map[string]any) (engine.Handler, error) {
	refs, err := loadVM(ctx, deps.Repo, resourceID)
	if err != nil {
		return nil, err
	}
	return &UnresponsiveAgent{
		deps:       deps,
		log:        deps.Logger.With().Str("problem_type", TypeUnresponsiveAgent).Str("vm_cid", refs.vm.CID).Logger(),
		resourceID: resourceID,
		vmID:       refs.vm.ID,
		vmCID:      refs.vm.CID,
		agentID:    refs.vm.AgentID,
		instance:   refs.instance,
	}, nil
}

func (h *UnresponsiveAgent) ResourceID() string { return h.resourceID }

func (h *UnresponsiveAgent) LockKey() string {
	return instanceLockKey(h.instance, "vm:"+h.resourceID)
}

// ProblemStillExists is true when the VM row exists, the cloud has the VM,
// and its agent does not answer ping. A VM missing from the cloud is a
// missing_vm problem instead.
func (h *UnresponsiveAgent) ProblemStillExists(ctx context.Context) (bool, error) {
	vm, err := h.deps.Repo.FindVM(ctx, h.vmID)
	if stores.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := requireCloud(h.deps); err != nil {
		return false, err
	}
	exists, err := h.deps.Cloud.HasVM(ctx, h.vmCID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	client, err := agentFor(ctx, h.deps, vm)
	if err == nil {
		err = client.Ping(ctx)
	}
	if err != nil {
		h.log.Debug().Err(err).Msg("Agent did not answer ping")
		return true, nil
	}
	return false, nil
}

func (h *UnresponsiveAgent) Description() string {
	return fmt.Sprintf("%s (%s) is not responding", h.agentID, instanceName(h.instance))
}

func (h *UnresponsiveAgent) Resolutions() []engine.Resolution {
	return unresponsiveAgentCatalog.Bind(h)
}

func (h *UnresponsiveAgent) reboot(ctx context.Context) error {
	if err := requireCloud(h.deps); err != nil {
		return err
	}

	vm, err := h.deps.Repo.FindVM(ctx, h.vmID)
	if stores.IsNotFound(err) {
		return goneError("VM", h.resourceID)
	}
	if err != nil {
		return err
	}

	if err := h.deps.Cloud.RebootVM(ctx, vm.CID); err != nil {
		return fmt.Errorf("failed to reboot vm %s: %w", vm.CID, err)
	}
	h.log.Info().Msg("VM rebooted, waiting for agent")

	return waitForAgent(ctx, h.deps, vm)
}
