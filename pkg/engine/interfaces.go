package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// CloudAdapter is the IaaS verb surface the checker consumes.
// Every call may fail; implementations classify failures with EngineError.
type CloudAdapter interface {
	// DetachDisk detaches a volume from a VM.
	DetachDisk(ctx context.Context, vmCID, diskCID string) error

	// AttachDisk attaches a volume to a VM.
	AttachDisk(ctx context.Context, vmCID, diskCID string) error

	// DeleteDisk deletes a volume. Returns ErrDiskNotFound (possibly wrapped)
	// when the provider no longer has it.
	DeleteDisk(ctx context.Context, diskCID string) error

	// HasDisk reports whether the provider still has the volume.
	HasDisk(ctx context.Context, diskCID string) (bool, error)

	// HasVM reports whether the provider still has the VM.
	HasVM(ctx context.Context, vmCID string) (bool, error)

	// RebootVM reboots a VM. Returns ErrVMNotFound when it does not exist.
	RebootVM(ctx context.Context, vmCID string) error
}

// AgentClient talks to the agent running on one VM.
type AgentClient interface {
	// ListMountedDisks returns the disk CIDs the agent believes are mounted.
	// Agents without this query return ErrAgentUnsupported.
	ListMountedDisks(ctx context.Context) ([]string, error)

	// MountDisk asks the agent to mount an attached disk.
	MountDisk(ctx context.Context, diskCID string) error

	// Ping checks that the agent answers.
	Ping(ctx context.Context) error
}

// AgentResolver returns the agent client addressing a VM.
type AgentResolver interface {
	ForVM(ctx context.Context, vm *stores.VM) (AgentClient, error)
}

// AgentResolverFunc adapts a function to AgentResolver.
type AgentResolverFunc func(ctx context.Context, vm *stores.VM) (AgentClient, error)

// ForVM calls f.
func (f AgentResolverFunc) ForVM(ctx context.Context, vm *stores.VM) (AgentClient, error) {
	return f(ctx, vm)
}

// Deps are the collaborators handed to every handler constructor.
type Deps struct {
	Repo   stores.Repository
	Cloud  CloudAdapter
	Agents AgentResolver
	Logger zerolog.Logger

	// StrictDelete makes disk deletion fail on cloud errors other than
	// ErrDiskNotFound instead of logging and continuing.
	StrictDelete bool

	// RebootWait bounds how long a reboot resolution waits for the agent
	// to answer ping again. Zero means DefaultRebootWait.
	RebootWait time.Duration
}

// DefaultRebootWait is used when Deps.RebootWait is zero.
const DefaultRebootWait = 2 * time.Minute

// Selector chooses a resolution name for a problem. ok is false when the
// selector has no opinion.
type Selector interface {
	Select(ctx context.Context, p *Problem) (name string, ok bool, err error)
}

// Guard may veto a resolution before its action runs.
type Guard interface {
	// Check returns allowed=false with human-readable reasons to veto.
	Check(ctx context.Context, input GuardInput) (allowed bool, reasons []string, err error)
}

// GuardInput describes a resolution about to be executed.
type GuardInput struct {
	RunID       string `json:"run_id"`
	ProblemID   string `json:"problem_id"`
	ProblemType string `json:"problem_type"`
	ResourceID  string `json:"resource_id"`
	Resolution  string `json:"resolution"`
	Plan        string `json:"plan"`
	Policy      string `json:"policy"`
	Auto        bool   `json:"auto"`
}
