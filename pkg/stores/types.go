package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by repository lookups for rows that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveDiskConflict is returned by SaveDisk when the instance already
	// has a different active disk.
	ErrActiveDiskConflict = errors.New("instance already has an active disk")
)

// RunStatus represents the status of a check run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunMode distinguishes read-only scans from scans followed by resolution.
type RunMode string

const (
	RunModeScan  RunMode = "scan"
	RunModeApply RunMode = "apply"
)

// Instance is a logical slot (job/index) in a deployment. The active disk is
// never cached on the instance; use Repository.ActiveDisk.
type Instance struct {
	ID         int64             `json:"id"`
	Deployment string            `json:"deployment"`
	Job        string            `json:"job,omitempty"`
	Index      int               `json:"index"`
	VMID       *int64            `json:"vm_id,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// VM is a provider compute resource hosting an instance.
type VM struct {
	ID        int64     `json:"id"`
	CID       string    `json:"cid"`
	AgentID   string    `json:"agent_id"`
	Address   string    `json:"address,omitempty"` // host:port reachable over SSH
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PersistentDisk is a provider block volume tracked by the director.
type PersistentDisk struct {
	ID         int64     `json:"id"`
	InstanceID *int64    `json:"instance_id,omitempty"`
	DiskCID    string    `json:"disk_cid"`
	Size       int       `json:"size"` // MiB
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CheckRun is one scan or apply invocation.
type CheckRun struct {
	ID          string     `json:"id"` // ULID
	Mode        RunMode    `json:"mode"`
	Policy      string     `json:"policy"` // auto, manual, script
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Summary     string     `json:"summary"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ProblemOutcome is the recorded disposition of one problem in a run.
type ProblemOutcome struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	ProblemID   string    `json:"problem_id"`
	Type        string    `json:"type"`
	ResourceID  string    `json:"resource_id"`
	Description string    `json:"description"`
	Resolution  string    `json:"resolution,omitempty"`
	Disposition string    `json:"disposition"`
	Reason      string    `json:"reason,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "resolution.applied", "run.started"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // problem/run ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository is the persisted model the checker reads and mutates. Lookups
// return ErrNotFound (possibly wrapped) for missing rows.
type Repository interface {
	FindInstance(ctx context.Context, id int64) (*Instance, error)
	FindInstanceByVM(ctx context.Context, vmID int64) (*Instance, error)
	SaveInstance(ctx context.Context, inst *Instance) error
	ListInstances(ctx context.Context) ([]*Instance, error)

	FindVM(ctx context.Context, id int64) (*VM, error)
	SaveVM(ctx context.Context, vm *VM) error
	// DestroyVM removes the VM row and clears the owning instance's link.
	DestroyVM(ctx context.Context, id int64) error
	ListVMs(ctx context.Context) ([]*VM, error)

	FindDisk(ctx context.Context, id int64) (*PersistentDisk, error)
	// ActiveDisk reads the instance's active disk; nil, nil when it has none.
	ActiveDisk(ctx context.Context, instanceID int64) (*PersistentDisk, error)
	// SaveDisk inserts (ID == 0) or updates a disk. Marking a disk active
	// while another disk of the same instance is active fails with
	// ErrActiveDiskConflict.
	SaveDisk(ctx context.Context, disk *PersistentDisk) error
	DestroyDisk(ctx context.Context, id int64) error
	ListDisks(ctx context.Context) ([]*PersistentDisk, error)

	Close() error
}

// RunRecorder persists check runs, problem outcomes and audit entries.
type RunRecorder interface {
	CreateCheckRun(ctx context.Context, run *CheckRun) error
	CompleteCheckRun(ctx context.Context, id string, status RunStatus, summary string, errMsg *string) error
	RecordOutcome(ctx context.Context, outcome *ProblemOutcome) error
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// IsNotFound reports whether err marks a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
