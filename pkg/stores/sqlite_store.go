package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Repository and RunRecorder using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to ":memory:" opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// FindInstance retrieves an instance by ID
func (s *SQLiteStore) FindInstance(ctx context.Context, id int64) (*Instance, error) {
	query := `
		SELECT id, deployment, job, idx, vm_id, labels, created_at, updated_at
		FROM instances
		WHERE id = ?
	`
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// FindInstanceByVM retrieves the instance hosted on a VM
func (s *SQLiteStore) FindInstanceByVM(ctx context.Context, vmID int64) (*Instance, error) {
	query := `
		SELECT id, deployment, job, idx, vm_id, labels, created_at, updated_at
		FROM instances
		WHERE vm_id = ?
	`
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, vmID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance for vm %d: %w", vmID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by vm: %w", err)
	}
	return inst, nil
}

// SaveInstance inserts or updates an instance
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *Instance) error {
	labels, err := json.Marshal(inst.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	now := time.Now().UTC()
	if inst.ID == 0 {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO instances (deployment, job, idx, vm_id, labels, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, inst.Deployment, inst.Job, inst.Index, inst.VMID, string(labels), now, now)
		if err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get instance ID: %w", err)
		}
		inst.ID = id
		inst.CreatedAt = now
		inst.UpdatedAt = now
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET deployment = ?, job = ?, idx = ?, vm_id = ?, labels = ?
		WHERE id = ?
	`, inst.Deployment, inst.Job, inst.Index, inst.VMID, string(labels), inst.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if err := requireRow(result, "instance", inst.ID); err != nil {
		return err
	}
	inst.UpdatedAt = now
	return nil
}

// ListInstances lists all instances ordered by ID
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deployment, job, idx, vm_id, labels, created_at, updated_at
		FROM instances
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// FindVM retrieves a VM by ID
func (s *SQLiteStore) FindVM(ctx context.Context, id int64) (*VM, error) {
	vm := &VM{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cid, agent_id, address, created_at, updated_at
		FROM vms
		WHERE id = ?
	`, id).Scan(&vm.ID, &vm.CID, &vm.AgentID, &vm.Address, &vm.CreatedAt, &vm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vm %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vm: %w", err)
	}
	return vm, nil
}

// SaveVM inserts or updates a VM
func (s *SQLiteStore) SaveVM(ctx context.Context, vm *VM) error {
	now := time.Now().UTC()
	if vm.ID == 0 {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO vms (cid, agent_id, address, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, vm.CID, vm.AgentID, vm.Address, now, now)
		if err != nil {
			return fmt.Errorf("failed to create vm: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get vm ID: %w", err)
		}
		vm.ID = id
		vm.CreatedAt = now
		vm.UpdatedAt = now
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE vms SET cid = ?, agent_id = ?, address = ?, updated_at = ?
		WHERE id = ?
	`, vm.CID, vm.AgentID, vm.Address, now, vm.ID)
	if err != nil {
		return fmt.Errorf("failed to update vm: %w", err)
	}
	if err := requireRow(result, "vm", vm.ID); err != nil {
		return err
	}
	vm.UpdatedAt = now
	return nil
}

// DestroyVM deletes a VM; the owning instance's vm_id is cleared by the
// foreign key action.
func (s *SQLiteStore) DestroyVM(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM vms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete vm: %w", err)
	}
	return requireRow(result, "vm", id)
}

// ListVMs lists all VMs ordered by ID
func (s *SQLiteStore) ListVMs(ctx context.Context) ([]*VM, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cid, agent_id, address, created_at, updated_at
		FROM vms
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	defer rows.Close()

	vms := []*VM{}
	for rows.Next() {
		vm := &VM{}
		if err := rows.Scan(&vm.ID, &vm.CID, &vm.AgentID, &vm.Address, &vm.CreatedAt, &vm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vm: %w", err)
		}
		vms = append(vms, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vms: %w", err)
	}
	return vms, nil
}

// FindDisk retrieves a persistent disk by ID
func (s *SQLiteStore) FindDisk(ctx context.Context, id int64) (*PersistentDisk, error) {
	disk, err := scanDisk(s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, disk_cid, size, active, created_at, updated_at
		FROM persistent_disks
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("disk %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get disk: %w", err)
	}
	return disk, nil
}

// ActiveDisk reads the active disk of an instance, if any
func (s *SQLiteStore) ActiveDisk(ctx context.Context, instanceID int64) (*PersistentDisk, error) {
	disk, err := scanDisk(s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, disk_cid, size, active, created_at, updated_at
		FROM persistent_disks
		WHERE instance_id = ? AND active = 1
	`, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active disk: %w", err)
	}
	return disk, nil
}

// SaveDisk inserts or updates a persistent disk
func (s *SQLiteStore) SaveDisk(ctx context.Context, disk *PersistentDisk) error {
	now := time.Now().UTC()
	if disk.ID == 0 {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO persistent_disks (instance_id, disk_cid, size, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, disk.InstanceID, disk.DiskCID, disk.Size, disk.Active, now, now)
		if err != nil {
			return diskWriteError("create", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get disk ID: %w", err)
		}
		disk.ID = id
		disk.CreatedAt = now
		disk.UpdatedAt = now
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE persistent_disks
		SET instance_id = ?, disk_cid = ?, size = ?, active = ?
		WHERE id = ?
	`, disk.InstanceID, disk.DiskCID, disk.Size, disk.Active, disk.ID)
	if err != nil {
		return diskWriteError("update", err)
	}
	if err := requireRow(result, "disk", disk.ID); err != nil {
		return err
	}
	disk.UpdatedAt = now
	return nil
}

// DestroyDisk deletes a persistent disk row
func (s *SQLiteStore) DestroyDisk(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM persistent_disks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete disk: %w", err)
	}
	return requireRow(result, "disk", id)
}

// ListDisks lists all persistent disks ordered by ID
func (s *SQLiteStore) ListDisks(ctx context.Context) ([]*PersistentDisk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, disk_cid, size, active, created_at, updated_at
		FROM persistent_disks
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %w", err)
	}
	defer rows.Close()

	disks := []*PersistentDisk{}
	for rows.Next() {
		disk, err := scanDisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan disk: %w", err)
		}
		disks = append(disks, disk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating disks: %w", err)
	}
	return disks, nil
}

// CreateCheckRun creates a new check run record
func (s *SQLiteStore) CreateCheckRun(ctx context.Context, run *CheckRun) error {
	query := `
		INSERT INTO check_runs (id, mode, policy, status, started_at, completed_at, error, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Summary == "" {
		run.Summary = "{}"
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Mode,
		run.Policy,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.Summary,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create check run: %w", err)
	}
	return nil
}

// CompleteCheckRun records the final status and summary of a run
func (s *SQLiteStore) CompleteCheckRun(ctx context.Context, id string, status RunStatus, summary string, errMsg *string) error {
	query := `
		UPDATE check_runs
		SET status = ?, summary = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	if summary == "" {
		summary = "{}"
	}
	result, err := s.db.ExecContext(ctx, query, status, summary, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete check run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("check run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetCheckRun retrieves a check run by ID
func (s *SQLiteStore) GetCheckRun(ctx context.Context, id string) (*CheckRun, error) {
	query := `
		SELECT id, mode, policy, status, started_at, completed_at, error, summary, created_at, updated_at
		FROM check_runs
		WHERE id = ?
	`

	run := &CheckRun{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Mode,
		&run.Policy,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Summary,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get check run: %w", err)
	}
	return run, nil
}

// ListCheckRuns lists check runs, newest first
func (s *SQLiteStore) ListCheckRuns(ctx context.Context, limit, offset int) ([]*CheckRun, error) {
	query := `
		SELECT id, mode, policy, status, started_at, completed_at, error, summary, created_at, updated_at
		FROM check_runs
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list check runs: %w", err)
	}
	defer rows.Close()

	runs := []*CheckRun{}
	for rows.Next() {
		run := &CheckRun{}
		err := rows.Scan(
			&run.ID,
			&run.Mode,
			&run.Policy,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Error,
			&run.Summary,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating check runs: %w", err)
	}
	return runs, nil
}

// RecordOutcome appends a problem outcome to a run
func (s *SQLiteStore) RecordOutcome(ctx context.Context, outcome *ProblemOutcome) error {
	query := `
		INSERT INTO problem_outcomes (run_id, problem_id, type, resource_id, description, resolution, disposition, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, query,
		outcome.RunID,
		outcome.ProblemID,
		outcome.Type,
		outcome.ResourceID,
		outcome.Description,
		outcome.Resolution,
		outcome.Disposition,
		outcome.Reason,
		outcome.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get outcome ID: %w", err)
	}
	outcome.ID = id
	return nil
}

// ListOutcomes lists the outcomes recorded for a run in insertion order
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]*ProblemOutcome, error) {
	query := `
		SELECT id, run_id, problem_id, type, resource_id, description, resolution, disposition, reason, recorded_at
		FROM problem_outcomes
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*ProblemOutcome{}
	for rows.Next() {
		o := &ProblemOutcome{}
		err := rows.Scan(
			&o.ID,
			&o.RunID,
			&o.ProblemID,
			&o.Type,
			&o.ResourceID,
			&o.Description,
			&o.Resolution,
			&o.Disposition,
			&o.Reason,
			&o.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return outcomes, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var labels string
	if err := row.Scan(
		&inst.ID,
		&inst.Deployment,
		&inst.Job,
		&inst.Index,
		&inst.VMID,
		&labels,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if labels != "" && labels != "null" {
		if err := json.Unmarshal([]byte(labels), &inst.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels: %w", err)
		}
	}
	return inst, nil
}

func scanDisk(row rowScanner) (*PersistentDisk, error) {
	disk := &PersistentDisk{}
	if err := row.Scan(
		&disk.ID,
		&disk.InstanceID,
		&disk.DiskCID,
		&disk.Size,
		&disk.Active,
		&disk.CreatedAt,
		&disk.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return disk, nil
}

func requireRow(result sql.Result, kind string, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// diskWriteError maps a violation of the one-active-disk index to
// ErrActiveDiskConflict.
func diskWriteError(op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("failed to %s disk: %w", op, ErrActiveDiskConflict)
	}
	return fmt.Errorf("failed to %s disk: %w", op, err)
}
