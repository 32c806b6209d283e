package stores

import (
	"context"
	"errors"
	"testing"
)

// Behaviour shared by every Repository implementation.

func runRepositoryCRUD(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	inst, vm := seedInstance(t, repo)
	inst.Labels = map[string]string{"az": "z1"}
	if err := repo.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("failed to update instance: %v", err)
	}

	gotInst, err := repo.FindInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to find instance: %v", err)
	}
	if gotInst.Job != "db" || gotInst.VMID == nil || *gotInst.VMID != vm.ID {
		t.Errorf("unexpected instance %+v", gotInst)
	}
	if gotInst.Labels["az"] != "z1" {
		t.Errorf("expected labels to round-trip, got %v", gotInst.Labels)
	}

	byVM, err := repo.FindInstanceByVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("failed to find instance by vm: %v", err)
	}
	if byVM.ID != inst.ID {
		t.Errorf("expected instance %d, got %d", inst.ID, byVM.ID)
	}

	gotVM, err := repo.FindVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("failed to find vm: %v", err)
	}
	if gotVM.CID != "i-0abc" || gotVM.AgentID != "agent-1" {
		t.Errorf("unexpected vm %+v", gotVM)
	}

	disk := &PersistentDisk{InstanceID: &inst.ID, DiskCID: "vol-1", Size: 1024}
	if err := repo.SaveDisk(ctx, disk); err != nil {
		t.Fatalf("failed to save disk: %v", err)
	}
	if disk.ID == 0 {
		t.Fatal("expected disk ID to be assigned")
	}

	gotDisk, err := repo.FindDisk(ctx, disk.ID)
	if err != nil {
		t.Fatalf("failed to find disk: %v", err)
	}
	if gotDisk.DiskCID != "vol-1" || gotDisk.Size != 1024 || gotDisk.Active {
		t.Errorf("unexpected disk %+v", gotDisk)
	}

	disks, err := repo.ListDisks(ctx)
	if err != nil {
		t.Fatalf("failed to list disks: %v", err)
	}
	if len(disks) != 1 {
		t.Errorf("expected 1 disk, got %d", len(disks))
	}

	if err := repo.DestroyDisk(ctx, disk.ID); err != nil {
		t.Fatalf("failed to destroy disk: %v", err)
	}
	if _, err := repo.FindDisk(ctx, disk.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after destroy, got %v", err)
	}
	if err := repo.DestroyDisk(ctx, disk.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound destroying twice, got %v", err)
	}

	if _, err := repo.FindInstance(ctx, 9999); !IsNotFound(err) {
		t.Errorf("expected not found for missing instance, got %v", err)
	}
	if _, err := repo.FindVM(ctx, 9999); !IsNotFound(err) {
		t.Errorf("expected not found for missing vm, got %v", err)
	}
}

func runSingleActiveDiskPerInstance(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	inst, _ := seedInstance(t, repo)

	active, err := repo.ActiveDisk(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to read active disk: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active disk, got %+v", active)
	}

	first := &PersistentDisk{InstanceID: &inst.ID, DiskCID: "vol-a", Size: 100, Active: true}
	if err := repo.SaveDisk(ctx, first); err != nil {
		t.Fatalf("failed to save first disk: %v", err)
	}
	second := &PersistentDisk{InstanceID: &inst.ID, DiskCID: "vol-b", Size: 100}
	if err := repo.SaveDisk(ctx, second); err != nil {
		t.Fatalf("failed to save second disk: %v", err)
	}

	second.Active = true
	if err := repo.SaveDisk(ctx, second); !errors.Is(err, ErrActiveDiskConflict) {
		t.Fatalf("expected ErrActiveDiskConflict, got %v", err)
	}

	active, err = repo.ActiveDisk(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to read active disk: %v", err)
	}
	if active == nil || active.ID != first.ID {
		t.Fatalf("expected first disk to stay active, got %+v", active)
	}

	// Re-saving the active disk itself is not a conflict.
	first.Size = 200
	if err := repo.SaveDisk(ctx, first); err != nil {
		t.Fatalf("failed to re-save active disk: %v", err)
	}

	first.Active = false
	if err := repo.SaveDisk(ctx, first); err != nil {
		t.Fatalf("failed to deactivate first disk: %v", err)
	}
	second.Active = true
	if err := repo.SaveDisk(ctx, second); err != nil {
		t.Fatalf("failed to activate second disk: %v", err)
	}

	active, err = repo.ActiveDisk(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to read active disk: %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Fatalf("expected second disk active, got %+v", active)
	}

	if err := repo.DestroyDisk(ctx, second.ID); err != nil {
		t.Fatalf("failed to destroy active disk: %v", err)
	}
	active, err = repo.ActiveDisk(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to read active disk: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active disk after destroy, got %+v", active)
	}
}

func runDestroyVMClearsInstanceLink(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	inst, vm := seedInstance(t, repo)
	if err := repo.DestroyVM(ctx, vm.ID); err != nil {
		t.Fatalf("failed to destroy vm: %v", err)
	}

	got, err := repo.FindInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to find instance: %v", err)
	}
	if got.VMID != nil {
		t.Errorf("expected vm link cleared, got %d", *got.VMID)
	}

	vms, err := repo.ListVMs(ctx)
	if err != nil {
		t.Fatalf("failed to list vms: %v", err)
	}
	if len(vms) != 0 {
		t.Errorf("expected no vms, got %d", len(vms))
	}

	if err := repo.DestroyVM(ctx, vm.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound destroying twice, got %v", err)
	}
}
