package stores

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Repository on an embedded Badger key-value store.
// Rows are JSON values under "<kind>:<id>" keys; the active disk of an
// instance is indexed under "active:<instance_id>".
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database. An empty path opens an
// in-memory database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func rowKey(kind string, id int64) []byte {
	return []byte(kind + ":" + strconv.FormatInt(id, 10))
}

func activeKey(instanceID int64) []byte {
	return rowKey("active", instanceID)
}

func seqKey(kind string) []byte {
	return []byte("seq:" + kind)
}

// nextID allocates the next row ID for kind inside txn.
func nextID(txn *badger.Txn, kind string) (int64, error) {
	var current uint64
	item, err := txn.Get(seqKey(kind))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(v []byte) error {
			current = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return 0, err
		}
	}

	current++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current)
	if err := txn.Set(seqKey(kind), buf); err != nil {
		return 0, err
	}
	return int64(current), nil
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// listJSON decodes every value under "<kind>:" via decode, in key order.
func listJSON(txn *badger.Txn, kind string, decode func([]byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(kind + ":")
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(decode); err != nil {
			return err
		}
	}
	return nil
}

// FindInstance retrieves an instance by ID
func (s *BadgerStore) FindInstance(_ context.Context, id int64) (*Instance, error) {
	var inst Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, rowKey("instance", id), &inst)
	})
	if err != nil {
		return nil, fmt.Errorf("instance %d: %w", id, err)
	}
	return &inst, nil
}

// FindInstanceByVM scans instances for the one hosted on vmID
func (s *BadgerStore) FindInstanceByVM(ctx context.Context, vmID int64) (*Instance, error) {
	instances, err := s.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.VMID != nil && *inst.VMID == vmID {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("instance for vm %d: %w", vmID, ErrNotFound)
}

// SaveInstance inserts or updates an instance
func (s *BadgerStore) SaveInstance(_ context.Context, inst *Instance) error {
	return s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		if inst.ID == 0 {
			id, err := nextID(txn, "instance")
			if err != nil {
				return fmt.Errorf("failed to allocate instance ID: %w", err)
			}
			inst.ID = id
			inst.CreatedAt = now
		} else if ok, err := exists(txn, rowKey("instance", inst.ID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("instance %d: %w", inst.ID, ErrNotFound)
		}
		inst.UpdatedAt = now
		return setJSON(txn, rowKey("instance", inst.ID), inst)
	})
}

// ListInstances lists all instances ordered by ID
func (s *BadgerStore) ListInstances(_ context.Context) ([]*Instance, error) {
	instances := []*Instance{}
	err := s.db.View(func(txn *badger.Txn) error {
		return listJSON(txn, "instance", func(v []byte) error {
			inst := &Instance{}
			if err := json.Unmarshal(v, inst); err != nil {
				return err
			}
			instances = append(instances, inst)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// FindVM retrieves a VM by ID
func (s *BadgerStore) FindVM(_ context.Context, id int64) (*VM, error) {
	var vm VM
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, rowKey("vm", id), &vm)
	})
	if err != nil {
		return nil, fmt.Errorf("vm %d: %w", id, err)
	}
	return &vm, nil
}

// SaveVM inserts or updates a VM
func (s *BadgerStore) SaveVM(_ context.Context, vm *VM) error {
	return s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		if vm.ID == 0 {
			id, err := nextID(txn, "vm")
			if err != nil {
				return fmt.Errorf("failed to allocate vm ID: %w", err)
			}
			vm.ID = id
			vm.CreatedAt = now
		} else if ok, err := exists(txn, rowKey("vm", vm.ID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("vm %d: %w", vm.ID, ErrNotFound)
		}
		vm.UpdatedAt = now
		return setJSON(txn, rowKey("vm", vm.ID), vm)
	})
}

// DestroyVM deletes a VM and clears the owning instance's link
func (s *BadgerStore) DestroyVM(_ context.Context, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, rowKey("vm", id)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("vm %d: %w", id, ErrNotFound)
		}

		var owners []*Instance
		err := listJSON(txn, "instance", func(v []byte) error {
			inst := &Instance{}
			if err := json.Unmarshal(v, inst); err != nil {
				return err
			}
			if inst.VMID != nil && *inst.VMID == id {
				owners = append(owners, inst)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, inst := range owners {
			inst.VMID = nil
			inst.UpdatedAt = time.Now().UTC()
			if err := setJSON(txn, rowKey("instance", inst.ID), inst); err != nil {
				return err
			}
		}
		return txn.Delete(rowKey("vm", id))
	})
}

// ListVMs lists all VMs ordered by ID
func (s *BadgerStore) ListVMs(_ context.Context) ([]*VM, error) {
	vms := []*VM{}
	err := s.db.View(func(txn *badger.Txn) error {
		return listJSON(txn, "vm", func(v []byte) error {
			vm := &VM{}
			if err := json.Unmarshal(v, vm); err != nil {
				return err
			}
			vms = append(vms, vm)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].ID < vms[j].ID })
	return vms, nil
}

// FindDisk retrieves a persistent disk by ID
func (s *BadgerStore) FindDisk(_ context.Context, id int64) (*PersistentDisk, error) {
	var disk PersistentDisk
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, rowKey("disk", id), &disk)
	})
	if err != nil {
		return nil, fmt.Errorf("disk %d: %w", id, err)
	}
	return &disk, nil
}

// ActiveDisk follows the active index of an instance
func (s *BadgerStore) ActiveDisk(_ context.Context, instanceID int64) (*PersistentDisk, error) {
	var disk *PersistentDisk
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(instanceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var diskID int64
		if err := item.Value(func(v []byte) error {
			diskID = int64(binary.BigEndian.Uint64(v))
			return nil
		}); err != nil {
			return err
		}
		disk = &PersistentDisk{}
		return getJSON(txn, rowKey("disk", diskID), disk)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get active disk: %w", err)
	}
	return disk, nil
}

// SaveDisk inserts or updates a disk and maintains the active index. Badger
// transactions are serializable, so two concurrent activations of disks of
// the same instance cannot both commit.
func (s *BadgerStore) SaveDisk(_ context.Context, disk *PersistentDisk) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		var previous *PersistentDisk
		if disk.ID == 0 {
			id, err := nextID(txn, "disk")
			if err != nil {
				return fmt.Errorf("failed to allocate disk ID: %w", err)
			}
			disk.ID = id
			disk.CreatedAt = now
		} else {
			previous = &PersistentDisk{}
			if err := getJSON(txn, rowKey("disk", disk.ID), previous); err != nil {
				return fmt.Errorf("disk %d: %w", disk.ID, err)
			}
		}

		if previous != nil && previous.Active && previous.InstanceID != nil {
			if err := txn.Delete(activeKey(*previous.InstanceID)); err != nil {
				return err
			}
		}

		if disk.Active && disk.InstanceID != nil {
			item, err := txn.Get(activeKey(*disk.InstanceID))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				var owner int64
				if err := item.Value(func(v []byte) error {
					owner = int64(binary.BigEndian.Uint64(v))
					return nil
				}); err != nil {
					return err
				}
				if owner != disk.ID {
					return ErrActiveDiskConflict
				}
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(disk.ID))
			if err := txn.Set(activeKey(*disk.InstanceID), buf); err != nil {
				return err
			}
		}

		disk.UpdatedAt = now
		return setJSON(txn, rowKey("disk", disk.ID), disk)
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("failed to save disk: %w", ErrActiveDiskConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to save disk: %w", err)
	}
	return nil
}

// DestroyDisk deletes a disk row and its active index entry
func (s *BadgerStore) DestroyDisk(_ context.Context, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var disk PersistentDisk
		if err := getJSON(txn, rowKey("disk", id), &disk); err != nil {
			return fmt.Errorf("disk %d: %w", id, err)
		}
		if disk.Active && disk.InstanceID != nil {
			if err := txn.Delete(activeKey(*disk.InstanceID)); err != nil {
				return err
			}
		}
		return txn.Delete(rowKey("disk", id))
	})
}

// ListDisks lists all persistent disks ordered by ID
func (s *BadgerStore) ListDisks(_ context.Context) ([]*PersistentDisk, error) {
	disks := []*PersistentDisk{}
	err := s.db.View(func(txn *badger.Txn) error {
		return listJSON(txn, "disk", func(v []byte) error {
			disk := &PersistentDisk{}
			if err := json.Unmarshal(v, disk); err != nil {
				return err
			}
			disks = append(disks, disk)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %w", err)
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].ID < disks[j].ID })
	return disks, nil
}
