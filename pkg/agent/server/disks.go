package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/cloudcheck/pkg/agent/protocol"
)

// HostDisksConfig configures HostDisks.
type HostDisksConfig struct {
	// DevicesFile is a YAML map from disk CID to block device, written by
	// whatever attaches disks to this VM.
	DevicesFile string

	// MountsFile is read to find mounted devices. Defaults to /proc/mounts.
	MountsFile string

	// MountRoot is where persistent disks are mounted.
	MountRoot string

	// MountCommand is the binary invoked as "<cmd> <device> <dir>".
	MountCommand string
}

// HostDisks answers disk commands from the local host.
type HostDisks struct {
	cfg    HostDisksConfig
	logger zerolog.Logger
}

// NewHostDisks creates a HostDisks with defaults applied.
func NewHostDisks(cfg HostDisksConfig, logger zerolog.Logger) *HostDisks {
	if cfg.MountsFile == "" {
		cfg.MountsFile = "/proc/mounts"
	}
	if cfg.MountRoot == "" {
		cfg.MountRoot = "/var/vcap/store"
	}
	cfg.MountRoot = filepath.Clean(cfg.MountRoot)
	if cfg.MountCommand == "" {
		cfg.MountCommand = "mount"
	}
	return &HostDisks{cfg: cfg, logger: logger.With().Str("component", "disks").Logger()}
}

// ListMounted returns the CIDs of known disks whose device is mounted.
func (h *HostDisks) ListMounted(ctx context.Context) ([]string, error) {
	devices, err := h.devices()
	if err != nil {
		return nil, err
	}
	mounts, err := h.mounts()
	if err != nil {
		return nil, err
	}

	cids := []string{}
	for cid, dev := range devices {
		if _, ok := mounts[dev]; ok {
			cids = append(cids, cid)
		}
	}
	sort.Strings(cids)
	return cids, nil
}

// Mount mounts the disk's device under MountRoot. Mounting a disk that
// is already mounted there is a no-op.
func (h *HostDisks) Mount(ctx context.Context, diskCID string) (*protocol.MountResult, error) {
	devices, err := h.devices()
	if err != nil {
		return nil, err
	}
	dev, ok := devices[diskCID]
	if !ok {
		return nil, fmt.Errorf("unknown disk %s", diskCID)
	}

	mounts, err := h.mounts()
	if err != nil {
		return nil, err
	}
	result := &protocol.MountResult{Device: dev, MountPoint: h.cfg.MountRoot}
	if mp, ok := mounts[dev]; ok {
		if mp != h.cfg.MountRoot {
			return nil, fmt.Errorf("device %s is mounted at %s", dev, mp)
		}
		return result, nil
	}

	if err := os.MkdirAll(h.cfg.MountRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount root: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.cfg.MountCommand, dev, h.cfg.MountRoot)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mount %s failed: %w: %s", dev, err, strings.TrimSpace(stderr.String()))
	}

	h.logger.Info().Str("disk_cid", diskCID).Str("device", dev).Str("mount_point", h.cfg.MountRoot).Msg("Disk mounted")
	result.Changed = true
	return result, nil
}

func (h *HostDisks) devices() (map[string]string, error) {
	if h.cfg.DevicesFile == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(h.cfg.DevicesFile)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	devices := map[string]string{}
	if err := yaml.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}
	return devices, nil
}

// mounts maps mounted devices to their mount points.
func (h *HostDisks) mounts() (map[string]string, error) {
	f, err := os.Open(h.cfg.MountsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read mounts: %w", err)
	}
	defer f.Close()

	mounts := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if _, seen := mounts[fields[0]]; !seen {
			mounts[fields[0]] = filepath.Clean(fields[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan mounts: %w", err)
	}
	return mounts, nil
}
