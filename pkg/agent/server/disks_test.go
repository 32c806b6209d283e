package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newHostDisks(t *testing.T, mountCommand string) (*HostDisks, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "store")
	cfg := HostDisksConfig{
		DevicesFile: writeFile(t, dir, "devices.yml", "vol-1: /dev/xvdf\nvol-2: /dev/xvdg\nvol-3: /dev/xvdh\n"),
		MountsFile: writeFile(t, dir, "mounts",
			"/dev/root / ext4 rw 0 0\n/dev/xvdf "+root+" ext4 rw 0 0\n/dev/xvdh /mnt/other ext4 rw 0 0\n"),
		MountRoot:    root,
		MountCommand: mountCommand,
	}
	return NewHostDisks(cfg, zerolog.Nop()), root
}

func TestHostDisksListMounted(t *testing.T) {
	disks, _ := newHostDisks(t, "true")
	cids, err := disks.ListMounted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"vol-1", "vol-3"}, cids)
}

func TestHostDisksMount(t *testing.T) {
	ctx := context.Background()
	disks, root := newHostDisks(t, "true")

	res, err := disks.Mount(ctx, "vol-1")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = disks.Mount(ctx, "vol-2")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "/dev/xvdg", res.Device)
	assert.DirExists(t, root)

	_, err = disks.Mount(ctx, "vol-3")
	assert.ErrorContains(t, err, "is mounted at /mnt/other")

	_, err = disks.Mount(ctx, "vol-9")
	assert.ErrorContains(t, err, "unknown disk vol-9")
}

func TestHostDisksMountFailure(t *testing.T) {
	disks, _ := newHostDisks(t, "false")
	_, err := disks.Mount(context.Background(), "vol-2")
	assert.ErrorContains(t, err, "mount /dev/xvdg failed")
}

func TestHostDisksMissingDevicesFile(t *testing.T) {
	dir := t.TempDir()
	disks := NewHostDisks(HostDisksConfig{
		DevicesFile: filepath.Join(dir, "absent.yml"),
		MountsFile:  writeFile(t, dir, "mounts", "/dev/root / ext4 rw 0 0\n"),
	}, zerolog.Nop())

	cids, err := disks.ListMounted(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cids)
}
