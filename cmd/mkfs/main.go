// Command mkfs formats a fresh easy-fs disk image and, optionally,
// replicates a host directory tree into it — the host-side half of
// spec.md §8's boot scenarios. Grounded on mkfs/mkfs.go's
// walk-a-skeleton-directory-and-recreate-it-in-the-image shape and
// ufs.BootFS/ufs.MkDisk's create-then-mount two-step.
package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/stride-os/kernel/internal/bdev"
	"github.com/stride-os/kernel/internal/easyfs"
	"github.com/stride-os/kernel/internal/vfs"
)

var (
	imagePath  = kingpin.Flag("image", "Path of the disk image to create.").Required().String()
	totalBlocks = kingpin.Flag("total-blocks", "Total 512-byte blocks in the image.").Default("8192").Uint32()
	inodeBitmapBlocks = kingpin.Flag("inode-bitmap-blocks", "Blocks reserved for the inode bitmap.").Default("1").Uint32()
	cacheCapacity = kingpin.Flag("cache-capacity", "Block cache capacity while formatting/copying.").Default("64").Int()
	skelDir = kingpin.Flag("skel", "Host directory tree to copy into the image root.").String()
)

func main() {
	kingpin.Parse()

	dev, err := bdev.CreateFile(*imagePath, uint64(*totalBlocks))
	if err != nil {
		kingpin.Fatalf("mkfs: %v", err)
	}
	defer dev.Close()

	efs, err := easyfs.Initialize(dev, *totalBlocks, *inodeBitmapBlocks, *cacheCapacity)
	if err != nil {
		kingpin.Fatalf("mkfs: initialize: %v", err)
	}
	vfsys := vfs.New(efs)

	if *skelDir != "" {
		if err := addTree(vfsys, *skelDir); err != nil {
			kingpin.Fatalf("mkfs: %v", err)
		}
	}

	if err := efs.SyncAll(); err != nil {
		kingpin.Fatalf("mkfs: sync: %v", err)
	}
}

// addTree walks skelDir and recreates its regular files (flat, directly
// under the image root — spec.md's directory inode carries only a linear
// DirEntry list, so nested host subdirectories are flattened by joining
// path separators with "_") into vfsys.
func addTree(vfsys *vfs.Filesystem, skelDir string) error {
	root := vfsys.Root()
	return filepath.WalkDir(skelDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "mkfs: walk %s", path)
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(skelDir, path)
		if err != nil {
			return err
		}
		name := strings.ReplaceAll(rel, string(filepath.Separator), "_")

		inode, err := root.Create(name)
		if err != nil {
			return errors.Wrapf(err, "mkfs: create %s", name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "mkfs: read %s", path)
		}
		if _, err := inode.WriteAt(0, data); err != nil {
			return errors.Wrapf(err, "mkfs: write %s", name)
		}
		return nil
	})
}
