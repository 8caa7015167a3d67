// Command mountvfs mounts a memfs or blkfs volume over FUSE: flag
// parsing, fuse.Mount, Join, dispatching to either of this repo's two
// vfs.Ops drivers.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/gokernel/vfskit/blkfs"
	"github.com/gokernel/vfskit/fuseadapter"
	"github.com/gokernel/vfskit/klog"
	"github.com/gokernel/vfskit/memfs"
	"github.com/gokernel/vfskit/vfs"
)

var (
	fMountPoint = flag.String("mount_point", "", "Path to mount point.")
	fFSType     = flag.String("fs", "memfs", `Filesystem to mount: "memfs" or "blkfs".`)
	fDevice     = flag.String("device", "", "Backing file for -fs=blkfs (required; see -format).")
	fFormat     = flag.Bool("format", false, "Format -device as a fresh blkfs volume before mounting.")
	fNBlocks    = flag.Uint("nblocks", 65536, "Block count for -format (blkfs only).")
	fNInodes    = flag.Uint("ninodes", 4096, "Inode count for -format (blkfs only).")
)

func main() {
	flag.Parse()
	klog.SetLevel("info")

	if *fMountPoint == "" {
		log.Fatalf("You must set -mount_point.")
	}

	var sb *vfs.Superblock
	switch *fFSType {
	case "memfs":
		s, err := memfs.New(timeutil.RealClock())
		if err != nil {
			log.Fatalf("memfs.New: %v", err)
		}
		sb = s

	case "blkfs":
		if *fDevice == "" {
			log.Fatalf("You must set -device for -fs=blkfs.")
		}
		if *fFormat {
			if err := blkfs.Format(*fDevice, uint32(*fNBlocks), uint32(*fNInodes)); err != nil {
				log.Fatalf("blkfs.Format: %v", err)
			}
		}
		s, err := blkfs.Mount(*fDevice, 256)
		if err != nil {
			log.Fatalf("blkfs.Mount: %v", err)
		}
		sb = s

	default:
		log.Fatalf("unknown -fs %q: want memfs or blkfs", *fFSType)
	}

	server := fuseutil.NewFileSystemServer(fuseadapter.New(sb, timeutil.RealClock()))

	mfs, err := fuse.Mount(*fMountPoint, server, &fuse.MountConfig{
		DisableWritebackCaching: true,
	})
	if err != nil {
		log.Fatalf("fuse.Mount: %v", err)
	}

	if err := mfs.Join(context.Background()); err != nil {
		log.Fatalf("Join: %v", err)
	}
}
