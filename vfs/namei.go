package vfs

import (
	"os"
	"strings"

	"github.com/gokernel/vfskit/vfserrno"
)

// maxSymlinkHops bounds the recursive symlink expansion a single path
// resolution can perform, the same ELOOP-avoidance budget Linux's
// MAXSYMLINKS enforces.
const maxSymlinkHops = 40

// Resolver walks paths across the mount graph, the only piece of the VFS
// core that needs to know more than one Superblock exists at a time.
type Resolver struct {
	Mounts *MountTable
	RootSB *Superblock
}

// NewResolver creates a path resolver rooted at rootSB, with an empty
// mount table ready for additional filesystems to be grafted on.
func NewResolver(rootSB *Superblock) *Resolver {
	return &Resolver{Mounts: NewMountTable(), RootSB: rootSB}
}

func splitPath(path string) (absolute bool, parts []string) {
	absolute = strings.HasPrefix(path, "/")
	for _, p := range strings.Split(path, "/") {
		if p == "" || p == "." {
			continue
		}
		parts = append(parts, p)
	}
	return
}

// startDir returns the Dup'd inode a path resolution should begin from:
// root (the caller's root, which chroot may have moved off the global
// one) for an absolute path, cwd for a relative one. A nil root or cwd
// falls back to the root filesystem's own root directory.
func (r *Resolver) startDir(root, cwd *Inode, absolute bool) (*Inode, error) {
	from := cwd
	if absolute {
		from = root
	}
	if from == nil {
		return r.RootSB.Root()
	}
	return from.Dup()
}

// step resolves one path component from dir, crossing mount-point
// boundaries transparently in both directions, and returns the next
// directory to resolve from (Dup'd; the caller must Put dir and the
// eventual result).
func (r *Resolver) step(dir *Inode, name string) (*Inode, error) {
	if name == ".." {
		if covered, ok := r.Mounts.CrossUp(dir); ok {
			return covered.Dup()
		}
	}

	child, err := dir.SB.Ops.Lookup(dir, name)
	if err != nil {
		return nil, err
	}

	if mounted, ok := r.Mounts.CrossDown(child); ok {
		child.Put()
		return mounted.Dup()
	}
	return child, nil
}

// Namei resolves path (absolute against root, or relative to cwd) to its
// inode, returning it Dup'd for the caller. It mirrors xv6's namex: walk
// component by component, holding no inode lock across the per-component
// Lookup. A symlink named by an intermediate component is resolved
// recursively (not the final component, which Namei returns as-is for
// the caller to Readlink itself if it wants to).
func (r *Resolver) Namei(root, cwd *Inode, path string) (*Inode, error) {
	return r.namei(root, cwd, path, 0)
}

func (r *Resolver) namei(root, cwd *Inode, path string, hops int) (*Inode, error) {
	absolute, parts := splitPath(path)

	dir, err := r.startDir(root, cwd, absolute)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return dir, nil
	}

	for i, name := range parts {
		dir.LockSimple()
		if !dir.mode.IsDir() {
			dir.Unlock()
			dir.Put()
			return nil, vfserrno.ENOTDIR
		}
		dir.Unlock()

		next, err := r.step(dir, name)
		if err != nil {
			dir.Put()
			return nil, err
		}

		if i < len(parts)-1 && next.Mode()&os.ModeSymlink != 0 {
			resolved, err := r.followSymlink(root, dir, next, &hops)
			dir.Put()
			if err != nil {
				return nil, err
			}
			next = resolved
		} else {
			dir.Put()
		}

		dir = next
	}
	return dir, nil
}

// followSymlink resolves the symlink in, encountered while walking
// through enclosing, consuming one hop from the caller's budget and
// recursing if the target is itself a symlink. It consumes in's
// reference; the result is Dup'd for the caller, same contract as step.
func (r *Resolver) followSymlink(root, enclosing, in *Inode, hops *int) (*Inode, error) {
	if *hops >= maxSymlinkHops {
		in.Put()
		return nil, vfserrno.ELOOP
	}
	*hops++

	target, err := in.Ops.Readlink(in)
	in.Put()
	if err != nil {
		return nil, err
	}

	resolved, err := r.namei(root, enclosing, target, *hops)
	if err != nil {
		return nil, err
	}
	if resolved.Mode()&os.ModeSymlink != 0 {
		return r.followSymlink(root, enclosing, resolved, hops)
	}
	return resolved, nil
}

// NameiParent resolves all but the last component of path, returning the
// parent directory (Dup'd) and the final component's name, the way xv6's
// nameiparent feeds create/unlink/mkdir/rmdir.
func (r *Resolver) NameiParent(root, cwd *Inode, path string) (parent *Inode, name string, err error) {
	absolute, parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", vfserrno.EINVAL
	}

	dir, err := r.startDir(root, cwd, absolute)
	if err != nil {
		return nil, "", err
	}

	hops := 0
	for _, component := range parts[:len(parts)-1] {
		dir.LockSimple()
		if !dir.mode.IsDir() {
			dir.Unlock()
			dir.Put()
			return nil, "", vfserrno.ENOTDIR
		}
		dir.Unlock()

		next, err := r.step(dir, component)
		if err != nil {
			dir.Put()
			return nil, "", err
		}

		if next.Mode()&os.ModeSymlink != 0 {
			resolved, err := r.followSymlink(root, dir, next, &hops)
			dir.Put()
			if err != nil {
				return nil, "", err
			}
			next = resolved
		} else {
			dir.Put()
		}

		dir = next
	}

	return dir, parts[len(parts)-1], nil
}
