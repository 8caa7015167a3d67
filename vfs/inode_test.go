package vfs

import (
	"os"
	"sync"
	"testing"

	"github.com/gokernel/vfskit/device"
	"github.com/gokernel/vfskit/vfserrno"
)

// fakeOps is the minimal vfs.Ops a whitebox test needs: a flat directory of
// regular-file inodes, no content, no device/link/mount support. Every
// mutating method beyond Lookup/Create is left unimplemented since these
// tests exercise Inode refcounting and lock ordering, not a real
// filesystem's directory semantics (memfs and blkfs's own test suites
// cover that end to end).
type fakeOps struct {
	mu       sync.Mutex
	sb       *Superblock
	nextIno  uint64
	children map[string]uint64 // root directory only
	modes    map[uint64]os.FileMode
}

func newFakeFS() *Superblock {
	ops := &fakeOps{nextIno: 2, children: map[string]uint64{}, modes: map[uint64]os.FileMode{1: os.ModeDir | 0o755}}
	sb := NewSuperblock(&FSType{Name: "fake"}, "", ops, 1)
	ops.sb = sb
	return sb
}

// Load populates the one inode newFakeFS pre-seeds (the root) and any
// inode Create has already populated directly; it exists to satisfy
// Superblock.Root()'s generic population step.
func (o *fakeOps) Load(in *Inode) error {
	if in.Valid() {
		return nil
	}
	o.mu.Lock()
	mode, ok := o.modes[in.Ino]
	o.mu.Unlock()
	if !ok {
		return vfserrno.ENOENT
	}
	in.mode = mode
	if in.Ino == 1 {
		in.nlink = 1
	}
	in.SetValid()
	return nil
}

func (o *fakeOps) Open(in *Inode, flags OpenFlags) (FileOps, error) { return nil, vfserrno.ENOTSUP }
func (o *fakeOps) Release(in *Inode) error                          { return nil }

func (o *fakeOps) Lookup(dir *Inode, name string) (*Inode, error) {
	o.mu.Lock()
	ino, ok := o.children[name]
	o.mu.Unlock()
	if !ok {
		return nil, vfserrno.ENOENT
	}
	child, err := o.sb.GetInode(ino)
	if err != nil {
		return nil, err
	}
	if err := o.Load(child); err != nil {
		child.Put()
		return nil, err
	}
	return child, nil
}

func (o *fakeOps) Readlink(in *Inode) (string, error) { return "", vfserrno.ENOTSUP }

func (o *fakeOps) Create(dir *Inode, name string, mode os.FileMode) (*Inode, error) {
	o.mu.Lock()
	if _, ok := o.children[name]; ok {
		o.mu.Unlock()
		return nil, vfserrno.EEXIST
	}
	ino := o.nextIno
	o.nextIno++
	o.children[name] = ino
	o.modes[ino] = mode
	o.mu.Unlock()

	child, err := o.sb.GetInode(ino)
	if err != nil {
		return nil, err
	}
	child.mode = mode
	child.nlink = 1
	child.SetValid()
	return child, nil
}

func (o *fakeOps) Mknod(dir *Inode, name string, mode os.FileMode, dev device.ID) (*Inode, error) {
	return nil, vfserrno.ENOTSUP
}
func (o *fakeOps) Link(dir *Inode, name string, target *Inode) error { return vfserrno.ENOTSUP }
func (o *fakeOps) Unlink(dir *Inode, name string) error              { return vfserrno.ENOTSUP }
func (o *fakeOps) Mkdir(dir *Inode, name string, mode os.FileMode) (*Inode, error) {
	return nil, vfserrno.ENOTSUP
}
func (o *fakeOps) Rmdir(dir *Inode, name string) error { return vfserrno.ENOTSUP }
func (o *fakeOps) Move(oldDir *Inode, oldName string, newDir *Inode, newName string) error {
	return vfserrno.ENOTSUP
}
func (o *fakeOps) Symlink(dir *Inode, name string, target string) (*Inode, error) {
	return nil, vfserrno.ENOTSUP
}
func (o *fakeOps) Truncate(in *Inode, newSize uint64) error { return vfserrno.ENOTSUP }
func (o *fakeOps) DirIter(in *Inode, offset uint64, fn func(Dentry) bool) error {
	return vfserrno.ENOTSUP
}
func (o *fakeOps) Sync(in *Inode) error { return nil }
func (o *fakeOps) Free(in *Inode) error { return nil }

func TestDupPutRefcounting(t *testing.T) {
	sb := newFakeFS()
	root, err := sb.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	dup, err := root.Dup()
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if dup != root {
		t.Fatalf("Dup returned a different pointer")
	}

	// Two references now outstanding (Root's + Dup's); dropping one must
	// not free the inode, and it must still be resident.
	if err := root.Put(); err != nil {
		t.Fatalf("Put (1st): %v", err)
	}
	if _, ok := sb.Resident(root.Ino); !ok {
		t.Fatalf("root evicted from cache after first Put with a reference still outstanding")
	}

	if err := dup.Put(); err != nil {
		t.Fatalf("Put (2nd): %v", err)
	}
}

func TestInvalidateFailsFutureDup(t *testing.T) {
	sb := newFakeFS()
	root, err := sb.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	defer root.Put()

	root.Invalidate()

	if _, err := root.Dup(); err != vfserrno.ESTALE {
		t.Fatalf("Dup after Invalidate = %v, want ESTALE", err)
	}
}

func TestLockTwoNondirectoriesConsistentOrder(t *testing.T) {
	sb := newFakeFS()
	root, err := sb.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	defer root.Put()

	a, err := root.Ops.Create(root, "a", 0o644)
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	defer a.Put()
	b, err := root.Ops.Create(root, "b", 0o644)
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	defer b.Put()

	// Lock a,b and b,a concurrently from both call orders; if the helper
	// didn't serialize on a single global order this would deadlock and
	// the test would hang (caught by `go test`'s default timeout).
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		LockTwoNondirectories(a, b)
		a.Unlock()
		b.Unlock()
	}()
	go func() {
		defer wg.Done()
		LockTwoNondirectories(b, a)
		a.Unlock()
		b.Unlock()
	}()
	wg.Wait()
}

func TestCheckOpenableRejectsWritableDirectory(t *testing.T) {
	sb := newFakeFS()
	root, err := sb.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	defer root.Put()

	if err := checkOpenable(root, O_WRONLY); err != vfserrno.EISDIR {
		t.Fatalf("checkOpenable(dir, O_WRONLY) = %v, want EISDIR", err)
	}
	if err := checkOpenable(root, O_RDONLY); err != nil {
		t.Fatalf("checkOpenable(dir, O_RDONLY) = %v, want nil", err)
	}
}
