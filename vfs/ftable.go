package vfs

import (
	"sync"

	"github.com/gokernel/vfskit/vfserrno"
)

// maxOpenFiles bounds a single FTable the way xv6 bounds NOFILE per
// process; it exists to catch a descriptor leak rather than to model a
// real resource limit.
const maxOpenFiles = 4096

// FTable is a per-process open-file-descriptor table: the thing fd
// numbers actually index into. Its lock is a leaf, only ever taken to
// install or remove a File pointer, never while a File or Inode lock is
// held.
type FTable struct {
	mu    sync.Mutex
	files []*File // index is the fd number; nil entries are free slots
}

// NewFTable creates an empty descriptor table.
func NewFTable() *FTable {
	return &FTable{}
}

// Install assigns f the lowest unused descriptor number, matching
// open(2)'s "lowest available fd" contract.
func (t *FTable) Install(f *File) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, slot := range t.files {
		if slot == nil {
			t.files[i] = f
			return i, nil
		}
	}
	if len(t.files) >= maxOpenFiles {
		return -1, vfserrno.ENOMEM
	}
	t.files = append(t.files, f)
	return len(t.files) - 1, nil
}

// Get returns the File installed at fd.
func (t *FTable) Get(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, vfserrno.EBADF
	}
	return t.files[fd], nil
}

// Dup2 makes newFd refer to the same File as oldFd, closing whatever was
// previously at newFd first.
func (t *FTable) Dup2(oldFd, newFd int) error {
	t.mu.Lock()
	old, err := t.getLocked(oldFd)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	dup, err := old.Dup()
	if err != nil {
		t.mu.Unlock()
		return err
	}

	var evicted *File
	if newFd < len(t.files) {
		evicted = t.files[newFd]
	} else {
		for len(t.files) <= newFd {
			t.files = append(t.files, nil)
		}
	}
	t.files[newFd] = dup
	t.mu.Unlock()

	if evicted != nil {
		evicted.Close()
	}
	return nil
}

func (t *FTable) getLocked(fd int) (*File, error) {
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, vfserrno.EBADF
	}
	return t.files[fd], nil
}

// Close removes fd from the table and drops its reference to the
// underlying File.
func (t *FTable) Close(fd int) error {
	t.mu.Lock()
	f, err := t.getLocked(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.files[fd] = nil
	t.mu.Unlock()

	return f.Close()
}

// CloseAll closes every open descriptor, as a process exit would.
func (t *FTable) CloseAll() {
	t.mu.Lock()
	files := t.files
	t.files = nil
	t.mu.Unlock()

	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
