package memfs

import (
	"github.com/gokernel/vfskit/container"
	"github.com/gokernel/vfskit/vfs"
	"github.com/gokernel/vfskit/vfserrno"
	"github.com/gokernel/vfskit/vfsutil"
)

// dirEntry is one child binding. A freed slot (after remove) is left in
// place with Type DT_Unknown rather than shifting later entries down, so
// a getdents cookie (an index into this slice) stays stable across a
// directory mutation that doesn't touch the entry in question.
type dirEntry struct {
	name string
	ino  uint64
	typ  vfsutil.DirentType
}

// dirTable is a memfs directory's content: a bucket-hash of child
// dentries giving O(1) name lookup, backed by an append-only,
// slot-reused slice so iteration cookies stay meaningful across
// concurrent mutation the way a real directory's read cookie must.
type dirTable struct {
	entries []dirEntry
	byName  *container.Table[string, int]
}

func newDirTable() *dirTable {
	return &dirTable{byName: container.NewTable[string, int](hashName, eqName)}
}

// hashName is an FNV-1a 64-bit hash, the same constants the standard
// library's hash/fnv uses, supplied here directly since container.Table
// takes a caller hash function rather than owning one.
func hashName(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func eqName(a, b string) bool { return a == b }

func (d *dirTable) lookup(name string) (uint64, bool) {
	idx, ok := d.byName.Lookup(name)
	if !ok {
		return 0, false
	}
	return d.entries[idx].ino, true
}

// add inserts name, reusing the first freed slot if one exists.
func (d *dirTable) add(name string, ino uint64, typ vfsutil.DirentType) error {
	if _, ok := d.byName.Lookup(name); ok {
		return vfserrno.EEXIST
	}

	for i := range d.entries {
		if d.entries[i].typ == vfsutil.DT_Unknown {
			d.entries[i] = dirEntry{name: name, ino: ino, typ: typ}
			d.byName.Insert(name, i)
			return nil
		}
	}
	d.entries = append(d.entries, dirEntry{name: name, ino: ino, typ: typ})
	d.byName.Insert(name, len(d.entries)-1)
	return nil
}

// remove clears name's slot, returning the ino it named.
func (d *dirTable) remove(name string) (uint64, error) {
	idx, ok := d.byName.Lookup(name)
	if !ok {
		return 0, vfserrno.ENOENT
	}
	ino := d.entries[idx].ino
	d.entries[idx] = dirEntry{}
	d.byName.Delete(name)
	return ino, nil
}

// updateDotDot repoints the directory's ".." entry at newParent, used by
// Move when a directory crosses into a different parent.
func (d *dirTable) updateDotDot(newParent uint64) {
	if idx, ok := d.byName.Lookup(".."); ok {
		d.entries[idx].ino = newParent
	}
}

// isEmpty reports whether dir contains only "." and "..", the rmdir
// precondition.
func (d *dirTable) isEmpty() bool {
	for _, e := range d.entries {
		if e.typ != vfsutil.DT_Unknown && e.name != "." && e.name != ".." {
			return false
		}
	}
	return true
}

// iter walks live entries starting at slice index offset, handing each to
// fn as a vfs.Dentry whose Cookie resumes after it. No Release hook is
// needed; the entries are owned by the table, not borrowed.
func (d *dirTable) iter(sb *vfs.Superblock, offset uint64, fn func(vfs.Dentry) bool) error {
	for idx := int(offset); idx < len(d.entries); idx++ {
		e := d.entries[idx]
		if e.typ == vfsutil.DT_Unknown {
			continue
		}
		dent := vfs.Dentry{
			SB:     sb,
			Ino:    e.ino,
			Name:   e.name,
			Type:   e.typ,
			Cookie: uint64(idx + 1),
		}
		if !fn(dent) {
			return nil
		}
	}
	return nil
}
