package memfs

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/kylelemons/godebug/pretty"

	"github.com/gokernel/vfskit/device"
	"github.com/gokernel/vfskit/vfs"
	"github.com/gokernel/vfskit/vfserrno"
)

func mount(t *testing.T) (*vfs.Superblock, *timeutil.SimulatedClock) {
	t.Helper()
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	sb, err := New(clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sb, clock
}

func newProc(t *testing.T, sb *vfs.Superblock) *vfs.Process {
	t.Helper()
	p, err := vfs.NewProcess(vfs.NewResolver(sb))
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	return p
}

func TestRootIsDirectory(t *testing.T) {
	sb, _ := mount(t)
	root, err := sb.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	defer root.Put()

	st := root.Stat()
	if !st.Mode.IsDir() {
		t.Fatalf("root mode = %v, want directory", st.Mode)
	}
	if st.Ino != rootIno {
		t.Fatalf("root ino = %d, want %d", st.Ino, rootIno)
	}
}

// mkdir, mkdir, create, write, close, reopen, read.
func TestMkdirCreateWriteReopenRead(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	if err := p.Mkdir("/a", 0o755); err != nil {
		t.Fatalf("Mkdir /a: %v", err)
	}
	if err := p.Mkdir("/a/b", 0o755); err != nil {
		t.Fatalf("Mkdir /a/b: %v", err)
	}

	fd, err := p.Open("/a/b/file", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open O_CREAT: %v", err)
	}

	payload := []byte("hello from memfs")
	if n, err := p.Write(fd, payload); err != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v; want %d, nil", n, err, len(payload))
	}
	if err := p.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fd2, err := p.Open("/a/b/file", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.Close(fd2)

	got := make([]byte, len(payload))
	if n, err := p.Read(fd2, got); err != nil || n != len(payload) {
		t.Fatalf("Read = %d, %v; want %d, nil", n, err, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read content = %q, want %q", got, payload)
	}
}

func TestEmbeddedToPageCacheMigration(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	fd, err := p.Open("/grow", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open O_CREAT: %v", err)
	}
	defer p.Close(fd)

	full := bytes.Repeat([]byte{0x11}, EmbeddedDataLen)
	if _, err := p.Write(fd, full); err != nil {
		t.Fatalf("Write up to threshold: %v", err)
	}
	if st, _ := p.Fstat(fd); st.Size != EmbeddedDataLen {
		t.Fatalf("size after first write = %d, want %d", st.Size, EmbeddedDataLen)
	}

	// One more byte crosses EmbeddedDataLen and must trigger migration
	// into the page cache without losing what was already written.
	if _, err := p.Write(fd, []byte{0x22}); err != nil {
		t.Fatalf("Write crossing threshold: %v", err)
	}
	if st, _ := p.Fstat(fd); st.Size != EmbeddedDataLen+1 {
		t.Fatalf("size after crossing write = %d, want %d", st.Size, EmbeddedDataLen+1)
	}

	got := make([]byte, EmbeddedDataLen+1)
	if n, err := p.Lseek(fd, 0, vfs.SeekSet); err != nil || n != 0 {
		t.Fatalf("Lseek: %d, %v", n, err)
	}
	if n, err := p.Read(fd, got); err != nil || n != EmbeddedDataLen+1 {
		t.Fatalf("Read = %d, %v; want %d, nil", n, err, EmbeddedDataLen+1)
	}
	want := append(append([]byte{}, full...), 0x22)
	if !bytes.Equal(got, want) {
		t.Fatalf("content after migration mismatch")
	}
}

func TestTruncateGrowZerosTail(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	fd, err := p.Open("/tail", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close(fd)

	if _, err := p.Write(fd, bytes.Repeat([]byte{0xFF}, PageSize+10)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Truncate(fd, 5); err != nil {
		t.Fatalf("Truncate shrink: %v", err)
	}
	if err := p.Truncate(fd, PageSize+10); err != nil {
		t.Fatalf("Truncate grow: %v", err)
	}

	got := make([]byte, PageSize+10)
	p.Lseek(fd, 0, vfs.SeekSet)
	if n, err := p.Read(fd, got); err != nil || n != len(got) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	for i := 0; i < 5; i++ {
		if got[i] != 0xFF {
			t.Fatalf("byte %d = %#x, want 0xFF (retained below shrink point)", i, got[i])
		}
	}
	for i := 5; i < len(got); i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0 (zero-filled regrowth)", i, got[i])
		}
	}
}

func TestTruncateRollsBackOnFileTooLarge(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	fd, err := p.Open("/big", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close(fd)

	if _, err := p.Write(fd, []byte("seed")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := p.Truncate(fd, MaxFileSize+1); err == nil {
		t.Fatalf("Truncate beyond MaxFileSize succeeded, want error")
	}

	st, err := p.Fstat(fd)
	if err != nil {
		t.Fatalf("Fstat: %v", err)
	}
	if st.Size != 4 {
		t.Fatalf("size after failed truncate = %d, want 4 (rolled back)", st.Size)
	}
}

// Write 1MiB of 0xAB, truncate to 512KiB, verify the last surviving byte
// and EOF at 512KiB.
func TestWriteOneMebibyteTruncateToHalf(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	fd, err := p.Open("/mib", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close(fd)

	const mib = 1 << 20
	const half = mib / 2

	if _, err := p.Write(fd, bytes.Repeat([]byte{0xAB}, mib)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Truncate(fd, half); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	st, err := p.Fstat(fd)
	if err != nil {
		t.Fatalf("Fstat: %v", err)
	}
	if st.Size != half {
		t.Fatalf("size = %d, want %d", st.Size, half)
	}

	last := make([]byte, 1)
	if n, err := p.Lseek(fd, half-1, vfs.SeekSet); err != nil || n != half-1 {
		t.Fatalf("Lseek: %d, %v", n, err)
	}
	if n, err := p.Read(fd, last); err != nil || n != 1 || last[0] != 0xAB {
		t.Fatalf("Read last byte = %d %v %#x, want 1 nil 0xAB", n, err, last[0])
	}

	eof := make([]byte, 16)
	p.Lseek(fd, half, vfs.SeekSet)
	if n, err := p.Read(fd, eof); err != nil || n != 0 {
		t.Fatalf("Read at EOF = %d, %v; want 0, nil", n, err)
	}
}

func TestUnlinkRemovesEntryAndFreesOnLastClose(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	fd, err := p.Open("/gone", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.Write(fd, []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := p.Unlink("/gone"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	// The still-open descriptor keeps working until it's closed, since
	// its Inode reference hasn't dropped to zero yet.
	got := make([]byte, 4)
	p.Lseek(fd, 0, vfs.SeekSet)
	if n, err := p.Read(fd, got); err != nil || n != 4 {
		t.Fatalf("Read after unlink (fd still open) = %d, %v", n, err)
	}
	p.Close(fd)

	if _, err := p.Open("/gone", vfs.O_RDONLY, 0); err == nil {
		t.Fatalf("Open after unlink succeeded, want ENOENT")
	}
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	if err := p.Mkdir("/d", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := p.Mkdir("/d/child", 0o755); err != nil {
		t.Fatalf("Mkdir child: %v", err)
	}

	if err := p.Rmdir("/d"); err == nil {
		t.Fatalf("Rmdir on non-empty directory succeeded, want error")
	}
	if err := p.Rmdir("/d/child"); err != nil {
		t.Fatalf("Rmdir child: %v", err)
	}
	if err := p.Rmdir("/d"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
}

func TestRenameAcrossDirectoriesUpdatesDotDot(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	for _, d := range []string{"/src", "/dst"} {
		if err := p.Mkdir(d, 0o755); err != nil {
			t.Fatalf("Mkdir %s: %v", d, err)
		}
	}
	if err := p.Mkdir("/src/moved", 0o755); err != nil {
		t.Fatalf("Mkdir /src/moved: %v", err)
	}

	if err := p.Rename("/src/moved", "/dst/moved"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	fd, err := p.Open("/dst/moved/..", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open via ..: %v", err)
	}
	defer p.Close(fd)
	st, err := p.Fstat(fd)
	if err != nil {
		t.Fatalf("Fstat: %v", err)
	}

	want, err := p.Open("/dst", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open /dst: %v", err)
	}
	defer p.Close(want)
	wantSt, _ := p.Fstat(want)
	if st.Ino != wantSt.Ino {
		t.Fatalf("moved/.. resolves to ino %d, want %d", st.Ino, wantSt.Ino)
	}
}

func TestSymlinkMidPathResolution(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	if err := p.Mkdir("/real", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	fd, err := p.Open("/real/file", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.Write(fd, []byte("via-symlink")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p.Close(fd)

	if err := p.Symlink("/real", "/link"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	fd2, err := p.Open("/link/file", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open through symlink: %v", err)
	}
	defer p.Close(fd2)

	got := make([]byte, len("via-symlink"))
	if n, err := p.Read(fd2, got); err != nil || string(got[:n]) != "via-symlink" {
		t.Fatalf("Read through symlink = %q, %v", got[:n], err)
	}
}

func TestDirIterListsEntries(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	names := []string{"a", "b", "c"}
	for _, n := range names {
		if err := p.Mkdir("/"+n, 0o755); err != nil {
			t.Fatalf("Mkdir %s: %v", n, err)
		}
	}

	fd, err := p.Open("/", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open /: %v", err)
	}
	defer p.Close(fd)

	raw, err := p.Getdents(fd, 4096)
	if err != nil {
		t.Fatalf("Getdents: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("Getdents returned no entries")
	}

	seen := map[string]bool{}
	off := 0
	for off < len(raw) {
		reclen := int(raw[off+16]) | int(raw[off+17])<<8
		nameStart := off + 19
		nameEnd := nameStart
		for nameEnd < off+reclen && raw[nameEnd] != 0 {
			nameEnd++
		}
		seen[string(raw[nameStart:nameEnd])] = true
		off += reclen
	}
	want := map[string]bool{".": true, "..": true}
	for _, n := range names {
		want[n] = true
	}
	if diff := pretty.Compare(want, seen); diff != "" {
		t.Fatalf("directory listing mismatch (-want +got):\n%s", diff)
	}
}

// A second memfs grafted at /mnt shadows the covered directory, ".."
// crosses back out of the mount, and unmounting restores the original
// (empty) directory.
func TestMountCrossingAndUmount(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	if err := p.Mkdir("/mnt", 0o755); err != nil {
		t.Fatalf("Mkdir /mnt: %v", err)
	}
	fd, err := p.Open("/marker", vfs.O_WRONLY|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open /marker: %v", err)
	}
	p.Close(fd)

	if err := p.Mount("", "/mnt", "memfs", nil); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	// Content created under the mountpoint lands in the inner filesystem.
	fd, err = p.Open("/mnt/inner", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open /mnt/inner: %v", err)
	}
	if _, err := p.Write(fd, []byte("inside")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p.Close(fd)

	// ".." at the mount root crosses back to the covered directory, whose
	// own ".." is the outer root.
	if err := p.Chdir("/mnt"); err != nil {
		t.Fatalf("Chdir /mnt: %v", err)
	}
	fd, err = p.Open("../../marker", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open ../../marker across the mount boundary: %v", err)
	}
	p.Close(fd)

	if err := p.Chdir("/"); err != nil {
		t.Fatalf("Chdir /: %v", err)
	}
	if err := p.Umount("/mnt"); err != nil {
		t.Fatalf("Umount: %v", err)
	}

	// The covered directory is visible again, without the inner content.
	if _, err := p.Open("/mnt/inner", vfs.O_RDONLY, 0); !errors.Is(err, vfserrno.ENOENT) {
		t.Fatalf("Open /mnt/inner after umount = %v, want ENOENT", err)
	}
}

func TestChrootConfinesAbsolutePaths(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	if err := p.Mkdir("/jail", 0o755); err != nil {
		t.Fatalf("Mkdir /jail: %v", err)
	}
	fd, err := p.Open("/jail/inside", vfs.O_WRONLY|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open /jail/inside: %v", err)
	}
	p.Close(fd)
	fd, err = p.Open("/outside", vfs.O_WRONLY|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open /outside: %v", err)
	}
	p.Close(fd)

	if err := p.Chroot("/jail"); err != nil {
		t.Fatalf("Chroot: %v", err)
	}
	if err := p.Chdir("/"); err != nil {
		t.Fatalf("Chdir after chroot: %v", err)
	}

	if fd, err = p.Open("/inside", vfs.O_RDONLY, 0); err != nil {
		t.Fatalf("Open /inside under chroot: %v", err)
	}
	p.Close(fd)

	if _, err := p.Open("/outside", vfs.O_RDONLY, 0); !errors.Is(err, vfserrno.ENOENT) {
		t.Fatalf("Open /outside under chroot = %v, want ENOENT", err)
	}
}

// Write, seek back over what was written, read it again: the data and
// the restored position must both match.
func TestSeekWriteThenRead(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	fd, err := p.Open("/f", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close(fd)

	payload := []byte("roundtrip")
	if n, err := p.Write(fd, payload); err != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if off, err := p.Lseek(fd, -int64(len(payload)), vfs.SeekCur); err != nil || off != 0 {
		t.Fatalf("Lseek = %d, %v; want 0, nil", off, err)
	}

	got := make([]byte, len(payload))
	if n, err := p.Read(fd, got); err != nil || n != len(payload) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
	if off, _ := p.Lseek(fd, 0, vfs.SeekCur); off != int64(len(payload)) {
		t.Fatalf("position after read = %d, want %d", off, len(payload))
	}
}

// A device node created with Mknod dispatches Open straight to the char
// device registry rather than to the filesystem's own file ops.
func TestMknodCharDeviceDispatch(t *testing.T) {
	sb, _ := mount(t)
	p := newProc(t, sb)

	id := device.ID{Major: 1, Minor: 3}
	p.Chars.Register(id, device.Null{})

	mode := os.ModeDevice | os.ModeCharDevice | 0o666
	if err := p.Mknod("/null", mode, id); err != nil {
		t.Fatalf("Mknod: %v", err)
	}

	fd, err := p.Open("/null", vfs.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Open device node: %v", err)
	}
	defer p.Close(fd)

	if n, err := p.Write(fd, []byte("discard")); err != nil || n != 7 {
		t.Fatalf("Write to null device = %d, %v", n, err)
	}
	var b [8]byte
	if n, err := p.Read(fd, b[:]); err != nil || n != 0 {
		t.Fatalf("Read from null device = %d, %v; want EOF", n, err)
	}

	// An unregistered device node fails with ENODEV at open time.
	other := device.ID{Major: 9, Minor: 9}
	if err := p.Mknod("/missing", mode, other); err != nil {
		t.Fatalf("Mknod missing: %v", err)
	}
	if _, err := p.Open("/missing", vfs.O_RDONLY, 0); !errors.Is(err, vfserrno.ENODEV) {
		t.Fatalf("Open unregistered device node = %v, want ENODEV", err)
	}
}
