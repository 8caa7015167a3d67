package fuseadapter

import (
	"os"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"

	"github.com/gokernel/vfskit/memfs"
	"github.com/gokernel/vfskit/vfs"
	"github.com/gokernel/vfskit/vfserrno"
	"github.com/gokernel/vfskit/vfsutil"
)

func TestFuseAdapter(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type AdapterTest struct {
	clock timeutil.SimulatedClock
	sb    *vfs.Superblock
	fs    *FS
}

func init() { RegisterTestSuite(&AdapterTest{}) }

func (t *AdapterTest) SetUp(ti *TestInfo) {
	t.clock.SetTime(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))

	sb, err := memfs.New(&t.clock)
	AssertEq(nil, err)
	t.sb = sb
	t.fs = New(sb, &t.clock)
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *AdapterTest) ErrnoTranslation() {
	ExpectEq(nil, toErrno(nil))
	ExpectThat(toErrno(vfserrno.ENOENT), Equals(fuse.ENOENT))
	ExpectThat(toErrno(vfserrno.EEXIST), Equals(fuse.EEXIST))
	// Kinds with no dedicated fuse value pass through as themselves.
	ExpectThat(toErrno(vfserrno.ENOSPC), Equals(vfserrno.ENOSPC))
}

func (t *AdapterTest) DirentTypeTranslation() {
	ExpectEq(fuseutil.DT_Directory, fuseDirentType(vfsutil.DT_Dir))
	ExpectEq(fuseutil.DT_File, fuseDirentType(vfsutil.DT_Regular))
	ExpectEq(fuseutil.DT_Link, fuseDirentType(vfsutil.DT_Link))
	ExpectEq(fuseutil.DT_Char, fuseDirentType(vfsutil.DT_Char))
	ExpectEq(fuseutil.DT_Block, fuseDirentType(vfsutil.DT_Block))
	ExpectEq(fuseutil.DT_FIFO, fuseDirentType(vfsutil.DT_FIFO))
	ExpectEq(fuseutil.DT_Socket, fuseDirentType(vfsutil.DT_Socket))
	ExpectEq(fuseutil.DT_Unknown, fuseDirentType(vfsutil.DT_Unknown))
}

func (t *AdapterTest) AttributeConversion() {
	root, err := t.sb.Root()
	AssertEq(nil, err)
	defer root.Put()

	attrs := toAttrs(root.Stat())
	ExpectEq(os.ModeDir|0o755, attrs.Mode)
	ExpectEq(1, attrs.Nlink)
	ExpectEq(0, attrs.Size)
	ExpectTrue(attrs.Mtime.Equal(t.clock.Now()))
}

func (t *AdapterTest) TrackFoldsDuplicateLookups() {
	root, err := t.sb.Root()
	AssertEq(nil, err)

	child, err := root.Ops.Mkdir(root, "d", os.ModeDir|0o755)
	AssertEq(nil, err)

	id := t.fs.track(child)
	ExpectEq(child.Ino, uint64(id))

	// A second lookup of the same inode folds into the existing resident
	// entry rather than tracking a second copy.
	again, err := root.Ops.Lookup(root, "d")
	AssertEq(nil, err)
	ExpectEq(id, t.fs.track(again))

	t.fs.mu.Lock()
	ExpectEq(uint64(2), t.fs.lookupRefs[id])
	t.fs.mu.Unlock()

	root.Put()
}
