package blkfs

import (
	"fmt"
	"sync"

	"github.com/gokernel/vfskit/bufcache"
	"github.com/gokernel/vfskit/klog"
	"github.com/gokernel/vfskit/wait"
)

// Log is a per-volume write-ahead log: an absorptive, group-commit
// transaction log over the buffer cache. Begin/End bracket a
// transaction; Write absorbs a dirtied buffer into the current
// transaction's block list.
type Log struct {
	mu    sync.Mutex // leaf lock; held only to touch header state
	space wait.Channel

	cache *bufcache.Cache
	start uint32 // first log block (the header)
	cap   int    // usable data-block slots (size-1, header excluded)

	outstanding int
	committing  bool

	n     int
	block []uint32
}

// OpenLog attaches a log to the block range [start, start+size), running
// crash recovery if the on-disk header shows a committed transaction
// that was not yet installed.
func OpenLog(cache *bufcache.Cache, start uint32, size uint32) (*Log, error) {
	l := &Log{
		cache: cache,
		start: start,
		cap:   int(size) - 1,
		block: make([]uint32, size-1),
	}
	if err := l.readHead(); err != nil {
		return nil, err
	}
	if l.n > 0 {
		klog.Infof("blkfs: log recovery: reinstalling %d committed blocks", l.n)
		if err := l.installTrans(true); err != nil {
			return nil, err
		}
		l.n = 0
		if err := l.writeHead(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) readHead() error {
	buf, err := l.cache.Bread(l.start)
	if err != nil {
		return err
	}
	defer l.cache.Brelse(buf)

	l.n = int(getU32(buf.Data, 0))
	if l.n > l.cap {
		return fmt.Errorf("blkfs: corrupt log header: n=%d exceeds capacity %d", l.n, l.cap)
	}
	for i := 0; i < l.n; i++ {
		l.block[i] = getU32(buf.Data, 1+i)
	}
	return nil
}

// writeHead is the transaction's linearization point: once it lands, the
// transaction is committed regardless of what happens next.
func (l *Log) writeHead() error {
	buf, err := l.cache.Bread(l.start)
	if err != nil {
		return err
	}
	defer l.cache.Brelse(buf)

	zeroBuffer(buf)
	putU32(buf.Data, 0, uint32(l.n))
	for i := 0; i < l.n; i++ {
		putU32(buf.Data, 1+i, l.block[i])
	}
	return l.cache.Bwrite(buf)
}

// Begin reserves room in the log for one operation, blocking if the log
// is full or a commit is in progress. It must be called before acquiring
// any superblock, inode or file lock: Begin can wait indefinitely on log
// space behind an operation that may itself need one of those locks to
// finish.
func (l *Log) Begin() {
	l.mu.Lock()
	for {
		if l.committing || l.n+(l.outstanding+1)*MaxOpBlocks > l.cap {
			l.space.Wait(&l.mu)
			continue
		}
		l.outstanding++
		l.mu.Unlock()
		return
	}
}

// Write absorbs buf (which the caller must hold locked) into the current
// transaction, pinning it in the cache so it survives until commit.
func (l *Log) Write(buf *bufcache.Buffer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outstanding < 1 {
		panic("blkfs: log_write outside begin_op/end_op")
	}
	for i := 0; i < l.n; i++ {
		if l.block[i] == buf.Blockno {
			return // absorption: already part of this transaction
		}
	}
	if l.n >= l.cap {
		panic("blkfs: transaction too big for log")
	}
	l.block[l.n] = buf.Blockno
	l.n++
	l.cache.Bpin(buf)
}

// End closes out one operation; the last outstanding operation triggers a
// commit, run outside the spinlock.
func (l *Log) End() error {
	l.mu.Lock()
	doCommit := false
	l.outstanding--
	if l.committing {
		l.mu.Unlock()
		panic("blkfs: committing with operations outstanding")
	}
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		l.space.Broadcast(&l.mu)
	}
	l.mu.Unlock()

	if !doCommit {
		return nil
	}

	err := l.commit()

	l.mu.Lock()
	l.committing = false
	l.space.Broadcast(&l.mu)
	l.mu.Unlock()

	return err
}

func (l *Log) commit() error {
	if l.n == 0 {
		return nil
	}
	klog.Tracef("blkfs: log commit: %d blocks", l.n)
	if err := l.writeLog(); err != nil {
		return err
	}
	if err := l.writeHead(); err != nil {
		return err
	}
	if err := l.installTrans(false); err != nil {
		return err
	}
	l.n = 0
	return l.writeHead()
}

// writeLog copies each absorbed home block into its log slot.
func (l *Log) writeLog() error {
	for tail := 0; tail < l.n; tail++ {
		from, err := l.cache.Bread(l.block[tail])
		if err != nil {
			return err
		}
		to, err := l.cache.Bread(l.start + 1 + uint32(tail))
		if err != nil {
			l.cache.Brelse(from)
			return err
		}
		copy(to.Data, from.Data)
		err = l.cache.Bwrite(to)
		l.cache.Brelse(to)
		l.cache.Brelse(from)
		if err != nil {
			return err
		}
	}
	return nil
}

// installTrans copies each logged block back to its home location.
// recovering is true only when called from OpenLog, in which case the
// absorbed blocks were never pinned this run and must not be unpinned.
func (l *Log) installTrans(recovering bool) error {
	for tail := 0; tail < l.n; tail++ {
		logBuf, err := l.cache.Bread(l.start + 1 + uint32(tail))
		if err != nil {
			return err
		}
		dst, err := l.cache.Bread(l.block[tail])
		if err != nil {
			l.cache.Brelse(logBuf)
			return err
		}
		copy(dst.Data, logBuf.Data)
		err = l.cache.Bwrite(dst)
		if !recovering {
			l.cache.Bunpin(dst)
		}
		l.cache.Brelse(dst)
		l.cache.Brelse(logBuf)
		if err != nil {
			return err
		}
	}
	return nil
}
