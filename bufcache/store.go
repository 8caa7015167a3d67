// Package bufcache implements the buffer-cache layer: dev/blockno-keyed
// buffers with per-buffer locks,
// read/write-back and pinning (bread/bwrite/brelse/bpin/bunpin). blkfs's
// log and free-block cache are both built directly on top of it.
package bufcache

import (
	"os"

	"golang.org/x/sys/unix"
)

// BlockStore is the raw block-device collaborator a Cache reads through
// and writes back to. FileStore below is the only implementation; a real
// kernel's raw disk driver would satisfy the same interface.
type BlockStore interface {
	BlockSize() int
	ReadBlock(blockno uint32, buf []byte) error
	WriteBlock(blockno uint32, buf []byte) error
	Sync() error
}

// FileStore backs a BlockStore with a regular file, using pread/pwrite via
// golang.org/x/sys/unix so block reads and writes never perturb a shared
// file offset the way os.File.Read/Write would under concurrent callers.
type FileStore struct {
	f         *os.File
	blockSize int
}

// OpenFileStore opens (or creates) path as a block store with the given
// block size.
func OpenFileStore(path string, blockSize int) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileStore{f: f, blockSize: blockSize}, nil
}

// BlockSize reports the store's fixed block size in bytes.
func (s *FileStore) BlockSize() int { return s.blockSize }

// ReadBlock reads one block at blockno into buf.
func (s *FileStore) ReadBlock(blockno uint32, buf []byte) error {
	_, err := unix.Pread(int(s.f.Fd()), buf[:s.blockSize], int64(blockno)*int64(s.blockSize))
	return err
}

// WriteBlock writes buf (one block) at blockno.
func (s *FileStore) WriteBlock(blockno uint32, buf []byte) error {
	_, err := unix.Pwrite(int(s.f.Fd()), buf[:s.blockSize], int64(blockno)*int64(s.blockSize))
	return err
}

// Sync flushes the backing file to stable storage.
func (s *FileStore) Sync() error { return s.f.Sync() }

// Close closes the backing file.
func (s *FileStore) Close() error { return s.f.Close() }

// Truncate grows the backing file to hold nblocks blocks, for mkfs.
func (s *FileStore) Truncate(nblocks uint32) error {
	return s.f.Truncate(int64(nblocks) * int64(s.blockSize))
}
