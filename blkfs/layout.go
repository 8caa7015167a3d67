// Package blkfs implements the block-backed filesystem: an xv6-style
// on-disk layout with a write-ahead log for
// crash-consistent metadata and a hierarchical bitmap free-block cache.
// It is built entirely on bufcache's Bread/Bwrite/Brelse/Bpin/Bunpin —
// blkfs never touches the backing store directly.
package blkfs

import (
	"encoding/binary"

	"github.com/gokernel/vfskit/bufcache"
)

// On-disk constants, fixed at mkfs time.
const (
	BSIZE   = 1024      // block size in bytes
	BPB     = BSIZE * 8 // bits per bitmap block
	NDIRECT = 12        // direct block pointers per inode
	// NINDIRECT is how many block pointers fit in one indirect block.
	NINDIRECT  = BSIZE / 4
	MaxFile    = NDIRECT + NINDIRECT
	DirNameLen = 14 // max bytes in one directory-entry name

	MaxOpBlocks = 10              // max distinct blocks touched by one transaction
	LogSize     = 3 * MaxOpBlocks // max blocks the log region can hold

	diskMagic = 0x564653 // "VFS" - identifies a formatted blkfs volume
)

// superblockRecord is the fixed-layout on-disk superblock block: size, nlog, ninodes, nblocks, logstart, inodestart, bmapstart, datastart,
// all u32, little-endian, preceded by a magic number.
type superblockRecord struct {
	Magic      uint32
	Size       uint32 // total blocks on the volume
	NLog       uint32 // number of log blocks
	NInodes    uint32 // number of inode slots
	NBlocks    uint32 // number of data blocks
	LogStart   uint32 // first log block
	InodeStart uint32 // first inode-table block
	BmapStart  uint32 // first free-bitmap block
	DataStart  uint32 // first data block; bitmap sizing is fixed at mkfs time,
	// so this is stored rather than re-derived from NBlocks (which is itself
	// only known once DataStart has been chosen).
}

const superblockRecordSize = 9 * 4

func (s *superblockRecord) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], s.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], s.Size)
	binary.LittleEndian.PutUint32(buf[8:12], s.NLog)
	binary.LittleEndian.PutUint32(buf[12:16], s.NInodes)
	binary.LittleEndian.PutUint32(buf[16:20], s.NBlocks)
	binary.LittleEndian.PutUint32(buf[20:24], s.LogStart)
	binary.LittleEndian.PutUint32(buf[24:28], s.InodeStart)
	binary.LittleEndian.PutUint32(buf[28:32], s.BmapStart)
	binary.LittleEndian.PutUint32(buf[32:36], s.DataStart)
}

func (s *superblockRecord) unmarshal(buf []byte) {
	s.Magic = binary.LittleEndian.Uint32(buf[0:4])
	s.Size = binary.LittleEndian.Uint32(buf[4:8])
	s.NLog = binary.LittleEndian.Uint32(buf[8:12])
	s.NInodes = binary.LittleEndian.Uint32(buf[12:16])
	s.NBlocks = binary.LittleEndian.Uint32(buf[16:20])
	s.LogStart = binary.LittleEndian.Uint32(buf[20:24])
	s.InodeStart = binary.LittleEndian.Uint32(buf[24:28])
	s.BmapStart = binary.LittleEndian.Uint32(buf[28:32])
	s.DataStart = binary.LittleEndian.Uint32(buf[32:36])
}

// Inode type tags stored in dinode.Type, distinct from os.FileMode (which
// is a Go-side convenience layered on top once the inode is in memory).
const (
	dtFree = 0
	dtDir  = 1
	dtReg  = 2
	dtChar = 3
	dtBlk  = 4
	dtLink = 5
)

// dinode is the on-disk inode record.
type dinode struct {
	Type  uint16
	Major uint16
	Minor uint16
	Nlink uint16
	Perm  uint16 // low 9 permission bits, stored separately from Type
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

const dinodeSize = 2 + 2 + 2 + 2 + 2 + 4 + (NDIRECT+1)*4

func (d *dinode) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], d.Type)
	binary.LittleEndian.PutUint16(buf[2:4], d.Major)
	binary.LittleEndian.PutUint16(buf[4:6], d.Minor)
	binary.LittleEndian.PutUint16(buf[6:8], d.Nlink)
	binary.LittleEndian.PutUint16(buf[8:10], d.Perm)
	binary.LittleEndian.PutUint32(buf[10:14], d.Size)
	off := 14
	for _, a := range d.Addrs {
		binary.LittleEndian.PutUint32(buf[off:off+4], a)
		off += 4
	}
}

func (d *dinode) unmarshal(buf []byte) {
	d.Type = binary.LittleEndian.Uint16(buf[0:2])
	d.Major = binary.LittleEndian.Uint16(buf[2:4])
	d.Minor = binary.LittleEndian.Uint16(buf[4:6])
	d.Nlink = binary.LittleEndian.Uint16(buf[6:8])
	d.Perm = binary.LittleEndian.Uint16(buf[8:10])
	d.Size = binary.LittleEndian.Uint32(buf[10:14])
	off := 14
	for i := range d.Addrs {
		d.Addrs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
}

const inodesPerBlock = BSIZE / dinodeSize

func inodeBlock(ino uint32, sb *superblockRecord) uint32 {
	return sb.InodeStart + ino/inodesPerBlock
}

// direntRecordSize is the fixed size of one on-disk directory entry:
// a 32-bit inode number plus a fixed-width name field.
const direntRecordSize = 4 + DirNameLen

type dirent struct {
	Ino  uint32
	Name [DirNameLen]byte
}

func (e *dirent) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], e.Ino)
	copy(buf[4:4+DirNameLen], e.Name[:])
}

func (e *dirent) unmarshal(buf []byte) {
	e.Ino = binary.LittleEndian.Uint32(buf[0:4])
	copy(e.Name[:], buf[4:4+DirNameLen])
}

func (e *dirent) name() string {
	n := 0
	for n < DirNameLen && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

func setDirentName(e *dirent, name string) {
	e.Name = [DirNameLen]byte{}
	copy(e.Name[:], name)
}

const direntsPerBlock = BSIZE / direntRecordSize

// getU32 and putU32 read/write the idx'th little-endian u32 word of a
// block's data, as used for log-header entries and indirect-block
// pointers.
func getU32(data []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(data[idx*4 : idx*4+4])
}

func putU32(data []byte, idx int, v uint32) {
	binary.LittleEndian.PutUint32(data[idx*4:idx*4+4], v)
}

// zeroBuffer overwrites buf's data with zero bytes.
func zeroBuffer(buf *bufcache.Buffer) {
	for i := range buf.Data {
		buf.Data[i] = 0
	}
}
