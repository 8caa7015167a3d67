// Package vfsutil holds small, file-type-agnostic helpers shared by the
// VFS core, memfs and blkfs: inode mode classification, a directory-entry
// record type, and the getdents wire-format encoder.
package vfsutil

import "os"

// Mode encodes file type and permission bits as an os.FileMode where the
// type bits
// (os.ModeDir, os.ModeSymlink, ...) are layered over the low 9 permission
// bits.
type Mode = os.FileMode

// DirentType is the on-disk/wire type tag for a directory entry in the
// getdents record layout.
type DirentType uint8

const (
	DT_Unknown DirentType = 0
	DT_FIFO    DirentType = 1
	DT_Char    DirentType = 2
	DT_Dir     DirentType = 4
	DT_Block   DirentType = 6
	DT_Regular DirentType = 8
	DT_Link    DirentType = 10
	DT_Socket  DirentType = 12
)

// DirentTypeForMode classifies a mode the way the directory-iteration
// callers (memfs, blkfs) need to when they populate a Dirent.
func DirentTypeForMode(m Mode) DirentType {
	switch {
	case m&os.ModeDir != 0:
		return DT_Dir
	case m&os.ModeSymlink != 0:
		return DT_Link
	case m&os.ModeNamedPipe != 0:
		return DT_FIFO
	case m&os.ModeSocket != 0:
		return DT_Socket
	case m&os.ModeCharDevice != 0:
		return DT_Char
	case m&os.ModeDevice != 0:
		return DT_Block
	default:
		return DT_Regular
	}
}

// IsDir, IsSymlink, IsFIFO, IsSocket, IsCharDev, IsBlockDev and
// IsRegular classify a mode.
func IsDir(m Mode) bool      { return m&os.ModeDir != 0 }
func IsSymlink(m Mode) bool  { return m&os.ModeSymlink != 0 }
func IsFIFO(m Mode) bool     { return m&os.ModeNamedPipe != 0 }
func IsSocket(m Mode) bool   { return m&os.ModeSocket != 0 }
func IsCharDev(m Mode) bool  { return m&os.ModeDevice != 0 && m&os.ModeCharDevice != 0 }
func IsBlockDev(m Mode) bool { return m&os.ModeDevice != 0 && m&os.ModeCharDevice == 0 }
func IsRegular(m Mode) bool {
	return !IsDir(m) && !IsSymlink(m) && !IsFIFO(m) && !IsSocket(m) &&
		m&os.ModeDevice == 0
}
