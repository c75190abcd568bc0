package xssh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// SFTP protocol version 3 packet types.
const (
	fxpInit          = 1
	fxpVersion       = 2
	fxpOpen          = 3
	fxpClose         = 4
	fxpRead          = 5
	fxpWrite         = 6
	fxpLstat         = 7
	fxpFstat         = 8
	fxpSetstat       = 9
	fxpFsetstat      = 10
	fxpOpendir       = 11
	fxpReaddir       = 12
	fxpRemove        = 13
	fxpMkdir         = 14
	fxpRmdir         = 15
	fxpRealpath      = 16
	fxpStat          = 17
	fxpRename        = 18
	fxpReadlink      = 19
	fxpSymlink       = 20
	fxpStatus        = 101
	fxpHandle        = 102
	fxpData          = 103
	fxpName          = 104
	fxpAttrs         = 105
	fxpExtended      = 200
	fxpExtendedReply = 201
)

const sftpVersion = 3

// maxSFTPPacket bounds a single response.
const maxSFTPPacket = 256 * 1024

// Attribute flags of the ATTRS structure.
const (
	AttrSize        = 0x00000001
	AttrUIDGID      = 0x00000002
	AttrPermissions = 0x00000004
	AttrACModTime   = 0x00000008
	AttrExtended    = 0x80000000
)

// OpenFlag is the pflags field of an open request.
type OpenFlag uint32

const (
	FlagRead      OpenFlag = 0x01
	FlagWrite     OpenFlag = 0x02
	FlagAppend    OpenFlag = 0x04
	FlagCreate    OpenFlag = 0x08
	FlagTruncate  OpenFlag = 0x10
	FlagExclusive OpenFlag = 0x20
)

// RenameFlag modifies Rename.
type RenameFlag uint32

const (
	// RenameOverwrite replaces an existing target, using
	// posix-rename@openssh.com when the server offers it.
	RenameOverwrite RenameFlag = 1 << iota
	RenameAtomic
	RenameNative
)

// Status codes.
const (
	StatusOK               = 0
	StatusEOF              = 1
	StatusNoSuchFile       = 2
	StatusPermissionDenied = 3
	StatusFailure          = 4
	StatusBadMessage       = 5
	StatusNoConnection     = 6
	StatusConnectionLost   = 7
	StatusOpUnsupported    = 8
)

var statusNames = map[uint32]string{
	StatusOK:               "ok",
	StatusEOF:              "eof",
	StatusNoSuchFile:       "no such file",
	StatusPermissionDenied: "permission denied",
	StatusFailure:          "failure",
	StatusBadMessage:       "bad message",
	StatusNoConnection:     "no connection",
	StatusConnectionLost:   "connection lost",
	StatusOpUnsupported:    "operation unsupported",
}

// StatusError is a non-OK SSH_FXP_STATUS reply.
type StatusError struct {
	Code uint32
	Msg  string
	Lang string
}

func (e *StatusError) Error() string {
	name, ok := statusNames[e.Code]
	if !ok {
		name = fmt.Sprintf("status %d", e.Code)
	}
	if e.Msg == "" {
		return "sftp: " + name
	}
	return fmt.Sprintf("sftp: %s (%s)", e.Msg, name)
}

// Is maps status codes onto the os package errors.
func (e *StatusError) Is(target error) bool {
	switch e.Code {
	case StatusNoSuchFile:
		return target == os.ErrNotExist
	case StatusPermissionDenied:
		return target == os.ErrPermission
	}
	return false
}

// FileStat is the SFTP v3 ATTRS structure. Flags says which fields are set.
type FileStat struct {
	Flags    uint32
	Size     uint64
	UID      uint32
	GID      uint32
	Mode     uint32
	Atime    uint32
	Mtime    uint32
	Extended []StatExtended
}

// StatExtended is a vendor specific attribute.
type StatExtended struct {
	Type string
	Data string
}

// posix file type bits
const (
	modeType    = 0170000
	modeSocket  = 0140000
	modeSymlink = 0120000
	modeRegular = 0100000
	modeBlock   = 0060000
	modeDir     = 0040000
	modeChar    = 0020000
	modeFIFO    = 0010000
)

// FileMode converts Mode to an os.FileMode.
func (a *FileStat) FileMode() os.FileMode {
	m := os.FileMode(a.Mode & 0777)
	switch a.Mode & modeType {
	case modeDir:
		m |= os.ModeDir
	case modeSymlink:
		m |= os.ModeSymlink
	case modeSocket:
		m |= os.ModeSocket
	case modeFIFO:
		m |= os.ModeNamedPipe
	case modeBlock:
		m |= os.ModeDevice
	case modeChar:
		m |= os.ModeDevice | os.ModeCharDevice
	}
	if a.Mode&04000 != 0 {
		m |= os.ModeSetuid
	}
	if a.Mode&02000 != 0 {
		m |= os.ModeSetgid
	}
	if a.Mode&01000 != 0 {
		m |= os.ModeSticky
	}
	return m
}

func (a *FileStat) IsDir() bool     { return a.Mode&modeType == modeDir }
func (a *FileStat) IsRegular() bool { return a.Mode&modeType == modeRegular }
func (a *FileStat) ModTime() time.Time {
	return time.Unix(int64(a.Mtime), 0)
}

// SetPermissions sets the permission bits and the matching flag.
func (a *FileStat) SetPermissions(mode os.FileMode) *FileStat {
	a.Flags |= AttrPermissions
	a.Mode = uint32(mode.Perm())
	return a
}

// SetSize sets the size and the matching flag.
func (a *FileStat) SetSize(size uint64) *FileStat {
	a.Flags |= AttrSize
	a.Size = size
	return a
}

// SetTimes sets access and modification times and the matching flag.
func (a *FileStat) SetTimes(atime, mtime time.Time) *FileStat {
	a.Flags |= AttrACModTime
	a.Atime = uint32(atime.Unix())
	a.Mtime = uint32(mtime.Unix())
	return a
}

func appendAttrs(b []byte, a *FileStat) []byte {
	if a == nil {
		return binary.BigEndian.AppendUint32(b, 0)
	}
	flags := a.Flags
	if len(a.Extended) > 0 {
		flags |= AttrExtended
	}
	b = binary.BigEndian.AppendUint32(b, flags)
	if flags&AttrSize != 0 {
		b = binary.BigEndian.AppendUint64(b, a.Size)
	}
	if flags&AttrUIDGID != 0 {
		b = binary.BigEndian.AppendUint32(b, a.UID)
		b = binary.BigEndian.AppendUint32(b, a.GID)
	}
	if flags&AttrPermissions != 0 {
		b = binary.BigEndian.AppendUint32(b, a.Mode)
	}
	if flags&AttrACModTime != 0 {
		b = binary.BigEndian.AppendUint32(b, a.Atime)
		b = binary.BigEndian.AppendUint32(b, a.Mtime)
	}
	if flags&AttrExtended != 0 {
		b = binary.BigEndian.AppendUint32(b, uint32(len(a.Extended)))
		for _, e := range a.Extended {
			b = appendString(b, e.Type)
			b = appendString(b, e.Data)
		}
	}
	return b
}

var errShortPacket = errors.New("sftp: short packet")

// sftpBuf decodes fields from a response, remembering the first error.
type sftpBuf struct {
	b   []byte
	err error
}

func (r *sftpBuf) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 4 {
		r.err = errShortPacket
		return 0
	}
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

func (r *sftpBuf) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 8 {
		r.err = errShortPacket
		return 0
	}
	v := binary.BigEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v
}

func (r *sftpBuf) bytes() []byte {
	if r.err != nil {
		return nil
	}
	s, rest, ok := parseString(r.b)
	if !ok {
		r.err = errShortPacket
		return nil
	}
	r.b = rest
	return s
}

func (r *sftpBuf) string() string { return string(r.bytes()) }

func (r *sftpBuf) attrs() *FileStat {
	a := &FileStat{Flags: r.uint32()}
	if a.Flags&AttrSize != 0 {
		a.Size = r.uint64()
	}
	if a.Flags&AttrUIDGID != 0 {
		a.UID = r.uint32()
		a.GID = r.uint32()
	}
	if a.Flags&AttrPermissions != 0 {
		a.Mode = r.uint32()
	}
	if a.Flags&AttrACModTime != 0 {
		a.Atime = r.uint32()
		a.Mtime = r.uint32()
	}
	if a.Flags&AttrExtended != 0 {
		n := r.uint32()
		for i := uint32(0); i < n && r.err == nil; i++ {
			a.Extended = append(a.Extended, StatExtended{Type: r.string(), Data: r.string()})
		}
	}
	return a
}

// sftpPacket starts a request body: length placeholder, type and id.
func sftpPacket(typ byte, id uint32) []byte {
	b := make([]byte, 4, 64)
	b = append(b, typ)
	return binary.BigEndian.AppendUint32(b, id)
}

// sealPacket fills in the length prefix.
func sealPacket(b []byte) []byte {
	binary.BigEndian.PutUint32(b, uint32(len(b)-4))
	return b
}

// parseStatus decodes a STATUS body following the id. Servers may omit the
// message and language fields.
func parseStatus(r *sftpBuf) *StatusError {
	e := &StatusError{Code: r.uint32()}
	if len(r.b) > 0 {
		e.Msg = r.string()
	}
	if len(r.b) > 0 {
		e.Lang = r.string()
	}
	return e
}

// DirEntry is one result of a directory listing.
type DirEntry struct {
	Name     string
	LongName string
	Attrs    *FileStat
}

func parseNames(r *sftpBuf) ([]DirEntry, error) {
	n := r.uint32()
	var entries []DirEntry
	for i := uint32(0); i < n && r.err == nil; i++ {
		entries = append(entries, DirEntry{Name: r.string(), LongName: r.string(), Attrs: r.attrs()})
	}
	return entries, r.err
}
