package xssh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
)

// maxSFTPChunk is the largest read or write sent in one request.
const maxSFTPChunk = 32 * 1024

// File is an open remote file. Read, Write and Seek share one offset.
type File struct {
	sftp   *SFTP
	h      *handle
	path   string
	offset int64
}

var (
	_ io.ReadWriteSeeker = (*File)(nil)
	_ io.ReaderAt        = (*File)(nil)
	_ io.WriterAt        = (*File)(nil)
)

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.path }

func (f *File) usable() error {
	if err := f.sftp.usable(); err != nil {
		return err
	}
	if f.h.closed {
		return ErrAlreadyClosed
	}
	return nil
}

// Read reads from the current offset. It returns io.EOF at end of file.
func (f *File) Read(p []byte) (int, error) {
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes at off, issuing as many requests as needed. A
// server answering a read with no data yields io.ErrNoProgress.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	read := 0
	for read < len(p) {
		n, err := f.readAt(p[read:], off+int64(read))
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			// an empty DATA reply would have us ask for the same range forever
			return read, io.ErrNoProgress
		}
	}
	return read, nil
}

// readAt issues one READ. Caller holds the session lock.
func (f *File) readAt(p []byte, off int64) (int, error) {
	if err := f.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := len(p)
	if n > maxSFTPChunk {
		n = maxSFTPChunk
	}
	key := fmt.Sprintf("read\x00%s\x00%d\x00%d", f.h.value, off, n)
	resp, err := f.sftp.roundTrip(key, func(id uint32) []byte {
		b := appendString(sftpPacket(fxpRead, id), f.h.value)
		b = binary.BigEndian.AppendUint64(b, uint64(off))
		return binary.BigEndian.AppendUint32(b, uint32(n))
	})
	if err != nil {
		return 0, err
	}
	if resp[0] != fxpData {
		err := unexpected(resp, fxpData)
		var st *StatusError
		if errors.As(err, &st) && st.Code == StatusEOF {
			return 0, io.EOF
		}
		return 0, err
	}
	r := &sftpBuf{b: resp[5:]}
	data := r.bytes()
	if r.err != nil {
		return 0, r.err
	}
	if len(data) > n {
		return 0, fmt.Errorf("sftp: server returned %d bytes for a %d byte read", len(data), n)
	}
	return copy(p, data), nil
}

// Write writes p at the current offset in chunks. In non-blocking mode it
// may return the bytes written so far with ErrWouldBlock.
func (f *File) Write(p []byte) (int, error) {
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	n, err := f.writeAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt writes p at off without moving the offset.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	return f.writeAt(p, off)
}

func (f *File) writeAt(p []byte, off int64) (int, error) {
	written := 0
	for written < len(p) {
		if err := f.usable(); err != nil {
			return written, err
		}
		chunk := p[written:]
		if len(chunk) > maxSFTPChunk {
			chunk = chunk[:maxSFTPChunk]
		}
		at := off + int64(written)
		key := fmt.Sprintf("write\x00%s\x00%d\x00%d", f.h.value, at, len(chunk))
		resp, err := f.sftp.roundTrip(key, func(id uint32) []byte {
			b := appendString(sftpPacket(fxpWrite, id), f.h.value)
			b = binary.BigEndian.AppendUint64(b, uint64(at))
			b = binary.BigEndian.AppendUint32(b, uint32(len(chunk)))
			return append(b, chunk...)
		})
		if err != nil {
			return written, err
		}
		if err := expectStatus(resp); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// Seek sets the offset for the next Read or Write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	if err := f.usable(); err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		st, err := f.sftp.fstat(f.h)
		if err != nil {
			return 0, err
		}
		base = int64(st.Size)
	default:
		return 0, fmt.Errorf("sftp: invalid whence %d", whence)
	}
	if base+offset < 0 {
		return 0, errors.New("sftp: negative offset")
	}
	f.offset = base + offset
	return f.offset, nil
}

// Stat returns the attributes of the open file.
func (f *File) Stat() (*FileStat, error) {
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}
	return f.sftp.fstat(f.h)
}

func (f *SFTP) fstat(h *handle) (*FileStat, error) {
	return f.attrsCall("fstat\x00"+h.value, func(id uint32) []byte {
		return appendString(sftpPacket(fxpFstat, id), h.value)
	})
}

// Setstat changes attributes of the open file.
func (f *File) Setstat(attrs *FileStat) error {
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	if err := f.usable(); err != nil {
		return err
	}
	resp, err := f.sftp.roundTrip("fsetstat\x00"+f.h.value, func(id uint32) []byte {
		return appendAttrs(appendString(sftpPacket(fxpFsetstat, id), f.h.value), attrs)
	})
	if err != nil {
		return err
	}
	return expectStatus(resp)
}

// Truncate sets the file size.
func (f *File) Truncate(size int64) error {
	return f.Setstat(new(FileStat).SetSize(uint64(size)))
}

// Fsync flushes the file on the server. It needs fsync@openssh.com.
func (f *File) Fsync() error {
	if !f.sftp.HasExtension("fsync@openssh.com") {
		return &StatusError{Code: StatusOpUnsupported, Msg: "fsync@openssh.com not supported"}
	}
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	if err := f.usable(); err != nil {
		return err
	}
	resp, err := f.sftp.roundTrip("fsync\x00"+f.h.value, func(id uint32) []byte {
		b := appendString(sftpPacket(fxpExtended, id), "fsync@openssh.com")
		return appendString(b, f.h.value)
	})
	if err != nil {
		return err
	}
	return expectStatus(resp)
}

// Close releases the handle. A second call returns ErrAlreadyClosed.
func (f *File) Close() error {
	f.sftp.s.mu.Lock()
	defer f.sftp.s.mu.Unlock()
	return f.sftp.closeHandle(f.h)
}

// Dir is an open remote directory.
type Dir struct {
	sftp    *SFTP
	h       *handle
	path    string
	pending []DirEntry
	eof     bool
}

// Next returns the next entry, or io.EOF when the listing is complete.
func (d *Dir) Next() (*DirEntry, error) {
	d.sftp.s.mu.Lock()
	defer d.sftp.s.mu.Unlock()
	for len(d.pending) == 0 {
		if d.eof {
			return nil, io.EOF
		}
		if err := d.sftp.usable(); err != nil {
			return nil, err
		}
		if d.h.closed {
			return nil, ErrAlreadyClosed
		}
		resp, err := d.sftp.roundTrip("readdir\x00"+d.h.value, func(id uint32) []byte {
			return appendString(sftpPacket(fxpReaddir, id), d.h.value)
		})
		if err != nil {
			return nil, err
		}
		if resp[0] != fxpName {
			err := unexpected(resp, fxpName)
			var st *StatusError
			if errors.As(err, &st) && st.Code == StatusEOF {
				d.eof = true
				continue
			}
			return nil, err
		}
		entries, err := parseNames(&sftpBuf{b: resp[5:]})
		if err != nil {
			return nil, err
		}
		d.pending = entries
		if len(entries) == 0 {
			d.eof = true
		}
	}
	e := d.pending[0]
	d.pending = d.pending[1:]
	return &e, nil
}

// Entries iterates over the remaining entries. Iteration stops after the
// first error, which is yielded.
func (d *Dir) Entries() iter.Seq2[*DirEntry, error] {
	return func(yield func(*DirEntry, error) bool) {
		for {
			e, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the directory handle.
func (d *Dir) Close() error {
	d.sftp.s.mu.Lock()
	defer d.sftp.s.mu.Unlock()
	return d.sftp.closeHandle(d.h)
}
