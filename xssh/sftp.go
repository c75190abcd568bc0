package xssh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// SFTP is an SFTP version 3 client running on a session channel. Requests
// are matched to responses by id, so several goroutines may use it at once.
type SFTP struct {
	s  *Session
	ch *Channel

	version    uint32
	extensions map[string]string
	inited     bool

	nextID    uint32
	responses map[uint32][]byte
	abandoned map[uint32]bool
	resume    *sftpPending
	outbuf    []byte
	flushing  bool
	inbuf     []byte
	handles   map[*handle]struct{}
	closed    bool
	err       error
}

// sftpPending is the request a non-blocking caller can resume.
type sftpPending struct {
	key string
	id  uint32
}

// handle is a server side file or directory handle.
type handle struct {
	value  string
	closed bool
}

// OpenSFTP starts the sftp subsystem on a new channel and negotiates
// version 3. It always blocks, bounded by the session timeout and ctx.
func (s *Session) OpenSFTP(ctx context.Context) (*SFTP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.openChannel(ctx, "session", nil, true)
	if err != nil {
		return nil, err
	}
	if err := ch.request(ctx, "subsystem", true, subsystemPayload("sftp"), true); err != nil {
		ch.close()
		return nil, err
	}
	f := &SFTP{
		s:          s,
		ch:         ch,
		extensions: map[string]string{},
		responses:  map[uint32][]byte{},
		abandoned:  map[uint32]bool{},
		handles:    map[*handle]struct{}{},
	}
	f.outbuf = sealPacket(sftpPacket(fxpInit, sftpVersion))
	if err := f.flush(true); err != nil {
		ch.close()
		return nil, err
	}
	if err := s.wait(ctx, true, func() bool { f.absorb(); return f.inited || f.err != nil }); err != nil {
		ch.close()
		return nil, err
	}
	if f.err != nil {
		ch.close()
		return nil, f.err
	}
	s.debugf("sftp version %d, extensions %v", f.version, f.extensions)
	return f, nil
}

func subsystemPayload(name string) []byte {
	return appendString(nil, name)
}

// Version returns the negotiated protocol version.
func (f *SFTP) Version() uint32 { return f.version }

// Extensions returns the extensions announced by the server.
func (f *SFTP) Extensions() map[string]string {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	m := make(map[string]string, len(f.extensions))
	for k, v := range f.extensions {
		m[k] = v
	}
	return m
}

// HasExtension reports whether the server announced extension name.
func (f *SFTP) HasExtension(name string) bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	_, ok := f.extensions[name]
	return ok
}

// flush writes queued request bytes. A partial write stays queued so the
// packet stream remains intact.
func (f *SFTP) flush(blocking bool) error {
	// channel writes park on the window and release the lock; the active
	// writer sends whatever other callers queue meanwhile
	if f.flushing {
		return nil
	}
	f.flushing = true
	defer func() {
		f.flushing = false
		if len(f.outbuf) > 0 {
			f.s.broadcast()
		}
	}()
	for len(f.outbuf) > 0 {
		n, err := f.ch.write(0, f.outbuf, false, blocking)
		f.outbuf = f.outbuf[n:]
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return ErrWouldBlock
			}
			return err
		}
	}
	f.outbuf = nil
	return nil
}

// absorb moves channel data into the response table.
func (f *SFTP) absorb() {
	c := f.ch
	if n := c.stdout.Len(); n > 0 {
		f.inbuf = append(f.inbuf, c.stdout.Next(n)...)
		if err := c.consumed(n); err != nil && f.err == nil {
			f.err = err
		}
	}
	for len(f.inbuf) >= 4 && f.err == nil {
		length := binary.BigEndian.Uint32(f.inbuf)
		if length < 1 || length > maxSFTPPacket {
			f.err = fmt.Errorf("sftp: invalid packet length %d", length)
			return
		}
		if uint32(len(f.inbuf)-4) < length {
			break
		}
		pkt := append([]byte(nil), f.inbuf[4:4+length]...)
		f.inbuf = f.inbuf[4+length:]
		if !f.inited {
			f.handleVersion(pkt)
			continue
		}
		if len(pkt) < 5 {
			f.err = errShortPacket
			return
		}
		id := binary.BigEndian.Uint32(pkt[1:5])
		if f.abandoned[id] {
			delete(f.abandoned, id)
			continue
		}
		f.responses[id] = pkt
	}
	if f.err != nil {
		return
	}
	switch {
	case c.err != nil:
		f.err = c.err
	case c.eofRecv && c.stdout.Len() == 0:
		f.err = fmt.Errorf("sftp: %w", io.ErrUnexpectedEOF)
	}
}

func (f *SFTP) handleVersion(pkt []byte) {
	if pkt[0] != fxpVersion {
		f.err = fmt.Errorf("sftp: expected version packet, got type %d", pkt[0])
		return
	}
	r := &sftpBuf{b: pkt[1:]}
	f.version = r.uint32()
	for len(r.b) > 0 && r.err == nil {
		name, data := r.string(), r.string()
		f.extensions[name] = data
	}
	if r.err != nil {
		f.err = r.err
		return
	}
	if f.version != sftpVersion {
		f.err = fmt.Errorf("sftp: server speaks version %d", f.version)
		return
	}
	f.inited = true
}

func (f *SFTP) usable() error {
	if f.err != nil {
		return f.err
	}
	if f.closed {
		return ErrAlreadyClosed
	}
	return nil
}

// roundTrip sends the request built by build and waits for its response.
// key identifies the operation so a non-blocking caller retrying the same
// operation resumes it instead of sending a duplicate. Caller holds s.mu.
func (f *SFTP) roundTrip(key string, build func(id uint32) []byte) ([]byte, error) {
	if err := f.usable(); err != nil {
		return nil, err
	}
	blocking := f.s.blocking
	var id uint32
	switch {
	case !blocking && f.resume != nil && f.resume.key == key:
		id = f.resume.id
	default:
		// blocking requests are never resumed, concurrent callers each
		// get their own id
		if !blocking && f.resume != nil {
			f.abandon(f.resume.id)
		}
		id = f.nextID
		f.nextID++
		f.outbuf = append(f.outbuf, sealPacket(build(id))...)
		if !blocking {
			f.resume = &sftpPending{key: key, id: id}
		}
	}
	var err error
	for {
		if err := f.flush(blocking); err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				f.clearResume(id)
				f.abandon(id)
			}
			return nil, err
		}
		err = f.s.wait(context.Background(), blocking, func() bool {
			f.absorb()
			_, ok := f.responses[id]
			return ok || f.err != nil || f.closed || (len(f.outbuf) > 0 && !f.flushing)
		})
		if errors.Is(err, ErrWouldBlock) {
			return nil, err
		}
		if _, ok := f.responses[id]; ok || err != nil || f.err != nil || f.closed {
			break
		}
		// the writer gave up with our request still queued
	}
	f.clearResume(id)
	resp, ok := f.responses[id]
	if ok {
		delete(f.responses, id)
		return resp, nil
	}
	f.abandon(id)
	if err := f.usable(); err != nil {
		return nil, err
	}
	return nil, err
}

func (f *SFTP) clearResume(id uint32) {
	if f.resume != nil && f.resume.id == id {
		f.resume = nil
	}
}

// abandon drops the response for id whenever it arrives.
func (f *SFTP) abandon(id uint32) {
	if _, ok := f.responses[id]; ok {
		delete(f.responses, id)
		return
	}
	f.abandoned[id] = true
}

// expectStatus succeeds on an OK status.
func expectStatus(resp []byte) error {
	r := &sftpBuf{b: resp[5:]}
	if resp[0] != fxpStatus {
		return fmt.Errorf("sftp: unexpected packet type %d", resp[0])
	}
	st := parseStatus(r)
	if r.err != nil {
		return r.err
	}
	if st.Code != StatusOK {
		return st
	}
	return nil
}

// unexpected turns a STATUS into its error, or reports the wrong type.
func unexpected(resp []byte, want byte) error {
	if resp[0] == fxpStatus {
		r := &sftpBuf{b: resp[5:]}
		st := parseStatus(r)
		if r.err != nil {
			return r.err
		}
		return st
	}
	return fmt.Errorf("sftp: expected packet type %d, got %d", want, resp[0])
}

func (f *SFTP) pathRequest(typ byte, path string) func(uint32) []byte {
	return func(id uint32) []byte {
		return appendString(sftpPacket(typ, id), path)
	}
}

func (f *SFTP) statusCall(key string, build func(uint32) []byte) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	resp, err := f.roundTrip(key, build)
	if err != nil {
		return err
	}
	return expectStatus(resp)
}

func (f *SFTP) attrsCall(key string, build func(uint32) []byte) (*FileStat, error) {
	resp, err := f.roundTrip(key, build)
	if err != nil {
		return nil, err
	}
	if resp[0] != fxpAttrs {
		return nil, unexpected(resp, fxpAttrs)
	}
	r := &sftpBuf{b: resp[5:]}
	a := r.attrs()
	return a, r.err
}

func (f *SFTP) nameCall(key string, build func(uint32) []byte) (string, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	resp, err := f.roundTrip(key, build)
	if err != nil {
		return "", err
	}
	if resp[0] != fxpName {
		return "", unexpected(resp, fxpName)
	}
	entries, err := parseNames(&sftpBuf{b: resp[5:]})
	if err != nil {
		return "", err
	}
	if len(entries) != 1 {
		return "", fmt.Errorf("sftp: expected one name, got %d", len(entries))
	}
	return entries[0].Name, nil
}

func (f *SFTP) handleCall(key string, build func(uint32) []byte) (*handle, error) {
	resp, err := f.roundTrip(key, build)
	if err != nil {
		return nil, err
	}
	if resp[0] != fxpHandle {
		return nil, unexpected(resp, fxpHandle)
	}
	r := &sftpBuf{b: resp[5:]}
	h := &handle{value: r.string()}
	if r.err != nil {
		return nil, r.err
	}
	f.handles[h] = struct{}{}
	return h, nil
}

func (f *SFTP) closeHandle(h *handle) error {
	if err := f.usable(); err != nil {
		return err
	}
	if h.closed {
		return ErrAlreadyClosed
	}
	resp, err := f.roundTrip("close\x00"+h.value, func(id uint32) []byte {
		return appendString(sftpPacket(fxpClose, id), h.value)
	})
	if err != nil {
		return err
	}
	h.closed = true
	delete(f.handles, h)
	return expectStatus(resp)
}

// Open opens path for reading.
func (f *SFTP) Open(path string) (*File, error) {
	return f.OpenFile(path, FlagRead, nil)
}

// Create creates or truncates path for writing with mode 0644.
func (f *SFTP) Create(path string) (*File, error) {
	return f.OpenFile(path, FlagWrite|FlagCreate|FlagTruncate, new(FileStat).SetPermissions(0644))
}

// OpenFile opens path with the given flags. attrs applies when the file is
// created and may be nil.
func (f *SFTP) OpenFile(path string, flags OpenFlag, attrs *FileStat) (*File, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	key := fmt.Sprintf("open\x00%s\x00%d", path, flags)
	h, err := f.handleCall(key, func(id uint32) []byte {
		b := appendString(sftpPacket(fxpOpen, id), path)
		b = binary.BigEndian.AppendUint32(b, uint32(flags))
		return appendAttrs(b, attrs)
	})
	if err != nil {
		return nil, err
	}
	file := &File{sftp: f, h: h, path: path}
	if flags&FlagAppend != 0 {
		if st, err := f.fstat(h); err == nil && st.Flags&AttrSize != 0 {
			file.offset = int64(st.Size)
		}
	}
	return file, nil
}

// OpenDir opens a directory for listing.
func (f *SFTP) OpenDir(path string) (*Dir, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	h, err := f.handleCall("opendir\x00"+path, f.pathRequest(fxpOpendir, path))
	if err != nil {
		return nil, err
	}
	return &Dir{sftp: f, h: h, path: path}, nil
}

// ReadDir lists path, omitting "." and "..".
func (f *SFTP) ReadDir(path string) ([]DirEntry, error) {
	d, err := f.OpenDir(path)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	var entries []DirEntry
	for e, err := range d.Entries() {
		if err != nil {
			return entries, err
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// Remove deletes a file.
func (f *SFTP) Remove(path string) error {
	return f.statusCall("remove\x00"+path, f.pathRequest(fxpRemove, path))
}

// Mkdir creates a directory with permission bits mode.
func (f *SFTP) Mkdir(path string, mode os.FileMode) error {
	return f.statusCall("mkdir\x00"+path, func(id uint32) []byte {
		return appendAttrs(appendString(sftpPacket(fxpMkdir, id), path), new(FileStat).SetPermissions(mode))
	})
}

// Rmdir removes an empty directory.
func (f *SFTP) Rmdir(path string) error {
	return f.statusCall("rmdir\x00"+path, f.pathRequest(fxpRmdir, path))
}

// Rename moves oldpath to newpath. With RenameOverwrite an existing newpath
// is replaced when the server supports posix-rename@openssh.com.
func (f *SFTP) Rename(oldpath, newpath string, flags RenameFlag) error {
	key := "rename\x00" + oldpath + "\x00" + newpath
	if flags&RenameOverwrite != 0 && f.HasExtension("posix-rename@openssh.com") {
		return f.statusCall(key, func(id uint32) []byte {
			b := appendString(sftpPacket(fxpExtended, id), "posix-rename@openssh.com")
			return appendString(appendString(b, oldpath), newpath)
		})
	}
	return f.statusCall(key, func(id uint32) []byte {
		return appendString(appendString(sftpPacket(fxpRename, id), oldpath), newpath)
	})
}

// Stat returns the attributes of path, following symlinks.
func (f *SFTP) Stat(path string) (*FileStat, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.attrsCall("stat\x00"+path, f.pathRequest(fxpStat, path))
}

// Lstat returns the attributes of path without following symlinks.
func (f *SFTP) Lstat(path string) (*FileStat, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.attrsCall("lstat\x00"+path, f.pathRequest(fxpLstat, path))
}

// Setstat changes the attributes of path selected by attrs.Flags.
func (f *SFTP) Setstat(path string, attrs *FileStat) error {
	return f.statusCall("setstat\x00"+path, func(id uint32) []byte {
		return appendAttrs(appendString(sftpPacket(fxpSetstat, id), path), attrs)
	})
}

// Symlink creates linkpath pointing at target.
func (f *SFTP) Symlink(target, linkpath string) error {
	// OpenSSH reads the arguments in the reverse of the draft order; the
	// target goes first on the wire.
	return f.statusCall("symlink\x00"+linkpath, func(id uint32) []byte {
		return appendString(appendString(sftpPacket(fxpSymlink, id), target), linkpath)
	})
}

// Readlink returns the target of a symbolic link.
func (f *SFTP) Readlink(path string) (string, error) {
	return f.nameCall("readlink\x00"+path, f.pathRequest(fxpReadlink, path))
}

// Realpath canonicalizes path on the server.
func (f *SFTP) Realpath(path string) (string, error) {
	return f.nameCall("realpath\x00"+path, f.pathRequest(fxpRealpath, path))
}

// Close closes the subsystem. Open files and directories become invalid.
func (f *SFTP) Close() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.closed {
		return ErrAlreadyClosed
	}
	f.closed = true
	for h := range f.handles {
		h.closed = true
	}
	clear(f.handles)
	clear(f.responses)
	if err := f.ch.close(); err != nil && !errors.Is(err, ErrAlreadyClosed) {
		return err
	}
	return nil
}
