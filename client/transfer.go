package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/jpillora/sshc-lite/xssh"
)

// SFTP returns the client's SFTP subsystem, starting it on first use.
func (c *Client) SFTP(ctx context.Context) (*xssh.SFTP, error) {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	fs, err := c.session.OpenSFTP(ctx)
	if err != nil {
		return nil, err
	}
	c.sftp = fs
	return fs, nil
}

// List returns the entries of the remote directory dir sorted by name.
func (c *Client) List(ctx context.Context, dir string) ([]xssh.DirEntry, error) {
	fs, err := c.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Download copies the remote file src to the local path dst and returns the
// number of bytes copied. A dst naming a directory receives the file under
// its remote name.
func (c *Client) Download(ctx context.Context, src, dst string) (int64, error) {
	fs, err := c.SFTP(ctx)
	if err != nil {
		return 0, err
	}
	if st, err := os.Stat(dst); err == nil && st.IsDir() {
		dst = dst + string(os.PathSeparator) + path.Base(src)
	}
	rf, err := fs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer rf.Close()
	var mode os.FileMode = 0o644
	if st, err := rf.Stat(); err == nil && st.Flags&xssh.AttrPermissions != 0 {
		mode = st.FileMode().Perm()
	}
	lf, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(lf, rf)
	if cerr := lf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("download %s: %w", src, err)
	}
	c.debugf("downloaded %s to %s (%d bytes)", src, dst, n)
	return n, nil
}

// Upload copies the local file src to the remote path dst, keeping its
// permission bits. A dst naming a remote directory receives the file under
// its local name.
func (c *Client) Upload(ctx context.Context, src, dst string) (int64, error) {
	fs, err := c.SFTP(ctx)
	if err != nil {
		return 0, err
	}
	lf, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer lf.Close()
	info, err := lf.Stat()
	if err != nil {
		return 0, err
	}
	if st, err := fs.Stat(dst); err == nil && st.IsDir() {
		dst = path.Join(dst, info.Name())
	}
	attrs := (&xssh.FileStat{}).SetPermissions(info.Mode().Perm())
	rf, err := fs.OpenFile(dst, xssh.FlagWrite|xssh.FlagCreate|xssh.FlagTruncate, attrs)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(rf, lf)
	if cerr := rf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("upload %s: %w", src, err)
	}
	c.debugf("uploaded %s to %s (%d bytes)", src, dst, n)
	return n, nil
}
