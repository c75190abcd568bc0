package xnet

import (
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// Pipe copies between a and b in both directions until both sides have
// finished. Each side is half-closed once its source reaches EOF, and both are
// closed on return.
func Pipe(a, b io.ReadWriteCloser) error {
	defer a.Close()
	defer b.Close()
	var g errgroup.Group
	g.Go(func() error { return copyHalf(b, a) })
	g.Go(func() error { return copyHalf(a, b) })
	return g.Wait()
}

func copyHalf(dst, src io.ReadWriteCloser) error {
	_, err := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
