//go:build !windows

package client

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jpillora/sshc-lite/xssh"
)

// watchResize forwards SIGWINCH to ch until the returned func is called.
func watchResize(fd int, ch *xssh.Channel) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				resize(fd, ch)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
