//go:build windows

package client

import "github.com/jpillora/sshc-lite/xssh"

// Windows doesn't have SIGWINCH, so the size is only sent once.
func watchResize(fd int, ch *xssh.Channel) func() {
	return func() {}
}
