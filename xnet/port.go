package xnet

import (
	"fmt"
	"net"
	"strconv"
)

// GetRandomListener creates a loopback listener on a random port and returns
// it along with its address.
func GetRandomListener() (net.Listener, string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	return listener, listener.Addr().String(), nil
}

// FindFreePort returns an available TCP port by binding port 0.
func FindFreePort() (int, error) {
	listener, _, err := GetRandomListener()
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// SplitHostPort parses addr into a host and a numeric port.
// A bare port is accepted and yields an empty host.
func SplitHostPort(addr string) (string, uint32, error) {
	if p, err := strconv.ParseUint(addr, 10, 16); err == nil {
		return "", uint32(p), nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return host, uint32(p), nil
}
