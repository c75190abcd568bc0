package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/sshc-lite/xssh"
	txsocks5 "github.com/txthinking/socks5"
)

const socksNegotiationTimeout = 10 * time.Second

// serveSOCKS handles one SOCKS5 client: no-auth negotiation and a single
// CONNECT, which is tunnelled through a direct-tcpip channel.
func (c *Client) serveSOCKS(ctx context.Context, conn net.Conn) {
	conn.SetDeadline(time.Now().Add(socksNegotiationTimeout))
	req, err := socksHandshake(conn)
	if err != nil {
		c.debugf("socks5 %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	host, portStr, err := net.SplitHostPort(req.Address())
	if err != nil {
		writeReply(conn, txsocks5.RepAddressNotSupported, req.Atyp)
		conn.Close()
		return
	}
	port, err := parsePort(portStr)
	if err != nil {
		writeReply(conn, txsocks5.RepAddressNotSupported, req.Atyp)
		conn.Close()
		return
	}
	origin, oport := splitAddr(conn.RemoteAddr())
	ch, err := c.session.OpenDirectTCPIP(ctx, host, port, origin, oport)
	if err != nil {
		c.errorf("socks5 connect %s: %v", req.Address(), err)
		rep := txsocks5.RepHostUnreachable
		var oerr *xssh.ChannelOpenError
		if errors.As(err, &oerr) && oerr.Reason == xssh.Prohibited {
			rep = txsocks5.RepNotAllowed
		}
		writeReply(conn, rep, req.Atyp)
		conn.Close()
		return
	}
	if err := writeReply(conn, txsocks5.RepSuccess, txsocks5.ATYPIPv4); err != nil {
		ch.Close()
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	c.debugf("socks5 %s -> %s", conn.RemoteAddr(), req.Address())
	c.pipe(ch, conn)
}

func socksHandshake(conn net.Conn) (*txsocks5.Request, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("negotiation request: %w", err)
	}
	if !containsMethod(neg.Methods, txsocks5.MethodNone) {
		// RFC 1928: 0xFF indicates no acceptable methods.
		txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
		return nil, errors.New("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return nil, fmt.Errorf("negotiation reply: %w", err)
	}
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		writeReply(conn, txsocks5.RepCommandNotSupported, req.Atyp)
		return nil, fmt.Errorf("unsupported command %d", req.Cmd)
	}
	return req, nil
}

// writeReply sends a reply with a zero bound address; the tunnel has no
// meaningful local address to report.
func writeReply(conn net.Conn, rep, atyp byte) error {
	var r *txsocks5.Reply
	if atyp == txsocks5.ATYPIPv6 {
		r = txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	} else {
		r = txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
	}
	_, err := r.WriteTo(conn)
	return err
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
