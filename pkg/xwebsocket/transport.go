package xwebsocket

import (
	"io"
	"net"
	"time"

	"github.com/e-zhydzetski/go-sockets/pkg/wsproto"
)

// Transport is the ordered, reliable byte stream under one session.
// A zero-length read with io.EOF means the peer closed its write side.
type Transport interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// Codec turns bytes into protocol events and intents into bytes for one connection.
// *wsproto.Connection implements it.
type Codec interface {
	ReceiveData(p []byte) []wsproto.Event
	Send(ev wsproto.Event) ([]byte, error)
	State() wsproto.ConnectionState
}

type connWithTimeout struct {
	net.Conn
	wt time.Duration
	rt time.Duration
}

func (c connWithTimeout) Read(p []byte) (int, error) {
	if c.rt > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.rt)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c connWithTimeout) Write(p []byte) (int, error) {
	if c.wt > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.wt)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// CloseWrite half-closes TCP connections, other conns have nothing to shut down.
func (c connWithTimeout) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
