package wsproto

import "github.com/gobwas/ws"

// Event is either something the peer did (returned by ReceiveData) or something the local
// side wants to do (passed to Send).
type Event interface {
	event()
}

// Request is the opening handshake of a client.
type Request struct {
	Host         string
	Target       string
	ExtraHeaders Headers
	Extensions   []string
	Subprotocols []string
}

// AcceptConnection completes the opening handshake.
type AcceptConnection struct {
	ExtraHeaders Headers
	Subprotocol  string
	Extensions   []string
}

// RejectConnection is a non-101 answer to the opening handshake.
// When HasBody is set, RejectData events follow.
type RejectConnection struct {
	StatusCode int
	Headers    Headers
	HasBody    bool
}

// RejectData is a chunk of a rejection body.
type RejectData struct {
	Data         []byte
	BodyFinished bool
}

type CloseConnection struct {
	Code   ws.StatusCode
	Reason string
}

// Response returns the close that acknowledges c.
func (c *CloseConnection) Response() *CloseConnection {
	return &CloseConnection{Code: c.Code, Reason: c.Reason}
}

// TextMessage is a complete, reassembled text message.
type TextMessage struct {
	Data string
}

// BytesMessage is a complete, reassembled binary message.
type BytesMessage struct {
	Data []byte
}

type Ping struct {
	Payload []byte
}

// Response returns the pong that answers p.
func (p *Ping) Response() *Pong {
	return &Pong{Payload: p.Payload}
}

type Pong struct {
	Payload []byte
}

func (*Request) event()          {}
func (*AcceptConnection) event() {}
func (*RejectConnection) event() {}
func (*RejectData) event()       {}
func (*CloseConnection) event()  {}
func (*TextMessage) event()      {}
func (*BytesMessage) event()     {}
func (*Ping) event()             {}
func (*Pong) event()             {}
