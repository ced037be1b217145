// Package wsproto is a sans-IO WebSocket codec. A Connection turns inbound bytes into
// events and outbound events into bytes; it never touches a socket.
package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/gobwas/ws"
)

type Role int

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

type ConnectionState int

const (
	Connecting ConnectionState = iota
	Open
	RemoteClosing
	LocalClosing
	Closed
	Rejecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case RemoteClosing:
		return "remote-closing"
	case LocalClosing:
		return "local-closing"
	case Closed:
		return "closed"
	case Rejecting:
		return "rejecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrInvalidState = errors.New("event not allowed in current state")
	ErrUnknownEvent = errors.New("unknown event")
)

const (
	DefaultMaxMessageSize = 16 << 20
	maxCloseReason        = ws.MaxControlFramePayloadSize - 2
)

type Option func(c *Connection)

// WithMaxMessageSize bounds the size of a reassembled data message and of a
// handshake rejection body.
func WithMaxMessageSize(n int64) Option {
	return func(c *Connection) {
		c.maxMessageSize = n
	}
}

type Connection struct {
	role  Role
	state ConnectionState

	in []byte

	nonce   string
	request *Request // sent by a client, received by a server
	body    bodyDecoder

	fragOp ws.OpCode
	frag   []byte
	inFrag bool

	maxMessageSize int64
}

func NewConnection(role Role, opts ...Option) *Connection {
	c := &Connection{
		role:           role,
		state:          Connecting,
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) Role() Role {
	return c.role
}

func (c *Connection) State() ConnectionState {
	return c.state
}

// ReceiveData feeds inbound bytes and returns every event that became complete,
// in wire order. Incomplete input stays buffered for the next call.
func (c *Connection) ReceiveData(p []byte) []Event {
	if c.state == Closed || c.state == RemoteClosing || c.state == Rejecting {
		return nil
	}
	c.in = append(c.in, p...)

	var events []Event
	for {
		evs, more := c.step()
		events = append(events, evs...)
		if !more {
			break
		}
	}
	if len(c.in) == 0 {
		c.in = nil
	}
	return events
}

func (c *Connection) step() ([]Event, bool) {
	switch c.state {
	case Connecting:
		switch {
		case c.role == Client && c.body != nil:
			return c.receiveBody()
		case c.role == Client && c.request != nil:
			return c.receiveResponse()
		case c.role == Server && c.request == nil:
			return c.receiveRequest()
		}
		// waiting for our own handshake move
		return nil, false
	case Open, LocalClosing:
		return c.receiveFrame()
	}
	c.in = nil
	return nil, false
}

func (c *Connection) receiveRequest() ([]Event, bool) {
	lines, rest, ok, err := takeHead(c.in)
	if err != nil {
		return c.violation(ws.StatusProtocolError, err)
	}
	if !ok {
		return nil, false
	}
	req, nonce, err := parseRequest(lines)
	if err != nil {
		return c.violation(ws.StatusProtocolError, err)
	}
	c.in = rest
	c.request, c.nonce = req, nonce
	return []Event{req}, false
}

func (c *Connection) receiveResponse() ([]Event, bool) {
	lines, rest, ok, err := takeHead(c.in)
	if err != nil {
		return c.violation(ws.StatusProtocolError, err)
	}
	if !ok {
		return nil, false
	}
	ev, body, err := parseResponse(lines, c.request, c.nonce, c.maxMessageSize)
	if err != nil {
		return c.violation(bodyErrorCode(err), err)
	}
	c.in = rest
	switch {
	case body != nil:
		c.body = body
	case isAccept(ev):
		c.state = Open
	default:
		c.state = Closed
		c.in = nil
		return []Event{ev}, false
	}
	return []Event{ev}, len(c.in) > 0
}

func isAccept(ev Event) bool {
	_, ok := ev.(*AcceptConnection)
	return ok
}

func (c *Connection) receiveBody() ([]Event, bool) {
	data, n, done, err := c.body.decode(c.in)
	if err != nil {
		return c.violation(bodyErrorCode(err), err)
	}
	chunk := append([]byte(nil), data...)
	c.in = c.in[n:]
	if done {
		c.state = Closed
		c.in = nil
	}
	if len(chunk) == 0 && !done {
		return nil, false
	}
	return []Event{&RejectData{Data: chunk, BodyFinished: done}}, false
}

func bodyErrorCode(err error) ws.StatusCode {
	if errors.Is(err, errBodyTooBig) {
		return ws.StatusMessageTooBig
	}
	return ws.StatusProtocolError
}

func (c *Connection) headerState() ws.State {
	var s ws.State
	if c.role == Server {
		s = ws.StateServerSide
	} else {
		s = ws.StateClientSide
	}
	if c.inFrag {
		s = s.Set(ws.StateFragmented)
	}
	return s
}

func (c *Connection) receiveFrame() ([]Event, bool) {
	if len(c.in) == 0 {
		return nil, false
	}
	r := bytes.NewReader(c.in)
	h, err := ws.ReadHeader(r)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, false
	}
	if err != nil {
		return c.violation(ws.StatusProtocolError, err)
	}
	if err := ws.CheckHeader(h, c.headerState()); err != nil {
		return c.violation(ws.StatusProtocolError, err)
	}
	if h.Length > c.maxMessageSize || int64(len(c.frag))+h.Length > c.maxMessageSize {
		return c.violation(ws.StatusMessageTooBig, fmt.Errorf("message exceeds %d bytes", c.maxMessageSize))
	}
	hl := len(c.in) - r.Len()
	if int64(r.Len()) < h.Length {
		return nil, false
	}
	end := hl + int(h.Length)
	payload := make([]byte, h.Length)
	copy(payload, c.in[hl:end])
	c.in = c.in[end:]
	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}

	switch h.OpCode {
	case ws.OpPing:
		return []Event{&Ping{Payload: payload}}, true
	case ws.OpPong:
		return []Event{&Pong{Payload: payload}}, true
	case ws.OpClose:
		return c.receiveClose(payload)
	}

	if h.OpCode != ws.OpContinuation {
		c.fragOp = h.OpCode
		c.frag = nil
	}
	c.frag = append(c.frag, payload...)
	c.inFrag = !h.Fin
	if c.inFrag {
		return nil, true
	}
	data := c.frag
	c.frag = nil
	if c.fragOp == ws.OpText {
		if !utf8.Valid(data) {
			return c.violation(ws.StatusInvalidFramePayloadData, errors.New("invalid utf-8 in text message"))
		}
		return []Event{&TextMessage{Data: string(data)}}, true
	}
	return []Event{&BytesMessage{Data: data}}, true
}

func (c *Connection) receiveClose(payload []byte) ([]Event, bool) {
	ev := &CloseConnection{Code: ws.StatusNoStatusRcvd}
	if len(payload) == 1 {
		return c.violation(ws.StatusProtocolError, errors.New("close payload of one byte"))
	}
	if len(payload) > 0 {
		code, reason := ws.ParseCloseFrameData(payload)
		if err := ws.CheckCloseFrameData(code, reason); err != nil {
			return c.violation(ws.StatusProtocolError, err)
		}
		ev.Code, ev.Reason = code, reason
	}
	if c.state == LocalClosing {
		c.state = Closed
	} else {
		c.state = RemoteClosing
	}
	c.in, c.frag = nil, nil
	return []Event{ev}, false
}

// violation fails the connection. An open connection still owes the peer a close frame.
func (c *Connection) violation(code ws.StatusCode, err error) ([]Event, bool) {
	if c.state == Open {
		c.state = RemoteClosing
	} else {
		c.state = Closed
	}
	c.in, c.frag = nil, nil
	return []Event{&CloseConnection{Code: code, Reason: truncateReason(err.Error())}}, false
}

// Send compiles an outbound event into wire bytes and advances the state.
func (c *Connection) Send(e Event) ([]byte, error) {
	switch e := e.(type) {
	case *Request:
		return c.sendRequest(e)
	case *AcceptConnection:
		return c.sendAccept(e)
	case *RejectConnection:
		return c.sendReject(e)
	case *RejectData:
		if c.role != Server || c.state != Rejecting {
			return nil, c.invalid(e)
		}
		if e.BodyFinished {
			c.state = Closed
		}
		return compileChunk(e), nil
	case *TextMessage:
		if !utf8.ValidString(e.Data) {
			return nil, errors.New("text message is not valid utf-8")
		}
		return c.sendFrame(e, ws.OpText, []byte(e.Data))
	case *BytesMessage:
		return c.sendFrame(e, ws.OpBinary, e.Data)
	case *Ping:
		return c.sendFrame(e, ws.OpPing, e.Payload)
	case *Pong:
		if c.state == RemoteClosing {
			// a ping may still be answered before the close reply
			return c.compile(ws.NewFrame(ws.OpPong, true, e.Payload))
		}
		return c.sendFrame(e, ws.OpPong, e.Payload)
	case *CloseConnection:
		return c.sendClose(e)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
}

func (c *Connection) invalid(e Event) error {
	return fmt.Errorf("%w: %T as %v in state %v", ErrInvalidState, e, c.role, c.state)
}

func (c *Connection) sendRequest(r *Request) ([]byte, error) {
	if c.role != Client || c.state != Connecting || c.request != nil {
		return nil, c.invalid(r)
	}
	if r.Host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrHandshake)
	}
	if len(r.Target) == 0 || r.Target[0] != '/' {
		return nil, fmt.Errorf("%w: target %q must start with '/'", ErrHandshake, r.Target)
	}
	if err := r.ExtraHeaders.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateTokens("subprotocols", r.Subprotocols); err != nil {
		return nil, err
	}
	if err := ValidateExtensions(r.Extensions); err != nil {
		return nil, err
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	c.nonce, c.request = nonce, r
	return compileRequest(r, nonce), nil
}

func (c *Connection) sendAccept(a *AcceptConnection) ([]byte, error) {
	if c.role != Server || c.state != Connecting || c.request == nil {
		return nil, c.invalid(a)
	}
	if err := a.ExtraHeaders.Validate(); err != nil {
		return nil, err
	}
	if a.Subprotocol != "" && !contains(c.request.Subprotocols, a.Subprotocol) {
		return nil, fmt.Errorf("%w: sub-protocol %q was not requested", ErrHandshake, a.Subprotocol)
	}
	for _, ext := range a.Extensions {
		if !offered(c.request.Extensions, ext) {
			return nil, fmt.Errorf("%w: extension %q was not requested", ErrHandshake, ext)
		}
	}
	c.state = Open
	return compileAccept(a, c.nonce), nil
}

func (c *Connection) sendReject(r *RejectConnection) ([]byte, error) {
	if c.role != Server || c.state != Connecting {
		return nil, c.invalid(r)
	}
	if r.StatusCode < 100 || r.StatusCode > 599 || r.StatusCode == 101 {
		return nil, fmt.Errorf("%w: reject status %d", ErrHandshake, r.StatusCode)
	}
	if err := r.Headers.Validate(); err != nil {
		return nil, err
	}
	if r.HasBody {
		c.state = Rejecting
	} else {
		c.state = Closed
	}
	c.in = nil
	return compileReject(r), nil
}

func (c *Connection) sendFrame(e Event, op ws.OpCode, payload []byte) ([]byte, error) {
	if c.state != Open {
		return nil, c.invalid(e)
	}
	if op.IsControl() && len(payload) > ws.MaxControlFramePayloadSize {
		return nil, fmt.Errorf("control frame payload of %d bytes exceeds %d", len(payload), ws.MaxControlFramePayloadSize)
	}
	return c.compile(ws.NewFrame(op, true, payload))
}

func (c *Connection) sendClose(e *CloseConnection) ([]byte, error) {
	var next ConnectionState
	switch c.state {
	case Open:
		next = LocalClosing
	case RemoteClosing:
		next = Closed
	default:
		return nil, c.invalid(e)
	}
	var body []byte
	switch e.Code {
	case 0, ws.StatusNoStatusRcvd, ws.StatusAbnormalClosure, ws.StatusTLSHandshake:
		// reserved for local use, never put on the wire
	default:
		reason := truncateReason(e.Reason)
		if err := ws.CheckCloseFrameData(e.Code, reason); err != nil {
			return nil, err
		}
		body = ws.NewCloseFrameBody(e.Code, reason)
	}
	bts, err := c.compile(ws.NewFrame(ws.OpClose, true, body))
	if err != nil {
		return nil, err
	}
	c.state = next
	return bts, nil
}

func (c *Connection) compile(f ws.Frame) ([]byte, error) {
	if c.role == Client {
		f = ws.MaskFrame(f)
	}
	return ws.CompileFrame(f)
}

func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	s = s[:maxCloseReason]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
