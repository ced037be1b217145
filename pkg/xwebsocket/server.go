package xwebsocket

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gobwas/ws"

	"github.com/e-zhydzetski/go-sockets/pkg/wsproto"
)

// Handler is what an application provides to serve WebSocket sessions.
//
// HandleRequest must decide the handshake by calling Accept or Reject on the session,
// either before returning or later from another goroutine. Until then the session stays
// connecting and its sends wait. HandleRequest runs on the session read loop, so calling
// SendText, SendBinary, Ping or Close inline before Accept blocks that loop for good:
// the decision it waits for can never be made. Decide first, or send from another goroutine.
type Handler interface {
	HandleRequest(s *ServerSession, req *wsproto.Request)
	ReceiveText(s *ServerSession, text string)
	ReceiveBytes(s *ServerSession, data []byte)
}

// DisconnectHandler is implemented by handlers that want to know when a session ends.
type DisconnectHandler interface {
	OnDisconnect(s *ServerSession, info CloseInfo)
}

// PongHandler is implemented by handlers that track pongs.
type PongHandler interface {
	OnPong(s *ServerSession, payload []byte)
}

var rejectHeaders = wsproto.Headers{{Name: []byte("Content-type"), Value: []byte("text/plain")}}

// ServerSession is the accepting side of one WebSocket connection.
type ServerSession struct {
	ctx        context.Context
	s          *session
	handler    Handler
	remoteAddr net.Addr
}

func newServerSession(ctx context.Context, conn net.Conn, h Handler, cfg sessionConfig) *ServerSession {
	ss := &ServerSession{
		ctx:        ctx,
		handler:    h,
		remoteAddr: conn.RemoteAddr(),
	}
	ss.s = newSession(
		connWithTimeout{
			Conn: conn,
			wt:   cfg.writeTimeout,
			rt:   0, // can't use read timeout in wait model (without events)
		},
		wsproto.NewConnection(wsproto.Server, wsproto.WithMaxMessageSize(cfg.maxMessage)),
		wsproto.Server,
		ss,
		cfg,
	)
	return ss
}

func (ss *ServerSession) ID() string {
	return ss.s.id
}

func (ss *ServerSession) State() State {
	return ss.s.State()
}

func (ss *ServerSession) RemoteAddr() net.Addr {
	return ss.remoteAddr
}

// Context is cancelled when the server shuts down.
func (ss *ServerSession) Context() context.Context {
	return ss.ctx
}

func (ss *ServerSession) Done() <-chan struct{} {
	return ss.s.done
}

// Accept completes the handshake and opens the session. Extensions, if any, must have been
// offered by the client; they are confirmed as opaque strings.
func (ss *ServerSession) Accept(extraHeaders wsproto.Headers, subprotocol string, extensions ...string) error {
	if err := extraHeaders.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if subprotocol != "" {
		if err := wsproto.ValidateTokens("subprotocol", []string{subprotocol}); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	if err := wsproto.ValidateExtensions(extensions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	s := ss.s
	s.mx.Lock()
	if s.State() != Connecting {
		s.mx.Unlock()
		return ErrHandshakeDone
	}
	err := s.writeLocked(&wsproto.AcceptConnection{
		ExtraHeaders: extraHeaders,
		Subprotocol:  subprotocol,
		Extensions:   extensions,
	})
	if err != nil {
		s.mx.Unlock()
		return err
	}
	s.advance(Open)
	s.mx.Unlock()

	s.settle(handshakeResult{accepted: &Accepted{
		ExtraHeaders: extraHeaders,
		Subprotocol:  subprotocol,
		Extensions:   extensions,
	}})
	return nil
}

// Reject refuses the handshake. A non-empty reason is sent as a text/plain body.
func (ss *ServerSession) Reject(statusCode int, reason string) error {
	if statusCode < 100 || statusCode > 599 || statusCode == http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: reject status code %d", ErrInvalidArgument, statusCode)
	}

	s := ss.s
	s.mx.Lock()
	if s.State() != Connecting {
		s.mx.Unlock()
		return ErrHandshakeDone
	}
	rejected := &Rejected{StatusCode: statusCode}
	var data []byte
	if reason == "" {
		head, err := s.codec.Send(&wsproto.RejectConnection{StatusCode: statusCode})
		if err != nil {
			s.mx.Unlock()
			return err
		}
		data = head
	} else {
		head, err := s.codec.Send(&wsproto.RejectConnection{StatusCode: statusCode, Headers: rejectHeaders, HasBody: true})
		if err != nil {
			s.mx.Unlock()
			return err
		}
		body, err := s.codec.Send(&wsproto.RejectData{Data: []byte(reason), BodyFinished: true})
		if err != nil {
			s.mx.Unlock()
			return err
		}
		data = append(head, body...)
		rejected.Headers = rejectHeaders
		rejected.Body = []byte(reason)
	}
	_, err := s.transport.Write(data)
	s.advance(Closed)
	s.mx.Unlock()

	s.settle(handshakeResult{err: rejected})
	_ = s.transport.CloseWrite() // the read loop ends on the peer's EOF
	if err != nil {
		return fmt.Errorf("write rejection: %w", err)
	}
	return nil
}

// SendText waits for the handshake decision, then sends a text message.
func (ss *ServerSession) SendText(ctx context.Context, text string) error {
	return ss.s.send(ctx, &wsproto.TextMessage{Data: text})
}

func (ss *ServerSession) SendBinary(ctx context.Context, data []byte) error {
	return ss.s.send(ctx, &wsproto.BytesMessage{Data: data})
}

func (ss *ServerSession) Ping(ctx context.Context, payload []byte) error {
	return ss.s.ping(ctx, payload)
}

// Close starts the close handshake with the given code and reason.
func (ss *ServerSession) Close(ctx context.Context, code ws.StatusCode, reason string) error {
	return ss.s.close(ctx, code, reason)
}

func (ss *ServerSession) onRequest(req *wsproto.Request) {
	ss.handler.HandleRequest(ss, req)
}

func (ss *ServerSession) onAccepted(*Accepted) {
	ss.s.log.Warn("handshake acceptance received by a server")
}

func (ss *ServerSession) onMessage(m Message) {
	if m.Type == TextMessage {
		ss.handler.ReceiveText(ss, m.Text())
		return
	}
	ss.handler.ReceiveBytes(ss, m.Data)
}

func (ss *ServerSession) onPong(payload []byte) {
	if h, ok := ss.handler.(PongHandler); ok {
		h.OnPong(ss, payload)
	}
}

func (ss *ServerSession) onDisconnect(info CloseInfo) {
	if h, ok := ss.handler.(DisconnectHandler); ok {
		h.OnDisconnect(ss, info)
	}
}
