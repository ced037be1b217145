package xwebsocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/e-zhydzetski/go-sockets/pkg/wsproto"
	"github.com/e-zhydzetski/go-sockets/pkg/xchan"
)

const readBufferSize = 65535

var (
	ErrClosed          = errors.New("session closed")
	ErrProtocol        = errors.New("protocol violation")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrHandshakeDone   = errors.New("handshake already decided")
)

// State of a session. It only ever moves forward.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CloseInfo describes how a session ended. Clean is false when the transport dropped
// without a close frame, Code is then ws.StatusAbnormalClosure.
type CloseInfo struct {
	Code   ws.StatusCode
	Reason string
	Clean  bool
}

type MessageType int

const (
	TextMessage MessageType = iota
	BinaryMessage
)

// Message is one complete application message, fragments are already joined.
type Message struct {
	Type MessageType
	Data []byte
}

func (m Message) Text() string {
	return string(m.Data)
}

// hooks are the role specific reactions of a session.
type hooks interface {
	onRequest(req *wsproto.Request)
	onAccepted(a *Accepted)
	onMessage(m Message)
	onPong(payload []byte)
	onDisconnect(info CloseInfo)
}

type sessionConfig struct {
	log          *logrus.Logger
	writeTimeout time.Duration
	closeTimeout time.Duration
	maxMessage   int64
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		log:          logrus.StandardLogger(),
		writeTimeout: time.Second,
		maxMessage:   wsproto.DefaultMaxMessageSize,
	}
}

// session is the lifecycle core shared by both roles: it owns one transport and one codec,
// runs the read loop and drives Connecting -> Open -> Closing -> Closed.
type session struct {
	id    string
	log   *logrus.Entry
	hooks hooks

	state int32

	mx        sync.Mutex // codec and transport writes
	transport Transport
	codec     Codec

	handshake *xchan.Cell
	rejected  *Rejected // rejection waiting for its body

	closeTimeout time.Duration
	closeTimer   *time.Timer

	disconnected bool
	closeInfo    CloseInfo
	releaseOnce  sync.Once
	done         chan struct{}
}

func newSession(t Transport, codec Codec, role wsproto.Role, h hooks, cfg sessionConfig) *session {
	id := uuid.NewString()
	return &session{
		id: id,
		log: cfg.log.WithFields(logrus.Fields{
			"scope":   "xwebsocket.session",
			"session": id,
			"role":    role.String(),
		}),
		hooks:        h,
		transport:    t,
		codec:        codec,
		handshake:    xchan.MakeCell(),
		closeTimeout: cfg.closeTimeout,
		done:         make(chan struct{}),
	}
}

func (s *session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// advance moves the state forward to `to` and returns the state it left.
func (s *session) advance(to State) (State, bool) {
	for {
		cur := s.State()
		if cur >= to {
			return cur, false
		}
		if atomic.CompareAndSwapInt32(&s.state, int32(cur), int32(to)) {
			s.log.Debugf("%v -> %v", cur, to)
			return cur, true
		}
	}
}

// writeLocked sends ev through the codec and flushes the bytes. Caller holds s.mx.
func (s *session) writeLocked(ev wsproto.Event) error {
	if s.State() == Closed {
		return ErrClosed
	}
	bts, err := s.codec.Send(ev)
	if err != nil {
		return err
	}
	if len(bts) == 0 {
		return nil
	}
	if _, err := s.transport.Write(bts); err != nil {
		return fmt.Errorf("write %T: %w", ev, err)
	}
	return nil
}

func (s *session) write(ev wsproto.Event) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.writeLocked(ev)
}

type handshakeResult struct {
	accepted *Accepted
	err      error
}

func (s *session) settle(r handshakeResult) {
	if s.handshake.Set(r) && r.err != nil {
		s.log.WithError(r.err).Debug("handshake failed")
	}
}

// awaitHandshake suspends until the handshake is decided.
func (s *session) awaitHandshake(ctx context.Context) (*Accepted, error) {
	v, err := s.handshake.Wait(ctx)
	if err != nil {
		return nil, err
	}
	r := v.(handshakeResult)
	return r.accepted, r.err
}

func (s *session) send(ctx context.Context, ev wsproto.Event) error {
	if _, err := s.awaitHandshake(ctx); err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.State() != Open {
		return ErrClosed
	}
	return s.writeLocked(ev)
}

func (s *session) ping(ctx context.Context, payload []byte) error {
	if len(payload) > ws.MaxControlFramePayloadSize {
		return fmt.Errorf("%w: ping payload of %d bytes exceeds %d", ErrInvalidArgument, len(payload), ws.MaxControlFramePayloadSize)
	}
	return s.send(ctx, &wsproto.Ping{Payload: payload})
}

func validateClose(code ws.StatusCode, reason string) error {
	if err := ws.CheckCloseFrameData(code, reason); err != nil {
		return fmt.Errorf("%w: close code %d: %v", ErrInvalidArgument, code, err)
	}
	if len(reason) > ws.MaxControlFramePayloadSize-2 {
		return fmt.Errorf("%w: close reason of %d bytes is too long", ErrInvalidArgument, len(reason))
	}
	return nil
}

// close starts the close handshake. It is a no-op unless the session is open; the
// session reaches Closed once the peer answers or the transport ends.
func (s *session) close(ctx context.Context, code ws.StatusCode, reason string) error {
	if err := validateClose(code, reason); err != nil {
		return err
	}
	if _, err := s.awaitHandshake(ctx); err != nil {
		var rejected *Rejected
		if errors.As(err, &rejected) || errors.Is(err, ErrClosed) || errors.Is(err, ErrProtocol) {
			return nil // never opened, nothing to close
		}
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.State() != Open || s.codec.State() != wsproto.Open {
		return nil
	}
	if err := s.writeLocked(&wsproto.CloseConnection{Code: code, Reason: reason}); err != nil {
		return err
	}
	s.advance(Closing)
	if s.closeTimeout > 0 {
		s.closeTimer = time.AfterFunc(s.closeTimeout, func() {
			if s.State() != Closed {
				s.log.Warnf("no close acknowledgment within %v", s.closeTimeout)
				s.abort()
			}
		})
	}
	return nil
}

// abort tears the transport down; the read loop observes it and finishes the session.
func (s *session) abort() {
	_ = s.transport.Close()
}

// run is the I/O loop. Events of one read are handled in order and any bytes they
// trigger are written before the next event and the next read.
func (s *session) run() {
	defer s.release()

	buf := make([]byte, readBufferSize)
	for s.State() != Closed {
		n, err := s.transport.Read(buf)
		if n > 0 {
			s.mx.Lock()
			events := s.codec.ReceiveData(buf[:n])
			s.mx.Unlock()
			for _, ev := range events {
				if s.State() == Closed {
					break
				}
				s.handle(ev)
			}
		}
		if err != nil {
			if s.State() != Closed {
				s.log.WithError(err).Debug("transport ended")
			}
			s.lost()
			return
		}
	}
}

func (s *session) handle(ev wsproto.Event) {
	switch ev := ev.(type) {
	case *wsproto.Request:
		if s.State() != Connecting {
			s.log.Warn("handshake request on an established session")
			return
		}
		s.hooks.onRequest(ev)
	case *wsproto.AcceptConnection:
		if _, ok := s.advance(Open); !ok {
			s.log.Warn("handshake acceptance on an established session")
			return
		}
		a := &Accepted{
			ExtraHeaders: ev.ExtraHeaders,
			Subprotocol:  ev.Subprotocol,
			Extensions:   ev.Extensions,
		}
		s.settle(handshakeResult{accepted: a})
		s.hooks.onAccepted(a)
	case *wsproto.RejectConnection:
		r := &Rejected{StatusCode: ev.StatusCode, Headers: ev.Headers}
		if ev.HasBody {
			s.rejected = r
			return
		}
		s.fail(r)
	case *wsproto.RejectData:
		if s.rejected == nil {
			s.fail(fmt.Errorf("%w: rejection body without a rejection", ErrProtocol))
			return
		}
		s.rejected.Body = append(s.rejected.Body, ev.Data...)
		if ev.BodyFinished {
			s.fail(s.rejected)
		}
	case *wsproto.TextMessage:
		if s.State() == Open {
			s.hooks.onMessage(Message{Type: TextMessage, Data: []byte(ev.Data)})
		}
	case *wsproto.BytesMessage:
		if s.State() == Open {
			s.hooks.onMessage(Message{Type: BinaryMessage, Data: ev.Data})
		}
	case *wsproto.Ping:
		if s.State() != Open {
			return
		}
		if err := s.write(ev.Response()); err != nil {
			s.log.WithError(err).Warn("pong failed")
		}
	case *wsproto.Pong:
		if s.State() == Open {
			s.hooks.onPong(ev.Payload)
		}
	case *wsproto.CloseConnection:
		s.remoteClose(ev)
	default:
		s.log.Warnf("unknown event %T ignored", ev)
	}
}

// fail ends a session whose handshake did not succeed.
func (s *session) fail(err error) {
	s.advance(Closed)
	s.settle(handshakeResult{err: err})
}

func (s *session) remoteClose(ev *wsproto.CloseConnection) {
	s.mx.Lock()
	if s.codec.State() == wsproto.RemoteClosing {
		if err := s.writeLocked(ev.Response()); err != nil {
			s.log.WithError(err).Warn("close acknowledgment failed")
		}
	}
	from, _ := s.advance(Closed)
	s.mx.Unlock()

	if from == Connecting {
		s.settle(handshakeResult{err: fmt.Errorf("%w: closed during handshake: %d %s", ErrClosed, ev.Code, ev.Reason)})
	}
	s.disconnect(CloseInfo{Code: ev.Code, Reason: ev.Reason, Clean: true})
}

// lost handles the end of the byte stream. No close frame is sent, there is nothing to
// acknowledge.
func (s *session) lost() {
	from, ok := s.advance(Closed)
	if !ok {
		return
	}
	if from == Connecting {
		s.settle(handshakeResult{err: fmt.Errorf("%w: connection lost during handshake", ErrClosed)})
		return
	}
	s.disconnect(CloseInfo{Code: ws.StatusAbnormalClosure, Clean: false})
}

func (s *session) disconnect(info CloseInfo) {
	if s.disconnected {
		return
	}
	s.disconnected = true
	s.closeInfo = info
	s.log.Debugf("disconnected: %d %q clean=%v", info.Code, info.Reason, info.Clean)
	s.hooks.onDisconnect(info)
}

func (s *session) release() {
	s.releaseOnce.Do(func() {
		s.advance(Closed)
		s.settle(handshakeResult{err: ErrClosed})

		s.mx.Lock()
		if s.closeTimer != nil {
			s.closeTimer.Stop()
		}
		s.mx.Unlock()

		_ = s.transport.CloseWrite()
		_ = s.transport.Close()
		close(s.done)
	})
}

func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closed returns how the session ended, once it has.
func (s *session) closed() (CloseInfo, bool) {
	select {
	case <-s.done:
		return s.closeInfo, s.disconnected
	default:
		return CloseInfo{}, false
	}
}
