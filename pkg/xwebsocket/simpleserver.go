package xwebsocket

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type ServerOption func(cfg *sessionConfig)

func ServerLogger(l *logrus.Logger) ServerOption {
	return func(cfg *sessionConfig) {
		cfg.log = l
	}
}

func ServerWriteTimeout(d time.Duration) ServerOption {
	return func(cfg *sessionConfig) {
		cfg.writeTimeout = d
	}
}

// ServerCloseTimeout bounds the wait for a client's close acknowledgment; zero waits forever.
func ServerCloseTimeout(d time.Duration) ServerOption {
	return func(cfg *sessionConfig) {
		cfg.closeTimeout = d
	}
}

func ServerMaxMessageSize(n int64) ServerOption {
	return func(cfg *sessionConfig) {
		cfg.maxMessage = n
	}
}

type Server struct {
	addr *net.TCPAddr

	mx       sync.Mutex
	sessions map[string]*ServerSession
}

func (s *Server) Port() int {
	return s.addr.Port
}

func (s *Server) Addr() *net.TCPAddr {
	return s.addr
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.sessions)
}

// StartServer listens on addr and runs one session per accepted connection, each with its
// own read loop goroutine. The accept loop runs in g until ctx is done; then every live
// session is aborted.
func StartServer(ctx context.Context, g *errgroup.Group, addr string, h Handler, opts ...ServerOption) (*Server, error) {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.log.WithField("scope", "xwebsocket.server")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		addr:     ln.Addr().(*net.TCPAddr),
		sessions: map[string]*ServerSession{},
	}
	log.Infof("listening on %v", srv.addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	g.Go(func() error {
		// opened sessions monitoring to cleanup after ctx.Done
		defer func() { // will be executed synchronously after accept loop, so no new sessions will be added in parallel or later
			srv.mx.Lock()
			for _, sess := range srv.sessions {
				sess.s.abort()
			}
			srv.sessions = nil // safe, as no inserts will be later, and delete from nil map is ok
			srv.mx.Unlock()
		}()

		for {
			conn, err := ln.Accept()
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			sess := newServerSession(ctx, conn, h, cfg)
			sess.s.log.Debugf("accepted connection from %v", conn.RemoteAddr())
			srv.mx.Lock()
			srv.sessions[sess.ID()] = sess
			srv.mx.Unlock()

			go func() {
				sess.s.run()
				srv.mx.Lock()
				delete(srv.sessions, sess.ID()) // session closed
				srv.mx.Unlock()
			}()
		}
	})

	return srv, nil
}
