package xhttp

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	addr *net.TCPAddr
}

func (s Server) Port() int {
	return s.addr.Port
}

// H2C serves handler over cleartext HTTP/2 (prior knowledge or h2c upgrade),
// falling back to HTTP/1.1 for other clients.
func H2C(handler http.Handler) http.Handler {
	return h2c.NewHandler(handler, &http2.Server{})
}

func StartServer(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { // modified part of server.ListenAndServer
		if err := server.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return &Server{
		addr: ln.Addr().(*net.TCPAddr),
	}, nil
}
