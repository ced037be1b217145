package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/e-zhydzetski/go-sockets/pkg/ratelimit"
	"github.com/e-zhydzetski/go-sockets/pkg/wsproto"
	"github.com/e-zhydzetski/go-sockets/pkg/xwebsocket"
)

var (
	redisURL = flag.String("redis", "", "redis url for shared handshake admission, in-memory when empty")
	rate     = flag.Uint64("rate", 100, "handshakes admitted per remote host and window")
	window   = flag.Duration("window", time.Minute, "handshake admission window")
	debug    = flag.Bool("debug", false, "log every session event")
)

// echo sends every message back as it came.
type echo struct {
	log *logrus.Logger
}

func (e echo) HandleRequest(s *xwebsocket.ServerSession, req *wsproto.Request) {
	if len(req.Subprotocols) > 0 {
		_ = s.Reject(http.StatusBadRequest, "the server does not handle subprotocols")
		return
	}
	if err := s.Accept(nil, ""); err != nil {
		e.log.WithError(err).Warn("accept failed")
	}
}

func (e echo) ReceiveText(s *xwebsocket.ServerSession, text string) {
	if err := s.SendText(s.Context(), text); err != nil {
		e.log.WithError(err).Debug("echo failed")
	}
}

func (e echo) ReceiveBytes(s *xwebsocket.ServerSession, data []byte) {
	if err := s.SendBinary(s.Context(), data); err != nil {
		e.log.WithError(err).Debug("echo failed")
	}
}

func (e echo) OnDisconnect(s *xwebsocket.ServerSession, info xwebsocket.CloseInfo) {
	e.log.WithField("session", s.ID()).Infof("disconnected: %d %q clean=%v", info.Code, info.Reason, info.Clean)
}

func strategy(ctx context.Context, log *logrus.Logger) (ratelimit.Strategy, func(), error) {
	if *redisURL == "" {
		return ratelimit.NewMemoryStrategy(time.Now), func() {}, nil
	}
	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Infof("handshake admission shared through redis %s", opts.Addr)
	return ratelimit.NewRedisStrategy(client, time.Now), func() { _ = client.Close() }, nil
}

func main() {
	flag.Parse()
	host, port := "127.0.0.1", "8080"
	if flag.NArg() > 0 {
		host = flag.Arg(0)
	}
	if flag.NArg() > 1 {
		port = flag.Arg(1)
	}

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter, closeLimiter, err := strategy(ctx, log)
	if err != nil {
		log.WithError(err).Fatal("handshake admission setup failed")
	}
	defer closeLimiter()

	g, ctx := errgroup.WithContext(ctx)
	h := xwebsocket.RateLimit(echo{log: log}, limiter, *rate, *window)
	srv, err := xwebsocket.StartServer(ctx, g, net.JoinHostPort(host, port), h, xwebsocket.ServerLogger(log))
	if err != nil {
		log.WithError(err).Fatal("can't start server")
	}
	log.Infof("running host %s on port %d", host, srv.Port())

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped")
		return
	}
	log.Info("server stopped")
}
