package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/e-zhydzetski/go-sockets/pkg/xwebsocket"
)

var (
	payload = flag.String("ping", "hello", "ping payload")
	timeout = flag.Duration("timeout", 10*time.Second, "overall session timeout")
)

func main() {
	flag.Parse()
	uri := "ws://localhost:8080/foo"
	if flag.NArg() > 0 {
		uri = flag.Arg(0)
	}

	log := logrus.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	pong := make(chan struct{}, 1)
	observers := xwebsocket.NewObservers().
		OnConnect(func(c *xwebsocket.Client, a *xwebsocket.Accepted) {
			log.Infof("connection accepted: subprotocol=%q extensions=%v", a.Subprotocol, a.Extensions)
		}).
		OnDisconnect(func(c *xwebsocket.Client, info xwebsocket.CloseInfo) {
			log.Infof("connection closed: %d %q clean=%v", info.Code, info.Reason, info.Clean)
		}).
		OnPong(func(c *xwebsocket.Client, p []byte) {
			log.Infof("pong message: %q", p)
			select {
			case pong <- struct{}{}:
			default:
			}
		})

	c, err := xwebsocket.Dial(ctx, uri,
		xwebsocket.ClientObservers(observers),
		xwebsocket.ClientLogger(log),
		xwebsocket.ClientCloseTimeout(time.Second),
	)
	if err != nil {
		log.WithError(err).Fatal("dial failed")
	}

	if err := c.Ping(ctx, []byte(*payload)); err != nil {
		log.WithError(err).Error("ping failed")
		return
	}
	select {
	case <-pong:
	case <-c.Done():
	case <-ctx.Done():
		log.Warn("no pong received")
	}

	if err := c.Close(ctx); err != nil {
		log.WithError(err).Error("close failed")
	}
	if err := c.Wait(ctx); err != nil {
		log.WithError(err).Error("session did not end")
	}
}
