package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/e-zhydzetski/go-sockets/pkg/xhttp"
)

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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	handler := xhttp.H2C(xhttp.AllowAllCORS()(xhttp.HeaderEcho()))
	srv, err := xhttp.StartServer(ctx, g, net.JoinHostPort(host, port), handler)
	if err != nil {
		log.WithError(err).Fatal("can't start server")
	}
	log.Infof("serving h2c header echo on %s:%d", host, srv.Port())

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped")
	}
}
