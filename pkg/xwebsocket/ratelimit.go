package xwebsocket

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/e-zhydzetski/go-sockets/pkg/ratelimit"
	"github.com/e-zhydzetski/go-sockets/pkg/wsproto"
)

// RateLimit admits at most limit handshakes per remote host within window. Requests over
// the limit are rejected with 429 and a reason body, strategy errors with 503.
func RateLimit(next Handler, strategy ratelimit.Strategy, limit uint64, window time.Duration) Handler {
	return &rateLimited{
		Handler:  next,
		strategy: strategy,
		limit:    limit,
		window:   window,
	}
}

type rateLimited struct {
	Handler
	strategy ratelimit.Strategy
	limit    uint64
	window   time.Duration
}

func (h *rateLimited) HandleRequest(s *ServerSession, req *wsproto.Request) {
	res, err := h.strategy.Run(s.Context(), &ratelimit.Request{
		Key:      "handshake:" + remoteHost(s.RemoteAddr()),
		Limit:    h.limit,
		Duration: h.window,
	})
	if err != nil {
		s.s.log.WithError(err).Error("handshake admission failed")
		_ = s.Reject(http.StatusServiceUnavailable, "")
		return
	}
	if res.State == ratelimit.Deny {
		s.s.log.Infof("handshake denied, %d requests in window", res.TotalRequests)
		_ = s.Reject(http.StatusTooManyRequests, fmt.Sprintf("more than %d handshakes per %v", h.limit, h.window))
		return
	}
	h.Handler.HandleRequest(s, req)
}

func (h *rateLimited) OnDisconnect(s *ServerSession, info CloseInfo) {
	if dh, ok := h.Handler.(DisconnectHandler); ok {
		dh.OnDisconnect(s, info)
	}
}

func (h *rateLimited) OnPong(s *ServerSession, payload []byte) {
	if ph, ok := h.Handler.(PongHandler); ok {
		ph.OnPong(s, payload)
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
