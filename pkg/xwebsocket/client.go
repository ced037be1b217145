package xwebsocket

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/sirupsen/logrus"

	"github.com/e-zhydzetski/go-sockets/pkg/wsproto"
)

const (
	defaultPort = 80
	defaultPath = "/"

	closeCode   = ws.StatusNormalClosure
	closeReason = "nothing more to do"
)

type clientConfig struct {
	sessionConfig
	dialer       *net.Dialer
	headers      wsproto.Headers
	extensions   []string
	subprotocols []string
	observers    *Observers
}

type ClientOption func(cfg *clientConfig)

// ClientHeaders adds raw header lines to the handshake request.
func ClientHeaders(h wsproto.Headers) ClientOption {
	return func(cfg *clientConfig) {
		cfg.headers = append(cfg.headers, h...)
	}
}

func ClientExtensions(ext ...string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.extensions = append(cfg.extensions, ext...)
	}
}

func ClientSubprotocols(protocols ...string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.subprotocols = append(cfg.subprotocols, protocols...)
	}
}

// ClientObservers installs callbacks before the session starts, so that none of the
// early events (connect in particular) can be missed.
func ClientObservers(o *Observers) ClientOption {
	return func(cfg *clientConfig) {
		cfg.observers = o
	}
}

func ClientLogger(l *logrus.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.log = l
	}
}

func ClientWriteTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.writeTimeout = d
	}
}

// ClientCloseTimeout bounds the wait for the peer's close acknowledgment; zero waits forever.
func ClientCloseTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.closeTimeout = d
	}
}

func ClientMaxMessageSize(n int64) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxMessage = n
	}
}

func ClientDialer(d *net.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = d
	}
}

// Client is the connecting side of a WebSocket session.
type Client struct {
	s         *session
	observers *Observers
}

// Dial validates the arguments, connects to a ws://host[:port][/path] uri and sends the
// opening handshake. It returns without waiting for the answer, see Handshake.
func Dial(ctx context.Context, uri string, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		sessionConfig: defaultSessionConfig(),
		dialer:        &net.Dialer{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.observers == nil {
		cfg.observers = NewObservers()
	}
	if err := cfg.headers.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := wsproto.ValidateExtensions(cfg.extensions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := wsproto.ValidateTokens("subprotocols", cfg.subprotocols); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	target, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.dialer.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return nil, err
	}

	c := &Client{observers: cfg.observers}
	c.s = newSession(
		connWithTimeout{
			Conn: conn,
			wt:   cfg.writeTimeout,
			rt:   0, // the read loop waits for the peer as long as it takes
		},
		wsproto.NewConnection(wsproto.Client, wsproto.WithMaxMessageSize(cfg.maxMessage)),
		wsproto.Client,
		c,
		cfg.sessionConfig,
	)
	err = c.s.write(&wsproto.Request{
		Host:         target.hostHeader(),
		Target:       target.path,
		ExtraHeaders: cfg.headers,
		Extensions:   cfg.extensions,
		Subprotocols: cfg.subprotocols,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.s.run()
	return c, nil
}

func (c *Client) ID() string {
	return c.s.id
}

func (c *Client) State() State {
	return c.s.State()
}

func (c *Client) OnConnect(f ConnectFunc) {
	c.observers.OnConnect(f)
}

func (c *Client) OnDisconnect(f DisconnectFunc) {
	c.observers.OnDisconnect(f)
}

func (c *Client) OnPong(f PongFunc) {
	c.observers.OnPong(f)
}

func (c *Client) OnMessage(f MessageFunc) {
	c.observers.OnMessage(f)
}

// Handshake waits for the handshake outcome. A refusal is returned as *Rejected.
func (c *Client) Handshake(ctx context.Context) (*Accepted, error) {
	return c.s.awaitHandshake(ctx)
}

// Ping waits for the handshake, then sends a ping.
func (c *Client) Ping(ctx context.Context, payload []byte) error {
	return c.s.ping(ctx, payload)
}

func (c *Client) SendText(ctx context.Context, text string) error {
	return c.s.send(ctx, &wsproto.TextMessage{Data: text})
}

func (c *Client) SendBinary(ctx context.Context, data []byte) error {
	return c.s.send(ctx, &wsproto.BytesMessage{Data: data})
}

// Close starts a normal close once the handshake is done.
func (c *Client) Close(ctx context.Context) error {
	return c.s.close(ctx, closeCode, closeReason)
}

func (c *Client) CloseWith(ctx context.Context, code ws.StatusCode, reason string) error {
	return c.s.close(ctx, code, reason)
}

// Done is closed when the session is over and the connection released.
func (c *Client) Done() <-chan struct{} {
	return c.s.done
}

func (c *Client) Wait(ctx context.Context) error {
	return c.s.wait(ctx)
}

// CloseInfo reports how an established session ended.
func (c *Client) CloseInfo() (CloseInfo, bool) {
	return c.s.closed()
}

func (c *Client) onRequest(*wsproto.Request) {
	c.s.log.Warn("handshake request received by a client")
}

func (c *Client) onAccepted(a *Accepted) {
	c.observers.dispatchConnect(c, a)
}

func (c *Client) onMessage(m Message) {
	c.observers.dispatchMessage(c, m)
}

func (c *Client) onPong(payload []byte) {
	c.observers.dispatchPong(c, payload)
}

func (c *Client) onDisconnect(info CloseInfo) {
	c.observers.dispatchDisconnect(c, info)
}

type wsURI struct {
	host string
	port int
	path string
}

func (u wsURI) addr() string {
	return net.JoinHostPort(u.host, strconv.Itoa(u.port))
}

func (u wsURI) hostHeader() string {
	if u.port == defaultPort {
		if strings.Contains(u.host, ":") { // ipv6 literal
			return "[" + u.host + "]"
		}
		return u.host
	}
	return u.addr()
}

func parseURI(uri string) (wsURI, error) {
	bad := func(reason string) (wsURI, error) {
		return wsURI{}, fmt.Errorf("%w: uri %q must follow the syntax ws://<host>[:port][/path]: %s", ErrInvalidArgument, uri, reason)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return bad(err.Error())
	}
	if u.Scheme != "ws" {
		return bad("scheme is not ws")
	}
	if u.User != nil || u.Fragment != "" {
		return bad("user info and fragments are not allowed")
	}
	res := wsURI{
		host: u.Hostname(),
		port: defaultPort,
		path: u.EscapedPath(),
	}
	if res.host == "" {
		return bad("missing host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return bad("bad port")
		}
		res.port = port
	}
	if res.path == "" {
		res.path = defaultPath
	}
	if u.RawQuery != "" {
		res.path += "?" + u.RawQuery
	}
	return res, nil
}
