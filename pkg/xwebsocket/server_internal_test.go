package xwebsocket

import (
	"context"
	"net"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/e-zhydzetski/go-sockets/pkg/wsproto"
)

type extensionHandler struct {
	extensions []string
}

func (h extensionHandler) HandleRequest(s *ServerSession, _ *wsproto.Request) {
	_ = s.Accept(nil, "", h.extensions...)
}

func (extensionHandler) ReceiveText(*ServerSession, string)  {}
func (extensionHandler) ReceiveBytes(*ServerSession, []byte) {}

func TestServerAcceptReportsExtensions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cli, srv := net.Pipe()
	defer cli.Close()
	ss := newServerSession(ctx, srv, extensionHandler{extensions: []string{"x-test"}}, defaultSessionConfig())
	go ss.s.run()

	codec := wsproto.NewConnection(wsproto.Client)
	req, err := codec.Send(&wsproto.Request{Host: "localhost", Target: "/", Extensions: []string{"x-test; level=1"}})
	assert.NilError(t, err)
	_, err = cli.Write(req)
	assert.NilError(t, err)

	buf := make([]byte, 4096)
	n, err := cli.Read(buf)
	assert.NilError(t, err)
	events := codec.ReceiveData(buf[:n])
	assert.Equal(t, len(events), 1)
	assert.DeepEqual(t, events[0].(*wsproto.AcceptConnection).Extensions, []string{"x-test"})

	a, err := ss.s.awaitHandshake(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, a.Extensions, []string{"x-test"})
	assert.Equal(t, ss.State(), Open)
}
