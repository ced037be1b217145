package wsproto

import (
	"errors"
	"testing"

	"github.com/gobwas/ws"
	"gotest.tools/assert"
)

func mustSend(t *testing.T, c *Connection, e Event) []byte {
	t.Helper()
	bts, err := c.Send(e)
	assert.NilError(t, err)
	return bts
}

func handshake(t *testing.T) (client, server *Connection) {
	t.Helper()
	client = NewConnection(Client)
	server = NewConnection(Server)
	events := server.ReceiveData(mustSend(t, client, &Request{Host: "localhost", Target: "/chat"}))
	assert.Equal(t, len(events), 1)
	events = client.ReceiveData(mustSend(t, server, &AcceptConnection{}))
	assert.Equal(t, len(events), 1)
	assert.Equal(t, client.State(), Open)
	assert.Equal(t, server.State(), Open)
	return client, server
}

func maskedFrame(t *testing.T, op ws.OpCode, fin bool, p string) []byte {
	t.Helper()
	bts, err := ws.CompileFrame(ws.MaskFrame(ws.NewFrame(op, fin, []byte(p))))
	assert.NilError(t, err)
	return bts
}

func TestHandshakeAccept(t *testing.T) {
	client := NewConnection(Client)
	server := NewConnection(Server)

	req := mustSend(t, client, &Request{
		Host:         "example.com",
		Target:       "/foo",
		ExtraHeaders: Headers{{Name: []byte("X-Token"), Value: []byte("abc")}},
		Subprotocols: []string{"chat", "superchat"},
	})
	events := server.ReceiveData(req)
	assert.Equal(t, len(events), 1)
	got, ok := events[0].(*Request)
	assert.Assert(t, ok, "unexpected event %T", events[0])
	assert.Equal(t, got.Host, "example.com")
	assert.Equal(t, got.Target, "/foo")
	assert.DeepEqual(t, got.Subprotocols, []string{"chat", "superchat"})
	assert.DeepEqual(t, got.ExtraHeaders, Headers{{Name: []byte("X-Token"), Value: []byte("abc")}})

	resp := mustSend(t, server, &AcceptConnection{
		Subprotocol:  "chat",
		ExtraHeaders: Headers{{Name: []byte("X-Server"), Value: []byte("1")}},
	})
	events = client.ReceiveData(resp)
	assert.Equal(t, len(events), 1)
	accepted, ok := events[0].(*AcceptConnection)
	assert.Assert(t, ok, "unexpected event %T", events[0])
	assert.Equal(t, accepted.Subprotocol, "chat")
	assert.DeepEqual(t, accepted.ExtraHeaders, Headers{{Name: []byte("X-Server"), Value: []byte("1")}})
	assert.Equal(t, client.State(), Open)
}

func TestHandshakeSplitAcrossReads(t *testing.T) {
	client := NewConnection(Client)
	server := NewConnection(Server)
	req := mustSend(t, client, &Request{Host: "localhost", Target: "/"})
	for i := 0; i < len(req)-1; i++ {
		assert.Equal(t, len(server.ReceiveData(req[i:i+1])), 0)
	}
	assert.Equal(t, len(server.ReceiveData(req[len(req)-1:])), 1)
}

func TestAcceptFollowedByFramesInSameRead(t *testing.T) {
	client := NewConnection(Client)
	server := NewConnection(Server)
	server.ReceiveData(mustSend(t, client, &Request{Host: "localhost", Target: "/"}))

	data := mustSend(t, server, &AcceptConnection{})
	data = append(data, mustSend(t, server, &Ping{Payload: []byte("p")})...)
	data = append(data, mustSend(t, server, &TextMessage{Data: "hi"})...)

	events := client.ReceiveData(data)
	assert.Equal(t, len(events), 3)
	assert.DeepEqual(t, events[1], &Ping{Payload: []byte("p")})
	assert.DeepEqual(t, events[2], &TextMessage{Data: "hi"})
}

func TestRejectWithChunkedBody(t *testing.T) {
	client := NewConnection(Client)
	server := NewConnection(Server)
	server.ReceiveData(mustSend(t, client, &Request{Host: "localhost", Target: "/"}))

	head := mustSend(t, server, &RejectConnection{
		StatusCode: 403,
		Headers:    Headers{{Name: []byte("Content-type"), Value: []byte("text/plain")}},
		HasBody:    true,
	})
	assert.Equal(t, server.State(), Rejecting)

	events := client.ReceiveData(head)
	assert.Equal(t, len(events), 1)
	rejected, ok := events[0].(*RejectConnection)
	assert.Assert(t, ok, "unexpected event %T", events[0])
	assert.Equal(t, rejected.StatusCode, 403)
	assert.Assert(t, rejected.HasBody)

	var body []byte
	for i, part := range []string{"ab", "cd", "ef"} {
		chunk := mustSend(t, server, &RejectData{Data: []byte(part), BodyFinished: i == 2})
		for _, ev := range client.ReceiveData(chunk) {
			d := ev.(*RejectData)
			body = append(body, d.Data...)
			assert.Equal(t, d.BodyFinished, i == 2)
		}
	}
	assert.Equal(t, string(body), "abcdef")
	assert.Equal(t, client.State(), Closed)
	assert.Equal(t, server.State(), Closed)
}

func TestRejectWithContentLength(t *testing.T) {
	client := NewConnection(Client)
	mustSend(t, client, &Request{Host: "localhost", Target: "/"})

	events := client.ReceiveData([]byte("HTTP/1.1 429 Too Many Requests\r\nContent-Length: 6\r\n\r\nabc"))
	assert.Equal(t, len(events), 2)
	assert.Assert(t, events[0].(*RejectConnection).HasBody)
	assert.DeepEqual(t, events[1], &RejectData{Data: []byte("abc")})

	events = client.ReceiveData([]byte("def"))
	assert.DeepEqual(t, events, []Event{&RejectData{Data: []byte("def"), BodyFinished: true}})
	assert.Equal(t, client.State(), Closed)
}

func TestRejectBodyOverLimit(t *testing.T) {
	t.Run("ContentLength", func(t *testing.T) {
		client := NewConnection(Client, WithMaxMessageSize(1024))
		mustSend(t, client, &Request{Host: "localhost", Target: "/"})

		events := client.ReceiveData([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 100000000\r\n\r\nxx"))
		assert.Equal(t, len(events), 1)
		assert.Equal(t, events[0].(*CloseConnection).Code, ws.StatusMessageTooBig)
		assert.Equal(t, client.State(), Closed)
		assert.Equal(t, len(client.ReceiveData(make([]byte, 65535))), 0)
	})

	t.Run("Chunked", func(t *testing.T) {
		client := NewConnection(Client, WithMaxMessageSize(1024))
		mustSend(t, client, &Request{Host: "localhost", Target: "/"})

		events := client.ReceiveData([]byte("HTTP/1.1 403 Forbidden\r\nTransfer-Encoding: chunked\r\n\r\n"))
		assert.Equal(t, len(events), 1)
		assert.Assert(t, events[0].(*RejectConnection).HasBody)

		chunk := append([]byte("400\r\n"), make([]byte, 1024)...)
		chunk = append(chunk, "\r\n"...)
		events = client.ReceiveData(chunk)
		assert.Equal(t, len(events), 1)
		assert.Equal(t, len(events[0].(*RejectData).Data), 1024)

		events = client.ReceiveData([]byte("1\r\nx\r\n"))
		assert.Equal(t, len(events), 1)
		assert.Equal(t, events[0].(*CloseConnection).Code, ws.StatusMessageTooBig)
		assert.Equal(t, client.State(), Closed)
	})
}

func TestRejectWithoutBody(t *testing.T) {
	client := NewConnection(Client)
	server := NewConnection(Server)
	server.ReceiveData(mustSend(t, client, &Request{Host: "localhost", Target: "/"}))

	events := client.ReceiveData(mustSend(t, server, &RejectConnection{StatusCode: 400}))
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].(*RejectConnection).HasBody, false)
	assert.Equal(t, client.State(), Closed)
	assert.Equal(t, server.State(), Closed)
}

func TestMessagesAndPing(t *testing.T) {
	client, server := handshake(t)

	events := server.ReceiveData(append(
		mustSend(t, client, &TextMessage{Data: "hello"}),
		mustSend(t, client, &BytesMessage{Data: []byte{1, 2, 3}})...,
	))
	assert.DeepEqual(t, events, []Event{
		&TextMessage{Data: "hello"},
		&BytesMessage{Data: []byte{1, 2, 3}},
	})

	events = client.ReceiveData(mustSend(t, server, &Ping{Payload: []byte("x")}))
	assert.DeepEqual(t, events, []Event{&Ping{Payload: []byte("x")}})
	pong := events[0].(*Ping).Response()
	events = server.ReceiveData(mustSend(t, client, pong))
	assert.DeepEqual(t, events, []Event{&Pong{Payload: []byte("x")}})
}

func TestFragmentedMessageIsReassembled(t *testing.T) {
	_, server := handshake(t)

	var data []byte
	data = append(data, maskedFrame(t, ws.OpText, false, "hel")...)
	data = append(data, maskedFrame(t, ws.OpPing, true, "mid")...)
	data = append(data, maskedFrame(t, ws.OpContinuation, false, "lo ")...)
	data = append(data, maskedFrame(t, ws.OpContinuation, true, "world")...)

	events := server.ReceiveData(data)
	assert.DeepEqual(t, events, []Event{
		&Ping{Payload: []byte("mid")},
		&TextMessage{Data: "hello world"},
	})
}

func TestCloseHandshake(t *testing.T) {
	client, server := handshake(t)

	data := mustSend(t, client, &CloseConnection{Code: ws.StatusNormalClosure, Reason: "bye"})
	assert.Equal(t, client.State(), LocalClosing)

	events := server.ReceiveData(data)
	assert.DeepEqual(t, events, []Event{&CloseConnection{Code: ws.StatusNormalClosure, Reason: "bye"}})
	assert.Equal(t, server.State(), RemoteClosing)

	_, err := server.Send(&TextMessage{Data: "late"})
	assert.Assert(t, errors.Is(err, ErrInvalidState))

	pong := mustSend(t, server, &Pong{Payload: []byte("p")})
	assert.Equal(t, server.State(), RemoteClosing)
	assert.DeepEqual(t, client.ReceiveData(pong), []Event{&Pong{Payload: []byte("p")}})

	ack := mustSend(t, server, events[0].(*CloseConnection).Response())
	assert.Equal(t, server.State(), Closed)

	events = client.ReceiveData(ack)
	assert.DeepEqual(t, events, []Event{&CloseConnection{Code: ws.StatusNormalClosure, Reason: "bye"}})
	assert.Equal(t, client.State(), Closed)
}

func TestEmptyCloseReportsNoStatus(t *testing.T) {
	_, server := handshake(t)
	events := server.ReceiveData(maskedFrame(t, ws.OpClose, true, ""))
	assert.DeepEqual(t, events, []Event{&CloseConnection{Code: ws.StatusNoStatusRcvd}})

	ack, err := server.Send(events[0].(*CloseConnection).Response())
	assert.NilError(t, err)
	assert.Equal(t, len(ack), 2) // header only
}

func TestProtocolViolations(t *testing.T) {
	t.Run("UnmaskedFrameToServer", func(t *testing.T) {
		_, server := handshake(t)
		frame, err := ws.CompileFrame(ws.NewTextFrame([]byte("x")))
		assert.NilError(t, err)
		events := server.ReceiveData(frame)
		assert.Equal(t, len(events), 1)
		assert.Equal(t, events[0].(*CloseConnection).Code, ws.StatusProtocolError)
		assert.Equal(t, server.State(), RemoteClosing)
	})
	t.Run("InvalidUTF8", func(t *testing.T) {
		_, server := handshake(t)
		events := server.ReceiveData(maskedFrame(t, ws.OpText, true, "\xff\xfe"))
		assert.Equal(t, events[0].(*CloseConnection).Code, ws.StatusInvalidFramePayloadData)
	})
	t.Run("UnexpectedContinuation", func(t *testing.T) {
		_, server := handshake(t)
		events := server.ReceiveData(maskedFrame(t, ws.OpContinuation, true, "x"))
		assert.Equal(t, events[0].(*CloseConnection).Code, ws.StatusProtocolError)
	})
	t.Run("MessageTooBig", func(t *testing.T) {
		client := NewConnection(Client)
		server := NewConnection(Server, WithMaxMessageSize(4))
		server.ReceiveData(mustSend(t, client, &Request{Host: "localhost", Target: "/"}))
		client.ReceiveData(mustSend(t, server, &AcceptConnection{}))
		events := server.ReceiveData(mustSend(t, client, &BytesMessage{Data: []byte("12345")}))
		assert.Equal(t, events[0].(*CloseConnection).Code, ws.StatusMessageTooBig)
	})
	t.Run("BadAcceptKey", func(t *testing.T) {
		client := NewConnection(Client)
		mustSend(t, client, &Request{Host: "localhost", Target: "/"})
		events := client.ReceiveData([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: nope\r\n\r\n"))
		assert.Equal(t, events[0].(*CloseConnection).Code, ws.StatusProtocolError)
		assert.Equal(t, client.State(), Closed)
	})
	t.Run("NotAnUpgrade", func(t *testing.T) {
		server := NewConnection(Server)
		events := server.ReceiveData([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
		assert.Equal(t, events[0].(*CloseConnection).Code, ws.StatusProtocolError)
		assert.Equal(t, server.State(), Closed)
	})
}

func TestSameBytesSameEvents(t *testing.T) {
	client := NewConnection(Client)
	var stream []byte
	stream = append(stream, mustSend(t, client, &Request{Host: "localhost", Target: "/"})...)

	first := NewConnection(Server)
	second := NewConnection(Server)
	first.ReceiveData(stream)
	second.ReceiveData(stream)
	client.ReceiveData(mustSend(t, first, &AcceptConnection{}))
	mustSend(t, second, &AcceptConnection{})

	var frames []byte
	frames = append(frames, mustSend(t, client, &TextMessage{Data: "a"})...)
	frames = append(frames, mustSend(t, client, &Ping{Payload: []byte("b")})...)
	frames = append(frames, mustSend(t, client, &BytesMessage{Data: []byte("c")})...)
	frames = append(frames, mustSend(t, client, &CloseConnection{Code: ws.StatusNormalClosure})...)

	assert.DeepEqual(t, first.ReceiveData(frames), second.ReceiveData(frames))
}

func TestSendValidation(t *testing.T) {
	client := NewConnection(Client)
	_, err := client.Send(&TextMessage{Data: "early"})
	assert.Assert(t, errors.Is(err, ErrInvalidState))

	_, err = client.Send(&Request{Host: "h", Target: "/", ExtraHeaders: Headers{{Name: []byte("Bad Name"), Value: []byte("v")}}})
	assert.Assert(t, errors.Is(err, ErrInvalidHeader))

	_, err = client.Send(&Request{Host: "h", Target: "/", Subprotocols: []string{"a b"}})
	assert.Assert(t, errors.Is(err, ErrInvalidHeader))

	_, err = client.Send(&AcceptConnection{})
	assert.Assert(t, errors.Is(err, ErrInvalidState))

	client, server := handshake(t)
	_, err = server.Send(&AcceptConnection{})
	assert.Assert(t, errors.Is(err, ErrInvalidState))
	_, err = client.Send(&Ping{Payload: make([]byte, 126)})
	assert.ErrorContains(t, err, "exceeds")
}

func TestAcceptUnrequestedSubprotocol(t *testing.T) {
	client := NewConnection(Client)
	server := NewConnection(Server)
	server.ReceiveData(mustSend(t, client, &Request{Host: "localhost", Target: "/", Subprotocols: []string{"chat"}}))
	_, err := server.Send(&AcceptConnection{Subprotocol: "mqtt"})
	assert.Assert(t, errors.Is(err, ErrHandshake))
	assert.Equal(t, server.State(), Connecting)
}

func BenchmarkReceiveData(b *testing.B) {
	client := NewConnection(Client)
	server := NewConnection(Server)
	req, _ := client.Send(&Request{Host: "localhost", Target: "/"})
	server.ReceiveData(req)
	resp, _ := server.Send(&AcceptConnection{})
	client.ReceiveData(resp)

	test := func(size int) func(b *testing.B) {
		return func(b *testing.B) {
			frame, _ := client.Send(&BytesMessage{Data: make([]byte, size)})
			b.SetBytes(int64(len(frame)))
			for i := 0; i < b.N; i++ {
				server.ReceiveData(frame)
			}
		}
	}

	b.Run("Small", test(16))
	b.Run("Large", test(64<<10))
}
