package xwebsocket

import (
	"errors"
	"testing"

	"gotest.tools/assert"
)

func TestParseURI(t *testing.T) {
	cases := []struct {
		uri  string
		addr string
		host string
		path string
	}{
		{uri: "ws://localhost", addr: "localhost:80", host: "localhost", path: "/"},
		{uri: "ws://localhost:8080/foo?x=1", addr: "localhost:8080", host: "localhost:8080", path: "/foo?x=1"},
		{uri: "ws://[::1]/chat", addr: "[::1]:80", host: "[::1]", path: "/chat"},
		{uri: "ws://[::1]:9000/", addr: "[::1]:9000", host: "[::1]:9000", path: "/"},
	}
	for _, c := range cases {
		t.Run(c.uri, func(t *testing.T) {
			u, err := parseURI(c.uri)
			assert.NilError(t, err)
			assert.Equal(t, u.addr(), c.addr)
			assert.Equal(t, u.hostHeader(), c.host)
			assert.Equal(t, u.path, c.path)
		})
	}

	_, err := parseURI("wss://localhost/")
	assert.Assert(t, errors.Is(err, ErrInvalidArgument))
}
