package xwebsocket

import (
	"fmt"

	"github.com/e-zhydzetski/go-sockets/pkg/wsproto"
)

// Accepted is the successful outcome of an opening handshake.
type Accepted struct {
	ExtraHeaders wsproto.Headers
	Subprotocol  string
	Extensions   []string
}

// Rejected is the outcome of a refused handshake. It is returned as an error to every
// caller waiting on the handshake; Body holds the whole response body, if any.
type Rejected struct {
	StatusCode int
	Headers    wsproto.Headers
	Body       []byte
}

func (r *Rejected) Error() string {
	if len(r.Body) == 0 {
		return fmt.Sprintf("handshake rejected with status %d", r.StatusCode)
	}
	return fmt.Sprintf("handshake rejected with status %d: %s", r.StatusCode, r.Body)
}
