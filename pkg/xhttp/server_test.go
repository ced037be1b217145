package xhttp_test

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
	"gotest.tools/assert"

	"github.com/e-zhydzetski/go-sockets/pkg/xhttp"
)

func decode(t *testing.T, body io.Reader) map[string]string {
	t.Helper()
	var headers map[string]string
	assert.NilError(t, json.NewDecoder(body).Decode(&headers))
	return headers
}

func TestHeaderEcho(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/anything?x=1", nil)
	req.Header.Set("X-Custom", "value")
	req.Header.Add("Accept", "text/plain")
	req.Header.Add("Accept", "application/json")
	rec := httptest.NewRecorder()

	xhttp.HeaderEcho().ServeHTTP(rec, req)

	res := rec.Result()
	assert.Equal(t, res.StatusCode, http.StatusOK)
	assert.Equal(t, res.Header.Get("Server"), "basic-h2-server/1.0")
	assert.Equal(t, res.Header.Get("Content-Type"), "application/json")
	assert.Equal(t, res.Header.Get("Content-Length"), fmt.Sprint(rec.Body.Len()))

	headers := decode(t, res.Body)
	assert.Equal(t, headers["x-custom"], "value")
	assert.Equal(t, headers["accept"], "text/plain, application/json")
	assert.Equal(t, headers[":method"], http.MethodGet)
	assert.Equal(t, headers[":path"], "/anything?x=1")
}

func TestAllowAllCORS(t *testing.T) {
	h := xhttp.AllowAllCORS()(xhttp.HeaderEcho())

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("Access-Control-Request-Headers", "x-custom")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, rec.Code, http.StatusOK)
		assert.Equal(t, rec.Header().Get("Access-Control-Allow-Origin"), "*")
		assert.Equal(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-custom")
		assert.Equal(t, rec.Body.Len(), 0)
	})

	t.Run("no origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, rec.Code, http.StatusOK)
		assert.Equal(t, rec.Header().Get("Access-Control-Allow-Origin"), "")
	})
}

func TestH2CServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	srv, err := xhttp.StartServer(ctx, g, "127.0.0.1:0", xhttp.H2C(xhttp.HeaderEcho()))
	assert.NilError(t, err)
	url := fmt.Sprintf("http://127.0.0.1:%d/h2", srv.Port())

	t.Run("prior knowledge", func(t *testing.T) {
		client := http.Client{Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
		}}
		res, err := client.Get(url)
		assert.NilError(t, err)
		defer res.Body.Close()
		assert.Equal(t, res.ProtoMajor, 2)
		assert.Equal(t, res.Header.Get("Server"), "basic-h2-server/1.0")
		headers := decode(t, res.Body)
		assert.Equal(t, headers[":path"], "/h2")
		assert.Equal(t, headers[":scheme"], "http")
	})

	t.Run("http/1.1 fallback", func(t *testing.T) {
		res, err := http.Get(url)
		assert.NilError(t, err)
		defer res.Body.Close()
		assert.Equal(t, res.ProtoMajor, 1)
		headers := decode(t, res.Body)
		assert.Equal(t, headers[":method"], http.MethodGet)
	})

	cancel()
	assert.NilError(t, g.Wait())
}
