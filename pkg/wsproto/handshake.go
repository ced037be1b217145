package wsproto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/gobwas/httphead"
)

const (
	acceptGUID      = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	maxHeadSize     = 8192
	maxChunkLineLen = 4096

	headerHost       = "Host"
	headerUpgrade    = "Upgrade"
	headerConnection = "Connection"
	headerKey        = "Sec-WebSocket-Key"
	headerVersion    = "Sec-WebSocket-Version"
	headerAccept     = "Sec-WebSocket-Accept"
	headerProtocol   = "Sec-WebSocket-Protocol"
	headerExtensions = "Sec-WebSocket-Extensions"
	headerLength     = "Content-Length"
	headerEncoding   = "Transfer-Encoding"
)

var (
	ErrHandshake  = errors.New("bad handshake")
	errBodyTooBig = errors.New("rejection body too big")
)

var crlf = []byte("\r\n")

// handshake headers are produced by the codec itself and never reported as extra headers
var reservedHeaders = []string{
	headerHost, headerUpgrade, headerConnection, headerKey, headerVersion,
	headerAccept, headerProtocol, headerExtensions,
}

func newNonce() (string, error) {
	var p [16]byte
	if _, err := rand.Read(p[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(p[:]), nil
}

func acceptKey(nonce string) string {
	sum := sha1.Sum([]byte(nonce + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// takeHead cuts a complete HTTP head (without the blank line) off the front of in.
func takeHead(in []byte) (lines [][]byte, rest []byte, ok bool, err error) {
	i := bytes.Index(in, []byte("\r\n\r\n"))
	if i < 0 {
		if len(in) > maxHeadSize {
			return nil, nil, false, fmt.Errorf("%w: head exceeds %d bytes", ErrHandshake, maxHeadSize)
		}
		return nil, nil, false, nil
	}
	if i > maxHeadSize {
		return nil, nil, false, fmt.Errorf("%w: head exceeds %d bytes", ErrHandshake, maxHeadSize)
	}
	return bytes.Split(in[:i], crlf), in[i+4:], true, nil
}

func parseHeaderLines(lines [][]byte) (Headers, error) {
	hs := make(Headers, 0, len(lines))
	for _, line := range lines {
		k, v, ok := httphead.ParseHeaderLine(line)
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrHandshake, line)
		}
		hs = append(hs, Header{Name: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
	}
	return hs, nil
}

// hasToken reports whether any of the comma separated lists under name holds token.
func hasToken(hs Headers, name, token string) bool {
	found := false
	for _, v := range hs.Values(name) {
		httphead.ScanTokens(v, func(t []byte) bool {
			found = strings.EqualFold(string(t), token)
			return !found
		})
		if found {
			return true
		}
	}
	return false
}

func tokenList(hs Headers, name string) ([]string, error) {
	var list []string
	for _, v := range hs.Values(name) {
		ok := httphead.ScanTokens(v, func(t []byte) bool {
			list = append(list, string(t))
			return true
		})
		if !ok {
			return nil, fmt.Errorf("%w: malformed %s %q", ErrHandshake, name, v)
		}
	}
	return list, nil
}

func extensionList(hs Headers) []string {
	var list []string
	for _, v := range hs.Values(headerExtensions) {
		for _, item := range strings.Split(string(v), ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

func extraHeaders(hs Headers) Headers {
	var extra Headers
next:
	for _, h := range hs {
		for _, name := range reservedHeaders {
			if strings.EqualFold(string(h.Name), name) {
				continue next
			}
		}
		extra = append(extra, h)
	}
	return extra
}

func writeHeader(buf *bytes.Buffer, name string, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.Write(crlf)
}

func writeHeaders(buf *bytes.Buffer, hs Headers) {
	for _, h := range hs {
		buf.Write(h.Name)
		buf.WriteString(": ")
		buf.Write(h.Value)
		buf.Write(crlf)
	}
}

func compileRequest(r *Request, nonce string) []byte {
	var buf bytes.Buffer
	buf.WriteString("GET ")
	buf.WriteString(r.Target)
	buf.WriteString(" HTTP/1.1\r\n")
	writeHeader(&buf, headerHost, r.Host)
	writeHeader(&buf, headerUpgrade, "websocket")
	writeHeader(&buf, headerConnection, "Upgrade")
	writeHeader(&buf, headerKey, nonce)
	writeHeader(&buf, headerVersion, "13")
	if len(r.Subprotocols) > 0 {
		writeHeader(&buf, headerProtocol, strings.Join(r.Subprotocols, ", "))
	}
	if len(r.Extensions) > 0 {
		writeHeader(&buf, headerExtensions, strings.Join(r.Extensions, ", "))
	}
	writeHeaders(&buf, r.ExtraHeaders)
	buf.Write(crlf)
	return buf.Bytes()
}

func compileAccept(a *AcceptConnection, nonce string) []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	writeHeader(&buf, headerUpgrade, "websocket")
	writeHeader(&buf, headerConnection, "Upgrade")
	writeHeader(&buf, headerAccept, acceptKey(nonce))
	if a.Subprotocol != "" {
		writeHeader(&buf, headerProtocol, a.Subprotocol)
	}
	if len(a.Extensions) > 0 {
		writeHeader(&buf, headerExtensions, strings.Join(a.Extensions, ", "))
	}
	writeHeaders(&buf, a.ExtraHeaders)
	buf.Write(crlf)
	return buf.Bytes()
}

func compileReject(r *RejectConnection) []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.StatusCode))
	buf.WriteByte(' ')
	buf.WriteString(http.StatusText(r.StatusCode))
	buf.Write(crlf)
	writeHeaders(&buf, r.Headers)
	if r.HasBody {
		writeHeader(&buf, headerEncoding, "chunked")
	} else {
		writeHeader(&buf, headerLength, "0")
	}
	writeHeader(&buf, headerConnection, "close")
	buf.Write(crlf)
	return buf.Bytes()
}

func compileChunk(d *RejectData) []byte {
	var buf bytes.Buffer
	w := httputil.NewChunkedWriter(&buf)
	_, _ = w.Write(d.Data) // writes to a bytes.Buffer don't fail, empty data writes nothing
	if d.BodyFinished {
		_ = w.Close()
		buf.Write(crlf) // empty trailer
	}
	return buf.Bytes()
}

// parseRequest validates a client opening handshake.
func parseRequest(lines [][]byte) (*Request, string, error) {
	rl, ok := httphead.ParseRequestLine(lines[0])
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed request line %q", ErrHandshake, lines[0])
	}
	if string(rl.Method) != http.MethodGet {
		return nil, "", fmt.Errorf("%w: method %s", ErrHandshake, rl.Method)
	}
	if rl.Version.Major != 1 || rl.Version.Minor < 1 {
		return nil, "", fmt.Errorf("%w: HTTP/%d.%d", ErrHandshake, rl.Version.Major, rl.Version.Minor)
	}
	hs, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, "", err
	}
	host, ok := hs.Get(headerHost)
	if !ok || len(host) == 0 {
		return nil, "", fmt.Errorf("%w: missing %s", ErrHandshake, headerHost)
	}
	if !hasToken(hs, headerUpgrade, "websocket") {
		return nil, "", fmt.Errorf("%w: missing %s: websocket", ErrHandshake, headerUpgrade)
	}
	if !hasToken(hs, headerConnection, "upgrade") {
		return nil, "", fmt.Errorf("%w: missing %s: upgrade", ErrHandshake, headerConnection)
	}
	if v, _ := hs.Get(headerVersion); string(v) != "13" {
		return nil, "", fmt.Errorf("%w: unsupported %s %q", ErrHandshake, headerVersion, v)
	}
	key, _ := hs.Get(headerKey)
	if raw, err := base64.StdEncoding.DecodeString(string(key)); err != nil || len(raw) != 16 {
		return nil, "", fmt.Errorf("%w: bad %s %q", ErrHandshake, headerKey, key)
	}
	protocols, err := tokenList(hs, headerProtocol)
	if err != nil {
		return nil, "", err
	}
	return &Request{
		Host:         string(host),
		Target:       string(rl.URI),
		ExtraHeaders: extraHeaders(hs),
		Extensions:   extensionList(hs),
		Subprotocols: protocols,
	}, string(key), nil
}

// parseResponse interprets the server answer to req. A nil body decoder means the
// rejection (if any) is already complete.
func parseResponse(lines [][]byte, req *Request, nonce string, maxBody int64) (Event, bodyDecoder, error) {
	sl, ok := httphead.ParseResponseLine(lines[0])
	if !ok {
		return nil, nil, fmt.Errorf("%w: malformed status line %q", ErrHandshake, lines[0])
	}
	hs, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, nil, err
	}
	if sl.Status != http.StatusSwitchingProtocols {
		return rejection(sl.Status, hs, maxBody)
	}

	if !hasToken(hs, headerUpgrade, "websocket") {
		return nil, nil, fmt.Errorf("%w: missing %s: websocket", ErrHandshake, headerUpgrade)
	}
	if !hasToken(hs, headerConnection, "upgrade") {
		return nil, nil, fmt.Errorf("%w: missing %s: upgrade", ErrHandshake, headerConnection)
	}
	if v, _ := hs.Get(headerAccept); string(v) != acceptKey(nonce) {
		return nil, nil, fmt.Errorf("%w: %s mismatch", ErrHandshake, headerAccept)
	}
	var protocol string
	if v, ok := hs.Get(headerProtocol); ok {
		protocol = string(v)
		if !contains(req.Subprotocols, protocol) {
			return nil, nil, fmt.Errorf("%w: unrequested sub-protocol %q", ErrHandshake, protocol)
		}
	}
	extensions := extensionList(hs)
	for _, ext := range extensions {
		if !offered(req.Extensions, ext) {
			return nil, nil, fmt.Errorf("%w: unrequested extension %q", ErrHandshake, ext)
		}
	}
	return &AcceptConnection{
		ExtraHeaders: extraHeaders(hs),
		Subprotocol:  protocol,
		Extensions:   extensions,
	}, nil, nil
}

func rejection(status int, hs Headers, maxBody int64) (Event, bodyDecoder, error) {
	ev := &RejectConnection{StatusCode: status, Headers: hs}
	if hasToken(hs, headerEncoding, "chunked") {
		ev.HasBody = true
		return ev, &chunkedBody{max: maxBody}, nil
	}
	if v, ok := hs.Get(headerLength); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("%w: bad %s %q", ErrHandshake, headerLength, v)
		}
		if n > maxBody {
			return nil, nil, fmt.Errorf("%w: %s %d exceeds %d", errBodyTooBig, headerLength, n, maxBody)
		}
		if n > 0 {
			ev.HasBody = true
			return ev, &lengthBody{left: n}, nil
		}
	}
	return ev, nil, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// offered compares extension names, ignoring parameters.
func offered(list []string, ext string) bool {
	name := func(s string) string {
		return strings.TrimSpace(strings.SplitN(s, ";", 2)[0])
	}
	for _, item := range list {
		if strings.EqualFold(name(item), name(ext)) {
			return true
		}
	}
	return false
}

// bodyDecoder extracts rejection body bytes from the inbound buffer.
type bodyDecoder interface {
	decode(in []byte) (data []byte, consumed int, done bool, err error)
}

type lengthBody struct {
	left int64
}

func (b *lengthBody) decode(in []byte) ([]byte, int, bool, error) {
	n := int64(len(in))
	if n > b.left {
		n = b.left
	}
	b.left -= n
	return in[:n], int(n), b.left == 0, nil
}

const (
	chunkSize = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

type chunkedBody struct {
	state int
	left  int64
	total int64
	max   int64
}

func (b *chunkedBody) decode(in []byte) ([]byte, int, bool, error) {
	var data []byte
	pos := 0
	for {
		switch b.state {
		case chunkSize:
			i := bytes.Index(in[pos:], crlf)
			if i < 0 {
				if len(in)-pos > maxChunkLineLen {
					return nil, 0, false, fmt.Errorf("%w: chunk size line too long", ErrHandshake)
				}
				return data, pos, false, nil
			}
			line := in[pos : pos+i]
			if j := bytes.IndexByte(line, ';'); j >= 0 {
				line = line[:j]
			}
			size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
			if err != nil || size < 0 {
				return nil, 0, false, fmt.Errorf("%w: bad chunk size %q", ErrHandshake, line)
			}
			if b.total += size; b.total > b.max {
				return nil, 0, false, fmt.Errorf("%w: chunked body exceeds %d", errBodyTooBig, b.max)
			}
			pos += i + 2
			if size == 0 {
				b.state = chunkTrailer
			} else {
				b.left, b.state = size, chunkData
			}
		case chunkData:
			n := int64(len(in) - pos)
			if n == 0 {
				return data, pos, false, nil
			}
			if n > b.left {
				n = b.left
			}
			data = append(data, in[pos:pos+int(n)]...)
			pos += int(n)
			if b.left -= n; b.left == 0 {
				b.state = chunkDataEnd
			}
		case chunkDataEnd:
			if len(in)-pos < 2 {
				return data, pos, false, nil
			}
			if !bytes.Equal(in[pos:pos+2], crlf) {
				return nil, 0, false, fmt.Errorf("%w: missing chunk terminator", ErrHandshake)
			}
			pos += 2
			b.state = chunkSize
		case chunkTrailer:
			i := bytes.Index(in[pos:], crlf)
			if i < 0 {
				return data, pos, false, nil
			}
			pos += i + 2
			if i == 0 {
				return data, pos, true, nil
			}
		}
	}
}
