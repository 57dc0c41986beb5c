// File: protocol/message.go
// Package protocol
// Author: momentics <momentics@gmail.com>
//
// HTTP/1.1 message framing for the reactor. A Message accumulates bytes until
// one request or response is complete, using Content-Length or chunked
// transfer coding to find the end. Semantic parsing is left to net/http.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/momentics/hioload-rpc/api"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"
)

// Framing errors.
var (
	ErrHeaderTooLarge = errors.New("http: header too large")
	ErrBodyTooLarge   = errors.New("http: body too large")
	ErrMalformed      = errors.New("http: malformed message")
)

// Limits bound what a Message accepts.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// DefaultLimits returns 16 KiB of header and 8 MiB of body.
func DefaultLimits() Limits {
	return Limits{MaxHeaderBytes: 16 << 10, MaxBodyBytes: 8 << 20}
}

type bodyMode uint8

const (
	bodyUnknown bodyMode = iota
	bodyNone
	bodyLength
	bodyChunked
)

var crlf = []byte("\r\n")

// Message is an api.MessageBuffer for one HTTP/1.1 message.
type Message struct {
	buf      *bytebufferpool.ByteBuffer
	limits   Limits
	response bool
	noBody   bool // response to HEAD

	scanFrom  int
	headerEnd int
	mode      bodyMode
	length    int64
	chunkPos  int
	chunkData int64
	end       int
	complete  bool

	method     string
	target     string
	status     int
	proto      string
	keepAlive  bool
	headerSize int
}

var _ api.MessageBuffer = (*Message)(nil)

// NewRequestMessage returns a buffer framing one request.
func NewRequestMessage(limits Limits) *Message {
	return &Message{buf: bytebufferpool.Get(), limits: limits, headerEnd: -1}
}

// NewResponseMessage returns a buffer framing one response to a request with
// the given method.
func NewResponseMessage(limits Limits, method string) *Message {
	return &Message{
		buf:       bytebufferpool.Get(),
		limits:    limits,
		response:  true,
		noBody:    method == "HEAD",
		headerEnd: -1,
	}
}

// Write implements api.MessageBuffer.
func (m *Message) Write(p []byte) (int, error) {
	if m.complete {
		return len(p), nil
	}
	if m.buf == nil {
		return 0, api.ErrConnClosed
	}
	m.buf.Write(p)
	if err := m.advance(); err != nil {
		return 0, err
	}
	if !m.complete {
		return 0, nil
	}
	excess := m.buf.Len() - m.end
	m.buf.B = m.buf.B[:m.end]
	return excess, nil
}

// Complete implements api.MessageBuffer.
func (m *Message) Complete() bool { return m.complete }

// Bytes implements api.MessageBuffer.
func (m *Message) Bytes() []byte {
	if m.buf == nil {
		return nil
	}
	return m.buf.B
}

// Release implements api.MessageBuffer.
func (m *Message) Release() {
	if m.buf != nil {
		bytebufferpool.Put(m.buf)
		m.buf = nil
	}
}

// Method is the request method; empty for responses.
func (m *Message) Method() string { return m.method }

// Target is the request target; empty for responses.
func (m *Message) Target() string { return m.target }

// Status is the response status code; zero for requests.
func (m *Message) Status() int { return m.status }

// KeepAlive reports whether the connection may carry another message.
func (m *Message) KeepAlive() bool { return m.keepAlive }

func (m *Message) advance() error {
	if m.headerEnd < 0 {
		b := m.buf.B
		i := bytes.Index(b[m.scanFrom:], []byte("\r\n\r\n"))
		if i < 0 {
			if len(b) > m.limits.MaxHeaderBytes {
				return ErrHeaderTooLarge
			}
			m.scanFrom = max(0, len(b)-3)
			return nil
		}
		m.headerEnd = m.scanFrom + i + 4
		if m.headerEnd > m.limits.MaxHeaderBytes {
			return ErrHeaderTooLarge
		}
		if err := m.parseHead(b[:m.headerEnd]); err != nil {
			return err
		}
		m.chunkPos = m.headerEnd
	}

	switch m.mode {
	case bodyNone:
		m.finish(m.headerEnd)
	case bodyLength:
		if end := int64(m.headerEnd) + m.length; int64(m.buf.Len()) >= end {
			m.finish(int(end))
		}
	case bodyChunked:
		return m.scanChunks()
	}
	return nil
}

func (m *Message) finish(end int) {
	m.end = end
	m.complete = true
}

func (m *Message) parseHead(head []byte) error {
	lines := strings.Split(string(head[:len(head)-4]), "\r\n")
	if err := m.parseStartLine(lines[0]); err != nil {
		return err
	}

	var (
		lengths   []string
		encodings []string
		conn      []string
	)
	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return fmt.Errorf("%w: header line %q", ErrMalformed, line)
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("%w: invalid header %q", ErrMalformed, name)
		}
		switch {
		case strings.EqualFold(name, "Content-Length"):
			lengths = append(lengths, value)
		case strings.EqualFold(name, "Transfer-Encoding"):
			encodings = append(encodings, value)
		case strings.EqualFold(name, "Connection"):
			conn = append(conn, value)
		}
	}

	switch m.proto {
	case "HTTP/1.1":
		m.keepAlive = !httpguts.HeaderValuesContainsToken(conn, "close")
	case "HTTP/1.0":
		m.keepAlive = httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}

	if m.response && (m.noBody || !bodyAllowed(m.status)) {
		m.mode = bodyNone
		return nil
	}
	if len(encodings) > 0 {
		if len(lengths) > 0 {
			return fmt.Errorf("%w: both Content-Length and Transfer-Encoding", ErrMalformed)
		}
		if !httpguts.HeaderValuesContainsToken(encodings, "chunked") {
			return fmt.Errorf("%w: unsupported transfer coding %q", ErrMalformed, encodings)
		}
		m.mode = bodyChunked
		return nil
	}
	if len(lengths) > 0 {
		n, err := parseContentLength(lengths)
		if err != nil {
			return err
		}
		if n > m.limits.MaxBodyBytes {
			return ErrBodyTooLarge
		}
		m.length = n
		m.mode = bodyLength
		if n == 0 {
			m.mode = bodyNone
		}
		return nil
	}
	if m.response {
		// reading until close cannot be framed on a pooled connection
		return fmt.Errorf("%w: response without length", ErrMalformed)
	}
	m.mode = bodyNone
	return nil
}

func (m *Message) parseStartLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("%w: start line %q", ErrMalformed, line)
	}
	if m.response {
		m.proto = parts[0]
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 999 {
			return fmt.Errorf("%w: status %q", ErrMalformed, parts[1])
		}
		m.status = code
	} else {
		if len(parts) != 3 {
			return fmt.Errorf("%w: request line %q", ErrMalformed, line)
		}
		m.method, m.target, m.proto = parts[0], parts[1], parts[2]
		if !validMethod(m.method) {
			return fmt.Errorf("%w: method %q", ErrMalformed, m.method)
		}
	}
	if m.proto != "HTTP/1.1" && m.proto != "HTTP/1.0" {
		return fmt.Errorf("%w: protocol %q", ErrMalformed, m.proto)
	}
	return nil
}

func validMethod(method string) bool {
	if method == "" {
		return false
	}
	for i := 0; i < len(method); i++ {
		if !httpguts.IsTokenRune(rune(method[i])) {
			return false
		}
	}
	return true
}

func parseContentLength(values []string) (int64, error) {
	first := values[0]
	for _, v := range values[1:] {
		if v != first {
			return 0, fmt.Errorf("%w: conflicting Content-Length", ErrMalformed)
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: Content-Length %q", ErrMalformed, first)
	}
	return n, nil
}

// scanChunks resumes walking the chunked body from chunkPos.
func (m *Message) scanChunks() error {
	b := m.buf.B
	for {
		eol := bytes.Index(b[m.chunkPos:], crlf)
		if eol < 0 {
			return nil
		}
		line := b[m.chunkPos : m.chunkPos+eol]
		if semi := bytes.IndexByte(line, ';'); semi >= 0 {
			line = line[:semi]
		}
		size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("%w: chunk size %q", ErrMalformed, line)
		}
		dataStart := m.chunkPos + eol + 2

		if size == 0 {
			// trailer section ends with an empty line
			pos := dataStart
			for {
				next := bytes.Index(b[pos:], crlf)
				if next < 0 {
					return nil
				}
				if next == 0 {
					m.finish(pos + 2)
					return nil
				}
				pos += next + 2
			}
		}

		m.chunkData += size
		if m.chunkData > m.limits.MaxBodyBytes {
			return ErrBodyTooLarge
		}
		dataEnd := int64(dataStart) + size
		if int64(len(b)) < dataEnd+2 {
			m.chunkData -= size
			return nil
		}
		if !bytes.Equal(b[dataEnd:dataEnd+2], crlf) {
			return fmt.Errorf("%w: chunk not terminated", ErrMalformed)
		}
		m.chunkPos = int(dataEnd + 2)
	}
}
