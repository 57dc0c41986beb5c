// File: protocol/codec.go
// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Conversions between framed messages and net/http types.

package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// ParseRequest decodes a complete request message. The body is fully
// buffered and the returned request does not reference m.
func ParseRequest(m *Message) (*http.Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(m.Bytes())))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.TransferEncoding = nil
	return req, nil
}

// ParseResponse decodes a complete response message to req.
func ParseResponse(m *Message, req *http.Request) (*http.Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(m.Bytes())), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	return resp, nil
}

// AppendResponse serializes a response with a Content-Length body. Statuses
// that forbid a body (1xx, 204, 304) are sent without one and body is
// dropped.
func AppendResponse(dst *bytebufferpool.ByteBuffer, status int, header http.Header, body []byte, closeConn bool) {
	text := http.StatusText(status)
	if text == "" {
		text = "status " + strconv.Itoa(status)
	}
	dst.WriteString("HTTP/1.1 ")
	dst.WriteString(strconv.Itoa(status))
	dst.WriteString(" ")
	dst.WriteString(text)
	dst.WriteString("\r\n")
	writeHeader(dst, header)
	if closeConn {
		dst.WriteString("Connection: close\r\n")
	}
	if !bodyAllowed(status) {
		dst.WriteString("\r\n")
		return
	}
	dst.WriteString("Content-Length: ")
	dst.WriteString(strconv.Itoa(len(body)))
	dst.WriteString("\r\n\r\n")
	dst.Write(body)
}

func bodyAllowed(status int) bool {
	return status/100 != 1 && status != http.StatusNoContent && status != http.StatusNotModified
}

// AppendRequest serializes req with body as a Content-Length request.
// req.Body is ignored.
func AppendRequest(dst *bytebufferpool.ByteBuffer, req *http.Request, body []byte) {
	target := req.URL.RequestURI()
	if target == "" {
		target = "/"
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	dst.WriteString(req.Method)
	dst.WriteString(" ")
	dst.WriteString(target)
	dst.WriteString(" HTTP/1.1\r\nHost: ")
	dst.WriteString(host)
	dst.WriteString("\r\n")
	writeHeader(dst, req.Header)
	if len(body) > 0 || req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch {
		dst.WriteString("Content-Length: ")
		dst.WriteString(strconv.Itoa(len(body)))
		dst.WriteString("\r\n")
	}
	dst.WriteString("\r\n")
	dst.Write(body)
}

// writeHeader emits header minus the fields framing is responsible for.
func writeHeader(dst io.Writer, header http.Header) {
	if len(header) == 0 {
		return
	}
	header.WriteSubset(dst, map[string]bool{
		"Content-Length":    true,
		"Transfer-Encoding": true,
		"Connection":        true,
		"Host":              true,
	})
}
