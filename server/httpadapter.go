// File: server/httpadapter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/http"

	"github.com/valyala/bytebufferpool"
)

// HTTPHandler serves a net/http handler. The response is buffered and sent
// when ServeHTTP returns; streaming and hijacking are not available.
func HTTPHandler(h http.Handler) Handler {
	return HandlerFunc(func(req *http.Request, w ResponseWriter) {
		rec := &recorder{header: w.Header(), body: bytebufferpool.Get()}
		defer bytebufferpool.Put(rec.body)
		h.ServeHTTP(rec, req)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		w.Respond(rec.status, rec.body.B)
	})
}

type recorder struct {
	header http.Header
	body   *bytebufferpool.ByteBuffer
	status int
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}
