//go:build linux

// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for hioload-rpc components.

package benchmarks

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/momentics/hioload-rpc/facade"
	"github.com/momentics/hioload-rpc/fake"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/server"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"
)

func init() {
	logrus.SetLevel(logrus.PanicLevel)
}

// BenchmarkMessageFraming measures request framing with one excess byte
// boundary per pipelined pair.
func BenchmarkMessageFraming(b *testing.B) {
	wire := []byte("POST /rpc HTTP/1.1\r\nHost: bench\r\nContent-Length: 5\r\n\r\nhello" +
		"POST /rpc HTTP/1.1\r\nHost: bench\r\nContent-Length: 5\r\n\r\nworld")
	limits := protocol.DefaultLimits()
	b.SetBytes(int64(len(wire)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rest := wire
		for len(rest) > 0 {
			m := protocol.NewRequestMessage(limits)
			excess, err := m.Write(rest)
			if err != nil || !m.Complete() {
				b.Fatalf("framing failed: %v", err)
			}
			rest = rest[len(rest)-excess:]
			m.Release()
		}
	}
}

// BenchmarkResponseEncoding measures response serialization into pooled buffers.
func BenchmarkResponseEncoding(b *testing.B) {
	body := make([]byte, 1024)
	header := http.Header{"Content-Type": {"application/json"}}
	b.SetBytes(int64(len(body)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := bytebufferpool.Get()
		protocol.AppendResponse(buf, http.StatusOK, header, body, false)
		bytebufferpool.Put(buf)
	}
}

// BenchmarkPoolReuse measures the idle reuse path of a capped pool shared
// by parallel owners of the same destination.
func BenchmarkPoolReuse(b *testing.B) {
	cfg := pool.DefaultConfig()
	cfg.MaxConnections = 64
	p := pool.New(cfg)
	defer p.Close()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		o := fake.NewOwner("bench", 80)
		ctx := context.Background()
		for pb.Next() {
			c, err := p.Acquire(ctx, o)
			if err != nil {
				b.Error(err)
				return
			}
			p.Release(o, c)
		}
		p.Detach(o)
	})
}

// BenchmarkEngineCall measures a full request and response over loopback
// through one engine acting as server and client.
func BenchmarkEngineCall(b *testing.B) {
	e, err := facade.New(nil, facade.WithWorkers(4))
	if err != nil {
		b.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	}()

	srv, err := e.NewServer(server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
		body, _ := io.ReadAll(req.Body)
		w.Respond(http.StatusOK, body)
	}))
	if err != nil {
		b.Fatal(err)
	}
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	cl, err := e.NewClient(addr.String())
	if err != nil {
		b.Fatal(err)
	}

	payload := make([]byte, 256)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := cl.Call(context.Background(), "/", payload); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
