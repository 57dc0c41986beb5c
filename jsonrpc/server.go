// File: jsonrpc/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package jsonrpc

import (
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/momentics/hioload-rpc/server"
	"github.com/sirupsen/logrus"
)

// ContentType is the media type of requests and responses.
const ContentType = "application/json"

// Server dispatches JSON-RPC calls to registered services. Methods follow
// the gorilla convention:
//
//	func (s *Svc) Name(r *http.Request, args *Args, reply *Reply) error
//
// and are addressed as "Svc.Name".
type Server struct {
	rpc *rpc.Server
	h   server.Handler
	log *logrus.Entry
}

// NewServer creates an empty JSON-RPC server.
func NewServer(log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{rpc: rpc.NewServer(), log: log.WithField("component", "jsonrpc")}
	s.rpc.RegisterCodec(json2.NewCodec(), ContentType)
	s.rpc.RegisterAfterFunc(func(i *rpc.RequestInfo) {
		if i.Error != nil {
			s.log.WithError(i.Error).WithField("method", i.Method).Debug("call failed")
		}
	})
	s.h = server.HTTPHandler(s.rpc)
	return s
}

// Register publishes the exported methods of receiver under name; an empty
// name uses the receiver's type name.
func (s *Server) Register(receiver any, name string) error {
	return s.rpc.RegisterService(receiver, name)
}

// HasMethod reports whether "Svc.Name" is registered.
func (s *Server) HasMethod(method string) bool {
	return s.rpc.HasMethod(method)
}

// ServeRPC implements server.Handler.
func (s *Server) ServeRPC(req *http.Request, w server.ResponseWriter) {
	s.h.ServeRPC(req, w)
}
