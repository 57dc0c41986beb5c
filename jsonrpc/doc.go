// Package jsonrpc carries JSON-RPC 2.0 payloads over the engine's HTTP/1.1
// transport. The server side mounts a gorilla rpc.Server through
// server.HTTPHandler; the client side encodes calls with the gorilla json2
// codec and sends them with client.Call.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package jsonrpc
