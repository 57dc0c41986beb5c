// File: jsonrpc/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package jsonrpc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/momentics/hioload-rpc/client"
)

// Client issues JSON-RPC calls to one endpoint path.
type Client struct {
	cl   *client.Client
	path string
}

// NewClient wraps cl; calls are POSTed to path.
func NewClient(cl *client.Client, path string) *Client {
	if path == "" {
		path = "/"
	}
	return &Client{cl: cl, path: path}
}

// Call invokes method with args and decodes the result into reply. Errors
// reported by the remote service are returned as *json2.Error.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	out, err := c.cl.Call(ctx, c.path, body)
	if err != nil {
		return err
	}
	return json2.DecodeClientResponse(bytes.NewReader(out), reply)
}
