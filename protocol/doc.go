// Package protocol
// Author: momentics <momentics@gmail.com>
//
// HTTP/1.1 wire handling for hioload-rpc: message framing for the reactor
// (message.go) and conversion to and from net/http types (codec.go).
package protocol
