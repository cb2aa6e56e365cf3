// Package transport implements the wire transport of SPEC_FULL.md §5/§6/§12:
// framed messages over reliable bidirectional streams, realized as
// persistent websocket connections with a per-peer send-queue actor, plus a
// chaos decorator for fault-injection testing.
//
// Grounded on github.com/gorilla/websocket, selected by SPEC_FULL.md's
// domain-stack survey specifically because the spec names a "websocket idle
// timeout" configuration knob (§6/§10).
package transport

import "context"

// Handler receives one inbound message. For WSTransport, sender is the
// connection's remote network address (inbound) or the dialed address
// (outbound), not a cryptographic identity; the signed envelope inside msg
// carries the sender's public key.
type Handler func(sender string, msg []byte)

// Transport sends and receives framed byte messages between swarm peers.
// Implementations deliver messages from the same peer in the order sent
// (SPEC_FULL.md §5, "Messages from the same peer are processed in the order
// received").
type Transport interface {
	// Send delivers msg to the peer at addr, queuing it on that peer's
	// send-queue actor; Send itself does not block on the network write.
	Send(ctx context.Context, addr string, msg []byte) error
	// SetHandler installs the callback invoked for every inbound message.
	// Must be called before Listen.
	SetHandler(h Handler)
	// Listen starts accepting inbound connections on addr.
	Listen(addr string) error
	// Close shuts down every connection and releases resources.
	Close() error
}
