package domain

import (
	"context"

	"github.com/Shugur-Network/pubsub-relay/internal/jsonrpc"
)

// Sender delivers frames to live sockets. A false return means the socket is
// gone, which callers treat as a normal race rather than a fault.
type Sender interface {
	// Send writes msg to the socket. Strings and byte slices go out verbatim,
	// anything else is JSON encoded.
	Send(socketID string, msg interface{}) bool
	IsConnected(socketID string) bool
}

// PayloadHandler processes one parsed JSON-RPC payload from a socket.
type PayloadHandler interface {
	Handle(ctx context.Context, socketID string, payload *jsonrpc.Payload)
}

// PayloadHandlerFunc adapts a function to PayloadHandler.
type PayloadHandlerFunc func(ctx context.Context, socketID string, payload *jsonrpc.Payload)

func (f PayloadHandlerFunc) Handle(ctx context.Context, socketID string, payload *jsonrpc.Payload) {
	f(ctx, socketID, payload)
}
