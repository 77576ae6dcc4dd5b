package cluster

import (
	"context"
	"time"
)

// Transport targets multiplexed over one connection between members.
const (
	TargetActivator = "activator"
	TargetGossip    = "gossip"
	TargetGrain     = "grain"
)

// TransportHandler serves requests arriving for one target. The returned
// value is sent back to the requester; one-way sends discard it.
type TransportHandler func(ctx context.Context, sender string, msg any) (any, error)

// Transport is the framed RPC layer between members. Implementations
// must return ErrDeadLetter from Request when the remote member has no
// handler for the target.
type Transport interface {
	// Start begins accepting traffic. Handlers must be registered first.
	Start() error
	// Stop closes listeners and live connections. Idempotent.
	Stop() error
	// Address is the listen address other members dial.
	Address() string
	// RegisterHandler binds a handler to a target before Start.
	RegisterHandler(target string, h TransportHandler)
	// Send delivers msg to the target at addr, at most once.
	Send(ctx context.Context, addr, target string, msg any) error
	// Request delivers msg and awaits the response within the timeout.
	Request(ctx context.Context, addr, target string, msg any, timeout time.Duration) (any, error)
	// Serialize and Deserialize expose the transport's codec for
	// payloads nested inside cluster messages.
	Serialize(msg any) (typeName string, data []byte, err error)
	Deserialize(typeName string, data []byte) (any, error)
}
