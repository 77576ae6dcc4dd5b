package cluster

import "errors"

var (
	// ErrUnknownKind is returned for operations on a kind no member of
	// the cluster has registered.
	ErrUnknownKind = errors.New("cluster: unknown kind")
	// ErrShutdown is returned by operations initiated after shutdown
	// has begun.
	ErrShutdown = errors.New("cluster: shutting down")
	// ErrNoAvailableMember is returned when no alive member can host
	// the requested kind.
	ErrNoAvailableMember = errors.New("cluster: no available member")
	// ErrDeadLetter is returned by a transport request whose target had
	// no receiver at the remote member.
	ErrDeadLetter = errors.New("cluster: dead letter")
)
