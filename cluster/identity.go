package cluster

import (
	"context"
	"time"
)

// ClusterIdentity names a virtual actor cluster-wide. The (kind, id)
// pair is the primary key; at any instant at most one member owns an
// activation for it.
type ClusterIdentity struct {
	Kind string
	ID   string
}

func NewClusterIdentity(kind, id string) ClusterIdentity {
	return ClusterIdentity{Kind: kind, ID: id}
}

func (ci ClusterIdentity) String() string {
	return ci.Kind + pidSep + ci.ID
}

// IdentityLookup resolves a ClusterIdentity to the PID of its single
// active owner, activating the grain on exactly one member when none is
// active. Get must collapse concurrent callers, on any number of nodes,
// to the same resulting location.
type IdentityLookup interface {
	// Setup is invoked once, before Get traffic begins.
	Setup(c *Cluster, kinds []string, isClient bool) error
	Get(ctx context.Context, identity ClusterIdentity) (*PID, error)
	// Shutdown stops the lookup. When graceful it also releases every
	// reservation owned by this member; otherwise the store's TTL reaps
	// them.
	Shutdown(ctx context.Context, graceful bool) error
}

// AcquireResult is the outcome of an IdentityStore compare-and-set.
// When Acquired is false, HeldBy names the current owner's address.
type AcquireResult struct {
	Acquired bool
	HeldBy   string
}

// IdentityStore is the back-end that serializes placement decisions.
// For any given identity the store linearizes TryAcquire calls: exactly
// one concurrent caller wins, and the winner is visible to every
// subsequent Lookup.
type IdentityStore interface {
	TryAcquire(ctx context.Context, identity ClusterIdentity, owner string, ttl time.Duration) (AcquireResult, error)
	// Refresh extends the TTL of a reservation held by owner.
	Refresh(ctx context.Context, identity ClusterIdentity, owner string, ttl time.Duration) error
	// Release removes the reservation if it is held by owner.
	Release(ctx context.Context, identity ClusterIdentity, owner string) error
	// Lookup returns the owner's address, or ok=false when no live
	// reservation exists.
	Lookup(ctx context.Context, identity ClusterIdentity) (owner string, ok bool, err error)
}
