package cluster

import (
	"context"
	"log/slog"
	"sync"
)

// Grain is the behavior of a virtual actor. A grain is activated lazily
// on exactly one member and receives every message through Receive, one
// at a time.
type Grain interface {
	Receive(ctx *GrainContext)
}

// GrainProducer constructs a fresh grain instance for an activation.
type GrainProducer func() Grain

// GrainContext carries one delivery to a grain.
type GrainContext struct {
	cluster  *Cluster
	identity ClusterIdentity
	ctx      context.Context
	message  any
	response any
	replied  bool
}

func (gc *GrainContext) Identity() ClusterIdentity { return gc.identity }

func (gc *GrainContext) Message() any { return gc.message }

// Context is the caller's request context; it is cancelled when the
// caller gives up.
func (gc *GrainContext) Context() context.Context { return gc.ctx }

// Respond sets the reply returned to the requester. Only the first call
// takes effect.
func (gc *GrainContext) Respond(response any) {
	if gc.replied {
		return
	}
	gc.response = response
	gc.replied = true
}

// Forward sends a one-way message to another PID on the cluster. The
// send runs in the background, after the current delivery may already
// have returned, bounded by the cluster request timeout. Errors are
// logged, not surfaced; forwarding is best effort.
func (gc *GrainContext) Forward(pid *PID, msg any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(gc.ctx), gc.cluster.config.requestTimeout)
		defer cancel()
		if err := gc.cluster.Send(ctx, pid, msg); err != nil {
			slog.Error("[CLUSTER] forward failed", "pid", pid, "err", err)
		}
	}()
}

// Cluster returns the hosting cluster, for grains that call back into it.
func (gc *GrainContext) Cluster() *Cluster { return gc.cluster }

// Activator hosts grain activations on behalf of the identity lookup.
type Activator interface {
	// Activate spawns the grain locally and returns its PID.
	Activate(identity ClusterIdentity) (*PID, error)
	// Deactivate evicts a local activation.
	Deactivate(identity ClusterIdentity)
	// Invoke delivers a request to a local activation.
	Invoke(ctx context.Context, identity ClusterIdentity, msg any) (any, error)
	// ActiveIdentities lists the identities currently activated here.
	ActiveIdentities() []ClusterIdentity
}

// activation is one live grain plus the mutex that serializes its
// deliveries, preserving the single-threaded illusion.
type activation struct {
	mu    sync.Mutex
	grain Grain
	kind  *Kind
}

// grainHost is the in-process Activator. It instantiates kind factories
// and dispatches requests to live activations.
type grainHost struct {
	cluster *Cluster
	mu      sync.RWMutex
	active  map[ClusterIdentity]*activation
}

func newGrainHost(c *Cluster) *grainHost {
	return &grainHost{
		cluster: c,
		active:  make(map[ClusterIdentity]*activation),
	}
}

func (h *grainHost) Activate(identity ClusterIdentity) (*PID, error) {
	kind, err := h.cluster.Kinds().Get(identity.Kind)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if _, ok := h.active[identity]; !ok {
		h.active[identity] = &activation{
			grain: kind.Producer(),
			kind:  kind,
		}
		kind.activated.Add(1)
		slog.Debug("[CLUSTER] grain activated", "identity", identity.String())
	}
	h.mu.Unlock()
	return NewPID(h.cluster.Address(), identity.String()), nil
}

func (h *grainHost) Deactivate(identity ClusterIdentity) {
	h.mu.Lock()
	act, ok := h.active[identity]
	if ok {
		delete(h.active, identity)
	}
	h.mu.Unlock()
	if ok {
		act.kind.activated.Add(-1)
		slog.Debug("[CLUSTER] grain deactivated", "identity", identity.String())
	}
}

func (h *grainHost) Invoke(ctx context.Context, identity ClusterIdentity, msg any) (any, error) {
	h.mu.RLock()
	act, ok := h.active[identity]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrDeadLetter
	}
	gc := &GrainContext{
		cluster:  h.cluster,
		identity: identity,
		ctx:      ctx,
		message:  msg,
	}
	act.mu.Lock()
	act.grain.Receive(gc)
	act.mu.Unlock()
	return gc.response, nil
}

func (h *grainHost) ActiveIdentities() []ClusterIdentity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]ClusterIdentity, 0, len(h.active))
	for identity := range h.active {
		ids = append(ids, identity)
	}
	return ids
}
