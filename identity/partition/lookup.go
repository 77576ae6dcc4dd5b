// Package partition realizes the identity lookup with consistent
// hashing: the hash of an identity against the current topology picks
// the owner candidate, and the identity store's compare-and-set
// serializes the actual activation so churn can never produce two
// owners.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lafikl/consistent"

	"github.com/vespiary/hive/cluster"
	"github.com/vespiary/hive/eventstream"
)

// Config holds the partition lookup configuration.
type Config struct {
	ReservationTTL time.Duration
	RequestTimeout time.Duration
}

// NewConfig returns a Config initialized with default values.
func NewConfig() Config {
	return Config{
		ReservationTTL: time.Second * 30,
		RequestTimeout: time.Second,
	}
}

// WithReservationTTL sets the store reservation TTL. Local reservations
// are refreshed every third of it while their activation lives.
func (cfg Config) WithReservationTTL(d time.Duration) Config {
	cfg.ReservationTTL = d
	return cfg
}

// WithRequestTimeout sets the timeout of forwarded activation requests.
func (cfg Config) WithRequestTimeout(d time.Duration) Config {
	cfg.RequestTimeout = d
	return cfg
}

// Lookup resolves identities by consistent hashing over the members
// that host each kind, reserving activations in the identity store.
type Lookup struct {
	config  Config
	store   cluster.IdentityStore
	cluster *cluster.Cluster

	mu    sync.RWMutex
	rings map[string]*consistent.Consistent
	owned map[cluster.ClusterIdentity]*cluster.PID

	sub    *eventstream.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

func New(store cluster.IdentityStore, cfg Config) *Lookup {
	return &Lookup{
		config: cfg,
		store:  store,
		rings:  make(map[string]*consistent.Consistent),
		owned:  make(map[cluster.ClusterIdentity]*cluster.PID),
		stopCh: make(chan struct{}),
	}
}

// Setup wires the lookup to its cluster. Rings are rebuilt on every
// topology change; a background loop keeps local reservations alive.
func (l *Lookup) Setup(c *cluster.Cluster, kinds []string, isClient bool) error {
	l.cluster = c
	l.sub = c.Events().Subscribe(func(event any) {
		topology, ok := event.(*cluster.ClusterTopology)
		if !ok {
			return
		}
		l.rebuildRings(topology.Members)
	})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runRefresh()
	}()
	return nil
}

// Get resolves the identity, activating it when no owner exists. Safe
// under concurrent callers on any number of nodes: the store's CAS
// collapses them to one location.
func (l *Lookup) Get(ctx context.Context, identity cluster.ClusterIdentity) (*cluster.PID, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, cluster.ErrShutdown
	}
	if pid, ok := l.owned[identity]; ok {
		l.mu.RUnlock()
		return pid, nil
	}
	ring, ok := l.rings[identity.Kind]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: kind %s", cluster.ErrNoAvailableMember, identity.Kind)
	}

	owner, err := ring.Get(ringKey(identity))
	if err != nil {
		if errors.Is(err, consistent.ErrNoHosts) {
			return nil, fmt.Errorf("%w: kind %s", cluster.ErrNoAvailableMember, identity.Kind)
		}
		return nil, fmt.Errorf("partition: owner selection: %w", err)
	}

	if owner == l.cluster.Address() {
		return l.activateLocally(ctx, identity)
	}
	return l.forward(ctx, owner, identity)
}

// activateLocally runs the owner-side protocol: reserve in the store,
// spawn on success, defer to the current holder on a lost race.
func (l *Lookup) activateLocally(ctx context.Context, identity cluster.ClusterIdentity) (*cluster.PID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := l.store.TryAcquire(ctx, identity, l.cluster.Address(), l.config.ReservationTTL)
	if err != nil {
		return nil, fmt.Errorf("partition: reserve %s: %w", identity, err)
	}
	if !res.Acquired {
		return cluster.NewPID(res.HeldBy, identity.String()), nil
	}
	pid, err := l.cluster.Activator().Activate(identity)
	if err != nil {
		// The activation never reached ready; the reservation must not
		// linger until its TTL.
		releaseCtx := context.WithoutCancel(ctx)
		if releaseErr := l.store.Release(releaseCtx, identity, l.cluster.Address()); releaseErr != nil {
			slog.Error("[PARTITION] failed to release reservation after activation failure",
				"identity", identity.String(), "err", releaseErr)
		}
		return nil, fmt.Errorf("partition: activate %s: %w", identity, err)
	}
	l.mu.Lock()
	l.owned[identity] = pid
	l.mu.Unlock()
	return pid, nil
}

// forward asks the owner candidate to resolve the identity.
func (l *Lookup) forward(ctx context.Context, owner string, identity cluster.ClusterIdentity) (*cluster.PID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := l.cluster.Transport().Request(ctx, owner, cluster.TargetActivator, &cluster.ActivationRequest{
		Kind: identity.Kind,
		ID:   identity.ID,
	}, l.config.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("partition: forward to %s: %w", owner, err)
	}
	activation, ok := resp.(*cluster.ActivationResponse)
	if !ok {
		return nil, fmt.Errorf("partition: unexpected activation response from %s", owner)
	}
	return cluster.NewPID(activation.Address, activation.PidID), nil
}

// Shutdown stops the refresh loop. When graceful, every local
// reservation is released and its activation deactivated; otherwise the
// store's TTL reaps them.
func (l *Lookup) Shutdown(ctx context.Context, graceful bool) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	owned := l.owned
	l.owned = make(map[cluster.ClusterIdentity]*cluster.PID)
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()
	if l.cluster != nil {
		l.cluster.Events().Unsubscribe(l.sub)
	}
	if !graceful {
		return nil
	}

	var lastErr error
	for identity := range owned {
		if err := l.store.Release(ctx, identity, l.cluster.Address()); err != nil {
			lastErr = err
			slog.Error("[PARTITION] failed to release reservation", "identity", identity.String(), "err", err)
		}
		l.cluster.Activator().Deactivate(identity)
	}
	return lastErr
}

// rebuildRings recomputes the per-kind hash rings from a topology
// snapshot.
func (l *Lookup) rebuildRings(members []*cluster.Member) {
	rings := make(map[string]*consistent.Consistent)
	for _, m := range members {
		for _, kind := range m.Kinds {
			ring, ok := rings[kind]
			if !ok {
				ring = consistent.New()
				rings[kind] = ring
			}
			ring.Add(m.Address)
		}
	}
	l.mu.Lock()
	l.rings = rings
	l.mu.Unlock()
}

// runRefresh extends local reservations at a third of their TTL so a
// live owner never loses one to expiry.
func (l *Lookup) runRefresh() {
	interval := l.config.ReservationTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.RLock()
			identities := make([]cluster.ClusterIdentity, 0, len(l.owned))
			for identity := range l.owned {
				identities = append(identities, identity)
			}
			l.mu.RUnlock()
			for _, identity := range identities {
				ctx, cancel := context.WithTimeout(context.Background(), l.config.RequestTimeout)
				if err := l.store.Refresh(ctx, identity, l.cluster.Address(), l.config.ReservationTTL); err != nil {
					slog.Warn("[PARTITION] reservation refresh failed", "identity", identity.String(), "err", err)
				}
				cancel()
			}
		}
	}
}

// ringKey pre-hashes the identity so ring placement is uniform even for
// skewed identity strings.
func ringKey(identity cluster.ClusterIdentity) string {
	return strconv.FormatUint(xxhash.Sum64String(identity.String()), 16)
}
