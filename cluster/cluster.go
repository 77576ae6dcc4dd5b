package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vespiary/hive/eventstream"
	"github.com/vespiary/hive/gossip"
)

const (
	stateInitialized uint32 = iota
	stateRunning
	stateStopped
)

// Cluster wires the membership view, the gossiper, the identity lookup
// and the PID cache into one lifecycle. It owns every component and all
// event subscriptions; nothing holds an owning reference back.
type Cluster struct {
	config     Config
	stream     *eventstream.Stream
	kinds      *KindRegistry
	memberList *MemberList
	pidCache   *PidCache
	gossiper   *gossip.Gossiper
	activator  Activator
	metrics    *metrics

	subs   []*eventstream.Subscription
	state  atomic.Uint32
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a new cluster given a Config. The transport, provider and
// identity lookup are required; missing ones are configuration errors.
func New(cfg Config) (*Cluster, error) {
	if cfg.transport == nil {
		return nil, fmt.Errorf("cluster: no transport configured")
	}
	if cfg.provider == nil {
		return nil, fmt.Errorf("cluster: no provider configured")
	}
	if cfg.lookup == nil {
		return nil, fmt.Errorf("cluster: no identity lookup configured")
	}
	c := &Cluster{
		config: cfg,
		stream: eventstream.New(),
		kinds:  NewKindRegistry(cfg.kinds, cfg.isClient),
		stopCh: make(chan struct{}),
	}
	c.memberList = NewMemberList(cfg.id, c.stream)
	c.pidCache = NewPidCache()
	c.activator = newGrainHost(c)
	gossipCfg := gossip.NewConfig().
		WithInterval(cfg.gossipInterval).
		WithFanOut(cfg.gossipFanOut).
		WithRequestTimeout(cfg.requestTimeout)
	c.gossiper = gossip.New(cfg.id, cfg.listenAddr, gossipCfg, gossipTransport{t: cfg.transport}, c.gossipPeers, c.stream)
	return c, nil
}

// Start brings the cluster up: transport first, then the topology
// subscribers, the identity lookup, the gossiper and finally the
// provider. It blocks until the local member sees itself in the
// membership view or ctx is cancelled.
func (c *Cluster) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateInitialized, stateRunning) {
		return fmt.Errorf("cluster: already started")
	}

	t := c.config.transport
	t.RegisterHandler(TargetGrain, c.handleGrainRequest)
	t.RegisterHandler(TargetActivator, c.handleActivationRequest)
	t.RegisterHandler(TargetGossip, c.handleGossip)
	if err := t.Start(); err != nil {
		return fmt.Errorf("cluster: transport: %w", err)
	}

	// PID cache eviction runs inside topology publication, so no entry
	// pointing at a departed member survives past the event.
	c.subs = append(c.subs, c.stream.Subscribe(func(event any) {
		topology, ok := event.(*ClusterTopology)
		if !ok {
			return
		}
		for _, m := range topology.Left {
			if n := c.pidCache.RemoveByMember(m.Address); n > 0 {
				slog.Debug("[CLUSTER] evicted pid cache entries of departed member", "member", m.ID, "count", n)
			}
		}
	}))
	c.subs = append(c.subs, c.stream.Subscribe(func(event any) {
		topology, ok := event.(*ClusterTopology)
		if !ok {
			return
		}
		ids := make([]string, 0, len(topology.Members))
		for _, m := range topology.Members {
			ids = append(ids, m.ID)
		}
		c.gossiper.UpdateTopology(ids)
	}))

	if err := c.config.lookup.Setup(c, c.kinds.AllNames(), c.config.isClient); err != nil {
		return fmt.Errorf("cluster: identity lookup setup: %w", err)
	}

	c.metrics = newMetrics(c)
	c.metrics.register()

	if c.config.pidCacheClearInterval > 0 && c.config.pidCacheTimeToLive > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pidCache.runCleanup(c.stopCh, c.config.pidCacheClearInterval, c.config.pidCacheTimeToLive)
		}()
	}

	c.gossiper.Start()

	var err error
	if c.config.isClient {
		err = c.config.provider.StartClient(c)
	} else {
		err = c.config.provider.StartMember(c)
	}
	if err != nil {
		return fmt.Errorf("cluster: provider: %w", err)
	}

	select {
	case <-c.memberList.Started():
	case <-ctx.Done():
		return fmt.Errorf("cluster: waiting for self-awareness: %w", ctx.Err())
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runHealthCheck()
	}()

	slog.Info("[CLUSTER] started", "id", c.config.id, "addr", c.config.listenAddr, "kinds", c.kinds.AllNames())
	return nil
}

// Shutdown stops the cluster. A graceful shutdown announces departure
// through gossip, waits for propagation and releases every identity
// reservation; an abrupt one trusts store and provider TTLs to reap
// state.
func (c *Cluster) Shutdown(ctx context.Context, graceful bool) error {
	if !c.state.CompareAndSwap(stateRunning, stateStopped) {
		return nil
	}
	close(c.stopCh)

	if graceful {
		if err := c.gossiper.SetState(gossip.KeyLeft, []byte(c.config.id)); err != nil {
			slog.Warn("[CLUSTER] could not announce departure", "err", err)
		}
		c.gossiper.Leave(ctx)
	}

	c.metrics.unregister()

	for _, identity := range c.activator.ActiveIdentities() {
		c.activator.Deactivate(identity)
	}

	c.gossiper.Shutdown()

	if err := c.config.lookup.Shutdown(ctx, graceful); err != nil {
		slog.Error("[CLUSTER] identity lookup shutdown", "err", err)
	}
	if err := c.config.provider.Shutdown(graceful); err != nil {
		slog.Error("[CLUSTER] provider shutdown", "err", err)
	}
	if err := c.config.transport.Stop(); err != nil {
		slog.Error("[CLUSTER] transport shutdown", "err", err)
	}

	for _, sub := range c.subs {
		c.stream.Unsubscribe(sub)
	}
	c.subs = nil
	c.wg.Wait()
	slog.Info("[CLUSTER] stopped", "id", c.config.id, "graceful", graceful)
	return nil
}

// runHealthCheck fences the local member off when the provider has not
// reported it alive within the configured timeout.
func (c *Cluster) runHealthCheck() {
	if c.config.memberHealthTimeout <= 0 {
		return
	}
	interval := c.config.memberHealthTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			last := c.memberList.LastSeenSelf()
			if last.IsZero() {
				continue
			}
			if since := time.Since(last); since > c.config.memberHealthTimeout {
				slog.Error(
					"[CLUSTER] local member missing from provider view, fencing off",
					"id", c.config.id,
					"lastSeen", since,
				)
				go func() {
					_ = c.Shutdown(context.Background(), false)
				}()
				return
			}
		}
	}
}

// handleGossip serves anti-entropy exchanges from peers.
func (c *Cluster) handleGossip(_ context.Context, sender string, msg any) (any, error) {
	req, ok := msg.(*gossip.Exchange)
	if !ok {
		return nil, fmt.Errorf("cluster: unexpected gossip message from %s", sender)
	}
	return c.gossiper.HandleExchange(req), nil
}

// gossipPeers feeds the gossiper the currently-alive members.
func (c *Cluster) gossipPeers() []gossip.Peer {
	members := c.memberList.Members()
	peers := make([]gossip.Peer, 0, len(members))
	for _, m := range members {
		peers = append(peers, gossip.Peer{
			ID:      m.ID,
			Address: m.Address,
		})
	}
	return peers
}

// gossipTransport adapts the cluster transport to the gossiper's view
// of it.
type gossipTransport struct {
	t Transport
}

func (gt gossipTransport) Request(ctx context.Context, addr string, msg any, timeout time.Duration) (any, error) {
	return gt.t.Request(ctx, addr, TargetGossip, msg, timeout)
}

// ID returns the ID of the local member.
func (c *Cluster) ID() string {
	return c.config.id
}

// Address returns the listen address of the local member.
func (c *Cluster) Address() string {
	return c.config.listenAddr
}

// Member returns the local member's record.
func (c *Cluster) Member() *Member {
	var kinds []string
	if !c.config.isClient {
		kinds = c.kinds.AllNames()
	}
	return &Member{
		ID:      c.config.id,
		Address: c.config.listenAddr,
		Kinds:   kinds,
		Status:  MemberAlive,
	}
}

// Kinds returns the registry of grain kinds this member can host.
func (c *Cluster) Kinds() *KindRegistry {
	return c.kinds
}

// Events returns the cluster's event stream. ClusterTopology,
// ConsensusReached and MemberLeftGracefully events are published here.
func (c *Cluster) Events() *eventstream.Stream {
	return c.stream
}

// MemberList returns the authoritative local membership view. Providers
// feed their sightings into it.
func (c *Cluster) MemberList() *MemberList {
	return c.memberList
}

// PidCache returns the identity to PID cache.
func (c *Cluster) PidCache() *PidCache {
	return c.pidCache
}

// Gossiper returns the cluster's gossip state store.
func (c *Cluster) Gossiper() *gossip.Gossiper {
	return c.gossiper
}

// Activator hosts grain activations on behalf of the identity lookup.
func (c *Cluster) Activator() Activator {
	return c.activator
}

// Transport returns the wire transport between members.
func (c *Cluster) Transport() Transport {
	return c.config.transport
}

// Get resolves the identity to the PID of its single active owner,
// activating the grain when none is active.
func (c *Cluster) Get(ctx context.Context, identity ClusterIdentity) (*PID, error) {
	if c.state.Load() != stateRunning {
		return nil, ErrShutdown
	}
	// Unknown kinds are still resolvable when some other member hosts
	// them; only reject kinds nobody registered.
	if _, ok := c.kinds.TryGet(identity.Kind); !ok {
		if len(c.memberList.MembersWithKind(identity.Kind)) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKind, identity.Kind)
		}
	}
	pid, ok := c.pidCache.TryGet(identity)
	if ok {
		return pid, nil
	}
	pid, err := c.config.lookup.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	return c.pidCache.TrySet(identity, pid), nil
}
