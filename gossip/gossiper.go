package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vespiary/hive/eventstream"
)

// KeyLeft is the reserved key a member writes on graceful departure.
// Its value is the member's own id.
const KeyLeft = "cluster:left"

// maxExchangePages bounds how many delta pages one exchange will pull.
const maxExchangePages = 16

// suspectThreshold is how many consecutive RPC failures it takes to
// skip a peer until the next membership change reassesses it.
const suspectThreshold = 3

// Peer is a gossip target: another member's id and dial address.
type Peer struct {
	ID      string
	Address string
}

// Transport carries gossip exchanges between members.
type Transport interface {
	Request(ctx context.Context, addr string, msg any, timeout time.Duration) (any, error)
}

// PeerSource returns the currently-alive members, local member included.
type PeerSource func() []Peer

// Config holds the gossiper configuration.
type Config struct {
	Interval       time.Duration
	FanOut         int
	RequestTimeout time.Duration
	MaxBatch       int
}

// NewConfig returns a Config initialized with default values.
func NewConfig() Config {
	return Config{
		Interval:       time.Millisecond * 300,
		FanOut:         3,
		RequestTimeout: time.Second,
		MaxBatch:       64,
	}
}

// WithInterval sets the anti-entropy cadence.
func (cfg Config) WithInterval(d time.Duration) Config {
	cfg.Interval = d
	return cfg
}

// WithFanOut sets how many peers are gossiped with per tick.
func (cfg Config) WithFanOut(n int) Config {
	cfg.FanOut = n
	return cfg
}

// WithRequestTimeout sets the per-exchange RPC timeout.
func (cfg Config) WithRequestTimeout(d time.Duration) Config {
	cfg.RequestTimeout = d
	return cfg
}

// WithMaxBatch sets the delta page size.
func (cfg Config) WithMaxBatch(n int) Config {
	cfg.MaxBatch = n
	return cfg
}

// Gossiper maintains a per-member eventually-consistent keyed store and
// spreads it with a periodic pull-push anti-entropy protocol. All state
// mutations are serialized under one mutex to keep the vector clock
// monotone.
type Gossiper struct {
	localID   string
	localAddr string
	config    Config
	transport Transport
	peers     PeerSource
	stream    *eventstream.Stream

	mu         sync.Mutex
	store      *store
	alive      []string
	generation uint64
	checks     []*ConsensusCheck
	suspects   map[string]int
	leftSeen   map[string]struct{}
	// pending holds events produced under mu, published after unlock so
	// subscribers never run inside the gossiper's critical section.
	pending []any
	closed  bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}
}

func New(localID, localAddr string, cfg Config, t Transport, peers PeerSource, stream *eventstream.Stream) *Gossiper {
	return &Gossiper{
		localID:   localID,
		localAddr: localAddr,
		config:    cfg,
		transport: t,
		peers:     peers,
		stream:    stream,
		store:     newStore(localID),
		alive:     []string{localID},
		suspects:  make(map[string]int),
		leftSeen:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetState records a local write under a fresh sequence number. The
// value spreads to peers on subsequent ticks.
func (g *Gossiper) SetState(key string, value []byte) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("gossip: gossiper is shut down")
	}
	g.store.set(key, value)
	g.evaluateChecks()
	g.mu.Unlock()
	g.flushEvents()
	return nil
}

// GetState returns the last value observed for a member's key.
func (g *Gossiper) GetState(memberID, key string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, false
	}
	entry, ok := g.store.get(memberID, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Sequence returns the highest sequence observed from a member. Zero
// means nothing has been observed yet.
func (g *Gossiper) Sequence(memberID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.clock[memberID]
}

// RegisterConsensusCheck adds a predicate over a gossip key. The check
// is evaluated on every state change and every topology change.
func (g *Gossiper) RegisterConsensusCheck(key string, projection Projection) *ConsensusCheck {
	check := &ConsensusCheck{
		key:        key,
		projection: projection,
	}
	g.mu.Lock()
	g.checks = append(g.checks, check)
	g.evaluateChecks()
	g.mu.Unlock()
	g.flushEvents()
	return check
}

// UpdateTopology starts a new consensus generation for the given alive
// set and clears peer suspicions so membership changes reassess them.
func (g *Gossiper) UpdateTopology(aliveIDs []string) {
	g.mu.Lock()
	g.alive = append([]string(nil), aliveIDs...)
	g.generation++
	g.suspects = make(map[string]int)
	g.evaluateChecks()
	g.mu.Unlock()
	g.flushEvents()
}

// Start spawns the gossip tick loop.
func (g *Gossiper) Start() {
	g.startOnce.Do(func() {
		g.started.Store(true)
		go func() {
			defer close(g.done)
			runLoop("gossip", g.config.Interval, g.stopCh, g.Tick)
		}()
	})
}

// Tick runs one anti-entropy round: pick up to FanOut alive peers at
// random, excluding self and suspects, and exchange deltas with each.
func (g *Gossiper) Tick() {
	peers := g.pickPeers()
	if len(peers) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			g.exchangeWith(p, nil)
		}(peer)
	}
	wg.Wait()
}

// pickPeers selects up to FanOut peers uniformly at random. A FanOut
// larger than the peer count clamps to all peers, never self.
func (g *Gossiper) pickPeers() []Peer {
	g.mu.Lock()
	suspects := make(map[string]struct{}, len(g.suspects))
	for id, fails := range g.suspects {
		if fails >= suspectThreshold {
			suspects[id] = struct{}{}
		}
	}
	g.mu.Unlock()

	var candidates []Peer
	for _, peer := range g.peers() {
		if peer.ID == g.localID {
			continue
		}
		if _, ok := suspects[peer.ID]; ok {
			continue
		}
		candidates = append(candidates, peer)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if g.config.FanOut < len(candidates) {
		candidates = candidates[:g.config.FanOut]
	}
	return candidates
}

// exchangeWith runs the pull protocol against one peer, following More
// pages until the peer has nothing newer. push, when non-nil, rides
// along with the first request.
func (g *Gossiper) exchangeWith(peer Peer, push []Entry) {
	for page := 0; page < maxExchangePages; page++ {
		g.mu.Lock()
		clock := g.store.snapshotClock()
		g.mu.Unlock()

		req := &Exchange{
			FromID:      g.localID,
			FromAddress: g.localAddr,
			Clock:       clock,
			Entries:     push,
		}
		push = nil

		ctx, cancel := context.WithTimeout(context.Background(), g.config.RequestTimeout)
		resp, err := g.transport.Request(ctx, peer.Address, req, g.config.RequestTimeout)
		cancel()
		if err != nil {
			g.suspect(peer)
			slog.Debug("[GOSSIP] exchange failed", "peer", peer.Address, "err", err)
			return
		}
		delta, ok := resp.(*Delta)
		if !ok {
			slog.Warn("[GOSSIP] unexpected exchange response", "peer", peer.Address)
			return
		}
		g.mu.Lock()
		delete(g.suspects, peer.ID)
		changed := g.store.merge(delta.Entries)
		g.observeChanges(changed)
		g.evaluateChecks()
		g.mu.Unlock()
		g.flushEvents()
		if !delta.More {
			return
		}
	}
}

// HandleExchange serves a peer's exchange: merge whatever it pushed,
// then answer with the entries its clock is missing.
func (g *Gossiper) HandleExchange(req *Exchange) *Delta {
	g.mu.Lock()
	changed := g.store.merge(req.Entries)
	g.observeChanges(changed)
	g.evaluateChecks()
	entries, more := g.store.entriesAfter(req.Clock, g.config.MaxBatch)
	g.mu.Unlock()
	g.flushEvents()
	return &Delta{
		Entries: entries,
		More:    more,
	}
}

// observeChanges reacts to merged entries. Callers hold mu.
func (g *Gossiper) observeChanges(changed []Entry) {
	for _, entry := range changed {
		if entry.Key != KeyLeft {
			continue
		}
		if _, ok := g.leftSeen[entry.MemberID]; ok {
			continue
		}
		g.leftSeen[entry.MemberID] = struct{}{}
		g.pending = append(g.pending, MemberLeftGracefully{MemberID: entry.MemberID})
	}
}

func (g *Gossiper) suspect(peer Peer) {
	g.mu.Lock()
	g.suspects[peer.ID]++
	fails := g.suspects[peer.ID]
	g.mu.Unlock()
	if fails == suspectThreshold {
		slog.Warn("[GOSSIP] peer suspected, skipping until next membership change", "peer", peer.ID)
	}
}

// flushEvents publishes events produced under the mutex.
func (g *Gossiper) flushEvents() {
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, event := range pending {
		g.stream.Publish(event)
	}
}

// Leave broadcasts the local member's final state, cluster:left
// included, directly to up to FanOut peers and waits two gossip
// intervals for further propagation. Peer observation is not verified;
// the provider TTL remains the backstop.
func (g *Gossiper) Leave(ctx context.Context) {
	g.mu.Lock()
	push := g.store.localEntries()
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, peer := range g.pickPeers() {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			g.exchangeWith(p, push)
		}(peer)
	}
	wg.Wait()

	select {
	case <-time.After(2 * g.config.Interval):
	case <-ctx.Done():
	}
}

// Shutdown stops the tick loop. Sets and gets fail afterwards.
func (g *Gossiper) Shutdown() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		if g.started.Load() {
			<-g.done
		}
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
	})
}
