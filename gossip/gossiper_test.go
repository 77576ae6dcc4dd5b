package gossip_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespiary/hive/eventstream"
	"github.com/vespiary/hive/gossip"
)

// hub connects gossipers in-process, addressed by name.
type hub struct {
	mu    sync.Mutex
	nodes map[string]*gossip.Gossiper
	down  map[string]bool
}

func newHub() *hub {
	return &hub{
		nodes: make(map[string]*gossip.Gossiper),
		down:  make(map[string]bool),
	}
}

func (h *hub) Request(_ context.Context, addr string, msg any, _ time.Duration) (any, error) {
	h.mu.Lock()
	g, ok := h.nodes[addr]
	down := h.down[addr]
	h.mu.Unlock()
	if !ok || down {
		return nil, errors.New("unreachable")
	}
	return g.HandleExchange(msg.(*gossip.Exchange)), nil
}

func (h *hub) add(id string, g *gossip.Gossiper) {
	h.mu.Lock()
	h.nodes[id] = g
	h.mu.Unlock()
}

type node struct {
	id     string
	g      *gossip.Gossiper
	stream *eventstream.Stream
}

// newMesh builds n fully connected gossipers with a shared hub.
func newMesh(t *testing.T, n int) []*node {
	t.Helper()
	h := newHub()
	ids := make([]string, n)
	peers := make([]gossip.Peer, n)
	for i := range ids {
		ids[i] = string(rune('a' + i))
		peers[i] = gossip.Peer{ID: ids[i], Address: ids[i]}
	}
	nodes := make([]*node, n)
	for i, id := range ids {
		stream := eventstream.New()
		g := gossip.New(id, id, gossip.NewConfig().WithInterval(time.Millisecond*20), h, func() []gossip.Peer {
			return peers
		}, stream)
		g.UpdateTopology(ids)
		h.add(id, g)
		nodes[i] = &node{id: id, g: g, stream: stream}
	}
	return nodes
}

func TestGossipConvergesAfterTicks(t *testing.T) {
	nodes := newMesh(t, 5)
	nodes[0].g.SetState("heartbeat", []byte("v1"))

	// With the default fan-out of three out of four peers, a handful of
	// rounds converges a five-member mesh.
	for i := 0; i < 5; i++ {
		for _, n := range nodes {
			n.g.Tick()
		}
	}
	for _, n := range nodes {
		value, ok := n.g.GetState(nodes[0].id, "heartbeat")
		require.True(t, ok, "member %s never observed the write", n.id)
		assert.Equal(t, []byte("v1"), value)
	}
}

func TestGossipNeverRevertsToOlderWrite(t *testing.T) {
	nodes := newMesh(t, 3)
	nodes[0].g.SetState("heartbeat", []byte("v1"))
	for i := 0; i < 3; i++ {
		for _, n := range nodes {
			n.g.Tick()
		}
	}
	nodes[0].g.SetState("heartbeat", []byte("v2"))
	for i := 0; i < 3; i++ {
		for _, n := range nodes {
			n.g.Tick()
		}
	}
	for _, n := range nodes {
		value, ok := n.g.GetState(nodes[0].id, "heartbeat")
		require.True(t, ok)
		assert.Equal(t, []byte("v2"), value)
	}
}

func TestGossipSequencesNonDecreasing(t *testing.T) {
	nodes := newMesh(t, 3)
	observer := nodes[1]
	var last uint64
	for i := 0; i < 5; i++ {
		nodes[0].g.SetState("heartbeat", []byte{byte(i)})
		observer.g.Tick()
		seq := observer.g.Sequence(nodes[0].id)
		assert.GreaterOrEqual(t, seq, last)
		last = seq
	}
}

func TestConsensusReachedOncePerGeneration(t *testing.T) {
	nodes := newMesh(t, 3)
	var (
		mu      sync.Mutex
		reached []gossip.ConsensusReached
	)
	nodes[0].stream.Subscribe(func(event any) {
		if c, ok := event.(gossip.ConsensusReached); ok {
			mu.Lock()
			reached = append(reached, c)
			mu.Unlock()
		}
	})
	nodes[0].g.RegisterConsensusCheck("topology", func(_ string, value []byte) (string, bool) {
		return string(value), true
	})

	for _, n := range nodes {
		n.g.SetState("topology", []byte("h1"))
	}
	for i := 0; i < 4; i++ {
		for _, n := range nodes {
			n.g.Tick()
		}
	}

	mu.Lock()
	require.Len(t, reached, 1)
	assert.Equal(t, "topology", reached[0].Key)
	assert.Equal(t, "h1", reached[0].Value)
	generation := reached[0].Generation
	mu.Unlock()

	// Same agreement, same generation: no duplicate publication.
	for _, n := range nodes {
		n.g.Tick()
	}
	mu.Lock()
	assert.Len(t, reached, 1)
	mu.Unlock()

	// A topology change starts a new generation and re-arms the check.
	ids := []string{nodes[0].id, nodes[1].id, nodes[2].id}
	nodes[0].g.UpdateTopology(ids)
	mu.Lock()
	require.Len(t, reached, 2)
	assert.Greater(t, reached[1].Generation, generation)
	mu.Unlock()
}

func TestConsensusWaitsForAllAliveMembers(t *testing.T) {
	nodes := newMesh(t, 2)
	var reached int
	nodes[0].stream.Subscribe(func(event any) {
		if _, ok := event.(gossip.ConsensusReached); ok {
			reached++
		}
	})
	nodes[0].g.RegisterConsensusCheck("topology", func(_ string, value []byte) (string, bool) {
		return string(value), true
	})

	nodes[0].g.SetState("topology", []byte("h1"))
	nodes[1].g.SetState("topology", []byte("h2"))
	for i := 0; i < 3; i++ {
		for _, n := range nodes {
			n.g.Tick()
		}
	}
	assert.Zero(t, reached, "disagreeing members must not reach consensus")

	nodes[1].g.SetState("topology", []byte("h1"))
	for i := 0; i < 3; i++ {
		for _, n := range nodes {
			n.g.Tick()
		}
	}
	assert.Equal(t, 1, reached)
}

func TestMemberLeftGracefullyPublished(t *testing.T) {
	nodes := newMesh(t, 2)
	var left []gossip.MemberLeftGracefully
	nodes[1].stream.Subscribe(func(event any) {
		if l, ok := event.(gossip.MemberLeftGracefully); ok {
			left = append(left, l)
		}
	})

	nodes[0].g.SetState(gossip.KeyLeft, []byte(nodes[0].id))
	nodes[1].g.Tick()

	require.Len(t, left, 1)
	assert.Equal(t, nodes[0].id, left[0].MemberID)

	// Observing the same key again must not duplicate the event.
	nodes[1].g.Tick()
	assert.Len(t, left, 1)
}

func TestLeavePushesFinalState(t *testing.T) {
	nodes := newMesh(t, 2)
	nodes[0].g.SetState(gossip.KeyLeft, []byte(nodes[0].id))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	nodes[0].g.Leave(ctx)

	// The push rode along with Leave; the peer never had to pull.
	value, ok := nodes[1].g.GetState(nodes[0].id, gossip.KeyLeft)
	require.True(t, ok)
	assert.Equal(t, []byte(nodes[0].id), value)
}

func TestSetStateAfterShutdownFails(t *testing.T) {
	nodes := newMesh(t, 1)
	nodes[0].g.Shutdown()
	err := nodes[0].g.SetState("heartbeat", []byte("v"))
	assert.Error(t, err)
}

func TestFanOutClampsToPeers(t *testing.T) {
	h := newHub()
	peers := []gossip.Peer{{ID: "a", Address: "a"}, {ID: "b", Address: "b"}}
	streamA := eventstream.New()
	a := gossip.New("a", "a", gossip.NewConfig().WithFanOut(10), h, func() []gossip.Peer { return peers }, streamA)
	b := gossip.New("b", "b", gossip.NewConfig(), h, func() []gossip.Peer { return peers }, eventstream.New())
	h.add("a", a)
	h.add("b", b)
	a.UpdateTopology([]string{"a", "b"})
	b.UpdateTopology([]string{"a", "b"})

	b.SetState("heartbeat", []byte("v"))
	// Fan-out of 10 against one peer must reach exactly that peer and
	// never loop back to self.
	a.Tick()
	value, ok := a.GetState("b", "heartbeat")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}
