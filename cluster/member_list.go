package cluster

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vespiary/hive/eventstream"
)

// MemberList holds the authoritative local view of the cluster's members.
// Provider events mutate the view; every effective change is published as
// a *ClusterTopology on the event stream. Publication is synchronous:
// all subscribers return before the next snapshot is accepted, so
// topology observers (PID cache eviction above all) are ordered against
// later lookups.
type MemberList struct {
	localID string
	stream  *eventstream.Stream

	// updateMu serializes snapshot swaps and their publication.
	updateMu sync.Mutex
	// mu guards the fields below for concurrent readers.
	mu           sync.RWMutex
	members      *MemberSet
	blocked      map[string]struct{}
	topologyHash uint64
	lastSeenSelf time.Time

	startedOnce sync.Once
	started     chan struct{}
}

func NewMemberList(localID string, stream *eventstream.Stream) *MemberList {
	return &MemberList{
		localID: localID,
		stream:  stream,
		members: NewMemberSet(),
		blocked: make(map[string]struct{}),
		started: make(chan struct{}),
	}
}

// Started is closed once the local member has seen itself in the view.
// Startup blocks on it so the member does not accept traffic before it
// is self-aware.
func (ml *MemberList) Started() <-chan struct{} {
	return ml.started
}

// Members returns a snapshot of the current alive members.
func (ml *MemberList) Members() []*Member {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.members.Slice()
}

// MembersWithKind returns the alive members that host the given kind.
func (ml *MemberList) MembersWithKind(kind string) []*Member {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.members.FilterByKind(kind)
}

func (ml *MemberList) TopologyHash() uint64 {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.topologyHash
}

func (ml *MemberList) Len() int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.members.Len()
}

func (ml *MemberList) IsBlocked(id string) bool {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	_, ok := ml.blocked[id]
	return ok
}

// LastSeenSelf reports when a provider event last included the local
// member. The zero time means never.
func (ml *MemberList) LastSeenSelf() time.Time {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.lastSeenSelf
}

// SeenAlive records a provider sighting of a live member.
func (ml *MemberList) SeenAlive(m *Member) {
	ml.updateMu.Lock()
	defer ml.updateMu.Unlock()

	ml.mu.RLock()
	_, blocked := ml.blocked[m.ID]
	current := ml.members.Get(m.ID)
	ml.mu.RUnlock()

	if blocked {
		slog.Warn("[CLUSTER] ignoring sighting of blocked member", "id", m.ID, "addr", m.Address)
		return
	}
	alive := m.clone()
	alive.Status = MemberAlive
	if current != nil && current.Address == alive.Address && sameKinds(current.Kinds, alive.Kinds) {
		ml.touchSelf(alive.ID)
		return
	}
	next := NewMemberSet(ml.Members()...)
	next.Add(alive)
	ml.apply(next)
}

// SeenDead records a provider sighting of a departed member.
func (ml *MemberList) SeenDead(id string) {
	ml.updateMu.Lock()
	defer ml.updateMu.Unlock()

	ml.mu.RLock()
	known := ml.members.ContainsID(id)
	ml.mu.RUnlock()
	if !known {
		return
	}
	next := NewMemberSet(ml.Members()...)
	next.RemoveByID(id)
	ml.apply(next)
}

// UpdateTopology replaces the view with a full member set, as pushed by
// providers that track membership wholesale.
func (ml *MemberList) UpdateTopology(members []*Member) {
	ml.updateMu.Lock()
	defer ml.updateMu.Unlock()

	next := NewMemberSet()
	ml.mu.RLock()
	for _, m := range members {
		if _, blocked := ml.blocked[m.ID]; blocked {
			slog.Warn("[CLUSTER] ignoring blocked member in topology update", "id", m.ID)
			continue
		}
		alive := m.clone()
		alive.Status = MemberAlive
		next.Add(alive)
	}
	ml.mu.RUnlock()
	ml.apply(next)
}

// apply diffs the candidate set against the current one, swaps it in and
// publishes the snapshot. Callers hold updateMu.
func (ml *MemberList) apply(next *MemberSet) {
	ml.mu.Lock()
	joined := next.Difference(ml.members.Slice())
	left := ml.members.Difference(next.Slice())
	if len(joined) == 0 && len(left) == 0 {
		ml.mu.Unlock()
		ml.touchSelf("")
		return
	}
	for _, m := range left {
		m.Status = MemberLeft
		ml.blocked[m.ID] = struct{}{}
	}
	ml.members = next
	ml.topologyHash = TopologyHash(next.Slice())
	if next.ContainsID(ml.localID) {
		ml.lastSeenSelf = time.Now()
	}
	blocked := make([]string, 0, len(ml.blocked))
	for id := range ml.blocked {
		blocked = append(blocked, id)
	}
	topology := &ClusterTopology{
		Hash:    ml.topologyHash,
		Members: next.Slice(),
		Joined:  joined,
		Left:    left,
		Blocked: blocked,
	}
	ml.mu.Unlock()

	for _, m := range joined {
		slog.Debug("[CLUSTER] member joined", "id", m.ID, "addr", m.Address, "kinds", m.Kinds)
	}
	for _, m := range left {
		slog.Debug("[CLUSTER] member left", "id", m.ID, "addr", m.Address)
	}

	if next.ContainsID(ml.localID) {
		ml.startedOnce.Do(func() { close(ml.started) })
	}
	// Subscribers run inline; updateMu is still held, so no other
	// snapshot can be accepted until they all return.
	ml.stream.Publish(topology)
}

// touchSelf refreshes the self-sighting clock on updates that did not
// change the member set. An empty id refreshes unconditionally when the
// local member is present.
func (ml *MemberList) touchSelf(id string) {
	if id != "" && id != ml.localID {
		return
	}
	ml.mu.Lock()
	if ml.members.ContainsID(ml.localID) {
		ml.lastSeenSelf = time.Now()
	}
	ml.mu.Unlock()
}

func sameKinds(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
