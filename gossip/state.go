package gossip

// Entry is one versioned value produced by a member. The (MemberID,
// Sequence) pair uniquely identifies any state version ever produced,
// so merges can be resolved last-writer-wins by sequence alone.
type Entry struct {
	MemberID string
	Key      string
	Value    []byte
	Sequence uint64
}

// store holds every member's keyed state plus a vector clock of the
// highest sequence observed per member. It is not safe for concurrent
// use; the Gossiper serializes all access through its own mutex, which
// is what keeps sequence numbers monotone.
type store struct {
	localID  string
	localSeq uint64
	// member id -> key -> entry
	byMember map[string]map[string]Entry
	clock    map[string]uint64
}

func newStore(localID string) *store {
	return &store{
		localID:  localID,
		byMember: map[string]map[string]Entry{localID: {}},
		clock:    map[string]uint64{localID: 0},
	}
}

// set records a local write under a fresh sequence number.
func (s *store) set(key string, value []byte) Entry {
	s.localSeq++
	entry := Entry{
		MemberID: s.localID,
		Key:      key,
		Value:    value,
		Sequence: s.localSeq,
	}
	s.byMember[s.localID][key] = entry
	s.clock[s.localID] = s.localSeq
	return entry
}

func (s *store) get(memberID, key string) (Entry, bool) {
	entries, ok := s.byMember[memberID]
	if !ok {
		return Entry{}, false
	}
	entry, ok := entries[key]
	return entry, ok
}

// merge applies a delta, keeping the higher sequence for each
// (member, key). It returns the entries that actually changed state.
func (s *store) merge(entries []Entry) []Entry {
	var changed []Entry
	for _, entry := range entries {
		if entry.MemberID == s.localID {
			// Only the local member produces its own sequences.
			continue
		}
		known, ok := s.byMember[entry.MemberID]
		if !ok {
			known = make(map[string]Entry)
			s.byMember[entry.MemberID] = known
		}
		if current, ok := known[entry.Key]; ok && current.Sequence >= entry.Sequence {
			continue
		}
		known[entry.Key] = entry
		if entry.Sequence > s.clock[entry.MemberID] {
			s.clock[entry.MemberID] = entry.Sequence
		}
		changed = append(changed, entry)
	}
	return changed
}

// snapshotClock copies the vector clock for inclusion in an exchange.
func (s *store) snapshotClock() map[string]uint64 {
	clock := make(map[string]uint64, len(s.clock))
	for id, seq := range s.clock {
		clock[id] = seq
	}
	return clock
}

// entriesAfter returns up to limit entries strictly newer than the
// given clock, plus whether more remained. This is the delta a peer is
// missing.
func (s *store) entriesAfter(clock map[string]uint64, limit int) ([]Entry, bool) {
	var (
		entries []Entry
		more    bool
	)
	for memberID, known := range s.byMember {
		seen := clock[memberID]
		for _, entry := range known {
			if entry.Sequence <= seen {
				continue
			}
			if len(entries) >= limit {
				return entries, true
			}
			entries = append(entries, entry)
		}
	}
	return entries, more
}

// localEntries returns every entry originated by the local member, used
// for the final push on graceful departure.
func (s *store) localEntries() []Entry {
	known := s.byMember[s.localID]
	entries := make([]Entry, 0, len(known))
	for _, entry := range known {
		entries = append(entries, entry)
	}
	return entries
}
