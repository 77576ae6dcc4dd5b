package cluster

import (
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// ClusterTopology is an immutable snapshot of the cluster's membership.
// Joined and Left are deltas against the previously published snapshot;
// Blocked ids are never re-admitted.
type ClusterTopology struct {
	Hash    uint64
	Members []*Member
	Joined  []*Member
	Left    []*Member
	Blocked []string
}

// TopologyHash is a deterministic hash over the sorted member-id set.
// Two members that agree on the id set agree on the hash.
func TopologyHash(members []*Member) uint64 {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	sort.Strings(ids)
	return xxh3.HashString(strings.Join(ids, "\n"))
}
