package cluster

import "sort"

// MemberSet is a set of members keyed by member ID. It is not safe for
// concurrent use; callers guard it.
type MemberSet struct {
	members map[string]*Member
}

func NewMemberSet(members ...*Member) *MemberSet {
	m := make(map[string]*Member)
	for _, member := range members {
		m[member.ID] = member
	}
	return &MemberSet{
		members: m,
	}
}

func (s *MemberSet) Len() int {
	return len(s.members)
}

func (s *MemberSet) Get(id string) *Member {
	return s.members[id]
}

func (s *MemberSet) GetByAddress(addr string) *Member {
	for _, m := range s.members {
		if m.Address == addr {
			return m
		}
	}
	return nil
}

func (s *MemberSet) Add(m *Member) {
	s.members[m.ID] = m
}

func (s *MemberSet) Contains(m *Member) bool {
	_, ok := s.members[m.ID]
	return ok
}

func (s *MemberSet) ContainsID(id string) bool {
	_, ok := s.members[id]
	return ok
}

func (s *MemberSet) Remove(m *Member) {
	delete(s.members, m.ID)
}

func (s *MemberSet) RemoveByID(id string) {
	delete(s.members, id)
}

// Slice returns the members sorted by ID so callers get a deterministic
// order.
func (s *MemberSet) Slice() []*Member {
	members := make([]*Member, 0, len(s.members))
	for _, member := range s.members {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})
	return members
}

func (s *MemberSet) ForEach(fn func(*Member) bool) {
	for _, member := range s.members {
		if !fn(member) {
			break
		}
	}
}

func (s *MemberSet) FilterByKind(kind string) []*Member {
	var members []*Member
	for _, member := range s.members {
		if member.HasKind(kind) {
			members = append(members, member)
		}
	}
	return members
}

// Difference returns the members of s that are not in the given slice.
func (s *MemberSet) Difference(members []*Member) []*Member {
	var (
		diff []*Member
		m    = make(map[string]struct{})
	)
	for _, member := range members {
		m[member.ID] = struct{}{}
	}
	for _, member := range s.members {
		if _, ok := m[member.ID]; !ok {
			diff = append(diff, member)
		}
	}
	return diff
}
