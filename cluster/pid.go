package cluster

import "github.com/zeebo/xxh3"

const pidSep = "/"

// PID is the physical location of an activation: the owning member's
// listen address plus a member-local id. It is opaque to the placement
// logic and compared by value.
type PID struct {
	Address string
	ID      string
}

// NewPID returns a new process ID given an address and an id.
func NewPID(addr, id string) *PID {
	return &PID{
		Address: addr,
		ID:      id,
	}
}

func (pid *PID) String() string {
	return pid.Address + pidSep + pid.ID
}

func (pid *PID) Equals(other *PID) bool {
	if pid == nil || other == nil {
		return pid == other
	}
	return pid.Address == other.Address && pid.ID == other.ID
}

func (pid *PID) LookupKey() uint64 {
	key := []byte(pid.Address)
	key = append(key, pid.ID...)
	return xxh3.Hash(key)
}
