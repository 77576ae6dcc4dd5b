// Package inmem is an in-process identity store for tests and
// single-node clusters. Reservations honor the same compare-and-set and
// TTL semantics as the networked stores.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vespiary/hive/cluster"
)

// ErrNotHeld is returned when refreshing or releasing a reservation the
// caller does not own.
var ErrNotHeld = errors.New("inmem: reservation not held by owner")

type reservation struct {
	owner   string
	expires time.Time
}

func (r reservation) live(now time.Time) bool {
	return now.Before(r.expires)
}

type Store struct {
	mu           sync.Mutex
	reservations map[cluster.ClusterIdentity]reservation
}

func New() *Store {
	return &Store{
		reservations: make(map[cluster.ClusterIdentity]reservation),
	}
}

// TryAcquire reserves the identity for owner unless another live
// reservation exists. Re-acquiring an identity already held by the same
// owner extends its TTL.
func (s *Store) TryAcquire(ctx context.Context, identity cluster.ClusterIdentity, owner string, ttl time.Duration) (cluster.AcquireResult, error) {
	if err := ctx.Err(); err != nil {
		return cluster.AcquireResult{}, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.reservations[identity]; ok && current.live(now) && current.owner != owner {
		return cluster.AcquireResult{HeldBy: current.owner}, nil
	}
	s.reservations[identity] = reservation{
		owner:   owner,
		expires: now.Add(ttl),
	}
	return cluster.AcquireResult{Acquired: true}, nil
}

func (s *Store) Refresh(ctx context.Context, identity cluster.ClusterIdentity, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reservations[identity]
	if !ok || !current.live(now) || current.owner != owner {
		return ErrNotHeld
	}
	current.expires = now.Add(ttl)
	s.reservations[identity] = current
	return nil
}

func (s *Store) Release(ctx context.Context, identity cluster.ClusterIdentity, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.reservations[identity]; ok && current.owner == owner {
		delete(s.reservations, identity)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, identity cluster.ClusterIdentity) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reservations[identity]
	if !ok || !current.live(time.Now()) {
		return "", false, nil
	}
	return current.owner, true, nil
}

// Len returns the number of live reservations.
func (s *Store) Len() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reservations {
		if r.live(now) {
			n++
		}
	}
	return n
}

// Owners returns a snapshot of live reservations by identity.
func (s *Store) Owners() map[cluster.ClusterIdentity]string {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := make(map[cluster.ClusterIdentity]string, len(s.reservations))
	for identity, r := range s.reservations {
		if r.live(now) {
			owners[identity] = r.owner
		}
	}
	return owners
}
