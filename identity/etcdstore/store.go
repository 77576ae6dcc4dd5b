// Package etcdstore backs identity placement with etcd. A reservation
// is a key created under a lease whose TTL matches the reservation TTL;
// the compare-and-set is an etcd transaction on the key's create
// revision, which etcd linearizes for us.
package etcdstore

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vespiary/hive/cluster"
)

const defaultKeyPrefix = "/hive/activations"

// Config holds the etcd store configuration.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	KeyPrefix   string
}

// NewConfig returns a Config initialized with default values.
func NewConfig(endpoints ...string) Config {
	return Config{
		Endpoints:   endpoints,
		DialTimeout: time.Second * 5,
		KeyPrefix:   defaultKeyPrefix,
	}
}

// WithDialTimeout sets the etcd dial timeout.
func (cfg Config) WithDialTimeout(d time.Duration) Config {
	cfg.DialTimeout = d
	return cfg
}

// WithKeyPrefix sets the key prefix reservations are written under.
func (cfg Config) WithKeyPrefix(prefix string) Config {
	cfg.KeyPrefix = prefix
	return cfg
}

type Store struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[cluster.ClusterIdentity]clientv3.LeaseID
}

func New(cfg Config) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdstore: failed to create etcd client: %w", err)
	}
	return &Store{
		client: client,
		prefix: cfg.KeyPrefix,
		leases: make(map[cluster.ClusterIdentity]clientv3.LeaseID),
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(identity cluster.ClusterIdentity) string {
	return path.Join(s.prefix, identity.Kind, identity.ID)
}

// TryAcquire reserves the identity with a create-revision transaction.
// The reservation lives under a lease so a dead owner's entry expires
// on its own.
func (s *Store) TryAcquire(ctx context.Context, identity cluster.ClusterIdentity, owner string, ttl time.Duration) (cluster.AcquireResult, error) {
	var result cluster.AcquireResult
	err := s.retry(ctx, func() error {
		ttlSeconds := int64(ttl / time.Second)
		if ttlSeconds < 1 {
			ttlSeconds = 1
		}
		lease, err := s.client.Grant(ctx, ttlSeconds)
		if err != nil {
			return fmt.Errorf("grant lease: %w", err)
		}
		key := s.key(identity)
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, owner, clientv3.WithLease(lease.ID))).
			Else(clientv3.OpGet(key)).
			Commit()
		if err != nil {
			_, _ = s.client.Revoke(ctx, lease.ID)
			return fmt.Errorf("reservation txn: %w", err)
		}
		if resp.Succeeded {
			s.mu.Lock()
			s.leases[identity] = lease.ID
			s.mu.Unlock()
			result = cluster.AcquireResult{Acquired: true}
			return nil
		}
		// Lost the race; the granted lease is unused.
		_, _ = s.client.Revoke(ctx, lease.ID)
		kvs := resp.Responses[0].GetResponseRange().Kvs
		if len(kvs) == 0 {
			// The holder vanished between Compare and Get. The caller
			// retries and wins the next round.
			return fmt.Errorf("reservation holder vanished mid-txn")
		}
		holder := string(kvs[0].Value)
		if holder == owner {
			// Our own reservation from a previous life of this
			// activation; adopt its lease and refresh it.
			s.mu.Lock()
			s.leases[identity] = clientv3.LeaseID(kvs[0].Lease)
			s.mu.Unlock()
			_, _ = s.client.KeepAliveOnce(ctx, clientv3.LeaseID(kvs[0].Lease))
			result = cluster.AcquireResult{Acquired: true}
			return nil
		}
		result = cluster.AcquireResult{HeldBy: holder}
		return nil
	})
	if err != nil {
		return cluster.AcquireResult{}, fmt.Errorf("etcdstore: acquire %s: %w", identity, err)
	}
	return result, nil
}

// Refresh extends the reservation's lease.
func (s *Store) Refresh(ctx context.Context, identity cluster.ClusterIdentity, owner string, ttl time.Duration) error {
	s.mu.Lock()
	lease, ok := s.leases[identity]
	s.mu.Unlock()
	if !ok {
		// Recover the lease id from the key itself.
		resp, err := s.client.Get(ctx, s.key(identity))
		if err != nil {
			return fmt.Errorf("etcdstore: refresh lookup %s: %w", identity, err)
		}
		if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != owner {
			return fmt.Errorf("etcdstore: reservation %s not held by %s", identity, owner)
		}
		lease = clientv3.LeaseID(resp.Kvs[0].Lease)
		s.mu.Lock()
		s.leases[identity] = lease
		s.mu.Unlock()
	}
	return s.retry(ctx, func() error {
		_, err := s.client.KeepAliveOnce(ctx, lease)
		return err
	})
}

// Release deletes the reservation if it is held by owner.
func (s *Store) Release(ctx context.Context, identity cluster.ClusterIdentity, owner string) error {
	s.mu.Lock()
	lease, hadLease := s.leases[identity]
	delete(s.leases, identity)
	s.mu.Unlock()
	err := s.retry(ctx, func() error {
		key := s.key(identity)
		_, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(key), "=", owner)).
			Then(clientv3.OpDelete(key)).
			Commit()
		return err
	})
	if hadLease {
		_, _ = s.client.Revoke(ctx, lease)
	}
	if err != nil {
		return fmt.Errorf("etcdstore: release %s: %w", identity, err)
	}
	return nil
}

// Lookup returns the reservation's owner address, if any.
func (s *Store) Lookup(ctx context.Context, identity cluster.ClusterIdentity) (string, bool, error) {
	var (
		owner string
		found bool
	)
	err := s.retry(ctx, func() error {
		resp, err := s.client.Get(ctx, s.key(identity))
		if err != nil {
			return err
		}
		if len(resp.Kvs) > 0 {
			owner = string(resp.Kvs[0].Value)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("etcdstore: lookup %s: %w", identity, err)
	}
	return owner, found, nil
}

func (s *Store) retry(ctx context.Context, op func() error) error {
	return retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Millisecond*100),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
