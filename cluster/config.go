package cluster

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Should be a reasonable timeout so long distance nodes could work.
var defaultRequestTimeout = time.Second

// Config holds the cluster configuration.
type Config struct {
	id                    string
	listenAddr            string
	isClient              bool
	kinds                 []*Kind
	provider              Provider
	lookup                IdentityLookup
	transport             Transport
	requestTimeout        time.Duration
	requestAttempts       int
	gossipInterval        time.Duration
	gossipFanOut          int
	pidCacheClearInterval time.Duration
	pidCacheTimeToLive    time.Duration
	memberHealthTimeout   time.Duration
	registerer            prometheus.Registerer
}

// NewConfig returns a Config that is initialized with default values.
// A transport, a provider and an identity lookup must still be set
// before the cluster can start.
func NewConfig() Config {
	return Config{
		id:                    uuid.NewString(),
		listenAddr:            getRandomListenAddr(),
		requestTimeout:        defaultRequestTimeout,
		requestAttempts:       3,
		gossipInterval:        time.Millisecond * 300,
		gossipFanOut:          3,
		pidCacheClearInterval: time.Second * 30,
		pidCacheTimeToLive:    time.Minute * 10,
		memberHealthTimeout:   time.Second * 20,
		registerer:            prometheus.DefaultRegisterer,
	}
}

// WithID sets the ID of this member.
// Defaults to a randomly generated ID.
func (cfg Config) WithID(id string) Config {
	cfg.id = id
	return cfg
}

// WithListenAddr sets the listen address of the underlying transport.
// Defaults to a random port number.
func (cfg Config) WithListenAddr(addr string) Config {
	cfg.listenAddr = addr
	return cfg
}

// WithClient marks this member as a client: it can send requests to
// grains but hosts none itself.
func (cfg Config) WithClient(isClient bool) Config {
	cfg.isClient = isClient
	return cfg
}

// WithKinds registers the grain kinds this member can host.
// NOTE: kinds can only be registered before the cluster is started.
func (cfg Config) WithKinds(kinds ...*Kind) Config {
	cfg.kinds = append(cfg.kinds, kinds...)
	return cfg
}

// WithProvider sets the cluster's membership provider.
func (cfg Config) WithProvider(p Provider) Config {
	cfg.provider = p
	return cfg
}

// WithIdentityLookup sets the identity lookup back-end.
func (cfg Config) WithIdentityLookup(l IdentityLookup) Config {
	cfg.lookup = l
	return cfg
}

// WithTransport sets the wire transport between members.
func (cfg Config) WithTransport(t Transport) Config {
	cfg.transport = t
	return cfg
}

// WithRequestTimeout sets the maximum amount of time a single request
// attempt can take between members of the cluster.
// Defaults to one second to support communication between nodes in
// other regions.
func (cfg Config) WithRequestTimeout(d time.Duration) Config {
	cfg.requestTimeout = d
	return cfg
}

// WithRequestAttempts caps how many times a request is retried across
// re-placements before giving up. Defaults to 3.
func (cfg Config) WithRequestAttempts(n int) Config {
	cfg.requestAttempts = n
	return cfg
}

// WithGossipInterval sets the anti-entropy cadence. Defaults to 300ms.
func (cfg Config) WithGossipInterval(d time.Duration) Config {
	cfg.gossipInterval = d
	return cfg
}

// WithGossipFanOut sets how many peers are gossiped with per tick.
// Defaults to 3.
func (cfg Config) WithGossipFanOut(n int) Config {
	cfg.gossipFanOut = n
	return cfg
}

// WithPidCacheClearInterval sets the PID cache cleanup cadence. A value
// of zero or below disables the cleanup task.
func (cfg Config) WithPidCacheClearInterval(d time.Duration) Config {
	cfg.pidCacheClearInterval = d
	return cfg
}

// WithPidCacheTimeToLive sets the idle TTL of PID cache entries. A
// value of zero or below disables the cleanup task.
func (cfg Config) WithPidCacheTimeToLive(d time.Duration) Config {
	cfg.pidCacheTimeToLive = d
	return cfg
}

// WithMemberHealthTimeout sets how long the provider may report the
// local member missing before the cluster fences itself off.
func (cfg Config) WithMemberHealthTimeout(d time.Duration) Config {
	cfg.memberHealthTimeout = d
	return cfg
}

// WithRegisterer sets the prometheus registerer the cluster's gauges
// are registered with. Defaults to the default registerer.
func (cfg Config) WithRegisterer(r prometheus.Registerer) Config {
	cfg.registerer = r
	return cfg
}

func getRandomListenAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", rand.Intn(50000)+10000)
}
