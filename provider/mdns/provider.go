// Package mdns discovers cluster members over zeroconf/mDNS. Each
// member announces itself as a service instance whose TXT records carry
// its id and kinds; periodic browse rounds double as liveness checks.
package mdns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/vespiary/hive/cluster"
)

const (
	serviceName = "_hive_"
	domain      = "local."
)

// Config holds the mDNS provider configuration.
type Config struct {
	BrowseInterval time.Duration
	DeadAfter      time.Duration
}

// NewConfig returns a Config initialized with default values.
func NewConfig() Config {
	return Config{
		BrowseInterval: time.Second * 2,
		DeadAfter:      time.Second * 6,
	}
}

// WithBrowseInterval sets the cadence of discovery rounds.
func (cfg Config) WithBrowseInterval(d time.Duration) Config {
	cfg.BrowseInterval = d
	return cfg
}

// WithDeadAfter sets how long a member may go unseen before it is
// reported dead.
func (cfg Config) WithDeadAfter(d time.Duration) Config {
	cfg.DeadAfter = d
	return cfg
}

type Provider struct {
	config    Config
	cluster   *cluster.Cluster
	announcer *zeroconf.Server
	cancel    context.CancelFunc

	mu       sync.Mutex
	lastSeen map[string]time.Time

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewProvider(cfg Config) *Provider {
	return &Provider{
		config:   cfg,
		lastSeen: make(map[string]time.Time),
	}
}

func (p *Provider) StartMember(c *cluster.Cluster) error {
	return p.start(c, c.Member())
}

// StartClient joins as a non-hosting member: announced like any other
// so peers can see it, but with no kinds.
func (p *Provider) StartClient(c *cluster.Cluster) error {
	member := c.Member()
	member.Kinds = nil
	return p.start(c, member)
}

func (p *Provider) start(c *cluster.Cluster, self *cluster.Member) error {
	p.cluster = c
	host, portStr, err := net.SplitHostPort(self.Address)
	if err != nil {
		return fmt.Errorf("mdns: invalid listen address %q: %w", self.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("mdns: invalid listen port %q: %w", portStr, err)
	}
	server, err := zeroconf.RegisterProxy(
		self.ID,
		serviceName,
		domain,
		port,
		fmt.Sprintf("member_%s", self.ID),
		[]string{host},
		txtRecords(self),
		nil,
	)
	if err != nil {
		return fmt.Errorf("mdns: announce: %w", err)
	}
	p.announcer = server

	// The provider is the authority for the local member too; without
	// this, a single-node cluster would never become self-aware.
	c.MemberList().SeenAlive(self)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.browseLoop(ctx, self)
	}()
	return nil
}

func (p *Provider) Shutdown(graceful bool) error {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		if p.announcer != nil {
			p.announcer.Shutdown()
		}
		p.wg.Wait()
	})
	return nil
}

// browseLoop runs one discovery round per interval and evicts members
// unseen for longer than DeadAfter.
func (p *Provider) browseLoop(ctx context.Context, self *cluster.Member) {
	ticker := time.NewTicker(p.config.BrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.browseOnce(ctx, self)
			p.evictStale(self.ID)
		}
	}
}

func (p *Provider) browseOnce(ctx context.Context, self *cluster.Member) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		slog.Error("[MDNS] resolver", "err", err)
		return
	}
	roundCtx, cancel := context.WithTimeout(ctx, p.config.BrowseInterval)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			p.handleEntry(entry, self)
		}
	}()
	if err := resolver.Browse(roundCtx, serviceName, domain, entries); err != nil {
		slog.Error("[MDNS] discovery failed", "err", err)
		<-done
		return
	}
	<-done
	// The local member counts as sighted every round the announcer is
	// still up.
	p.cluster.MemberList().SeenAlive(self)
}

func (p *Provider) handleEntry(entry *zeroconf.ServiceEntry, self *cluster.Member) {
	if entry.Instance == self.ID {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}
	member := memberFromTXT(entry.Instance, entry.Text)
	member.Address = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	p.mu.Lock()
	p.lastSeen[member.ID] = time.Now()
	p.mu.Unlock()
	p.cluster.MemberList().SeenAlive(member)
}

func (p *Provider) evictStale(selfID string) {
	deadline := time.Now().Add(-p.config.DeadAfter)
	p.mu.Lock()
	var dead []string
	for id, seen := range p.lastSeen {
		if id != selfID && seen.Before(deadline) {
			dead = append(dead, id)
			delete(p.lastSeen, id)
		}
	}
	p.mu.Unlock()
	for _, id := range dead {
		slog.Debug("[MDNS] member unseen past deadline", "id", id)
		p.cluster.MemberList().SeenDead(id)
	}
}

func txtRecords(m *cluster.Member) []string {
	return []string{
		"id=" + m.ID,
		"kinds=" + strings.Join(m.Kinds, ","),
	}
}

func memberFromTXT(instance string, text []string) *cluster.Member {
	member := &cluster.Member{ID: instance}
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			member.ID = value
		case "kinds":
			if value != "" {
				member.Kinds = strings.Split(value, ",")
			}
		}
	}
	return member
}
