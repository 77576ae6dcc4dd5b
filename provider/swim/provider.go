// Package swim discovers cluster members with hashicorp/memberlist's
// SWIM protocol. Each node's metadata carries its member id, transport
// address and kinds; memberlist's join/leave events translate directly
// into MemberList sightings.
package swim

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/vespiary/hive/cluster"
)

// Config holds the SWIM provider configuration.
type Config struct {
	BindAddr      string
	BindPort      int
	Seeds         []string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	LeaveTimeout  time.Duration
}

// NewConfig returns a Config initialized with default values.
func NewConfig() Config {
	return Config{
		BindAddr:      "0.0.0.0",
		ProbeInterval: time.Second,
		ProbeTimeout:  time.Millisecond * 500,
		LeaveTimeout:  time.Second * 5,
	}
}

// WithBind sets the gossip bind address and port.
func (cfg Config) WithBind(addr string, port int) Config {
	cfg.BindAddr = addr
	cfg.BindPort = port
	return cfg
}

// WithSeeds sets the nodes joined at startup.
func (cfg Config) WithSeeds(seeds ...string) Config {
	cfg.Seeds = append(cfg.Seeds, seeds...)
	return cfg
}

// WithProbe sets the SWIM probe interval and timeout.
func (cfg Config) WithProbe(interval, timeout time.Duration) Config {
	cfg.ProbeInterval = interval
	cfg.ProbeTimeout = timeout
	return cfg
}

// WithLeaveTimeout sets how long a graceful shutdown waits for the
// leave broadcast.
func (cfg Config) WithLeaveTimeout(d time.Duration) Config {
	cfg.LeaveTimeout = d
	return cfg
}

// nodeMeta is the JSON payload carried in each node's metadata.
type nodeMeta struct {
	ID      string   `json:"id"`
	Address string   `json:"address"`
	Kinds   []string `json:"kinds,omitempty"`
}

type delegate struct {
	meta []byte
}

func (d *delegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		slog.Warn("[SWIM] node meta truncated", "size", len(d.meta), "limit", limit)
		return d.meta[:limit]
	}
	return d.meta
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

type Provider struct {
	config  Config
	cluster *cluster.Cluster
	list    *memberlist.Memberlist

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewProvider(cfg Config) *Provider {
	return &Provider{
		config: cfg,
		stopCh: make(chan struct{}),
	}
}

func (p *Provider) StartMember(c *cluster.Cluster) error {
	return p.start(c, c.Member())
}

func (p *Provider) StartClient(c *cluster.Cluster) error {
	member := c.Member()
	member.Kinds = nil
	return p.start(c, member)
}

func (p *Provider) start(c *cluster.Cluster, self *cluster.Member) error {
	p.cluster = c
	meta, err := json.Marshal(nodeMeta{
		ID:      self.ID,
		Address: self.Address,
		Kinds:   self.Kinds,
	})
	if err != nil {
		return fmt.Errorf("swim: marshal node meta: %w", err)
	}

	const eventBufSize = 256
	events := make(chan memberlist.NodeEvent, eventBufSize)

	config := memberlist.DefaultLANConfig()
	config.Name = self.ID
	config.BindAddr = p.config.BindAddr
	config.BindPort = p.config.BindPort
	config.AdvertisePort = p.config.BindPort
	config.ProbeInterval = p.config.ProbeInterval
	config.ProbeTimeout = p.config.ProbeTimeout
	config.LogOutput = io.Discard
	config.Delegate = &delegate{meta: meta}
	config.Events = &memberlist.ChannelEventDelegate{Ch: events}

	list, err := memberlist.Create(config)
	if err != nil {
		return fmt.Errorf("swim: failed to create memberlist: %w", err)
	}
	p.list = list

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.handleEvents(events)
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.touchSelfLoop(self)
	}()

	if len(p.config.Seeds) > 0 {
		if _, err := list.Join(p.config.Seeds); err != nil {
			return fmt.Errorf("swim: failed to join seeds: %w", err)
		}
	}
	return nil
}

func (p *Provider) Shutdown(graceful bool) error {
	p.stopOnce.Do(func() {
		if p.list != nil {
			if graceful {
				if err := p.list.Leave(p.config.LeaveTimeout); err != nil {
					slog.Warn("[SWIM] leave failed", "err", err)
				}
			}
			if err := p.list.Shutdown(); err != nil {
				slog.Warn("[SWIM] shutdown failed", "err", err)
			}
		}
		close(p.stopCh)
		p.wg.Wait()
	})
	return nil
}

func (p *Provider) handleEvents(events <-chan memberlist.NodeEvent) {
	for {
		select {
		case <-p.stopCh:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Event {
			case memberlist.NodeJoin, memberlist.NodeUpdate:
				member, err := memberFromNode(event.Node)
				if err != nil {
					slog.Warn("[SWIM] node with invalid meta", "node", event.Node.Name, "err", err)
					continue
				}
				p.cluster.MemberList().SeenAlive(member)
			case memberlist.NodeLeave:
				p.cluster.MemberList().SeenDead(event.Node.Name)
			}
		}
	}
}

// touchSelfLoop keeps the local member's provider sighting fresh while
// the memberlist still contains it, feeding the cluster's self-fencing
// check.
func (p *Provider) touchSelfLoop(self *cluster.Member) {
	ticker := time.NewTicker(p.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, node := range p.list.Members() {
				if node.Name == self.ID {
					p.cluster.MemberList().SeenAlive(self)
					break
				}
			}
		}
	}
}

func memberFromNode(node *memberlist.Node) (*cluster.Member, error) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return nil, err
	}
	if meta.ID == "" || meta.Address == "" {
		return nil, fmt.Errorf("swim: node %s carries no usable meta", node.Name)
	}
	return &cluster.Member{
		ID:      meta.ID,
		Address: meta.Address,
		Kinds:   meta.Kinds,
	}, nil
}
