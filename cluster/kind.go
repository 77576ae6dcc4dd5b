package cluster

import (
	"log/slog"
	"sort"
	"sync/atomic"
)

// TopicKindName is the built-in pub/sub anchor kind. Non-client members
// always host it unless the user registered their own.
const TopicKindName = "hive.topic"

// Kind is a type of grain this member can host. Kinds are registered at
// startup and immutable thereafter.
type Kind struct {
	Name     string
	Producer GrainProducer

	activated atomic.Int64
}

func NewKind(name string, p GrainProducer) *Kind {
	return &Kind{
		Name:     name,
		Producer: p,
	}
}

// ActivatedCount is the number of activations of this kind currently
// hosted by the local member.
func (k *Kind) ActivatedCount() int64 {
	return k.activated.Load()
}

// KindRegistry catalogs the kinds the local member can host. The catalog
// is frozen at construction; reads need no locking.
type KindRegistry struct {
	kinds map[string]*Kind
}

// NewKindRegistry builds the registry. When isClient is false a built-in
// topic kind is added unless the caller supplied one.
func NewKindRegistry(kinds []*Kind, isClient bool) *KindRegistry {
	m := make(map[string]*Kind, len(kinds)+1)
	for _, k := range kinds {
		m[k.Name] = k
	}
	if !isClient {
		if _, ok := m[TopicKindName]; !ok {
			m[TopicKindName] = NewKind(TopicKindName, func() Grain { return &topicGrain{} })
		}
	}
	return &KindRegistry{kinds: m}
}

// Get returns the kind or ErrUnknownKind.
func (r *KindRegistry) Get(name string) (*Kind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return nil, ErrUnknownKind
	}
	return k, nil
}

func (r *KindRegistry) TryGet(name string) (*Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// AllNames returns the registered kind names, sorted.
func (r *KindRegistry) AllNames() []string {
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// topicGrain anchors pub/sub topics. Subscribers are addresses of PIDs
// interested in the topic; publishing forwards the payload to each.
type topicGrain struct {
	subscribers map[string]*PID
}

// Topic control messages. Publish payloads stay serialized so the
// envelope is flat on the wire; the grain decodes the payload once and
// each forward to a subscriber serializes it again.
type (
	SubscribeTopic struct {
		Subscriber *PID
	}
	UnsubscribeTopic struct {
		Subscriber *PID
	}
	PublishToTopic struct {
		PayloadType string
		Payload     []byte
	}
	TopicAck struct{}
)

func (t *topicGrain) Receive(ctx *GrainContext) {
	if t.subscribers == nil {
		t.subscribers = make(map[string]*PID)
	}
	switch msg := ctx.Message().(type) {
	case *SubscribeTopic:
		t.subscribers[msg.Subscriber.String()] = msg.Subscriber
		ctx.Respond(&TopicAck{})
	case *UnsubscribeTopic:
		delete(t.subscribers, msg.Subscriber.String())
		ctx.Respond(&TopicAck{})
	case *PublishToTopic:
		payload, err := ctx.Cluster().Transport().Deserialize(msg.PayloadType, msg.Payload)
		if err != nil {
			slog.Error("[CLUSTER] topic publish with unknown payload", "type", msg.PayloadType, "err", err)
			ctx.Respond(&TopicAck{})
			return
		}
		for _, sub := range t.subscribers {
			ctx.Forward(sub, payload)
		}
		ctx.Respond(&TopicAck{})
	}
}
