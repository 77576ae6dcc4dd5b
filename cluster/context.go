package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// Request sends msg to the virtual actor named by identity and awaits
// its typed response. The PID is resolved through the cache with the
// identity lookup as fallback; a transport failure or dead letter
// invalidates the cached entry and the resolution is retried with
// exponential backoff, capped by both the attempt count and the
// caller's context.
func (c *Cluster) Request(ctx context.Context, identity ClusterIdentity, msg any) (any, error) {
	if c.state.Load() != stateRunning {
		return nil, ErrShutdown
	}
	typeName, payload, err := c.config.transport.Serialize(msg)
	if err != nil {
		return nil, fmt.Errorf("cluster: serialize request: %w", err)
	}
	req := &GrainRequest{
		Kind:        identity.Kind,
		ID:          identity.ID,
		PayloadType: typeName,
		Payload:     payload,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond * 50

	var lastErr error
	for attempt := 0; attempt < c.config.requestAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, hit := c.pidCache.TryGet(identity)
		if !hit {
			pid, err = c.config.lookup.Get(ctx, identity)
			if err != nil {
				lastErr = err
				if waitErr := waitBackoff(ctx, bo); waitErr != nil {
					return nil, fmt.Errorf("cluster: resolve %s: %w", identity, lastErr)
				}
				continue
			}
			pid = c.pidCache.TrySet(identity, pid)
		}
		resp, err := c.config.transport.Request(ctx, pid.Address, TargetGrain, req, c.config.requestTimeout)
		if err != nil {
			// Stale placement or unreachable member: forget it and
			// resolve again.
			c.pidCache.Remove(identity)
			lastErr = err
			if waitErr := waitBackoff(ctx, bo); waitErr != nil {
				break
			}
			continue
		}
		grainResp, ok := resp.(*GrainResponse)
		if !ok {
			return resp, nil
		}
		if grainResp.PayloadType == "" {
			return nil, nil
		}
		return c.config.transport.Deserialize(grainResp.PayloadType, grainResp.Payload)
	}
	return nil, fmt.Errorf("cluster: request to %s failed: %w", identity, lastErr)
}

// Send delivers a one-way message to a known PID, bypassing placement.
func (c *Cluster) Send(ctx context.Context, pid *PID, msg any) error {
	if c.state.Load() != stateRunning {
		return ErrShutdown
	}
	identity, ok := identityFromPID(pid)
	if !ok {
		return fmt.Errorf("cluster: pid %s does not name a grain", pid)
	}
	typeName, payload, err := c.config.transport.Serialize(msg)
	if err != nil {
		return fmt.Errorf("cluster: serialize send: %w", err)
	}
	return c.config.transport.Send(ctx, pid.Address, TargetGrain, &GrainRequest{
		Kind:        identity.Kind,
		ID:          identity.ID,
		PayloadType: typeName,
		Payload:     payload,
	})
}

// Publish fans msg out to the subscribers of a pub/sub topic, which is
// anchored by the built-in topic kind.
func (c *Cluster) Publish(ctx context.Context, topic string, msg any) error {
	typeName, payload, err := c.config.transport.Serialize(msg)
	if err != nil {
		return fmt.Errorf("cluster: serialize publish: %w", err)
	}
	_, err = c.Request(ctx, NewClusterIdentity(TopicKindName, topic), &PublishToTopic{
		PayloadType: typeName,
		Payload:     payload,
	})
	return err
}

// SubscribeTopic registers a PID with a topic's subscriber set.
func (c *Cluster) SubscribeTopic(ctx context.Context, topic string, subscriber *PID) error {
	_, err := c.Request(ctx, NewClusterIdentity(TopicKindName, topic), &SubscribeTopic{Subscriber: subscriber})
	return err
}

// UnsubscribeTopic removes a PID from a topic's subscriber set.
func (c *Cluster) UnsubscribeTopic(ctx context.Context, topic string, subscriber *PID) error {
	_, err := c.Request(ctx, NewClusterIdentity(TopicKindName, topic), &UnsubscribeTopic{Subscriber: subscriber})
	return err
}

// handleGrainRequest serves grain traffic arriving over the transport.
func (c *Cluster) handleGrainRequest(ctx context.Context, sender string, msg any) (any, error) {
	req, ok := msg.(*GrainRequest)
	if !ok {
		return nil, fmt.Errorf("cluster: unexpected grain message from %s", sender)
	}
	payload, err := c.config.transport.Deserialize(req.PayloadType, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("cluster: deserialize grain payload: %w", err)
	}
	resp, err := c.activator.Invoke(ctx, NewClusterIdentity(req.Kind, req.ID), payload)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &GrainResponse{}, nil
	}
	typeName, data, err := c.config.transport.Serialize(resp)
	if err != nil {
		return nil, fmt.Errorf("cluster: serialize grain response: %w", err)
	}
	return &GrainResponse{
		PayloadType: typeName,
		Payload:     data,
	}, nil
}

// handleActivationRequest serves placement traffic: another member
// believes this one is the owner candidate for the identity.
func (c *Cluster) handleActivationRequest(ctx context.Context, sender string, msg any) (any, error) {
	req, ok := msg.(*ActivationRequest)
	if !ok {
		return nil, fmt.Errorf("cluster: unexpected activation message from %s", sender)
	}
	pid, err := c.config.lookup.Get(ctx, NewClusterIdentity(req.Kind, req.ID))
	if err != nil {
		slog.Error("[CLUSTER] activation failed", "kind", req.Kind, "id", req.ID, "err", err)
		return nil, err
	}
	return &ActivationResponse{
		Address: pid.Address,
		PidID:   pid.ID,
	}, nil
}

// identityFromPID recovers the grain identity a PID was minted for.
func identityFromPID(pid *PID) (ClusterIdentity, bool) {
	kind, id, ok := strings.Cut(pid.ID, pidSep)
	if !ok {
		return ClusterIdentity{}, false
	}
	return NewClusterIdentity(kind, id), true
}

func waitBackoff(ctx context.Context, bo backoff.BackOff) error {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return fmt.Errorf("cluster: backoff exhausted")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
