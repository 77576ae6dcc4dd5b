package cluster

// Provider is the pluggable membership back-end. It discovers peers and
// feeds raw member sightings into the cluster's MemberList via SeenAlive
// and SeenDead. Shutdown must be idempotent; an abrupt shutdown relies
// on provider-side TTL expiry to evict the member.
type Provider interface {
	StartMember(c *Cluster) error
	StartClient(c *Cluster) error
	Shutdown(graceful bool) error
}
