package relay

import (
	"fmt"

	"github.com/1ureka/p2pchat/internal/metrics"
	"github.com/1ureka/p2pchat/internal/protocol"
	"github.com/1ureka/p2pchat/internal/util"
)

// Router forwards media requests and messages to their target peer.
// Payloads are passed through untouched.
type Router struct {
	registry *Registry
	metrics  *metrics.Metrics
}

// NewRouter returns a router over registry. m may be nil.
func NewRouter(registry *Registry, m *metrics.Metrics) *Router {
	return &Router{registry: registry, metrics: m}
}

func (r *Router) Registry() *Registry { return r.registry }

// ForwardMediaRequest delivers code from peer `from` to peer `to`.
func (r *Router) ForwardMediaRequest(to, from uint32, code int32) error {
	target, ok := r.registry.Get(to)
	if !ok {
		r.dropped("media_request")
		return fmt.Errorf("%w: %d", ErrPeerUnavailable, to)
	}
	if err := target.Endpoint.ForwardMedia(from, code); err != nil {
		r.dropped("media_request")
		return fmt.Errorf("forward media request to %d: %w", to, err)
	}
	r.forwarded("media_request")
	return nil
}

// ForwardMediaMessage delivers payload from peer `from` to peer `to`.
func (r *Router) ForwardMediaMessage(to, from uint32, payload string) error {
	target, ok := r.registry.Get(to)
	if !ok {
		r.dropped("media_message")
		return fmt.Errorf("%w: %d", ErrPeerUnavailable, to)
	}
	if err := target.Endpoint.ForwardMediaMessage(from, payload); err != nil {
		r.dropped("media_message")
		return fmt.Errorf("forward media message to %d: %w", to, err)
	}
	r.forwarded("media_message")
	return nil
}

// Broadcast tells every other registered peer about p.
func (r *Router) Broadcast(p Peer) {
	for _, other := range r.registry.List() {
		if other.ID == p.ID {
			continue
		}
		if err := other.Endpoint.SendUserInfo(p.ID, p.Name, p.Presence); err != nil {
			util.LogDebug("user info for %d not delivered to %d: %v", p.ID, other.ID, err)
		}
	}
}

// Snapshot sends every other registered peer to peer `to`.
func (r *Router) Snapshot(to uint32) error {
	target, ok := r.registry.Get(to)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerUnavailable, to)
	}
	for _, p := range r.registry.List() {
		if p.ID == to {
			continue
		}
		if err := target.Endpoint.SendUserInfo(p.ID, p.Name, p.Presence); err != nil {
			return fmt.Errorf("snapshot to %d: %w", to, err)
		}
	}
	return nil
}

// Leave removes id and broadcasts it as offline.
func (r *Router) Leave(id uint32) {
	p, ok := r.registry.Remove(id)
	if !ok {
		return
	}
	p.Presence = protocol.PresenceOffline
	r.Broadcast(p)
	r.metrics.SetOnline(r.registry.Len())
}

// Join registers p without announcing it.
func (r *Router) Join(p Peer) error {
	if err := r.registry.Add(p); err != nil {
		return err
	}
	r.metrics.SetOnline(r.registry.Len())
	return nil
}

// Announce sends the current peer list to id and tells everyone else about
// it.
func (r *Router) Announce(id uint32) error {
	p, ok := r.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerUnavailable, id)
	}
	if err := r.Snapshot(id); err != nil {
		return err
	}
	r.Broadcast(p)
	return nil
}

func (r *Router) forwarded(kind string) {
	util.Stats.AddRelayed()
	r.metrics.Relayed(kind, "forwarded")
}

func (r *Router) dropped(kind string) {
	util.Stats.AddDropped()
	r.metrics.Relayed(kind, "dropped")
}
