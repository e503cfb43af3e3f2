// Package relay keeps the table of signed-in peers and forwards media
// signaling between them without looking at its content.
package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/1ureka/p2pchat/internal/protocol"
)

var (
	ErrPeerUnavailable = errors.New("relay: peer unavailable")
	ErrDuplicateName   = errors.New("relay: name already signed in")
	ErrDuplicateID     = errors.New("relay: id already registered")
	ErrRegistryFull    = errors.New("relay: too many peers")
)

// Endpoint is how the relay reaches a signed-in peer.
type Endpoint interface {
	ForwardMedia(from uint32, code int32) error
	ForwardMediaMessage(from uint32, msg string) error
	SendUserInfo(id uint32, name string, presence protocol.Presence) error
}

// Peer is a registry entry. Values returned by the registry are copies.
type Peer struct {
	ID       uint32
	Name     string
	Presence protocol.Presence
	Endpoint Endpoint
}

type Registry struct {
	max int

	mu    sync.RWMutex
	peers map[uint32]Peer
	names map[string]uint32
}

// NewRegistry returns an empty registry holding at most max peers (0 means
// unlimited).
func NewRegistry(max int) *Registry {
	return &Registry{
		max:   max,
		peers: make(map[uint32]Peer),
		names: make(map[string]uint32),
	}
}

// Add registers p. Names are unique among signed-in peers.
func (r *Registry) Add(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ID]; ok {
		return ErrDuplicateID
	}
	if _, ok := r.names[p.Name]; ok {
		return ErrDuplicateName
	}
	if r.max > 0 && len(r.peers) >= r.max {
		return ErrRegistryFull
	}
	if p.Presence == 0 {
		p.Presence = protocol.PresenceOnline
	}
	r.peers[p.ID] = p
	r.names[p.Name] = p.ID
	return nil
}

// Remove deletes id and returns the entry it had.
func (r *Registry) Remove(id uint32) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	delete(r.peers, id)
	if r.names[p.Name] == id {
		delete(r.names, p.Name)
	}
	return p, true
}

func (r *Registry) Get(id uint32) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Registry) ByName(name string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	if !ok {
		return Peer{}, false
	}
	return r.peers[id], true
}

// SetPresence updates the presence of id and returns the updated entry.
func (r *Registry) SetPresence(id uint32, presence protocol.Presence) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	p.Presence = presence
	r.peers[id] = p
	return p, true
}

// List returns every peer sorted by id.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
