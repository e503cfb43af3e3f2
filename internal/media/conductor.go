// Package media negotiates a WebRTC session with one peer at a time. It is
// the only component that understands the strings exchanged in media
// messages; the server relays them untouched.
package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pchat/internal/client"
	"github.com/1ureka/p2pchat/internal/protocol"
	"github.com/1ureka/p2pchat/internal/util"
)

const defaultGatherTimeout = 5 * time.Second

var (
	ErrCallInProgress = errors.New("media: a call is already in progress")
	ErrNoCall         = errors.New("media: no call in progress")
)

// Signaler is the part of the signaling client the conductor drives.
// *client.Client implements it.
type Signaler interface {
	RequestToPeer(id uint32) error
	SendToPeer(id uint32, msg string) error
	SendHangUp(id uint32) error
	Peers() map[uint32]string
}

// View is whatever presents the session to the user.
type View interface {
	SignedIn()
	PeersChanged(peers map[uint32]string)
	CallStarted(peerID uint32)
	CallEnded(peerID uint32)
	ChatMessage(peerID uint32, text string)
	Disconnected()
	Notify(msg string)
}

type Config struct {
	STUNServers   []string
	GatherTimeout time.Duration
}

var _ client.Observer = (*Conductor)(nil)

// Conductor turns signaling events into a PeerConnection and back. Offers
// and answers are sent once ICE gathering completes, so no candidates are
// trickled; candidates received from the other side are still applied.
type Conductor struct {
	cfg  Config
	view View

	mu   sync.Mutex
	sig  Signaler
	call *call
}

func NewConductor(cfg Config, view View) *Conductor {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	return &Conductor{cfg: cfg, view: view}
}

// Bind sets the signaling client. It must be called before the client
// connects.
func (c *Conductor) Bind(sig Signaler) {
	c.mu.Lock()
	c.sig = sig
	c.mu.Unlock()
}

func (c *Conductor) signaler() Signaler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

// Call asks peer to start a call. The offer is sent once the peer accepts.
func (c *Conductor) Call(peer uint32) error {
	c.mu.Lock()
	if c.call != nil {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	cl := newCall(peer)
	c.call = cl
	sig := c.sig
	c.mu.Unlock()

	if err := sig.RequestToPeer(peer); err != nil {
		c.detach(cl)
		return err
	}
	util.LogInfo("calling peer %d", peer)
	return nil
}

// HangUp ends the current call and tells the peer.
func (c *Conductor) HangUp() error {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl == nil || !c.detach(cl) {
		return ErrNoCall
	}
	err := c.signaler().SendHangUp(cl.peer)
	c.view.CallEnded(cl.peer)
	return err
}

// Send writes text to the peer over the data channel.
func (c *Conductor) Send(text string) error {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl == nil {
		return ErrNoCall
	}
	dc := cl.dc.Load()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("media: channel to peer %d is not open", cl.peer)
	}
	return dc.SendText(text)
}

// Peer returns the peer of the current call.
func (c *Conductor) Peer() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return 0, false
	}
	return c.call.peer, true
}

// detach clears cl if it is still the current call and releases it.
func (c *Conductor) detach(cl *call) bool {
	c.mu.Lock()
	current := c.call == cl
	if current {
		c.call = nil
	}
	c.mu.Unlock()
	cl.close()
	return current
}

// fail ends cl after a negotiation error and releases the peer.
func (c *Conductor) fail(cl *call, err error) {
	if !c.detach(cl) {
		return
	}
	util.LogError("call with peer %d failed: %v", cl.peer, err)
	if sig := c.signaler(); sig != nil {
		_ = sig.SendHangUp(cl.peer)
	}
	c.view.CallEnded(cl.peer)
	c.view.Notify(fmt.Sprintf("call with peer %d failed", cl.peer))
}

// ---- client.Observer -------------------------------------------------------

func (c *Conductor) OnSignedIn() { c.view.SignedIn() }

func (c *Conductor) OnDisconnected() {
	c.endAny()
	c.view.Disconnected()
}

func (c *Conductor) OnServerConnectionFailure(err error) {
	c.endAny()
	c.view.Notify(fmt.Sprintf("lost connection to server: %v", err))
	c.view.Disconnected()
}

func (c *Conductor) OnNotification(msg string) { c.view.Notify(msg) }

func (c *Conductor) OnPeerConnected(uint32, string) { c.view.PeersChanged(c.peers()) }

func (c *Conductor) OnPeerDisconnected(id uint32) {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl != nil && cl.peer == id && c.detach(cl) {
		util.LogInfo("peer %d hung up", id)
		c.view.CallEnded(id)
	}
	c.view.PeersChanged(c.peers())
}

// IsBusy reports whether a call is bound to a peer and has a
// PeerConnection.
func (c *Conductor) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call != nil && c.call.pc.Load() != nil
}

func (c *Conductor) OnPeerResponse(id uint32, code int32) {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl == nil || cl.peer != id {
		util.LogDebug("ignoring response %d from peer %d", code, id)
		return
	}

	switch code {
	case protocol.CodeAccept:
		cl.do(func() { c.offer(cl) })
	case protocol.CodeReject:
		c.detach(cl)
		c.view.Notify(fmt.Sprintf("peer %d rejected the call", id))
	case protocol.CodeUnavailable:
		c.detach(cl)
		c.view.Notify(fmt.Sprintf("peer %d is not available", id))
	default:
		util.LogWarning("unexpected response code %d from peer %d", code, id)
	}
}

func (c *Conductor) OnMessageFromPeer(id uint32, msg string) {
	s, err := parseSignal(msg)
	if err != nil {
		util.LogWarning("message from peer %d: %v", id, err)
		return
	}

	c.mu.Lock()
	cl := c.call
	if cl == nil && s.Type == kindOffer {
		cl = newCall(id)
		c.call = cl
	}
	c.mu.Unlock()

	if cl == nil || cl.peer != id {
		util.LogWarning("dropping %s from peer %d, not in a call with it", s.Type, id)
		if s.Type == kindOffer {
			_ = c.signaler().SendHangUp(id)
		}
		return
	}

	switch s.Type {
	case kindOffer:
		cl.do(func() { c.answer(cl, s) })
	case kindAnswer:
		cl.do(func() { c.accept(cl, s) })
	case kindCandidate:
		cl.do(func() { c.addCandidate(cl, s.candidate()) })
	}
}

func (c *Conductor) peers() map[uint32]string {
	if sig := c.signaler(); sig != nil {
		return sig.Peers()
	}
	return nil
}

func (c *Conductor) endAny() {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl != nil && c.detach(cl) {
		c.view.CallEnded(cl.peer)
	}
}

// ---- negotiation, run on the call's loop -----------------------------------

func (c *Conductor) ensure(cl *call) (*webrtc.PeerConnection, error) {
	if pc := cl.pc.Load(); pc != nil {
		return pc, nil
	}

	pc, err := newPeerConnection(c.cfg.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}
	dc, err := newChatChannel(pc)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	peer := cl.peer
	dc.OnOpen(func() {
		util.LogSuccess("channel to peer %d open", peer)
		c.view.CallStarted(peer)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.view.ChatMessage(peer, string(msg.Data))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection with peer %d: %s", peer, state)
		if state == webrtc.PeerConnectionStateFailed {
			go c.fail(cl, errors.New("ICE failed"))
		}
	})

	cl.dc.Store(dc)
	cl.pc.Store(pc)
	if cl.closed() {
		_ = pc.Close()
		return nil, ErrNoCall
	}
	return pc, nil
}

func (c *Conductor) offer(cl *call) {
	if cl.pc.Load() != nil {
		return
	}
	pc, err := c.ensure(cl)
	if err != nil {
		c.fail(cl, err)
		return
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.fail(cl, fmt.Errorf("CreateOffer: %w", err))
		return
	}
	if err := c.publish(cl, pc, offer); err != nil {
		c.fail(cl, err)
	}
}

func (c *Conductor) answer(cl *call, s signal) {
	pc, err := c.ensure(cl)
	if err != nil {
		c.fail(cl, err)
		return
	}
	if err := pc.SetRemoteDescription(s.description()); err != nil {
		c.fail(cl, fmt.Errorf("SetRemoteDescription: %w", err))
		return
	}
	c.flushCandidates(cl, pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.fail(cl, fmt.Errorf("CreateAnswer: %w", err))
		return
	}
	if err := c.publish(cl, pc, answer); err != nil {
		c.fail(cl, err)
	}
}

func (c *Conductor) accept(cl *call, s signal) {
	pc := cl.pc.Load()
	if pc == nil {
		util.LogWarning("answer from peer %d before any offer", cl.peer)
		return
	}
	if err := pc.SetRemoteDescription(s.description()); err != nil {
		c.fail(cl, fmt.Errorf("SetRemoteDescription: %w", err))
		return
	}
	c.flushCandidates(cl, pc)
}

func (c *Conductor) addCandidate(cl *call, init webrtc.ICECandidateInit) {
	pc := cl.pc.Load()
	if pc == nil || pc.RemoteDescription() == nil {
		cl.pending = append(cl.pending, init)
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		util.LogWarning("AddICECandidate from peer %d: %v", cl.peer, err)
	}
}

func (c *Conductor) flushCandidates(cl *call, pc *webrtc.PeerConnection) {
	for _, init := range cl.pending {
		if err := pc.AddICECandidate(init); err != nil {
			util.LogWarning("AddICECandidate from peer %d: %v", cl.peer, err)
		}
	}
	cl.pending = nil
}

// publish sets desc locally and sends it once gathering is complete.
func (c *Conductor) publish(cl *call, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(c.cfg.GatherTimeout):
		util.LogWarning("ICE gathering for peer %d timed out, sending what we have", cl.peer)
	case <-cl.done:
		return ErrNoCall
	}

	msg, err := encodeDescription(pc.LocalDescription())
	if err != nil {
		return err
	}
	util.LogDebug("sending %s to peer %d", desc.Type, cl.peer)
	return c.signaler().SendToPeer(cl.peer, msg)
}

// ---- call ------------------------------------------------------------------

// call is one negotiation. Signals are applied in arrival order on its own
// goroutine.
type call struct {
	peer uint32
	ops  chan func()
	done chan struct{}
	once sync.Once

	pc atomic.Pointer[webrtc.PeerConnection]
	dc atomic.Pointer[webrtc.DataChannel]

	// loop only
	pending []webrtc.ICECandidateInit
}

func newCall(peer uint32) *call {
	cl := &call{
		peer: peer,
		ops:  make(chan func(), 32),
		done: make(chan struct{}),
	}
	go cl.loop()
	return cl
}

func (cl *call) loop() {
	for {
		select {
		case op := <-cl.ops:
			op()
		case <-cl.done:
			return
		}
	}
}

func (cl *call) do(op func()) {
	select {
	case cl.ops <- op:
	case <-cl.done:
	}
}

func (cl *call) closed() bool {
	select {
	case <-cl.done:
		return true
	default:
		return false
	}
}

func (cl *call) close() {
	cl.once.Do(func() {
		close(cl.done)
		if pc := cl.pc.Load(); pc != nil {
			_ = pc.Close()
		}
	})
}
