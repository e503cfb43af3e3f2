// Package client is the signaling client: it signs in to a p2pchat server,
// tracks the peer list and exchanges call signaling with other peers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/1ureka/p2pchat/internal/protocol"
	"github.com/1ureka/p2pchat/internal/transport"
	"github.com/1ureka/p2pchat/internal/util"
)

var (
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrNotSignedIn      = errors.New("client: not signed in")
)

// Observer receives everything the client learns. Callbacks run on the
// connection's reader goroutine and should not block.
type Observer interface {
	OnSignedIn()
	OnDisconnected()
	OnPeerConnected(id uint32, name string)
	OnPeerDisconnected(id uint32)
	OnPeerResponse(id uint32, code int32)
	OnMessageFromPeer(id uint32, msg string)
	OnServerConnectionFailure(err error)
	OnNotification(msg string)
	// IsBusy decides whether an incoming call is accepted.
	IsBusy() bool
}

type Config struct {
	BufferSize int
	QueueDepth int
}

// Client holds at most one server connection at a time.
type Client struct {
	cfg      Config
	observer Observer

	mu       sync.Mutex
	conn     transport.Conn
	sender   *transport.Sender
	machine  *protocol.Machine
	queue    *PendingQueue
	cancel   context.CancelFunc
	peers    map[uint32]string
	signedIn bool
	username string
	password string
}

func New(observer Observer, cfg Config) *Client {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = protocol.DefaultBufferSize
	}
	return &Client{
		cfg:      cfg,
		observer: observer,
		peers:    make(map[uint32]string),
	}
}

// Connect dials addr (host:port or a ws:// URL) and starts signing in with
// username and the md5 digest password.
func (c *Client) Connect(ctx context.Context, addr, username, password string) error {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	server, port := splitServer(addr)
	if err := c.Attach(conn, server, port, username, password); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Attach runs the client over an already established connection.
func (c *Client) Attach(conn transport.Conn, server string, port int32, username, password string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(context.Background())
	sender := transport.NewSender(ctx, conn, c.cfg.QueueDepth)
	c.conn = conn
	c.sender = sender
	c.cancel = cancel
	c.username = username
	c.password = password
	c.signedIn = false
	c.peers = make(map[uint32]string)
	c.machine = protocol.NewMachine(c.cfg.BufferSize, reporter{})
	c.registerHandlers(c.machine)
	c.queue = newPendingQueue(func(ctx context.Context, o Outgoing) error {
		if err := protocol.Send(sender, protocol.MediaMessage{Peer: o.PeerID, Message: o.Message}); err != nil {
			return err
		}
		return sender.Flush(ctx)
	})
	machine := c.machine
	go c.queue.run(ctx)
	c.mu.Unlock()

	util.Stats.AddConn()
	go c.read(conn, machine)

	return protocol.Send(sender, protocol.StatusRequest{
		AppName:        protocol.AppName,
		Server:         server,
		Port:           port,
		RequestedState: int32(protocol.StateLogin),
	})
}

func (c *Client) registerHandlers(m *protocol.Machine) {
	m.Handle(protocol.StateStatus, protocol.TypeStatusResponse, c.handleStatusResponse)
	m.Handle(protocol.StateStatus, protocol.TypeStatusPing, c.handleStatusPing)
	m.Handle(protocol.StateLogin, protocol.TypeLoginDisconnect, c.handleLoginDisconnect)
	m.Handle(protocol.StateLogin, protocol.TypeLoginSuccess, c.handleLoginSuccess)
	m.Handle(protocol.StateWork, protocol.TypeKeepAlive, c.handleKeepAlive)
	m.Handle(protocol.StateWork, protocol.TypeUserInfo, c.handleUserInfo)
	m.Handle(protocol.StateWork, protocol.TypeMediaRequest, c.handleMediaRequest)
	m.Handle(protocol.StateWork, protocol.TypeMediaMessage, c.handleMediaMessage)
	m.Handle(protocol.StateWork, protocol.TypeErrorNotice, c.handleErrorNotice)
}

func (c *Client) read(conn transport.Conn, m *protocol.Machine) {
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			util.Stats.AddRecv(n)
			if derr := m.DataReceived(buf[:n]); derr != nil {
				c.lost(conn, derr)
				return
			}
		}
		if err != nil {
			c.lost(conn, err)
			return
		}
	}
}

// lost handles a connection that dropped without SignOut.
func (c *Client) lost(conn transport.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	util.LogWarning("connection to server lost: %v", err)
	c.observer.OnServerConnectionFailure(err)
}

func (c *Client) teardownLocked() {
	c.cancel()
	_ = c.conn.Close()
	c.conn = nil
	c.sender = nil
	c.machine = nil
	c.queue = nil
	c.signedIn = false
	c.peers = make(map[uint32]string)
	util.Stats.RemoveConn()
}

// SignOut closes the connection and reports OnDisconnected. It does nothing
// when not connected.
func (c *Client) SignOut() {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	c.observer.OnDisconnected()
}

// SignedIn reports whether the server accepted the login.
func (c *Client) SignedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signedIn
}

// Username is the name used for the current or last login.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Peers returns a copy of the online peer list.
func (c *Client) Peers() map[uint32]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]string, len(c.peers))
	for id, name := range c.peers {
		out[id] = name
	}
	return out
}

// RequestToPeer starts a call to peer id.
func (c *Client) RequestToPeer(id uint32) error {
	return c.sendSignedIn(protocol.MediaRequest{Peer: id, Code: protocol.CodeCallRequest})
}

// SendToPeer queues msg for peer id.
func (c *Client) SendToPeer(id uint32, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.signedIn {
		return ErrNotSignedIn
	}
	c.queue.Push(Outgoing{PeerID: id, Message: msg})
	return nil
}

// SendHangUp ends the call with peer id.
func (c *Client) SendHangUp(id uint32) error {
	return c.SendToPeer(id, protocol.HangUpMessage)
}

// Pending is the number of queued media messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.Len()
}

func (c *Client) sendSignedIn(p protocol.Packet) error {
	c.mu.Lock()
	sender, ok := c.sender, c.signedIn
	c.mu.Unlock()
	if !ok {
		return ErrNotSignedIn
	}
	return protocol.Send(sender, p)
}

// reply is used by handlers, which only run while connected.
func (c *Client) reply(p protocol.Packet) {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return
	}
	if err := protocol.Send(sender, p); err != nil {
		util.LogWarning("send %T: %v", p, err)
	}
}

func (c *Client) setState(s protocol.State) {
	c.mu.Lock()
	m := c.machine
	c.mu.Unlock()
	if m != nil {
		m.SetState(s)
	}
}

// ---- handlers --------------------------------------------------------------

func (c *Client) handleStatusResponse(b *protocol.Buffer) error {
	var resp protocol.StatusResponse
	if err := resp.Decode(b); err != nil {
		return err
	}
	state := protocol.State(resp.State)
	if state < protocol.StateStatus || state > protocol.StateWork {
		util.LogWarning("server resolved unexpected state %d", resp.State)
		return nil
	}
	util.LogDebug("server sees us as %s, state %s", resp.CallerAddress, state)

	c.setState(state)
	if state == protocol.StateLogin {
		c.mu.Lock()
		info := protocol.LoginInfo{Username: c.username, Password: c.password}
		c.mu.Unlock()
		c.reply(info)
	}
	return nil
}

func (c *Client) handleStatusPing(b *protocol.Buffer) error {
	var ping protocol.StatusPing
	return ping.Decode(b)
}

func (c *Client) handleLoginDisconnect(b *protocol.Buffer) error {
	var d protocol.LoginDisconnect
	if err := d.Decode(b); err != nil {
		return err
	}
	c.rejected(d.Reason)
	return nil
}

func (c *Client) handleLoginSuccess(*protocol.Buffer) error {
	c.setState(protocol.StateWork)
	c.mu.Lock()
	c.signedIn = true
	name := c.username
	c.mu.Unlock()

	util.LogSuccess("signed in as %s", name)
	c.observer.OnSignedIn()
	return nil
}

func (c *Client) handleKeepAlive(b *protocol.Buffer) error {
	var ka protocol.KeepAlive
	if err := ka.Decode(b); err != nil {
		return err
	}
	c.reply(ka)
	return nil
}

func (c *Client) handleUserInfo(b *protocol.Buffer) error {
	var info protocol.UserInfo
	if err := info.Decode(b); err != nil {
		return err
	}

	c.mu.Lock()
	if info.Presence.Online() {
		c.peers[info.ID] = info.Name
	} else {
		delete(c.peers, info.ID)
	}
	c.mu.Unlock()

	if info.Presence.Online() {
		c.observer.OnPeerConnected(info.ID, info.Name)
	} else {
		c.observer.OnPeerDisconnected(info.ID)
	}
	return nil
}

func (c *Client) handleMediaRequest(b *protocol.Buffer) error {
	var req protocol.MediaRequest
	if err := req.Decode(b); err != nil {
		return err
	}
	if req.Code != protocol.CodeCallRequest {
		c.observer.OnPeerResponse(req.Peer, req.Code)
		return nil
	}

	answer := protocol.CodeAccept
	if c.observer.IsBusy() {
		answer = protocol.CodeReject
	}
	util.LogInfo("call from peer %d, answering %d", req.Peer, answer)
	c.reply(protocol.MediaRequest{Peer: req.Peer, Code: answer})
	return nil
}

func (c *Client) handleMediaMessage(b *protocol.Buffer) error {
	var msg protocol.MediaMessage
	if err := msg.Decode(b); err != nil {
		return err
	}
	if msg.Message == protocol.HangUpMessage {
		c.observer.OnPeerDisconnected(msg.Peer)
		return nil
	}
	c.observer.OnMessageFromPeer(msg.Peer, msg.Message)
	return nil
}

func (c *Client) handleErrorNotice(b *protocol.Buffer) error {
	var notice protocol.ErrorNotice
	if err := notice.Decode(b); err != nil {
		return err
	}
	c.rejected(notice.Reason)
	return nil
}

// rejected handles a server-side disconnect.
func (c *Client) rejected(reason protocol.Reason) {
	c.setState(protocol.StateIgnore)
	util.LogWarning("server disconnected us: %s", reason)
	c.SignOut()
	c.observer.OnNotification(reason.Message())
}

type reporter struct{}

func (reporter) BufferFull() { util.LogError("receive buffer full") }

func (reporter) PacketUnknown(typ protocol.PacketType, state protocol.State) {
	util.LogWarning("unknown packet %#x from server in %s state", uint32(typ), state)
}

func (reporter) PacketError(typ protocol.PacketType, state protocol.State, err error) {
	util.LogWarning("bad packet %#x from server in %s state: %v", uint32(typ), state, err)
}

// splitServer extracts the host and port announced in StatusRequest.
func splitServer(addr string) (string, int32) {
	host, port := addr, ""
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return addr, 0
		}
		host, port = u.Hostname(), u.Port()
		if port == "" {
			port = map[string]string{"ws": "80", "wss": "443"}[u.Scheme]
		}
	} else if h, p, err := net.SplitHostPort(addr); err == nil {
		host, port = h, p
	}
	n, err := strconv.ParseInt(port, 10, 32)
	if err != nil {
		return host, 0
	}
	return host, int32(n)
}

func (c *Client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("client(%s, signed in %t, %d peers)", c.username, c.signedIn, len(c.peers))
}
