package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/p2pchat/internal/auth"
	"github.com/1ureka/p2pchat/internal/protocol"
	"github.com/1ureka/p2pchat/internal/relay"
	"github.com/1ureka/p2pchat/internal/transport"
	"github.com/1ureka/p2pchat/internal/util"
)

const (
	readChunkSize    = 16 * 1024
	kickFlushTimeout = time.Second
)

// Session is the server side of one client connection. The reader
// goroutine owns the protocol machine; everything else goes through the
// sender or the session mutex.
type Session struct {
	id   uint32
	srv  *Server
	conn transport.Conn
	addr string

	machine *protocol.Machine
	sender  *transport.Sender

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu         sync.Mutex
	closed     bool
	joined     bool
	name       string
	sessionID  string
	loginTimer *time.Timer

	authPending atomic.Bool
	lastSeen    atomic.Int64
	keepAliveID atomic.Uint32
}

func newSession(parent context.Context, srv *Server, id uint32, conn transport.Conn) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:     id,
		srv:    srv,
		conn:   conn,
		addr:   transport.RemoteIP(conn),
		ctx:    ctx,
		cancel: cancel,
	}
	s.sender = transport.NewSender(ctx, conn, srv.cfg.OutboundQueue)
	s.machine = protocol.NewMachine(srv.cfg.BufferSize, s)

	s.handle(protocol.StateStatus, protocol.TypeStatusRequest, s.handleStatusRequest)
	s.handle(protocol.StateStatus, protocol.TypeStatusPing, s.handleStatusPing)
	s.handle(protocol.StateLogin, protocol.TypeLoginInfo, s.handleLoginInfo)
	s.handle(protocol.StateWork, protocol.TypeKeepAlive, s.handleKeepAlive)
	s.handle(protocol.StateWork, protocol.TypeMediaRequest, s.handleMediaRequest)
	s.handle(protocol.StateWork, protocol.TypeMediaMessage, s.handleMediaMessage)

	s.loginTimer = time.AfterFunc(srv.cfg.LoginTimeout.Duration, func() {
		if s.machine.State() != protocol.StateWork {
			util.LogInfo("client %d did not sign in within %s", s.id, srv.cfg.LoginTimeout)
			s.Kick(protocol.ReasonClientTimeout)
		}
	})
	return s
}

func (s *Session) handle(state protocol.State, typ protocol.PacketType, h protocol.HandlerFunc) {
	label := state.String()
	s.machine.Handle(state, typ, func(b *protocol.Buffer) error {
		s.srv.metrics.PacketIn(label)
		return h(b)
	})
}

// ID is the peer id other clients address this session by.
func (s *Session) ID() uint32 { return s.id }

// Name is the signed-in username, empty before login.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State is the current protocol state.
func (s *Session) State() protocol.State { return s.machine.State() }

// run reads until the connection fails, then cleans up.
func (s *Session) run() {
	defer s.Close()

	go func() {
		<-s.sender.Done()
		s.Close()
	}()

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			util.Stats.AddRecv(n)
			if derr := s.machine.DataReceived(buf[:n]); derr != nil {
				s.Kick(protocol.ReasonPacketError)
				return
			}
		}
		if err != nil {
			if s.ctx.Err() == nil {
				util.LogConn(s.id, s.machine.State(), "read ended: %v", err)
			}
			return
		}
	}
}

// send writes p to the client. A client that cannot keep up with its
// outbound queue is disconnected.
func (s *Session) send(p protocol.Packet) error {
	err := protocol.Send(s.sender, p)
	switch {
	case err == nil:
		s.srv.metrics.PacketOut(s.machine.State().String())
	case errors.Is(err, transport.ErrOutboundFull):
		util.LogWarning("client %d is not draining its queue, disconnecting", s.id)
		go s.Close()
	}
	return err
}

// Kick tells the client why it is being dropped, if the current state has a
// packet for that, and closes the connection.
func (s *Session) Kick(reason protocol.Reason) {
	var notice protocol.Packet
	switch s.machine.State() {
	case protocol.StateLogin:
		notice = protocol.LoginDisconnect{Reason: reason}
	case protocol.StateWork:
		notice = protocol.ErrorNotice{Reason: reason}
	}
	s.machine.SetState(protocol.StateIgnore)

	util.LogInfo("kicking client %d (%s): %s", s.id, s.addr, reason)
	if notice != nil && protocol.Send(s.sender, notice) == nil {
		ctx, cancel := context.WithTimeout(context.Background(), kickFlushTimeout)
		_ = s.sender.Flush(ctx)
		cancel()
	}
	s.Close()
}

// Close drops the connection and, if the user had signed in, announces it
// offline. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		joined := s.joined
		if s.loginTimer != nil {
			s.loginTimer.Stop()
		}
		s.mu.Unlock()

		s.machine.SetState(protocol.StateIgnore)
		s.cancel()
		_ = s.conn.Close()

		if joined {
			s.srv.router.Leave(s.id)
		}
		s.srv.remove(s)
		util.Stats.RemoveConn()
		s.srv.metrics.ConnClosed()
		util.LogConn(s.id, s.machine.State(), "connection closed")
	})
}

// ---- Status ----------------------------------------------------------------

func (s *Session) handleStatusRequest(b *protocol.Buffer) error {
	var req protocol.StatusRequest
	if err := req.Decode(b); err != nil {
		return err
	}

	state := protocol.State(req.RequestedState)
	if req.AppName != protocol.AppName || (state != protocol.StateStatus && state != protocol.StateLogin) {
		util.LogWarning("client %d: refusing app %q requesting state %d", s.id, req.AppName, req.RequestedState)
		s.Kick(protocol.ReasonBadApp)
		return nil
	}

	s.machine.SetState(state)
	s.send(protocol.StatusResponse{State: req.RequestedState, CallerAddress: s.addr})
	return nil
}

func (s *Session) handleStatusPing(b *protocol.Buffer) error {
	var ping protocol.StatusPing
	if err := ping.Decode(b); err != nil {
		return err
	}
	s.send(ping)
	return nil
}

// ---- Login -----------------------------------------------------------------

func (s *Session) handleLoginInfo(b *protocol.Buffer) error {
	var info protocol.LoginInfo
	if err := info.Decode(b); err != nil {
		return err
	}
	if !s.authPending.CompareAndSwap(false, true) {
		util.LogDebug("client %d: login already pending, ignoring %q", s.id, info.Username)
		return nil
	}

	err := s.srv.auth.Authenticate(s.id, info.Username, info.Password)
	switch {
	case errors.Is(err, auth.ErrStopped):
		s.Kick(protocol.ReasonServerShutdown)
	case err != nil:
		util.LogDebug("client %d: login for %q not queued: %v", s.id, info.Username, err)
	}
	return nil
}

// signIn runs on the auth worker once credentials are accepted.
func (s *Session) signIn(id auth.Identity) {
	if s.machine.State() != protocol.StateLogin {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	err := s.srv.router.Join(relay.Peer{
		ID:       s.id,
		Name:     id.Username,
		Presence: protocol.PresenceOnline,
		Endpoint: s,
	})
	if err == nil {
		s.joined = true
		s.name = id.Username
		s.sessionID = id.SessionID
		s.loginTimer.Stop()
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, relay.ErrDuplicateName):
		s.Kick(protocol.ReasonAccountAlreadyLogin)
		return
	case err != nil:
		util.LogWarning("client %d: cannot register %q: %v", s.id, id.Username, err)
		s.Kick(protocol.ReasonServerBusy)
		return
	}

	// Work must be set before the client can act on LoginSuccess.
	s.machine.SetState(protocol.StateWork)
	s.lastSeen.Store(time.Now().UnixNano())
	s.send(protocol.LoginSuccess{})
	if err := s.srv.router.Announce(s.id); err != nil {
		util.LogWarning("client %d: %v", s.id, err)
	}
	util.LogSuccess("%s signed in as peer %d from %s (session %s)", id.Username, s.id, s.addr, id.SessionID)

	go s.keepAlive()
}

// ---- Work ------------------------------------------------------------------

func (s *Session) keepAlive() {
	interval := s.srv.cfg.KeepAliveInterval.Duration
	timeout := s.srv.cfg.KeepAliveTimeout.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.machine.State() != protocol.StateWork {
				return
			}
			if time.Since(time.Unix(0, s.lastSeen.Load())) > timeout {
				s.Kick(protocol.ReasonClientTimeout)
				return
			}
			s.send(protocol.KeepAlive{ID: s.keepAliveID.Add(1)})
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleKeepAlive(b *protocol.Buffer) error {
	var ka protocol.KeepAlive
	if err := ka.Decode(b); err != nil {
		return err
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return nil
}

func (s *Session) handleMediaRequest(b *protocol.Buffer) error {
	var req protocol.MediaRequest
	if err := req.Decode(b); err != nil {
		return err
	}
	s.lastSeen.Store(time.Now().UnixNano())
	s.relayed(req.Peer, s.srv.router.ForwardMediaRequest(req.Peer, s.id, req.Code))
	return nil
}

func (s *Session) handleMediaMessage(b *protocol.Buffer) error {
	var msg protocol.MediaMessage
	if err := msg.Decode(b); err != nil {
		return err
	}
	s.lastSeen.Store(time.Now().UnixNano())
	s.relayed(msg.Peer, s.srv.router.ForwardMediaMessage(msg.Peer, s.id, msg.Message))
	return nil
}

// relayed tells the originator when its target is gone.
func (s *Session) relayed(to uint32, err error) {
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrPeerUnavailable):
		util.LogDebug("client %d: peer %d unavailable", s.id, to)
		s.send(protocol.MediaRequest{Peer: to, Code: protocol.CodeUnavailable})
	default:
		util.LogWarning("client %d: %v", s.id, err)
	}
}

// ---- relay.Endpoint --------------------------------------------------------

func (s *Session) ForwardMedia(from uint32, code int32) error {
	return s.send(protocol.MediaRequest{Peer: from, Code: code})
}

func (s *Session) ForwardMediaMessage(from uint32, msg string) error {
	return s.send(protocol.MediaMessage{Peer: from, Message: msg})
}

func (s *Session) SendUserInfo(id uint32, name string, presence protocol.Presence) error {
	return s.send(protocol.UserInfo{ID: id, Name: name, Presence: presence})
}

// ---- protocol.Reporter -----------------------------------------------------

func (s *Session) BufferFull() {
	util.LogWarning("client %d: receive buffer full", s.id)
	s.srv.metrics.ProtocolError("buffer_full")
}

func (s *Session) PacketUnknown(typ protocol.PacketType, state protocol.State) {
	util.LogWarning("client %d: unknown packet %#x in %s state, ignoring connection", s.id, uint32(typ), state)
	s.srv.metrics.ProtocolError("unknown")
}

func (s *Session) PacketError(typ protocol.PacketType, state protocol.State, err error) {
	util.LogWarning("client %d: bad packet %#x in %s state: %v", s.id, uint32(typ), state, err)
	s.srv.metrics.ProtocolError("malformed")
}
