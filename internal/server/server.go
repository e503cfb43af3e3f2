// Package server accepts p2pchat clients over TCP or WebSocket, signs them in
// through the authenticator and relays their call signaling.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pchat/internal/auth"
	"github.com/1ureka/p2pchat/internal/config"
	"github.com/1ureka/p2pchat/internal/metrics"
	"github.com/1ureka/p2pchat/internal/protocol"
	"github.com/1ureka/p2pchat/internal/relay"
	"github.com/1ureka/p2pchat/internal/transport"
	"github.com/1ureka/p2pchat/internal/util"
)

var ErrShuttingDown = errors.New("server: shutting down")

// Server owns every live Session. It implements auth.Results.
type Server struct {
	cfg     config.ServerConfig
	router  *relay.Router
	auth    *auth.Authenticator
	metrics *metrics.Metrics
	ids     util.IDGen

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[uint32]*Session
	closing  bool
	wg       sync.WaitGroup
}

// New wires a server. m may be nil.
func New(cfg config.ServerConfig, router *relay.Router, verifier auth.Verifier, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		router:   router,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uint32]*Session),
	}
	s.auth = auth.New(auth.Config{
		MaxQueue:       cfg.AuthQueue,
		RequestTimeout: cfg.AuthTimeout.Duration,
	}, verifier, s, m)
	return s
}

// Start launches the authentication worker. Run calls it.
func (s *Server) Start() { s.auth.Start() }

// Run serves every configured listener until ctx is cancelled, then shuts
// down.
func (s *Server) Run(ctx context.Context) error {
	s.Start()
	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			s.Shutdown()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}
		util.LogInfo("listening for clients on tcp %s", ln.Addr())
		g.Go(func() error { return s.Serve(gctx, ln) })
	}

	if s.cfg.WSListenAddr != "" {
		wl, err := transport.ListenWebSocket(s.cfg.WSListenAddr)
		if err != nil {
			s.Shutdown()
			return err
		}
		util.LogInfo("listening for clients on ws://%s%s", wl.Addr(), transport.WebSocketPath)
		g.Go(func() error { return s.ServeWebSocket(gctx, wl) })
	}

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		hs := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		util.LogInfo("serving metrics on http://%s/metrics", s.cfg.MetricsAddr)
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return hs.Close()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.Shutdown()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Serve accepts TCP clients from ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if _, err := s.ServeConn(conn); err != nil {
			conn.Close()
		}
	}
}

// ServeWebSocket accepts WebSocket clients from l until ctx is cancelled.
func (s *Server) ServeWebSocket(ctx context.Context, l *transport.WSListener) error {
	defer l.Close()
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := s.ServeConn(conn); err != nil {
			conn.Close()
		}
	}
}

// ServeConn starts a session on an accepted connection and returns at once.
func (s *Server) ServeConn(conn transport.Conn) (*Session, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	sess := newSession(s.ctx, s, s.ids.Next(), conn)
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	util.Stats.AddConn()
	s.metrics.ConnOpened()
	util.LogConn(sess.id, sess.State(), "accepted %s", sess.addr)

	go func() {
		defer s.wg.Done()
		sess.run()
	}()
	return sess, nil
}

func (s *Server) session(id uint32) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) remove(sess *Session) {
	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
}

// Sessions returns the number of open connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown kicks every client with ServerShutdown, stops the authenticator
// and waits for all sessions to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	util.LogInfo("shutting down, disconnecting %d client(s)", len(live))
	s.auth.Stop()

	var wg sync.WaitGroup
	for _, sess := range live {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			sess.Kick(protocol.ReasonServerShutdown)
		}(sess)
	}

	kicked := make(chan struct{})
	go func() {
		wg.Wait()
		close(kicked)
	}()
	var expired <-chan time.Time
	if d := s.cfg.ShutdownTimeout.Duration; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-kicked:
	case <-expired:
		util.LogWarning("clients did not drain within %s, closing %d connection(s)", s.cfg.ShutdownTimeout.Duration, len(live))
		for _, sess := range live {
			sess.Close()
		}
		<-kicked
	}

	s.cancel()
	s.wg.Wait()
}

// ---- auth.Results ----------------------------------------------------------

func (s *Server) AuthenticateUser(clientID uint32, id auth.Identity) {
	sess := s.session(clientID)
	if sess == nil {
		util.LogDebug("client %d left before its login was accepted", clientID)
		return
	}
	sess.signIn(id)
}

func (s *Server) KickUser(clientID uint32, reason protocol.Reason) {
	sess := s.session(clientID)
	if sess == nil {
		return
	}
	sess.authPending.Store(false)
	sess.Kick(reason)
}
