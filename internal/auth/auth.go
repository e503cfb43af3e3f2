// Package auth runs credential checks off the network goroutines. Requests
// are queued FIFO and served by a single worker; verdicts are delivered
// through the Results callbacks.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/p2pchat/internal/metrics"
	"github.com/1ureka/p2pchat/internal/protocol"
	"github.com/1ureka/p2pchat/internal/util"
)

var (
	ErrQueueFull = errors.New("auth: queue full")
	ErrStopped   = errors.New("auth: authenticator stopped")
)

// Results receives the verdict for every processed request. Calls come from
// the worker goroutine.
type Results interface {
	AuthenticateUser(clientID uint32, id Identity)
	KickUser(clientID uint32, reason protocol.Reason)
}

type Config struct {
	MaxQueue       int
	RequestTimeout time.Duration
}

type request struct {
	clientID uint32
	username string
	password string
	queued   time.Time
}

// Authenticator is a bounded FIFO of login requests with one worker.
type Authenticator struct {
	cfg      Config
	verifier Verifier
	results  Results
	metrics  *metrics.Metrics

	mu        sync.Mutex
	wake      *sync.Cond
	queue     []request
	terminate bool
	started   bool
	done      chan struct{}
}

// New returns an Authenticator that is not yet running. m may be nil.
func New(cfg Config, verifier Verifier, results Results, m *metrics.Metrics) *Authenticator {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 128
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	a := &Authenticator{
		cfg:      cfg,
		verifier: verifier,
		results:  results,
		metrics:  m,
		done:     make(chan struct{}),
	}
	a.wake = sync.NewCond(&a.mu)
	return a
}

// Start launches the worker. Calling it twice is a no-op.
func (a *Authenticator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.terminate {
		return
	}
	a.started = true
	go a.run()
}

// Authenticate enqueues a check and returns immediately. When the queue is
// full the client is rejected with ServerBusy through Results and
// ErrQueueFull is returned.
func (a *Authenticator) Authenticate(clientID uint32, username, password string) error {
	a.mu.Lock()
	if a.terminate {
		a.mu.Unlock()
		return ErrStopped
	}
	if len(a.queue) >= a.cfg.MaxQueue {
		a.mu.Unlock()
		a.metrics.AuthResult("busy", 0)
		a.results.KickUser(clientID, protocol.ReasonServerBusy)
		return ErrQueueFull
	}
	a.queue = append(a.queue, request{
		clientID: clientID,
		username: username,
		password: password,
		queued:   time.Now(),
	})
	a.metrics.AuthQueue(len(a.queue))
	a.mu.Unlock()

	a.wake.Signal()
	return nil
}

// Pending returns the number of queued requests.
func (a *Authenticator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Stop abandons queued requests and waits for the request in progress, if
// any, to finish.
func (a *Authenticator) Stop() {
	a.mu.Lock()
	a.terminate = true
	started := a.started
	dropped := len(a.queue)
	a.queue = nil
	a.mu.Unlock()

	a.wake.Broadcast()
	if started {
		<-a.done
	}
	if dropped > 0 {
		util.LogWarning("auth stopped with %d request(s) abandoned", dropped)
	}
}

func (a *Authenticator) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for !a.terminate && len(a.queue) == 0 {
			a.wake.Wait()
		}
		if a.terminate {
			a.mu.Unlock()
			return
		}
		req := a.queue[0]
		a.queue[0] = request{}
		a.queue = a.queue[1:]
		a.metrics.AuthQueue(len(a.queue))
		a.mu.Unlock()

		a.process(req)
	}
}

type verdict struct {
	id  Identity
	err error
}

func (a *Authenticator) process(req request) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()

	ch := make(chan verdict, 1)
	go func() {
		id, err := a.verifier.Verify(ctx, req.username, req.password)
		ch <- verdict{id, err}
	}()

	var v verdict
	select {
	case v = <-ch:
	case <-ctx.Done():
		v.err = ctx.Err()
	}
	took := time.Since(req.queued)

	if v.err != nil {
		reason := protocol.ReasonOf(v.err, protocol.ReasonAccountNotMatch)
		if errors.Is(v.err, context.DeadlineExceeded) {
			reason = protocol.ReasonClientTimeout
		}
		util.LogInfo("login rejected for %q (client %d): %s", req.username, req.clientID, reason)
		a.metrics.AuthResult("rejected", took)
		a.results.KickUser(req.clientID, reason)
		return
	}

	if v.id.Username == "" {
		v.id.Username = req.username
	}
	if v.id.SessionID == "" {
		v.id.SessionID = uuid.NewString()
	}
	util.LogDebug("login accepted for %q (client %d) in %s", v.id.Username, req.clientID, took)
	a.metrics.AuthResult("ok", took)
	a.results.AuthenticateUser(req.clientID, v.id)
}
