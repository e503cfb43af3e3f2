package client

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pchat/internal/auth"
	"github.com/1ureka/p2pchat/internal/config"
	"github.com/1ureka/p2pchat/internal/relay"
	"github.com/1ureka/p2pchat/internal/server"
	"github.com/1ureka/p2pchat/internal/util"
)

const waitTimeout = 2 * time.Second

func TestMain(m *testing.M) {
	util.SetLogOutput(discard{})
	os.Exit(m.Run())
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// recorder is an Observer that turns every callback into a line of text.
type recorder struct {
	events chan string
	busy   atomic.Bool
}

func newRecorder() *recorder { return &recorder{events: make(chan string, 256)} }

func (r *recorder) add(format string, args ...any) { r.events <- fmt.Sprintf(format, args...) }

func (r *recorder) OnSignedIn()                            { r.add("signed-in") }
func (r *recorder) OnDisconnected()                        { r.add("disconnected") }
func (r *recorder) OnPeerConnected(id uint32, name string) { r.add("peer-connected %d %s", id, name) }
func (r *recorder) OnPeerDisconnected(id uint32)           { r.add("peer-disconnected %d", id) }
func (r *recorder) OnPeerResponse(id uint32, code int32)   { r.add("response %d %d", id, code) }
func (r *recorder) OnMessageFromPeer(id uint32, msg string) {
	r.add("message %d %s", id, msg)
}
func (r *recorder) OnServerConnectionFailure(error) { r.add("connection-failure") }
func (r *recorder) OnNotification(msg string)       { r.add("notification %s", msg) }
func (r *recorder) IsBusy() bool                    { return r.busy.Load() }

// next returns the next event, failing the test if none arrives.
func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an observer event")
		return ""
	}
}

// expect skips events until want shows up.
func (r *recorder) expect(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-r.events:
			if e == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func newServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.Default().Server
	cfg.Accounts["bob"] = util.MD5Hex("hunter2")
	srv := server.New(cfg, relay.NewRouter(relay.NewRegistry(cfg.MaxPeers), nil),
		auth.StaticVerifier{Accounts: cfg.Accounts}, nil)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	return srv
}

type peer struct {
	c    *Client
	obs  *recorder
	sess *server.Session
}

func connect(t *testing.T, srv *server.Server, user, password string) *peer {
	t.Helper()
	local, remote := net.Pipe()
	sess, err := srv.ServeConn(remote)
	require.NoError(t, err)

	obs := newRecorder()
	c := New(obs, Config{})
	require.NoError(t, c.Attach(local, "127.0.0.1", 5000, user, util.MD5Hex(password)))
	t.Cleanup(c.SignOut)
	return &peer{c: c, obs: obs, sess: sess}
}

func signIn(t *testing.T, srv *server.Server, user, password string) *peer {
	t.Helper()
	p := connect(t, srv, user, password)
	require.Equal(t, "signed-in", p.obs.next(t))
	return p
}

func TestSignIn(t *testing.T) {
	srv := newServer(t)
	alice := signIn(t, srv, "alice", "password")

	assert.True(t, alice.c.SignedIn())
	assert.Equal(t, "alice", alice.c.Username())
	assert.Empty(t, alice.c.Peers())
	assert.ErrorIs(t, alice.c.Attach(nil, "", 0, "alice", ""), ErrAlreadyConnected)
}

func TestWrongPassword(t *testing.T) {
	srv := newServer(t)
	p := connect(t, srv, "alice", "letmein")

	assert.Equal(t, "disconnected", p.obs.next(t))
	assert.Equal(t, "notification wrong password", p.obs.next(t))
	assert.False(t, p.c.SignedIn())
	assert.ErrorIs(t, p.c.SendToPeer(1, "hi"), ErrNotSignedIn)
	assert.ErrorIs(t, p.c.RequestToPeer(1), ErrNotSignedIn)
}

func TestPeerListFollowsPresence(t *testing.T) {
	srv := newServer(t)
	alice := signIn(t, srv, "alice", "password")
	bob := signIn(t, srv, "bob", "hunter2")
	aliceID, bobID := alice.sess.ID(), bob.sess.ID()

	assert.Equal(t, fmt.Sprintf("peer-connected %d alice", aliceID), bob.obs.next(t))
	assert.Equal(t, fmt.Sprintf("peer-connected %d bob", bobID), alice.obs.next(t))
	assert.Equal(t, map[uint32]string{aliceID: "alice"}, bob.c.Peers())
	assert.Equal(t, map[uint32]string{bobID: "bob"}, alice.c.Peers())

	bob.c.SignOut()
	assert.Equal(t, "disconnected", bob.obs.next(t))
	assert.Equal(t, fmt.Sprintf("peer-disconnected %d", bobID), alice.obs.next(t))
	assert.Empty(t, alice.c.Peers())
}

func TestCallIsAutoAnswered(t *testing.T) {
	tests := []struct {
		name string
		busy bool
		code int32
	}{
		{"idle callee accepts", false, 1},
		{"busy callee rejects", true, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t)
			alice := signIn(t, srv, "alice", "password")
			bob := signIn(t, srv, "bob", "hunter2")
			bob.obs.busy.Store(tt.busy)
			bobID := bob.sess.ID()
			alice.obs.expect(t, fmt.Sprintf("peer-connected %d bob", bobID))

			require.NoError(t, alice.c.RequestToPeer(bobID))
			alice.obs.expect(t, fmt.Sprintf("response %d %d", bobID, tt.code))
		})
	}
}

func TestCallToMissingPeer(t *testing.T) {
	srv := newServer(t)
	alice := signIn(t, srv, "alice", "password")

	require.NoError(t, alice.c.RequestToPeer(404))
	assert.Equal(t, "response 404 -2", alice.obs.next(t))
	assert.True(t, alice.c.SignedIn())
}

func TestMessagesArriveInOrder(t *testing.T) {
	srv := newServer(t)
	alice := signIn(t, srv, "alice", "password")
	bob := signIn(t, srv, "bob", "hunter2")
	aliceID, bobID := alice.sess.ID(), bob.sess.ID()
	alice.obs.expect(t, fmt.Sprintf("peer-connected %d bob", bobID))
	bob.obs.expect(t, fmt.Sprintf("peer-connected %d alice", aliceID))

	for i := 0; i < 20; i++ {
		require.NoError(t, alice.c.SendToPeer(bobID, fmt.Sprintf(`{"seq":%d}`, i)))
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf(`message %d {"seq":%d}`, aliceID, i), bob.obs.next(t))
	}
	assert.Eventually(t, func() bool { return alice.c.Pending() == 0 }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, alice.c.SendHangUp(bobID))
	assert.Equal(t, fmt.Sprintf("peer-disconnected %d", aliceID), bob.obs.next(t))
}

func TestServerShutdownNotifies(t *testing.T) {
	srv := newServer(t)
	alice := signIn(t, srv, "alice", "password")

	srv.Shutdown()
	assert.Equal(t, "disconnected", alice.obs.next(t))
	assert.Equal(t, "notification server shutting down", alice.obs.next(t))
	assert.False(t, alice.c.SignedIn())
}

func TestConnectionLoss(t *testing.T) {
	srv := newServer(t)
	alice := signIn(t, srv, "alice", "password")

	alice.sess.Close()
	assert.Equal(t, "connection-failure", alice.obs.next(t))
	assert.False(t, alice.c.SignedIn())

	// the client can attach again after a loss
	local, remote := net.Pipe()
	_, err := srv.ServeConn(remote)
	require.NoError(t, err)
	require.NoError(t, alice.c.Attach(local, "127.0.0.1", 5000, "alice", util.MD5Hex("password")))
	assert.Equal(t, "signed-in", alice.obs.next(t))
}

func TestSplitServer(t *testing.T) {
	tests := []struct {
		addr string
		host string
		port int32
	}{
		{"127.0.0.1:5000", "127.0.0.1", 5000},
		{"chat.example.com:8888", "chat.example.com", 8888},
		{"[::1]:7000", "::1", 7000},
		{"ws://relay.example.com:9000/ws", "relay.example.com", 9000},
		{"wss://relay.example.com/ws", "relay.example.com", 443},
		{"localhost", "localhost", 0},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			host, port := splitServer(tt.addr)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}
