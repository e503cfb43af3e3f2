package server

import (
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pchat/internal/auth"
	"github.com/1ureka/p2pchat/internal/config"
	"github.com/1ureka/p2pchat/internal/metrics"
	"github.com/1ureka/p2pchat/internal/protocol"
	"github.com/1ureka/p2pchat/internal/relay"
	"github.com/1ureka/p2pchat/internal/util"
)

const readTimeout = 2 * time.Second

func TestMain(m *testing.M) {
	util.SetLogOutput(discard{})
	os.Exit(m.Run())
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type harness struct {
	srv      *Server
	registry *relay.Registry
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*config.ServerConfig)) *harness {
	t.Helper()
	cfg := config.Default().Server
	cfg.Accounts["bob"] = util.MD5Hex("hunter2")
	cfg.Accounts["carol"] = util.MD5Hex("carol")
	if mutate != nil {
		mutate(&cfg)
	}

	m := metrics.New()
	registry := relay.NewRegistry(cfg.MaxPeers)
	srv := New(cfg, relay.NewRouter(registry, m), auth.StaticVerifier{Accounts: cfg.Accounts}, m)
	srv.Start()
	t.Cleanup(srv.Shutdown)

	return &harness{srv: srv, registry: registry, metrics: m}
}

// wire is a raw protocol client on one end of a net.Pipe.
type wire struct {
	t    *testing.T
	conn net.Conn
	sess *Session
	in   *protocol.Buffer
	out  *pipeSink
}

type pipeSink struct {
	sync.Mutex
	conn net.Conn
}

func (s *pipeSink) SendData(frame []byte) error {
	_, err := s.conn.Write(frame)
	return err
}

func (h *harness) dial(t *testing.T) *wire {
	t.Helper()
	client, server := net.Pipe()
	sess, err := h.srv.ServeConn(server)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return &wire{
		t:    t,
		conn: client,
		sess: sess,
		in:   protocol.NewBuffer(protocol.DefaultBufferSize),
		out:  &pipeSink{conn: client},
	}
}

func (w *wire) send(p protocol.Packet) {
	w.t.Helper()
	require.NoError(w.t, protocol.Send(w.out, p))
}

func (w *wire) sendRaw(frame []byte) {
	w.t.Helper()
	_, err := w.conn.Write(frame)
	require.NoError(w.t, err)
}

// read returns the next packet, or an error if none arrives in time.
func (w *wire) read(timeout time.Duration) (protocol.PacketType, *protocol.Buffer, error) {
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for {
		if length, err := w.in.ReadVarInt(); err == nil && w.in.CanReadBytes(int(length)) {
			body, _ := w.in.ReadBytes(int(length))
			w.in.CommitRead()
			pkt := protocol.NewBuffer(len(body))
			_, _ = pkt.Write(body)
			typ, err := pkt.ReadVarInt()
			return protocol.PacketType(typ), pkt, err
		}
		w.in.ResetRead()

		_ = w.conn.SetReadDeadline(deadline)
		n, err := w.conn.Read(buf)
		if n > 0 {
			_, _ = w.in.Write(buf[:n])
		}
		if err != nil {
			return 0, nil, err
		}
	}
}

type decoder interface {
	Decode(b *protocol.Buffer) error
}

// expect reads the next packet, skipping server keep-alives unless asked
// for, and decodes it into dst.
func (w *wire) expect(typ protocol.PacketType, dst decoder) {
	w.t.Helper()
	for {
		got, body, err := w.read(readTimeout)
		require.NoError(w.t, err, "waiting for packet %#x", uint32(typ))
		if got == protocol.TypeKeepAlive && typ != protocol.TypeKeepAlive && w.sess.State() == protocol.StateWork {
			continue
		}
		require.Equal(w.t, typ, got, "unexpected packet type")
		if dst != nil {
			require.NoError(w.t, dst.Decode(body))
			require.Zero(w.t, body.Readable(), "trailing bytes in packet %#x", uint32(typ))
		}
		return
	}
}

// expectClosed waits for the server to drop the connection without sending
// anything else.
func (w *wire) expectClosed() {
	w.t.Helper()
	typ, _, err := w.read(readTimeout)
	require.Error(w.t, err, "got packet %#x instead of close", uint32(typ))
	var ne net.Error
	require.False(w.t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed")
}

// expectSilence asserts nothing arrives for d.
func (w *wire) expectSilence(d time.Duration) {
	w.t.Helper()
	typ, _, err := w.read(d)
	require.Error(w.t, err, "got packet %#x", uint32(typ))
	var ne net.Error
	require.True(w.t, errors.As(err, &ne) && ne.Timeout(), "expected timeout, got %v", err)
}

// login runs the status handshake and signs in.
func (w *wire) login(user, digest string) {
	w.t.Helper()
	w.send(protocol.StatusRequest{AppName: protocol.AppName, Server: "127.0.0.1", Port: 5000, RequestedState: 2})
	var resp protocol.StatusResponse
	w.expect(protocol.TypeStatusResponse, &resp)
	require.Equal(w.t, int32(2), resp.State)

	w.send(protocol.LoginInfo{Username: user, Password: digest})
	w.expect(protocol.TypeLoginSuccess, nil)
}
