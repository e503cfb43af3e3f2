package protocol

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSink keeps every frame it is given.
type recordSink struct {
	sync.Mutex
	frames [][]byte
}

func (s *recordSink) SendData(frame []byte) error {
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordSink) stream() []byte {
	var out []byte
	for _, f := range s.frames {
		out = append(out, f...)
	}
	return out
}

type report struct {
	kind  string
	typ   PacketType
	state State
	err   error
}

type recordReporter struct {
	reports []report
}

func (r *recordReporter) BufferFull() { r.reports = append(r.reports, report{kind: "full"}) }

func (r *recordReporter) PacketUnknown(typ PacketType, state State) {
	r.reports = append(r.reports, report{kind: "unknown", typ: typ, state: state})
}

func (r *recordReporter) PacketError(typ PacketType, state State, err error) {
	r.reports = append(r.reports, report{kind: "error", typ: typ, state: state, err: err})
}

func frameOf(t *testing.T, p Packet) []byte {
	t.Helper()
	sink := &recordSink{}
	require.NoError(t, Send(sink, p))
	require.Len(t, sink.frames, 1)
	return sink.frames[0]
}

func TestChunkSplitDispatchesOnce(t *testing.T) {
	frame := frameOf(t, StatusRequest{AppName: AppName, Server: "127.0.0.1", Port: 5000, RequestedState: 2})

	for split := 0; split <= len(frame); split++ {
		rep := &recordReporter{}
		m := NewMachine(DefaultBufferSize, rep)

		var got []StatusRequest
		m.Handle(StateStatus, TypeStatusRequest, func(b *Buffer) error {
			var req StatusRequest
			if err := req.Decode(b); err != nil {
				return err
			}
			got = append(got, req)
			return nil
		})

		require.NoError(t, m.DataReceived(frame[:split]))
		require.NoError(t, m.DataReceived(frame[split:]))

		require.Len(t, got, 1, "split at %d", split)
		assert.Equal(t, "127.0.0.1", got[0].Server)
		assert.Equal(t, int32(2), got[0].RequestedState)
		assert.Empty(t, rep.reports)
	}
}

func TestByteAtATime(t *testing.T) {
	var stream []byte
	for i := uint32(0); i < 5; i++ {
		stream = append(stream, frameOf(t, KeepAlive{ID: i * 1000})...)
	}

	m := NewMachine(DefaultBufferSize, &recordReporter{})
	m.SetState(StateWork)
	var ids []uint32
	m.Handle(StateWork, TypeKeepAlive, func(b *Buffer) error {
		var ka KeepAlive
		if err := ka.Decode(b); err != nil {
			return err
		}
		ids = append(ids, ka.ID)
		return nil
	})

	for _, c := range stream {
		require.NoError(t, m.DataReceived([]byte{c}))
	}
	assert.Equal(t, []uint32{0, 1000, 2000, 3000, 4000}, ids)
}

func TestHandlerSwitchesStateBetweenPackets(t *testing.T) {
	m := NewMachine(DefaultBufferSize, &recordReporter{})
	var seen []string
	m.Handle(StateStatus, TypeStatusRequest, func(b *Buffer) error {
		var req StatusRequest
		if err := req.Decode(b); err != nil {
			return err
		}
		seen = append(seen, "status")
		m.SetState(State(req.RequestedState))
		return nil
	})
	m.Handle(StateLogin, TypeLoginInfo, func(b *Buffer) error {
		var info LoginInfo
		if err := info.Decode(b); err != nil {
			return err
		}
		seen = append(seen, "login:"+info.Username)
		return nil
	})

	stream := append(frameOf(t, StatusRequest{AppName: AppName, RequestedState: 2}),
		frameOf(t, LoginInfo{Username: "alice", Password: "x"})...)
	require.NoError(t, m.DataReceived(stream))

	assert.Equal(t, []string{"status", "login:alice"}, seen)
	assert.Equal(t, StateLogin, m.State())
}

func TestUnknownPacketMovesToIgnore(t *testing.T) {
	known := map[State][]PacketType{
		StateStatus: {TypeStatusRequest, TypeStatusPing},
		StateLogin:  {TypeLoginInfo},
		StateWork:   {TypeKeepAlive, TypeMediaRequest, TypeMediaMessage},
	}

	for state, types := range known {
		for typ := PacketType(0); typ < 0x50; typ++ {
			registered := false
			for _, k := range types {
				registered = registered || k == typ
			}
			if registered {
				continue
			}

			rep := &recordReporter{}
			sink := &recordSink{}
			m := NewMachine(DefaultBufferSize, rep)
			for _, k := range types {
				m.Handle(state, k, func(b *Buffer) error {
					return Send(sink, KeepAlive{ID: 1})
				})
			}
			m.SetState(state)

			require.NoError(t, m.DataReceived(Frame(typ, nil)))
			assert.Equal(t, StateIgnore, m.State(), "state %s type %#x", state, typ)
			assert.Empty(t, sink.frames, "no reply for state %s type %#x", state, typ)
			require.Len(t, rep.reports, 1)
			assert.Equal(t, "unknown", rep.reports[0].kind)
			assert.Equal(t, typ, rep.reports[0].typ)
			assert.Equal(t, state, rep.reports[0].state)
		}
	}
}

func TestIgnoreDropsEverything(t *testing.T) {
	rep := &recordReporter{}
	m := NewMachine(DefaultBufferSize, rep)
	called := 0
	m.Handle(StateStatus, TypeStatusPing, func(b *Buffer) error {
		called++
		_, err := b.ReadBEInt64()
		return err
	})
	m.SetState(StateIgnore)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.DataReceived(frameOf(t, StatusPing{Timestamp: int64(i)})))
	}
	assert.Zero(t, called)
	assert.Empty(t, rep.reports)
}

func TestLengthMismatchReported(t *testing.T) {
	rep := &recordReporter{}
	m := NewMachine(DefaultBufferSize, rep)
	m.Handle(StateStatus, TypeStatusPing, func(b *Buffer) error {
		_, err := b.ReadBEInt32()
		return err
	})

	require.NoError(t, m.DataReceived(frameOf(t, StatusPing{Timestamp: 42})))

	require.Len(t, rep.reports, 1)
	r := rep.reports[0]
	assert.Equal(t, "error", r.kind)
	assert.Equal(t, TypeStatusPing, r.typ)
	assert.Equal(t, StateStatus, r.state)
	assert.ErrorIs(t, r.err, ErrLengthMismatch)
	assert.Equal(t, StateIgnore, m.State())
}

func TestTruncatedBodyReported(t *testing.T) {
	rep := &recordReporter{}
	m := NewMachine(DefaultBufferSize, rep)
	m.Handle(StateStatus, TypeStatusPing, func(b *Buffer) error {
		_, err := b.ReadBEInt64()
		return err
	})

	require.NoError(t, m.DataReceived(Frame(TypeStatusPing, []byte{1, 2, 3})))

	require.Len(t, rep.reports, 1)
	assert.ErrorIs(t, rep.reports[0].err, ErrShortRead)
	assert.Equal(t, StateIgnore, m.State())
}

func TestMalformedLengthPrefix(t *testing.T) {
	rep := &recordReporter{}
	m := NewMachine(DefaultBufferSize, rep)

	require.NoError(t, m.DataReceived([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	require.Len(t, rep.reports, 1)
	assert.ErrorIs(t, rep.reports[0].err, ErrMalformedVarInt)
	assert.Equal(t, StateIgnore, m.State())
}

func TestOversizedFrame(t *testing.T) {
	rep := &recordReporter{}
	m := NewMachine(16, rep)

	require.NoError(t, m.DataReceived([]byte{0x40}))
	require.Len(t, rep.reports, 1)
	assert.ErrorIs(t, rep.reports[0].err, ErrFrameTooLarge)
}

func TestFrameLargerThanBufferWithPrefix(t *testing.T) {
	rep := &recordReporter{}
	m := NewMachine(16, rep)

	// 16 byte body plus its one byte prefix can never be buffered whole
	require.NoError(t, m.DataReceived([]byte{0x10}))
	require.Len(t, rep.reports, 1)
	assert.ErrorIs(t, rep.reports[0].err, ErrFrameTooLarge)
	assert.Equal(t, StateIgnore, m.State())
}

func TestBufferFull(t *testing.T) {
	rep := &recordReporter{}
	m := NewMachine(8, rep)

	require.NoError(t, m.DataReceived([]byte{7, 0, 1}))
	err := m.DataReceived(make([]byte, 6))
	assert.ErrorIs(t, err, ErrBufferFull)
	require.Len(t, rep.reports, 1)
	assert.Equal(t, "full", rep.reports[0].kind)
}

func TestPartialPacketWaits(t *testing.T) {
	rep := &recordReporter{}
	m := NewMachine(DefaultBufferSize, rep)
	m.SetState(StateWork)
	var got MediaMessage
	m.Handle(StateWork, TypeMediaMessage, func(b *Buffer) error {
		return got.Decode(b)
	})

	frame := frameOf(t, MediaMessage{Peer: 7, Message: `{"type":"offer","sdp":"v=0"}`})
	require.NoError(t, m.DataReceived(frame[:len(frame)-1]))
	assert.Empty(t, got.Message)
	assert.Empty(t, rep.reports)

	require.NoError(t, m.DataReceived(frame[len(frame)-1:]))
	assert.Equal(t, uint32(7), got.Peer)
	assert.Equal(t, `{"type":"offer","sdp":"v=0"}`, got.Message)
}
