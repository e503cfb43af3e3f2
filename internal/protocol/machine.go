package protocol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/multiformats/go-varint"
)

// State selects which handler table a packet is looked up in.
type State uint32

const (
	StateStatus State = 1
	StateLogin  State = 2
	StateWork   State = 3
	StateIgnore State = 255
)

func (s State) String() string {
	switch s {
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StateWork:
		return "work"
	case StateIgnore:
		return "ignore"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

var (
	ErrUnknownPacket  = errors.New("protocol: no handler for packet")
	ErrLengthMismatch = errors.New("protocol: handler did not consume the packet body")
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds buffer")
)

// HandlerFunc decodes and acts on one packet body positioned after the type.
// Returning an error marks the packet as malformed.
type HandlerFunc func(body *Buffer) error

// Reporter is told about every packet the machine refuses.
type Reporter interface {
	BufferFull()
	PacketUnknown(typ PacketType, state State)
	PacketError(typ PacketType, state State, err error)
}

type handlerKey struct {
	state State
	typ   PacketType
}

// Machine reassembles packets out of a byte stream and dispatches them to the
// handler registered for the current state. DataReceived must be called from
// a single goroutine; State and SetState are safe from any goroutine.
type Machine struct {
	state    atomic.Uint32
	in       *Buffer
	reporter Reporter

	mu       sync.RWMutex
	handlers map[handlerKey]HandlerFunc
}

// NewMachine returns a machine in StateStatus with a receive buffer of size
// bytes.
func NewMachine(size int, reporter Reporter) *Machine {
	m := &Machine{
		in:       NewBuffer(size),
		reporter: reporter,
		handlers: make(map[handlerKey]HandlerFunc),
	}
	m.state.Store(uint32(StateStatus))
	return m
}

// Handle registers h for packets of type typ received in state.
func (m *Machine) Handle(state State, typ PacketType, h HandlerFunc) {
	m.mu.Lock()
	m.handlers[handlerKey{state, typ}] = h
	m.mu.Unlock()
}

func (m *Machine) handler(state State, typ PacketType) (HandlerFunc, bool) {
	m.mu.RLock()
	h, ok := m.handlers[handlerKey{state, typ}]
	m.mu.RUnlock()
	return h, ok
}

func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) SetState(s State) { m.state.Store(uint32(s)) }

// DataReceived appends p and dispatches every complete packet. A trailing
// partial packet stays buffered for the next call. The only error returned is
// ErrBufferFull; other failures go to the Reporter and move the machine to
// StateIgnore.
func (m *Machine) DataReceived(p []byte) error {
	if _, err := m.in.Write(p); err != nil {
		m.reporter.BufferFull()
		return err
	}

	for {
		length, err := m.in.ReadVarInt()
		if err != nil {
			m.in.ResetRead()
			if errors.Is(err, ErrShortRead) {
				return nil
			}
			m.fail(0, err)
			return nil
		}
		// the whole frame, prefix included, has to fit the buffer at once
		if int64(length)+int64(varint.UvarintSize(uint64(length))) > int64(m.in.Cap()) {
			m.in.ResetRead()
			m.fail(0, ErrFrameTooLarge)
			return nil
		}
		body, err := m.in.ReadBytes(int(length))
		if err != nil {
			m.in.ResetRead()
			return nil
		}
		m.in.CommitRead()

		if m.State() == StateIgnore {
			continue
		}
		if !m.dispatch(wrapBuffer(body)) {
			return nil
		}
	}
}

// dispatch runs one packet. It returns false when the rest of this pass must
// be dropped.
func (m *Machine) dispatch(pkt *Buffer) bool {
	state := m.State()

	typ, err := pkt.ReadVarInt()
	if err != nil {
		m.fail(0, err)
		return false
	}

	h, ok := m.handler(state, PacketType(typ))
	if !ok {
		m.SetState(StateIgnore)
		m.reporter.PacketUnknown(PacketType(typ), state)
		return false
	}

	if err := h(pkt); err != nil {
		m.SetState(StateIgnore)
		m.reporter.PacketError(PacketType(typ), state, err)
		return false
	}

	if left := pkt.Readable(); left != 0 {
		m.SetState(StateIgnore)
		m.reporter.PacketError(PacketType(typ), state,
			fmt.Errorf("%w: %d of %d bytes left", ErrLengthMismatch, left, pkt.Used()))
		return false
	}
	return true
}

// fail handles a stream that can no longer be framed.
func (m *Machine) fail(typ PacketType, err error) {
	state := m.State()
	m.SetState(StateIgnore)
	m.in.Clear()
	m.reporter.PacketError(typ, state, err)
}
