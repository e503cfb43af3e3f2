// Package protocol implements the p2pchat signaling wire format: varint
// framed packets, the per-connection state machine that dispatches them and
// the packet catalogue shared by server and client.
package protocol

import "fmt"

// AppName is the only application accepted by the status handshake.
const AppName = "p2pchat"

// HangUpMessage is the media message that ends a call.
const HangUpMessage = "BYE"

// PacketType is the varint type that follows the length prefix. Types are
// only unique within a State.
type PacketType uint32

// Status state.
const (
	TypeStatusRequest  PacketType = 0x00 // C->S
	TypeStatusResponse PacketType = 0x00 // S->C
	TypeStatusPing     PacketType = 0x01
)

// Login state.
const (
	TypeLoginInfo       PacketType = 0x00 // C->S
	TypeLoginDisconnect PacketType = 0x00 // S->C
	TypeLoginSuccess    PacketType = 0x01 // S->C
)

// Work state.
const (
	TypeKeepAlive    PacketType = 0x00
	TypeUserInfo     PacketType = 0x01 // S->C
	TypeMediaRequest PacketType = 0x11
	TypeMediaMessage PacketType = 0x12
	TypeErrorNotice  PacketType = 0x40 // S->C
)

// Media request codes.
const (
	CodeCallRequest int32 = 0
	CodeAccept      int32 = 1
	CodeReject      int32 = -1
	CodeUnavailable int32 = -2
)

// Presence of a user as broadcast in UserInfo.
type Presence uint32

const (
	PresenceOnline  Presence = 1
	PresenceBusy    Presence = 2
	PresenceAway    Presence = 3
	PresenceOffline Presence = 4
)

// Online reports whether the presence still lists the user.
func (p Presence) Online() bool { return p >= PresenceOnline && p <= PresenceAway }

func (p Presence) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceBusy:
		return "busy"
	case PresenceAway:
		return "away"
	case PresenceOffline:
		return "offline"
	}
	return fmt.Sprintf("presence(%d)", uint32(p))
}

// Packet is anything Send can encode.
type Packet interface {
	Type() PacketType
	Encode(w *Writer)
}

// Send encodes p and flushes it to sink.
func Send(sink Sink, p Packet) error {
	w := NewWriter(sink, p.Type())
	p.Encode(w)
	return w.Send()
}

// ---- Status ----------------------------------------------------------------

type StatusRequest struct {
	AppName        string
	Server         string
	Port           int32
	RequestedState int32
}

func (StatusRequest) Type() PacketType { return TypeStatusRequest }

func (p StatusRequest) Encode(w *Writer) {
	w.WriteString(p.AppName).WriteString(p.Server).WriteBEInt32(p.Port).WriteBEInt32(p.RequestedState)
}

func (p *StatusRequest) Decode(b *Buffer) (err error) {
	if p.AppName, err = b.ReadString(); err != nil {
		return err
	}
	if p.Server, err = b.ReadString(); err != nil {
		return err
	}
	if p.Port, err = b.ReadBEInt32(); err != nil {
		return err
	}
	p.RequestedState, err = b.ReadBEInt32()
	return err
}

type StatusResponse struct {
	State         int32
	CallerAddress string
}

func (StatusResponse) Type() PacketType { return TypeStatusResponse }

func (p StatusResponse) Encode(w *Writer) {
	w.WriteBEInt32(p.State).WriteString(p.CallerAddress)
}

func (p *StatusResponse) Decode(b *Buffer) (err error) {
	if p.State, err = b.ReadBEInt32(); err != nil {
		return err
	}
	p.CallerAddress, err = b.ReadString()
	return err
}

// StatusPing is echoed back unchanged.
type StatusPing struct {
	Timestamp int64
}

func (StatusPing) Type() PacketType { return TypeStatusPing }

func (p StatusPing) Encode(w *Writer) { w.WriteBEInt64(p.Timestamp) }

func (p *StatusPing) Decode(b *Buffer) (err error) {
	p.Timestamp, err = b.ReadBEInt64()
	return err
}

// ---- Login -----------------------------------------------------------------

type LoginInfo struct {
	Username string
	Password string
}

func (LoginInfo) Type() PacketType { return TypeLoginInfo }

func (p LoginInfo) Encode(w *Writer) { w.WriteString(p.Username).WriteString(p.Password) }

func (p *LoginInfo) Decode(b *Buffer) (err error) {
	if p.Username, err = b.ReadString(); err != nil {
		return err
	}
	p.Password, err = b.ReadString()
	return err
}

type LoginDisconnect struct {
	Reason Reason
}

func (LoginDisconnect) Type() PacketType { return TypeLoginDisconnect }

func (p LoginDisconnect) Encode(w *Writer) { w.WriteBEInt32(int32(p.Reason)) }

func (p *LoginDisconnect) Decode(b *Buffer) error {
	v, err := b.ReadBEInt32()
	p.Reason = Reason(v)
	return err
}

type LoginSuccess struct{}

func (LoginSuccess) Type() PacketType { return TypeLoginSuccess }
func (LoginSuccess) Encode(*Writer)   {}

// ---- Work ------------------------------------------------------------------

type KeepAlive struct {
	ID uint32
}

func (KeepAlive) Type() PacketType { return TypeKeepAlive }

func (p KeepAlive) Encode(w *Writer) { w.WriteVarInt(p.ID) }

func (p *KeepAlive) Decode(b *Buffer) (err error) {
	p.ID, err = b.ReadVarInt()
	return err
}

type UserInfo struct {
	ID       uint32
	Name     string
	Presence Presence
}

func (UserInfo) Type() PacketType { return TypeUserInfo }

func (p UserInfo) Encode(w *Writer) {
	w.WriteVarInt(p.ID).WriteString(p.Name).WriteVarInt(uint32(p.Presence))
}

func (p *UserInfo) Decode(b *Buffer) (err error) {
	if p.ID, err = b.ReadVarInt(); err != nil {
		return err
	}
	if p.Name, err = b.ReadString(); err != nil {
		return err
	}
	v, err := b.ReadVarInt()
	p.Presence = Presence(v)
	return err
}

// MediaRequest carries a call code. Peer is the target on the way in and
// the originator on the way out. Negative codes travel as their uint32 cast.
type MediaRequest struct {
	Peer uint32
	Code int32
}

func (MediaRequest) Type() PacketType { return TypeMediaRequest }

func (p MediaRequest) Encode(w *Writer) { w.WriteVarInt(p.Peer).WriteVarInt(uint32(p.Code)) }

func (p *MediaRequest) Decode(b *Buffer) (err error) {
	if p.Peer, err = b.ReadVarInt(); err != nil {
		return err
	}
	v, err := b.ReadVarInt()
	p.Code = int32(v)
	return err
}

// MediaMessage carries an opaque signaling payload between two peers.
type MediaMessage struct {
	Peer    uint32
	Message string
}

func (MediaMessage) Type() PacketType { return TypeMediaMessage }

func (p MediaMessage) Encode(w *Writer) { w.WriteVarInt(p.Peer).WriteString(p.Message) }

func (p *MediaMessage) Decode(b *Buffer) (err error) {
	if p.Peer, err = b.ReadVarInt(); err != nil {
		return err
	}
	p.Message, err = b.ReadString()
	return err
}

type ErrorNotice struct {
	Reason Reason
}

func (ErrorNotice) Type() PacketType { return TypeErrorNotice }

func (p ErrorNotice) Encode(w *Writer) { w.WriteBEUInt32(uint32(p.Reason)) }

func (p *ErrorNotice) Decode(b *Buffer) error {
	v, err := b.ReadBEUInt32()
	p.Reason = Reason(v)
	return err
}
