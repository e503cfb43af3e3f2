package protocol

import (
	"errors"
	"sync"

	"github.com/multiformats/go-varint"
)

// MaxPacketSize bounds the body of one outgoing packet. It leaves room for the
// length and type varints so a full frame fits a default receive buffer.
const MaxPacketSize = DefaultBufferSize - 8

var ErrWriterSent = errors.New("protocol: writer already sent")

// Sink receives complete frames. Lock is held by the Writer around SendData
// so that frames from concurrent writers on one connection never interleave.
type Sink interface {
	sync.Locker
	SendData(frame []byte) error
}

// Writer builds the body of one outgoing packet and frames it on Send.
// The first encoding error sticks and is returned by Send.
type Writer struct {
	sink Sink
	typ  PacketType
	body *Buffer
	err  error
	sent bool
}

// NewWriter starts a packet of type typ destined for sink.
func NewWriter(sink Sink, typ PacketType) *Writer {
	return &Writer{
		sink: sink,
		typ:  typ,
		body: NewBuffer(MaxPacketSize),
	}
}

func (w *Writer) keep(err error) *Writer {
	if w.err == nil && err != nil {
		w.err = err
	}
	return w
}

func (w *Writer) WriteVarInt(v uint32) *Writer   { return w.keep(w.body.WriteVarInt(v)) }
func (w *Writer) WriteBEUInt32(v uint32) *Writer { return w.keep(w.body.WriteBEUInt32(v)) }
func (w *Writer) WriteBEInt32(v int32) *Writer   { return w.keep(w.body.WriteBEInt32(v)) }
func (w *Writer) WriteBEInt64(v int64) *Writer   { return w.keep(w.body.WriteBEInt64(v)) }
func (w *Writer) WriteString(s string) *Writer   { return w.keep(w.body.WriteString(s)) }
func (w *Writer) WriteBytes(p []byte) *Writer    { return w.keep(w.body.WriteBytes(p)) }

// Send frames the packet and hands it to the sink. A Writer sends at most once.
func (w *Writer) Send() error {
	if w.sent {
		return ErrWriterSent
	}
	w.sent = true
	if w.err != nil {
		return w.err
	}

	frame := Frame(w.typ, w.body.Bytes())

	w.sink.Lock()
	defer w.sink.Unlock()
	return w.sink.SendData(frame)
}

// Frame returns varint(len) varint(typ) body.
func Frame(typ PacketType, body []byte) []byte {
	length := uint64(varint.UvarintSize(uint64(typ)) + len(body))
	frame := make([]byte, 0, varint.UvarintSize(length)+int(length))
	frame = append(frame, varint.ToUvarint(length)...)
	frame = append(frame, varint.ToUvarint(uint64(typ))...)
	return append(frame, body...)
}
