package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/1ureka/p2pchat/internal/util"
)

// DefaultQueueDepth is the number of frames a Sender buffers before SendData
// starts refusing.
const DefaultQueueDepth = 256

var (
	ErrOutboundFull = errors.New("transport: outbound queue full")
	ErrClosed       = errors.New("transport: sender closed")
)

type outgoing struct {
	data    []byte
	flushed chan struct{}
}

// Sender is the single writer of one connection. Frames are queued by
// SendData and written in order by a background goroutine. It satisfies
// protocol.Sink: the embedded mutex is what packet writers lock around a
// flush.
type Sender struct {
	sync.Mutex

	inbox chan outgoing
	done  chan struct{}

	errOnce sync.Once
	err     error
}

// NewSender starts the write loop on w. The loop exits when ctx is cancelled
// or a write fails.
func NewSender(ctx context.Context, w io.Writer, depth int) *Sender {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	s := &Sender{
		inbox: make(chan outgoing, depth),
		done:  make(chan struct{}),
	}
	go s.loop(ctx, w)
	return s
}

func (s *Sender) loop(ctx context.Context, w io.Writer) {
	defer close(s.done)
	for {
		select {
		case out := <-s.inbox:
			if out.flushed != nil {
				close(out.flushed)
				continue
			}
			if _, err := w.Write(out.data); err != nil {
				s.fail(err)
				return
			}
			util.Stats.AddSent(len(out.data))
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}

func (s *Sender) fail(err error) {
	s.errOnce.Do(func() { s.err = err })
}

// SendData queues frame without blocking.
func (s *Sender) SendData(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- outgoing{data: frame}:
		return nil
	default:
		return ErrOutboundFull
	}
}

// Flush blocks until every frame queued before the call has been written.
func (s *Sender) Flush(ctx context.Context) error {
	marker := outgoing{flushed: make(chan struct{})}
	select {
	case s.inbox <- marker:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the write loop has exited.
func (s *Sender) Done() <-chan struct{} { return s.done }

// Err reports why the write loop exited.
func (s *Sender) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
