package client

import (
	"context"
	"sync"

	"github.com/1ureka/p2pchat/internal/util"
)

// Outgoing is one media message waiting to be written.
type Outgoing struct {
	PeerID  uint32
	Message string
}

// PendingQueue holds media messages for one connection and writes them one
// at a time: the next message is handed to the socket only after the
// previous one has been flushed. Submission order is preserved.
type PendingQueue struct {
	send func(ctx context.Context, o Outgoing) error

	mu    sync.Mutex
	items []Outgoing
	wake  chan struct{}
}

func newPendingQueue(send func(ctx context.Context, o Outgoing) error) *PendingQueue {
	return &PendingQueue{
		send: send,
		wake: make(chan struct{}, 1),
	}
}

// Push appends o and wakes the writer.
func (q *PendingQueue) Push(o Outgoing) {
	q.mu.Lock()
	q.items = append(q.items, o)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len is the number of messages not yet handed to the socket.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *PendingQueue) pop() (Outgoing, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Outgoing{}, false
	}
	o := q.items[0]
	q.items = q.items[1:]
	return o, true
}

// run drains the queue until ctx is cancelled.
func (q *PendingQueue) run(ctx context.Context) {
	for {
		o, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := q.send(ctx, o); err != nil {
			if ctx.Err() != nil {
				return
			}
			util.LogWarning("message to peer %d dropped: %v", o.PeerID, err)
		}
	}
}
