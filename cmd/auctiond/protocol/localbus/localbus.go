// Package localbus is an in-process Transport used to wire several nodes together in tests
// and single-machine networks.
package localbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/textileio/auctionbft/cmd/auctiond/protocol"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("auctiond/localbus")

// ErrClosed indicates the transport was closed.
var ErrClosed = errors.New("transport closed")

// Bus connects Transports. Messages are delivered asynchronously, in publish order per receiver.
type Bus struct {
	// pending counts messages queued or being handled.
	pending int64

	members map[peer.ID]*Transport
	lk      sync.RWMutex
}

// New returns a new Bus.
func New() *Bus {
	return &Bus{members: make(map[peer.ID]*Transport)}
}

// Transport returns a new member of the bus identified by id.
func (b *Bus) Transport(id peer.ID) *Transport {
	t := &Transport{
		id:       id,
		bus:      b,
		handlers: make(map[string]protocol.Handler),
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.lk.Lock()
	b.members[id] = t
	b.lk.Unlock()
	go t.run()
	return t
}

// Wait blocks until every member has handled all queued messages,
// including the ones published while handling.
func (b *Bus) Wait(ctx context.Context) error {
	for atomic.LoadInt64(&b.pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (b *Bus) broadcast(from peer.ID, topic string, data []byte) {
	b.lk.RLock()
	defer b.lk.RUnlock()
	for id, t := range b.members {
		if id == from {
			continue
		}
		atomic.AddInt64(&b.pending, 1)
		t.enqueue(envelope{from: from, topic: topic, data: data})
	}
}

func (b *Bus) remove(id peer.ID) {
	b.lk.Lock()
	defer b.lk.Unlock()
	delete(b.members, id)
}

type envelope struct {
	from  peer.ID
	topic string
	data  []byte
}

// Transport is a member of a Bus.
type Transport struct {
	id  peer.ID
	bus *Bus

	lk       sync.Mutex
	ctx      context.Context
	handlers map[string]protocol.Handler
	queue    []envelope

	notify chan struct{}
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
}

var _ protocol.Transport = (*Transport)(nil)

// ID returns the member id.
func (t *Transport) ID() peer.ID {
	return t.id
}

// Join implements protocol.Transport.
func (t *Transport) Join(ctx context.Context, topic string, handler protocol.Handler) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if _, exists := t.handlers[topic]; exists {
		return fmt.Errorf("topic %s already joined", topic)
	}
	t.ctx = ctx
	t.handlers[topic] = handler
	return nil
}

// Publish implements protocol.Transport.
func (t *Transport) Publish(_ context.Context, topic string, data []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.lk.Lock()
	_, joined := t.handlers[topic]
	t.lk.Unlock()
	if !joined {
		return fmt.Errorf("topic %s not joined", topic)
	}
	t.bus.broadcast(t.id, topic, append([]byte(nil), data...))
	return nil
}

// Close implements protocol.Transport.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.bus.remove(t.id)
		close(t.closed)
		<-t.done
	})
	return nil
}

func (t *Transport) enqueue(e envelope) {
	t.lk.Lock()
	t.queue = append(t.queue, e)
	t.lk.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Transport) run() {
	defer close(t.done)
	for {
		t.lk.Lock()
		if len(t.queue) == 0 {
			t.lk.Unlock()
			select {
			case <-t.closed:
				return
			case <-t.notify:
				continue
			}
		}
		e := t.queue[0]
		t.queue = t.queue[1:]
		handler, ok := t.handlers[e.topic]
		ctx := t.ctx
		t.lk.Unlock()

		if ok {
			if err := handler(ctx, e.from, e.data); err != nil {
				log.Debugf("%s handling message on %s from %s: %v", t.id, e.topic, e.from, err)
			}
		}
		atomic.AddInt64(&t.bus.pending, -1)
	}
}
