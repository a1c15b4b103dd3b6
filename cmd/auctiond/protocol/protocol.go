package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/textileio/auctionbft/auction"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("auctiond/protocol")

// ErrNotStarted indicates the protocol hasn't joined its topics yet.
var ErrNotStarted = errors.New("protocol not started")

// Handler processes a message received on a topic.
type Handler func(ctx context.Context, from peer.ID, data []byte) error

// Transport is a topic based broadcast channel.
// Implementations don't deliver a node's own messages back to it.
type Transport interface {
	// Join subscribes to topic, calling handler for every message received from other peers.
	Join(ctx context.Context, topic string, handler Handler) error
	// Publish broadcasts data on a joined topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Close leaves all topics.
	Close() error
}

// Engine handles decoded consensus messages.
type Engine interface {
	OnBid(ctx context.Context, bid auction.Bid) error
	OnPrevote(ctx context.Context, prevote auction.Prevote) error
	OnPrecommit(ctx context.Context, precommit auction.Precommit) error
}

// Protocol maps consensus messages to topics.
// Every published message is also delivered synchronously to the local engine.
type Protocol struct {
	transport Transport
	engine    Engine

	lk      sync.Mutex
	started bool
}

// New returns a new Protocol.
func New(t Transport, e Engine) *Protocol {
	return &Protocol{transport: t, engine: e}
}

// Start joins the bid, prevote and precommit topics.
func (p *Protocol) Start(ctx context.Context) error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.started {
		return nil
	}
	if err := p.transport.Join(ctx, auction.BidsTopic, p.handleBid); err != nil {
		return fmt.Errorf("joining bids topic: %v", err)
	}
	if err := p.transport.Join(ctx, auction.PrevotesTopic, p.handlePrevote); err != nil {
		return fmt.Errorf("joining prevotes topic: %v", err)
	}
	if err := p.transport.Join(ctx, auction.PrecommitsTopic, p.handlePrecommit); err != nil {
		return fmt.Errorf("joining precommits topic: %v", err)
	}
	p.started = true
	log.Infof("joined %s topics", auction.Topic)
	return nil
}

// Close closes the transport.
func (p *Protocol) Close() error {
	return p.transport.Close()
}

// PublishBid broadcasts the bid and handles it locally.
func (p *Protocol) PublishBid(ctx context.Context, bid auction.Bid) error {
	err := p.publish(ctx, auction.BidsTopic, &bid)
	p.deliver(auction.KindBid, p.engine.OnBid(ctx, bid))
	return err
}

// PublishPrevote broadcasts the prevote and handles it locally.
func (p *Protocol) PublishPrevote(ctx context.Context, prevote auction.Prevote) error {
	err := p.publish(ctx, auction.PrevotesTopic, &prevote)
	p.deliver(auction.KindPrevote, p.engine.OnPrevote(ctx, prevote))
	return err
}

// PublishPrecommit broadcasts the precommit and handles it locally.
func (p *Protocol) PublishPrecommit(ctx context.Context, precommit auction.Precommit) error {
	err := p.publish(ctx, auction.PrecommitsTopic, &precommit)
	p.deliver(auction.KindPrecommit, p.engine.OnPrecommit(ctx, precommit))
	return err
}

func (p *Protocol) publish(ctx context.Context, topic string, msg interface{}) error {
	p.lk.Lock()
	started := p.started
	p.lk.Unlock()
	if !started {
		return ErrNotStarted
	}
	data, err := auction.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %v", err)
	}
	if err := p.transport.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publishing to %s: %v", topic, err)
	}
	return nil
}

func (p *Protocol) deliver(kind auction.Kind, err error) {
	if err != nil {
		log.Debugf("handling own %s: %v", kind, err)
	}
}

func (p *Protocol) handleBid(ctx context.Context, from peer.ID, data []byte) error {
	bid, err := auction.UnmarshalBid(data)
	if err != nil {
		return err
	}
	log.Debugf("received bid %s from %s", bid.Payload, from)
	return p.engine.OnBid(ctx, bid)
}

func (p *Protocol) handlePrevote(ctx context.Context, from peer.ID, data []byte) error {
	prevote, err := auction.UnmarshalPrevote(data)
	if err != nil {
		return err
	}
	log.Debugf("received prevote %s from %s", prevote.Payload, from)
	return p.engine.OnPrevote(ctx, prevote)
}

func (p *Protocol) handlePrecommit(ctx context.Context, from peer.ID, data []byte) error {
	precommit, err := auction.UnmarshalPrecommit(data)
	if err != nil {
		return err
	}
	log.Debugf("received precommit %s from %s", precommit.Payload, from)
	return p.engine.OnPrecommit(ctx, precommit)
}
