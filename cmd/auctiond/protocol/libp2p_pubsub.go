package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/metrics"
	rpc "github.com/textileio/go-libp2p-pubsub-rpc"
	"github.com/textileio/go-libp2p-pubsub-rpc/finalizer"
	rpcpeer "github.com/textileio/go-libp2p-pubsub-rpc/peer"
	"go.opentelemetry.io/otel/metric"
)

// Libp2pPubsub is a Transport backed by libp2p gossipsub.
type Libp2pPubsub struct {
	peer      *rpcpeer.Peer
	finalizer *finalizer.Finalizer
	topics    map[string]*rpc.Topic
	lkTopics  sync.Mutex

	metricPeers metric.Int64GaugeObserver
}

var _ Transport = (*Libp2pPubsub)(nil)

// NewLibp2pPubsub creates a libp2p peer from conf and optionally bootstraps it.
func NewLibp2pPubsub(conf rpcpeer.Config, bootstrap bool) (*Libp2pPubsub, error) {
	p, err := rpcpeer.New(conf)
	if err != nil {
		return nil, fmt.Errorf("creating peer: %v", err)
	}
	fin := finalizer.NewFinalizer()
	fin.Add(p)

	if bootstrap {
		p.Bootstrap()
	}
	ps := &Libp2pPubsub{
		peer:      p,
		finalizer: fin,
		topics:    make(map[string]*rpc.Topic),
	}
	ps.metricPeers = metrics.Meter.NewInt64GaugeObserver(metrics.Prefix+".protocol.peers", ps.peersCb)
	return ps, nil
}

// Join implements Transport.
func (ps *Libp2pPubsub) Join(ctx context.Context, topic string, handler Handler) error {
	ps.lkTopics.Lock()
	defer ps.lkTopics.Unlock()
	if _, exists := ps.topics[topic]; exists {
		return fmt.Errorf("topic %s already joined", topic)
	}
	t, err := ps.peer.NewTopic(ctx, topic, true)
	if err != nil {
		return fmt.Errorf("creating topic %s: %v", topic, err)
	}
	t.SetEventHandler(ps.eventHandler)
	t.SetMessageHandler(func(from peer.ID, topic string, msg []byte) ([]byte, error) {
		if err := from.Validate(); err != nil {
			return nil, fmt.Errorf("invalid sender: %v", err)
		}
		start := time.Now()
		if err := handler(ctx, from, msg); err != nil {
			log.Debugf("handling message on %s from %s: %v", topic, from, err)
		}
		log.Debugf("processing message on %s from %s took %dms", topic, from, time.Since(start).Milliseconds())
		return nil, nil
	})
	ps.topics[topic] = t
	ps.finalizer.Add(t)
	return nil
}

// Publish implements Transport.
func (ps *Libp2pPubsub) Publish(ctx context.Context, topic string, data []byte) error {
	ps.lkTopics.Lock()
	t, exists := ps.topics[topic]
	ps.lkTopics.Unlock()
	if !exists {
		return fmt.Errorf("topic %s not joined", topic)
	}
	if _, err := t.Publish(ctx, data, rpc.WithIgnoreResponse(true)); err != nil {
		return err
	}
	return nil
}

// ID returns the libp2p peer id.
func (ps *Libp2pPubsub) ID() peer.ID {
	return ps.peer.Host().ID()
}

// ListPeers returns the list of connected peers.
func (ps *Libp2pPubsub) ListPeers() []peer.ID {
	return ps.peer.ListPeers()
}

// Close implements Transport.
func (ps *Libp2pPubsub) Close() error {
	log.Info("libp2p pubsub was shutdown")
	return ps.finalizer.Cleanup(nil)
}

func (ps *Libp2pPubsub) eventHandler(from peer.ID, topic string, msg []byte) {
	log.Debugf("%s peer event: %s %s", topic, from, msg)
	if topic == auction.PrevotesTopic && string(msg) == "JOINED" {
		ps.peer.Host().ConnManager().Protect(from, "auctiond:<validator>")
	}
}

func (ps *Libp2pPubsub) peersCb(_ context.Context, r metric.Int64ObserverResult) {
	r.Observe(int64(len(ps.ListPeers())))
}
