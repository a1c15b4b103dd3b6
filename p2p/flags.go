package p2p

import (
	"fmt"
	"time"

	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/spf13/viper"
	"github.com/textileio/auctionbft/cmd/common"
	"github.com/textileio/cli"
	rpcpeer "github.com/textileio/go-libp2p-pubsub-rpc/peer"
)

// Flags defines daemon flags for a consensus network peer.
// Multiaddr flags accept comma separated lists.
var Flags = []cli.Flag{
	{
		Name:        "listen-multiaddr",
		DefValue:    "/ip4/0.0.0.0/tcp/4001",
		Description: "Libp2p listen multiaddrs",
	},
	{
		Name:        "bootstrap-multiaddr",
		DefValue:    "",
		Description: "Libp2p bootstrap peer multiaddrs",
	},
	{
		Name:        "announce-multiaddr",
		DefValue:    "",
		Description: "Libp2p annouce multiaddrs",
	},
	{
		Name:        "conn-low",
		DefValue:    256,
		Description: "Libp2p connection manager low water mark",
	},
	{
		Name:        "conn-high",
		DefValue:    512,
		Description: "Libp2p connection manager high water mark",
	},
	{
		Name:        "conn-grace",
		DefValue:    time.Second * 120,
		Description: "Libp2p connection manager grace period",
	},
	{
		Name:        "quic",
		DefValue:    false,
		Description: "Enable the QUIC transport",
	},
	{
		Name:        "nat",
		DefValue:    false,
		Description: "Enable NAT port mapping",
	},
	{
		Name:        "mdns",
		DefValue:    false,
		Description: "Enable MDNS peer discovery",
	},
	{
		Name:        "mdns-interval",
		DefValue:    1,
		Description: "MDNS peer discovery interval in seconds",
	},
	{
		Name:        "peer-exchange",
		DefValue:    false,
		Description: "Enable gossipsub peer exchange; useful for well known bootstrap nodes",
	},
}

// ConfigFromFlags returns a peer config from a *viper.Viper instance.
// The peer identity is given by key.
func ConfigFromFlags(v *viper.Viper, key crypto.PrivKey) (rpcpeer.Config, error) {
	if v.GetInt("conn-low") > v.GetInt("conn-high") {
		return rpcpeer.Config{}, fmt.Errorf("conn-low %d is greater than conn-high %d",
			v.GetInt("conn-low"), v.GetInt("conn-high"))
	}
	cm, err := connmgr.NewConnManager(
		v.GetInt("conn-low"),
		v.GetInt("conn-high"),
		connmgr.WithGracePeriod(v.GetDuration("conn-grace")),
	)
	if err != nil {
		return rpcpeer.Config{}, fmt.Errorf("creating connection manager: %v", err)
	}
	return rpcpeer.Config{
		RepoPath:                 v.GetString("repo"),
		PrivKey:                  key,
		ListenMultiaddrs:         common.ParseStringSlice(v, "listen-multiaddr"),
		AnnounceMultiaddrs:       common.ParseStringSlice(v, "announce-multiaddr"),
		BootstrapAddrs:           common.ParseStringSlice(v, "bootstrap-multiaddr"),
		ConnManager:              cm,
		EnableQUIC:               v.GetBool("quic"),
		EnableNATPortMap:         v.GetBool("nat"),
		EnableMDNS:               v.GetBool("mdns"),
		MDNSIntervalSeconds:      v.GetInt("mdns-interval"),
		EnablePubSubPeerExchange: v.GetBool("peer-exchange"),
		EnablePubSubFloodPublish: true,
	}, nil
}

// KeyFromECDSA converts the node's secp256k1 signing key into its libp2p identity,
// so the peer id and the signer address derive from the same key.
func KeyFromECDSA(raw []byte) (crypto.PrivKey, error) {
	key, err := crypto.UnmarshalSecp256k1PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling secp256k1 key: %v", err)
	}
	return key, nil
}
