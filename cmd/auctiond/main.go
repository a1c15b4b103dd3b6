package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/consensus"
	"github.com/textileio/auctionbft/cmd/auctiond/httpapi"
	"github.com/textileio/auctionbft/cmd/auctiond/protocol"
	"github.com/textileio/auctionbft/cmd/auctiond/service"
	"github.com/textileio/auctionbft/cmd/auctiond/solver"
	cmdcommon "github.com/textileio/auctionbft/cmd/common"
	"github.com/textileio/auctionbft/common"
	"github.com/textileio/auctionbft/p2p"
	"github.com/textileio/auctionbft/registry"
	"github.com/textileio/auctionbft/signer"
	"github.com/textileio/cli"
	"github.com/textileio/go-libp2p-pubsub-rpc/finalizer"
	golog "github.com/textileio/go-log/v2"
)

var (
	daemonName = "auctiond"
	log        = golog.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []cli.Flag{
		{Name: "repo", DefValue: "${HOME}/.auctiond", Description: "Repo path"},
		{Name: "private-key", DefValue: "", Description: "Hex encoded secp256k1 private key; signs consensus messages and derives the peer id"},
		{Name: "eth-rpc-url", DefValue: "", Description: "Ethereum json-rpc endpoint used to read the registry contracts"},
		{Name: "validator-registry", DefValue: "", Description: "Address of the validator registry contract"},
		{Name: "solver-registry", DefValue: "", Description: "Address of the solver registry contract"},
		{
			Name:        "static-validators",
			DefValue:    "",
			Description: "Comma separated validator addresses; used when no validator registry contract is set",
		},
		{
			Name:        "static-solvers",
			DefValue:    "",
			Description: "Comma separated solver addresses; used when no solver registry contract is set",
		},
		{Name: "registry-timeout", DefValue: consensus.DefaultRegistryTimeout, Description: "Timeout of a single registry lookup"},
		{Name: "registry-retries", DefValue: 3, Description: "Max retries of a failed registry lookup"},
		{Name: "auction-frequency", DefValue: auction.Frequency, Description: "Length of an auction window"},
		{Name: "bid-offset", DefValue: auction.BidOffset, Description: "How long before the vote deadline solvers bid"},
		{Name: "retain-auctions", DefValue: service.DefaultRetainAuctions, Description: "Number of past auctions kept in memory"},
		{Name: "validator", DefValue: false, Description: "Vote in auctions; requires membership in the validator registry"},
		{Name: "solver", DefValue: false, Description: "Bid in auctions; requires membership in the solver registry"},
		{Name: "http-addr", DefValue: ":9999", Description: "HTTP API listen address"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
		{
			Name:        "log-filter",
			DefValue:    "",
			Description: "Comma separated system:level log filters, e.g. auctiond/consensus:debug",
		},
	}
	flags = append(flags, p2p.Flags...)

	cobra.OnInitialize(func() {
		_ = godotenv.Load(".env")
		if home := v.GetString("repo"); home != "" {
			_ = godotenv.Load(filepath.Join(os.ExpandEnv(home), ".env"))
		}
	})
	cli.ConfigureCLI(v, "AUCTIOND", flags, rootCmd.Flags())
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "auctiond runs a validator and/or solver of the batch auction consensus network",
	Long: `auctiond runs a validator and/or solver of the batch auction consensus network.

Every auction window, solvers broadcast signed bids. Validators attest each bid in two
voting rounds; an auction is finalized once a quorum of precommits exists for a bid
of every registered solver.`,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		cli.ExpandEnvVars(v, v.AllSettings())
		err := cli.ConfigureLogging(v, []string{
			daemonName,
			"auctiond/service",
			"auctiond/consensus",
			"auctiond/ledger",
			"auctiond/protocol",
			"auctiond/validator",
			"auctiond/solver",
			"auctiond/schedule",
			"auctiond/api",
			"registry",
			"signer",
			"common",
		})
		cli.CheckErrf("setting log levels: %v", err)
		cli.CheckErrf("setting log filters: %v", cmdcommon.ConfigureLogFilters(v))
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := cli.MarshalConfig(v, !v.GetBool("log-json"), "private-key")
		cli.CheckErr(err)
		log.Infof("loaded config from %s: %s", v.ConfigFileUsed(), string(settings))

		metricsServer, err := common.SetupInstrumentation(v.GetString("metrics-addr"))
		cli.CheckErrf("booting instrumentation: %v", err)

		fin := finalizer.NewFinalizer()
		fin.Add(&shutdownCloser{metricsServer.Shutdown})

		if v.GetString("private-key") == "" {
			log.Fatal("--private-key can't be empty")
		}
		s, err := signer.FromHex(v.GetString("private-key"))
		cli.CheckErrf("loading private key: %v", err)

		validators, solvers, err := registries(fin)
		cli.CheckErr(err)

		key, err := p2p.KeyFromECDSA(ethcrypto.FromECDSA(s.PrivateKey()))
		cli.CheckErr(err)
		peerConf, err := p2p.ConfigFromFlags(v, key)
		cli.CheckErr(err)
		transport, err := protocol.NewLibp2pPubsub(peerConf, true)
		cli.CheckErrf("creating peer: %v", err)

		serv, err := service.New(service.Config{
			Signer:          s,
			Validators:      validators,
			Solvers:         solvers,
			Transport:       transport,
			Validate:        v.GetBool("validator"),
			Solve:           v.GetBool("solver"),
			SolutionFunc:    solver.RandomSolution,
			OnFinalized:     logFinalized,
			Frequency:       v.GetDuration("auction-frequency"),
			BidOffset:       v.GetDuration("bid-offset"),
			RetainAuctions:  v.GetInt("retain-auctions"),
			RegistryTimeout: v.GetDuration("registry-timeout"),
			Slasher:         consensus.LogSlasher{},
		})
		cli.CheckErrf("creating service: %v", err)
		// The service owns the transport.
		fin.Add(serv)
		cli.CheckErrf("starting service: %v", serv.Start(true))

		log.Infof("peer %s running as %s", transport.ID(), serv.Address().Hex())

		apiServer, err := httpapi.NewServer(v.GetString("http-addr"), serv)
		cli.CheckErrf("creating http API server: %v", err)
		fin.Add(&shutdownCloser{apiServer.Shutdown})

		cli.HandleInterrupt(func() {
			cli.CheckErr(fin.Cleanup(nil))
		})
	},
}

// registries returns the validator and solver registries. Contract registries are used
// when their address is set, static lists otherwise.
func registries(fin *finalizer.Finalizer) (registry.Registry, registry.Registry, error) {
	var backend *ethclient.Client
	dial := func() (*ethclient.Client, error) {
		if backend != nil {
			return backend, nil
		}
		url := v.GetString("eth-rpc-url")
		if url == "" {
			return nil, errors.New("--eth-rpc-url is required by contract registries")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, err
		}
		fin.Add(&funcCloser{c.Close})
		backend = c
		return c, nil
	}
	build := func(name, contractFlag, staticFlag string) (registry.Registry, error) {
		var reg registry.Registry
		if addr := v.GetString(contractFlag); addr != "" {
			if !ethcommon.IsHexAddress(addr) {
				return nil, &registry.InvalidAddressError{Addr: addr}
			}
			c, err := dial()
			if err != nil {
				return nil, err
			}
			contract, err := registry.NewContract(ethcommon.HexToAddress(addr), c)
			if err != nil {
				return nil, err
			}
			reg = contract
		} else {
			static, err := registry.ParseStatic(cmdcommon.ParseStringSlice(v, staticFlag))
			if err != nil {
				return nil, err
			}
			reg = static
		}
		return registry.NewRetrying(name, reg, v.GetDuration("registry-timeout"), v.GetUint64("registry-retries")), nil
	}

	validators, err := build("validator", "validator-registry", "static-validators")
	if err != nil {
		return nil, nil, fmt.Errorf("building validator registry: %v", err)
	}
	solvers, err := build("solver", "solver-registry", "static-solvers")
	if err != nil {
		return nil, nil, fmt.Errorf("building solver registry: %v", err)
	}
	return validators, solvers, nil
}

func logFinalized(_ context.Context, res solver.Result) {
	log.Infof("auction %d finalized with %d bids", res.Auction, len(res.Bids))
	for _, b := range res.Bids {
		log.Debugf("auction %d: %s", res.Auction, b)
	}
}

type shutdownCloser struct {
	shutdown func(context.Context) error
}

func (c *shutdownCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return c.shutdown(ctx)
}

type funcCloser struct {
	close func()
}

func (c *funcCloser) Close() error {
	c.close()
	return nil
}

func main() {
	cli.CheckErr(rootCmd.Execute())
}
