package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/ledger"
	"github.com/textileio/auctionbft/cmd/auctiond/service"
	"github.com/textileio/auctionbft/cmd/auctiond/solver"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	log = golog.Logger("auctiond/api")
)

// Service provides scoped access to the auctiond service.
type Service interface {
	Address() common.Address
	Finalized(id auction.ID) (solver.Result, error)
	LatestFinalized() (solver.Result, error)
	LedgerStats() ledger.Stats
	Bid(ctx context.Context, id auction.ID) error
}

// NewServer returns a new http server for auctiond commands.
func NewServer(listenAddr string, service Service) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              listenAddr,
		ReadHeaderTimeout: time.Second * 5,
		Handler:           otelhttp.NewHandler(createMux(service), "auctiond"),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

func createMux(service Service) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/id", idHandler(service))
	r.Get("/ledger", ledgerHandler(service))
	r.Route("/auctions", func(r chi.Router) {
		r.Get("/latest", latestHandler(service))
		r.Get("/{id}", auctionHandler(service))
		r.Post("/{id}/bid", bidHandler(service))
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func idHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct {
			Address string
		}{
			service.Address().Hex(),
		})
	}
}

type ledgerView struct {
	Auctions   int
	Bids       int
	Prevotes   int
	Precommits int
	Oldest     uint64
	Newest     uint64
	Summary    string
}

func ledgerHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := service.LedgerStats()
		writeJSON(w, ledgerView{
			Auctions:   stats.Auctions,
			Bids:       stats.Bids,
			Prevotes:   stats.Prevotes,
			Precommits: stats.Precommits,
			Oldest:     uint64(stats.Oldest),
			Newest:     uint64(stats.Newest),
			Summary: fmt.Sprintf("%s auctions, %s bids, %s votes",
				humanize.Comma(int64(stats.Auctions)),
				humanize.Comma(int64(stats.Bids)),
				humanize.Comma(int64(stats.Prevotes+stats.Precommits))),
		})
	}
}

type bidView struct {
	Solver     string
	Score      string `json:",omitempty"`
	Empty      bool
	Commitment string
}

type resultView struct {
	Auction     uint64
	FinalizedAt time.Time
	Bids        []bidView
}

func newResultView(res solver.Result) resultView {
	v := resultView{
		Auction:     uint64(res.Auction),
		FinalizedAt: res.FinalizedAt,
		Bids:        make([]bidView, len(res.Bids)),
	}
	for i, b := range res.Bids {
		bv := bidView{
			Solver:     b.Solver.Hex(),
			Empty:      b.IsEmpty(),
			Commitment: auction.MustCommitment(b).Hex(),
		}
		if !b.IsEmpty() && b.Solution.Score != nil {
			bv.Score = b.Solution.Score.String()
		}
		v.Bids[i] = bv
	}
	return v
}

func latestHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := service.LatestFinalized()
		if errors.Is(err, solver.ErrNotFinalized) {
			httpError(w, "no auction finalized yet", http.StatusNotFound)
			return
		} else if err != nil {
			httpError(w, fmt.Sprintf("get latest auction: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, newResultView(res))
	}
}

func auctionHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		res, err := service.Finalized(id)
		if errors.Is(err, solver.ErrNotFinalized) {
			httpError(w, fmt.Sprintf("auction %d not finalized", id), http.StatusNotFound)
			return
		} else if err != nil {
			httpError(w, fmt.Sprintf("get auction %d: %s", id, err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, newResultView(res))
	}
}

func bidHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		if err := svc.Bid(r.Context(), id); errors.Is(err, service.ErrSolvingDisabled) {
			httpError(w, err.Error(), http.StatusConflict)
			return
		} else if err != nil {
			httpError(w, fmt.Sprintf("bidding in auction %d: %s", id, err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (auction.ID, bool) {
	param := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		httpError(w, fmt.Sprintf("invalid auction id %q", param), http.StatusBadRequest)
		return 0, false
	}
	return auction.ID(id), true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		httpError(w, fmt.Sprintf("marshaling response: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
