package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/ledger"
	"github.com/textileio/auctionbft/cmd/auctiond/service"
	"github.com/textileio/auctionbft/cmd/auctiond/solver"
	golog "github.com/textileio/go-log/v2"
)

func init() {
	golog.SetAllLoggers(golog.LevelDebug)
}

var (
	solverA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	solverB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestAPI_ID(t *testing.T) {
	ms := &mockService{}
	ms.On("Address").Return(solverA)
	mux := createMux(ms)

	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/id", nil)
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var v struct{ Address string }
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &v))
	require.Equal(t, solverA.Hex(), v.Address)

	res = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/id", nil)
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusMethodNotAllowed, res.Code)
}

func TestAPI_Auctions(t *testing.T) {
	result := solver.Result{
		Auction:     7,
		FinalizedAt: time.Unix(80, 0).UTC(),
		Bids: []auction.BidPayload{
			{Auction: 7, Solver: solverA, Solution: &auction.Solution{Score: big.NewInt(42)}},
			{Auction: 7, Solver: solverB},
		},
	}

	ms := &mockService{}
	ms.On("Finalized", auction.ID(7)).Return(result, nil)
	ms.On("Finalized", auction.ID(8)).Return(solver.Result{}, solver.ErrNotFinalized)
	ms.On("Finalized", auction.ID(9)).Return(solver.Result{}, errors.New("boom"))
	ms.On("LatestFinalized").Return(result, nil)
	mux := createMux(ms)

	for _, tc := range []struct {
		name               string
		url                string
		expectedStatusCode int
	}{
		{"finalized", "/auctions/7", http.StatusOK},
		{"latest", "/auctions/latest", http.StatusOK},
		{"not finalized", "/auctions/8", http.StatusNotFound},
		{"internal error", "/auctions/9", http.StatusInternalServerError},
		{"invalid id", "/auctions/abc", http.StatusBadRequest},
		{"negative id", "/auctions/-1", http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, tc.url, nil)
			mux.ServeHTTP(res, req)
			require.Equal(t, tc.expectedStatusCode, res.Code)
			if tc.expectedStatusCode != http.StatusOK {
				return
			}
			var v resultView
			require.NoError(t, json.Unmarshal(res.Body.Bytes(), &v))
			require.Equal(t, uint64(7), v.Auction)
			require.True(t, result.FinalizedAt.Equal(v.FinalizedAt))
			require.Len(t, v.Bids, 2)
			require.Equal(t, solverA.Hex(), v.Bids[0].Solver)
			require.Equal(t, "42", v.Bids[0].Score)
			require.False(t, v.Bids[0].Empty)
			require.Equal(t, auction.MustCommitment(result.Bids[0]).Hex(), v.Bids[0].Commitment)
			require.True(t, v.Bids[1].Empty)
			require.Empty(t, v.Bids[1].Score)
		})
	}
}

func TestAPI_NothingFinalized(t *testing.T) {
	ms := &mockService{}
	ms.On("LatestFinalized").Return(solver.Result{}, solver.ErrNotFinalized)
	mux := createMux(ms)

	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/auctions/latest", nil)
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestAPI_Ledger(t *testing.T) {
	ms := &mockService{}
	ms.On("LedgerStats").Return(ledger.Stats{
		Auctions:   2,
		Bids:       4,
		Prevotes:   1500,
		Precommits: 12,
		Oldest:     3,
		Newest:     4,
	})
	mux := createMux(ms)

	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ledger", nil)
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var v ledgerView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &v))
	require.Equal(t, 4, v.Bids)
	require.Equal(t, uint64(3), v.Oldest)
	require.Equal(t, "2 auctions, 4 bids, 1,512 votes", v.Summary)
}

func TestAPI_Bid(t *testing.T) {
	ms := &mockService{}
	ms.On("Bid", mock.Anything, auction.ID(1)).Return(nil)
	ms.On("Bid", mock.Anything, auction.ID(2)).Return(service.ErrSolvingDisabled)
	ms.On("Bid", mock.Anything, auction.ID(3)).Return(errors.New("publishing bid: no peers"))
	mux := createMux(ms)

	for url, code := range map[string]int{
		"/auctions/1/bid": http.StatusAccepted,
		"/auctions/2/bid": http.StatusConflict,
		"/auctions/3/bid": http.StatusInternalServerError,
		"/auctions/x/bid": http.StatusBadRequest,
	} {
		res := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, url, nil)
		mux.ServeHTTP(res, req)
		require.Equal(t, code, res.Code, url)
	}
	ms.AssertNumberOfCalls(t, "Bid", 3)
}

func TestAPI_Health(t *testing.T) {
	mux := createMux(&mockService{})
	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestAPI_Profiler(t *testing.T) {
	mux := createMux(&mockService{})
	for _, url := range []string{"/debug/pprof/", "/debug/pprof/cmdline", "/debug/vars"} {
		res := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, url, nil)
		mux.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code, url)
	}
}

type mockService struct {
	mock.Mock
}

func (m *mockService) Address() common.Address {
	args := m.Called()
	return args.Get(0).(common.Address)
}

func (m *mockService) Finalized(id auction.ID) (solver.Result, error) {
	args := m.Called(id)
	return args.Get(0).(solver.Result), args.Error(1)
}

func (m *mockService) LatestFinalized() (solver.Result, error) {
	args := m.Called()
	return args.Get(0).(solver.Result), args.Error(1)
}

func (m *mockService) LedgerStats() ledger.Stats {
	args := m.Called()
	return args.Get(0).(ledger.Stats)
}

func (m *mockService) Bid(ctx context.Context, id auction.ID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
