package source

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-aggregator/chain"
)

func newStakingServer(t *testing.T, calls *atomic.Int32, handler func(path string, req stakedRequest) (int, stakedResponse)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req stakedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, resp := handler(r.URL.Path, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStakingClient_StakedAt(t *testing.T) {
	var calls atomic.Int32
	account := common.HexToAddress("0xbeef")
	srv := newStakingServer(t, &calls, func(path string, req stakedRequest) (int, stakedResponse) {
		switch path {
		case "/staked_at":
			if req.Account != account.Hex() || req.At != "4" {
				return http.StatusBadRequest, stakedResponse{Error: "unexpected request", Code: "bad_request"}
			}
			return http.StatusOK, stakedResponse{Amount: "1000000000000000000000"}
		case "/total_staked_at":
			return http.StatusOK, stakedResponse{Amount: "7"}
		}
		return http.StatusNotFound, stakedResponse{Error: "no route", Code: "not_found"}
	})

	clock := chain.NewBlockCounter(10)
	c, err := NewStakingClient(srv.URL, clock, 16, 0)
	require.NoError(t, err)

	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	for i := 0; i < 3; i++ {
		v, err := c.TotalStakedForAt(context.Background(), account, 4)
		require.NoError(t, err)
		assert.Equal(t, 0, want.Cmp(v))
	}
	assert.Equal(t, int32(1), calls.Load(), "past reference points are cached")

	for i := 0; i < 2; i++ {
		v, err := c.TotalStakedAt(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(7), v)
	}
	assert.Equal(t, int32(3), calls.Load(), "current reference point is not cached")
}

func TestStakingClient_Errors(t *testing.T) {
	var calls atomic.Int32
	srv := newStakingServer(t, &calls, func(path string, req stakedRequest) (int, stakedResponse) {
		switch path {
		case "/staked_at":
			return http.StatusOK, stakedResponse{Error: "unknown account", Code: "not_found"}
		case "/total_staked_at":
			if req.At == "1" {
				return http.StatusOK, stakedResponse{Amount: "-5"}
			}
		}
		return http.StatusInternalServerError, stakedResponse{Error: "boom", Code: "internal"}
	})

	c, err := NewStakingClient(srv.URL, chain.NewBlockCounter(1), 0, 0)
	require.NoError(t, err)

	_, err = c.TotalStakedForAt(context.Background(), common.Address{}, 0)
	var de *DaemonError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "not_found", de.Code)

	_, err = c.TotalStakedAt(context.Background(), 1)
	require.ErrorIs(t, err, ErrMalformedResponse)

	_, err = c.TotalStakedAt(context.Background(), 0)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "internal", de.Code)
}

func TestStakingClient_Unreachable(t *testing.T) {
	c, err := NewStakingClient("http://127.0.0.1:1", chain.NewBlockCounter(1), 0, 0)
	require.NoError(t, err)

	_, err = c.TotalStakedAt(context.Background(), 0)
	require.Error(t, err)
}
