package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"voting-aggregator/aggregator"
	"voting-aggregator/chain"
	"voting-aggregator/db"
	"voting-aggregator/handlers"
	"voting-aggregator/logger"
	"voting-aggregator/repository"
	"voting-aggregator/routers"
	"voting-aggregator/source"
	"voting-aggregator/token"
)

var (
	tokenAddr   = common.HexToAddress("0x1000")
	stakingAddr = common.HexToAddress("0x2000")
	alice       = common.HexToAddress("0xa11ce")
	bob         = common.HexToAddress("0xb0b")
)

type mockStaking struct {
	mu     sync.Mutex
	staked map[common.Address]*big.Int
	err    error
}

func (m *mockStaking) TotalStakedForAt(_ context.Context, account common.Address, _ uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.staked[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (m *mockStaking) TotalStakedAt(context.Context, uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	total := new(big.Int)
	for _, v := range m.staked {
		total.Add(total, v)
	}
	return total, nil
}

type mockDispatcher struct {
	mu      sync.Mutex
	actions []aggregator.Action
}

func (m *mockDispatcher) Dispatch(_ context.Context, _ common.Address, action aggregator.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	return nil
}

type testEnv struct {
	router  *mux.Router
	staking *mockStaking
	disp    *mockDispatcher
	repo    *repository.KVRepository
	blocks  *chain.BlockCounter
	store   db.KVStore
}

func testServer(t *testing.T) *testEnv {
	logger.Logger = zap.NewNop()

	store, err := db.NewMemLevelDB()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	repo := repository.NewKVRepository(store)

	blocks := chain.NewBlockCounter(0)
	ledger := token.NewLedger(tokenAddr, "Wrapped", "wGOV", blocks, repo)
	staking := &mockStaking{staked: map[common.Address]*big.Int{alice: big.NewInt(7)}}

	dir := source.NewDirectory()
	dir.RegisterToken(tokenAddr, ledger)
	dir.RegisterStaking(stakingAddr, staking)

	disp := &mockDispatcher{}
	agg := aggregator.New(dir, blocks, aggregator.Options{Store: repo, Dispatcher: disp})

	handler := handlers.NewHandler(agg, blocks, []*token.Ledger{ledger}, handlers.Options{AutoMine: true, Heights: repo})
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler)
	return &testEnv{router: router, staking: staking, disp: disp, repo: repo, blocks: blocks, store: store}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		bodyJSON, _ := json.Marshal(body)
		reader = bytes.NewReader(bodyJSON)
	} else {
		reader = bytes.NewReader(nil)
	}
	res := httptest.NewRecorder()
	e.router.ServeHTTP(res, httptest.NewRequest(method, path, reader))
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, res *httptest.ResponseRecorder, want int) {
	t.Helper()
	if res.Code != want {
		t.Fatalf("expected status %d, got %d, body: %s", want, res.Code, res.Body.String())
	}
}

// setupSources registers the token with weight 1 and the staking pool
// with weight 3, then deposits 10 for alice.
func (e *testEnv) setupSources(t *testing.T) {
	t.Helper()
	expectStatus(t, e.do(http.MethodPost, "/sources", map[string]string{
		"address": tokenAddr.Hex(), "kind": "balance_with_checkpoints", "weight": "1",
	}), http.StatusCreated)
	expectStatus(t, e.do(http.MethodPost, "/sources", map[string]string{
		"address": stakingAddr.Hex(), "kind": "external_staking", "weight": "3",
	}), http.StatusCreated)
	expectStatus(t, e.do(http.MethodPost, "/tokens/"+tokenAddr.Hex()+"/deposits", map[string]string{
		"account": alice.Hex(), "amount": "10",
	}), http.StatusCreated)
}

func TestAddSource_Success(t *testing.T) {
	env := testServer(t)

	res := env.do(http.MethodPost, "/sources", map[string]string{
		"address": tokenAddr.Hex(), "kind": "balance_with_checkpoints", "weight": "5",
	})
	expectStatus(t, res, http.StatusCreated)

	stored, err := env.repo.GetSource(0)
	if err != nil {
		t.Fatalf("expected source stored, got error: %v", err)
	}
	if stored.Weight != "5" || !stored.Enabled {
		t.Fatalf("unexpected stored source: %+v", stored)
	}
	if env.blocks.Current() != 1 {
		t.Fatalf("expected auto-mined block 1, got %d", env.blocks.Current())
	}
	height, _ := env.repo.GetHeight()
	if height != 1 {
		t.Fatalf("expected persisted height 1, got %d", height)
	}

	list := decodeBody(t, env.do(http.MethodGet, "/sources", nil))
	if list["length"].(float64) != 1 {
		t.Fatalf("expected one source, got %v", list)
	}
	if list["max_sources"].(float64) != 20 {
		t.Fatalf("expected capacity 20, got %v", list["max_sources"])
	}
}

func TestAddSource_Errors(t *testing.T) {
	env := testServer(t)
	expectStatus(t, env.do(http.MethodPost, "/sources", map[string]string{
		"address": tokenAddr.Hex(), "kind": "erc20", "weight": "1",
	}), http.StatusCreated)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"not a source", map[string]string{"address": bob.Hex(), "kind": "erc20", "weight": "1"}, http.StatusConflict},
		{"bad address", map[string]string{"address": "0xzz", "kind": "erc20", "weight": "1"}, http.StatusBadRequest},
		{"bad kind", map[string]string{"address": stakingAddr.Hex(), "kind": "erc777", "weight": "1"}, http.StatusBadRequest},
		{"zero weight", map[string]string{"address": stakingAddr.Hex(), "kind": "erc900", "weight": "0"}, http.StatusConflict},
		{"kind mismatch", map[string]string{"address": stakingAddr.Hex(), "kind": "erc20", "weight": "1"}, http.StatusBadRequest},
		{"duplicate", map[string]string{"address": tokenAddr.Hex(), "kind": "erc20", "weight": "2"}, http.StatusConflict},
		{"bad payload", "not json", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, env.do(http.MethodPost, "/sources", tc.body), tc.want)
		})
	}
}

func TestWeightedBalance(t *testing.T) {
	env := testServer(t)
	env.setupSources(t)

	res := env.do(http.MethodGet, "/accounts/"+alice.Hex()+"/balance", nil)
	expectStatus(t, res, http.StatusOK)
	// 1*10 + 3*7
	if got := decodeBody(t, res)["balance"]; got != "31" {
		t.Fatalf("expected balance 31, got %v", got)
	}

	// before the deposit only the staking source counts
	res = env.do(http.MethodGet, "/accounts/"+alice.Hex()+"/balance?at=1", nil)
	expectStatus(t, res, http.StatusOK)
	if got := decodeBody(t, res)["balance"]; got != "21" {
		t.Fatalf("expected balance 21 at block 1, got %v", got)
	}

	res = env.do(http.MethodGet, "/supply", nil)
	expectStatus(t, res, http.StatusOK)
	if got := decodeBody(t, res)["supply"]; got != "31" {
		t.Fatalf("expected supply 31, got %v", got)
	}

	expectStatus(t, env.do(http.MethodGet, "/supply?at=99999999999999999999999", nil), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodGet, "/accounts/nope/balance", nil), http.StatusBadRequest)
}

func TestDisableSource_Retroactive(t *testing.T) {
	env := testServer(t)
	env.setupSources(t)

	expectStatus(t, env.do(http.MethodPost, "/sources/1/disable", nil), http.StatusOK)
	expectStatus(t, env.do(http.MethodPost, "/sources/1/disable", nil), http.StatusConflict)

	res := env.do(http.MethodGet, "/accounts/"+alice.Hex()+"/balance?at=3", nil)
	expectStatus(t, res, http.StatusOK)
	if got := decodeBody(t, res)["balance"]; got != "10" {
		t.Fatalf("expected disabled source dropped from past query, got %v", got)
	}

	expectStatus(t, env.do(http.MethodPost, "/sources/1/enable", nil), http.StatusOK)
	expectStatus(t, env.do(http.MethodPost, "/sources/1/enable", nil), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPost, "/sources/7/enable", nil), http.StatusNotFound)
}

func TestChangeWeight(t *testing.T) {
	env := testServer(t)
	env.setupSources(t)

	expectStatus(t, env.do(http.MethodPut, "/sources/0/weight", map[string]string{"weight": "4"}), http.StatusOK)
	expectStatus(t, env.do(http.MethodPut, "/sources/0/weight", map[string]string{"weight": "4"}), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPut, "/sources/0/weight", map[string]string{"weight": "0"}), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPut, "/sources/9/weight", map[string]string{"weight": "2"}), http.StatusNotFound)

	res := env.do(http.MethodGet, "/sources/0/weight?at=1", nil)
	expectStatus(t, res, http.StatusOK)
	if got := decodeBody(t, res)["weight"]; got != "1" {
		t.Fatalf("expected historical weight 1, got %v", got)
	}

	res = env.do(http.MethodGet, "/sources/0", nil)
	expectStatus(t, res, http.StatusOK)
	weights, ok := decodeBody(t, res)["weights"].([]interface{})
	if !ok || len(weights) != 2 {
		t.Fatalf("expected two weight checkpoints, got %v", weights)
	}
}

func TestSourceFailure(t *testing.T) {
	env := testServer(t)
	env.setupSources(t)
	env.staking.err = errors.New("daemon down")

	expectStatus(t, env.do(http.MethodGet, "/accounts/"+alice.Hex()+"/balance", nil), http.StatusBadGateway)
	expectStatus(t, env.do(http.MethodGet, "/supply", nil), http.StatusBadGateway)
}

func TestForward(t *testing.T) {
	env := testServer(t)
	env.setupSources(t)

	script := hexutil.Encode(aggregator.EncodeCallsScript(aggregator.Action{
		Target:   common.HexToAddress("0xfeed"),
		Calldata: []byte{0xa9, 0x05, 0x9c, 0xbb},
	}))

	res := env.do(http.MethodGet, fmt.Sprintf("/forward/check?account=%s&script=%s", alice.Hex(), script), nil)
	expectStatus(t, res, http.StatusOK)
	if decodeBody(t, res)["can_forward"] != true {
		t.Fatalf("expected alice to be able to forward")
	}

	expectStatus(t, env.do(http.MethodPost, "/forward", map[string]string{"account": bob.Hex(), "script": script}), http.StatusForbidden)
	expectStatus(t, env.do(http.MethodPost, "/forward", map[string]string{"account": alice.Hex(), "script": "0x00000001ff"}), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPost, "/forward", map[string]string{"account": alice.Hex(), "script": "zz"}), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPost, "/forward", map[string]string{"account": alice.Hex(), "script": script}), http.StatusOK)

	if len(env.disp.actions) != 1 {
		t.Fatalf("expected one dispatched action, got %d", len(env.disp.actions))
	}
}

func TestForwardingPeriods(t *testing.T) {
	env := testServer(t)
	env.setupSources(t)
	current := env.blocks.Current()

	expectStatus(t, env.do(http.MethodPost, "/forward/periods/start", map[string]string{}), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPost, "/forward/periods/stop", map[string]string{"at": "0"}), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPost, "/forward/periods/stop", map[string]string{}), http.StatusOK)

	res := env.do(http.MethodGet, "/forward/check?account="+alice.Hex(), nil)
	expectStatus(t, res, http.StatusOK)
	if decodeBody(t, res)["can_forward"] != false {
		t.Fatalf("expected forwarding closed at block %d", current)
	}

	expectStatus(t, env.do(http.MethodPost, "/forward/periods/start", map[string]string{"at": "18446744073709551615"}), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPost, "/forward/periods/start", map[string]string{"at": fmt.Sprint(current + 1)}), http.StatusOK)

	res = env.do(http.MethodGet, "/forward/periods", nil)
	expectStatus(t, res, http.StatusOK)
	body := decodeBody(t, res)
	periods := body["periods"].([]interface{})
	if len(periods) != 2 {
		t.Fatalf("expected two periods, got %v", periods)
	}
	if _, open := periods[1].(map[string]interface{})["disabled_on"]; open {
		t.Fatalf("expected last period open, got %v", periods[1])
	}
	if body["active"] != false {
		t.Fatalf("expected forwarding inactive until block %d", current+1)
	}

	stored, err := env.repo.GetForwardingPeriods()
	if err != nil || len(stored) != 2 {
		t.Fatalf("expected persisted periods, got %v, %v", stored, err)
	}
}

func TestTokenEvents(t *testing.T) {
	env := testServer(t)
	path := "/tokens/" + tokenAddr.Hex()

	expectStatus(t, env.do(http.MethodPost, path+"/deposits", map[string]string{"account": alice.Hex(), "amount": "10"}), http.StatusCreated)
	expectStatus(t, env.do(http.MethodPost, path+"/withdrawals", map[string]string{"account": alice.Hex(), "amount": "4"}), http.StatusCreated)
	expectStatus(t, env.do(http.MethodPost, path+"/withdrawals", map[string]string{"account": alice.Hex(), "amount": "7"}), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPost, path+"/deposits", map[string]string{"account": alice.Hex(), "amount": "0"}), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPost, "/tokens/"+bob.Hex()+"/deposits", map[string]string{"account": alice.Hex(), "amount": "1"}), http.StatusNotFound)

	res := env.do(http.MethodGet, path+"/balance/"+alice.Hex()+"?at=0", nil)
	expectStatus(t, res, http.StatusOK)
	if got := decodeBody(t, res)["balance"]; got != "10" {
		t.Fatalf("expected balance 10 at block 0, got %v", got)
	}
	res = env.do(http.MethodGet, path+"/balance/"+alice.Hex(), nil)
	body := decodeBody(t, res)
	if got := body["balance"]; got != "6" {
		t.Fatalf("expected balance 6, got %v", got)
	}
	if got := body["checkpoints"]; got != float64(2) {
		t.Fatalf("expected two balance checkpoints, got %v", got)
	}

	history, err := env.repo.GetHistory(token.BalanceSubject(tokenAddr, alice))
	if err != nil || len(history) != 2 {
		t.Fatalf("expected two persisted checkpoints, got %v, %v", history, err)
	}
}

func TestBlocks(t *testing.T) {
	env := testServer(t)

	res := env.do(http.MethodPost, "/blocks?count=3", nil)
	expectStatus(t, res, http.StatusCreated)
	if got := decodeBody(t, res)["block"]; got != float64(3) {
		t.Fatalf("expected block 3, got %v", got)
	}
	expectStatus(t, env.do(http.MethodPost, "/blocks?count=0", nil), http.StatusBadRequest)

	res = env.do(http.MethodGet, "/blocks/current", nil)
	expectStatus(t, res, http.StatusOK)
	if got := decodeBody(t, res)["block"]; got != float64(3) {
		t.Fatalf("expected block 3, got %v", got)
	}
}

func TestBlocks_PersistedHeight(t *testing.T) {
	env := testServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.do(http.MethodPost, "/blocks?count=5", nil)
		}()
	}
	wg.Wait()

	height, err := env.repo.GetHeight()
	if err != nil {
		t.Fatalf("load height: %v", err)
	}
	if height != 40 || env.blocks.Current() != 40 {
		t.Fatalf("expected height 40 stored and current, got %d and %d", height, env.blocks.Current())
	}

	env.store.Close()
	expectStatus(t, env.do(http.MethodPost, "/blocks", nil), http.StatusInternalServerError)
}
