package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"voting-aggregator/chain"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultQueryTimeout = 10 * time.Second
	DefaultCacheSize    = 10000
)

// DaemonError is an error reported by the staking daemon itself.
type DaemonError struct {
	Code string
	Msg  string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("staking daemon error [%s]: %s", e.Code, e.Msg)
}

type stakeKey struct {
	account common.Address
	at      uint64
}

// StakingClient implements Staking against a remote staking daemon over
// HTTP. Answers about reference points below the current one never change,
// so they are kept in an LRU cache.
type StakingClient struct {
	baseURL      string
	httpClient   *http.Client
	queryTimeout time.Duration
	clock        chain.Clock

	stakeCache *lru.Cache[stakeKey, *big.Int]
	totalCache *lru.Cache[uint64, *big.Int]
}

var _ Staking = (*StakingClient)(nil)

func NewStakingClient(baseURL string, clock chain.Clock, cacheSize int, queryTimeout time.Duration) (*StakingClient, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	stakeCache, err := lru.New[stakeKey, *big.Int](cacheSize)
	if err != nil {
		return nil, err
	}
	totalCache, err := lru.New[uint64, *big.Int](cacheSize)
	if err != nil {
		return nil, err
	}
	return &StakingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout: DefaultDialTimeout,
				}).DialContext,
			},
		},
		queryTimeout: queryTimeout,
		clock:        clock,
		stakeCache:   stakeCache,
		totalCache:   totalCache,
	}, nil
}

type stakedRequest struct {
	Account string `json:"account,omitempty"`
	At      string `json:"at,omitempty"`
}

type stakedResponse struct {
	Amount string `json:"amount,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (c *StakingClient) TotalStakedForAt(ctx context.Context, account common.Address, at uint64) (*big.Int, error) {
	key := stakeKey{account: account, at: at}
	if v, ok := c.stakeCache.Get(key); ok {
		return new(big.Int).Set(v), nil
	}
	v, err := c.query(ctx, "/staked_at", stakedRequest{Account: account.Hex(), At: strconv.FormatUint(at, 10)})
	if err != nil {
		return nil, err
	}
	if at < c.clock.Current() {
		c.stakeCache.Add(key, new(big.Int).Set(v))
	}
	return v, nil
}

func (c *StakingClient) TotalStakedAt(ctx context.Context, at uint64) (*big.Int, error) {
	if v, ok := c.totalCache.Get(at); ok {
		return new(big.Int).Set(v), nil
	}
	v, err := c.query(ctx, "/total_staked_at", stakedRequest{At: strconv.FormatUint(at, 10)})
	if err != nil {
		return nil, err
	}
	if at < c.clock.Current() {
		c.totalCache.Add(at, new(big.Int).Set(v))
	}
	return v, nil
}

func (c *StakingClient) query(ctx context.Context, endpoint string, reqBody stakedRequest) (*big.Int, error) {
	var resp stakedResponse
	if err := c.doRequest(ctx, endpoint, reqBody, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &DaemonError{Code: resp.Code, Msg: resp.Error}
	}
	if resp.Amount == "" {
		return nil, fmt.Errorf("%w: missing amount", ErrMalformedResponse)
	}
	amount, ok := new(big.Int).SetString(resp.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrMalformedResponse, resp.Amount)
	}
	return amount, nil
}

func (c *StakingClient) doRequest(ctx context.Context, endpoint string, reqBody, result any) error {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to staking daemon: %w", err)
	}
	defer resp.Body.Close()

	// read the whole body so the connection can be reused
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read staking daemon response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp stakedResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return &DaemonError{Code: errResp.Code, Msg: errResp.Error}
		}
		return fmt.Errorf("staking daemon HTTP %d: %s", resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
