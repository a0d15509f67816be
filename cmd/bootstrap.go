package main

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"voting-aggregator/aggregator"
	"voting-aggregator/chain"
	"voting-aggregator/checkpoint"
	"voting-aggregator/config"
	"voting-aggregator/db"
	"voting-aggregator/dispatch"
	"voting-aggregator/logger"
	"voting-aggregator/registry"
	"voting-aggregator/repository"
	"voting-aggregator/source"
	"voting-aggregator/token"
)

// node is the wired service state rebuilt from storage.
type node struct {
	store      db.KVStore
	repo       *repository.KVRepository
	blocks     *chain.BlockCounter
	ledgers    []*token.Ledger
	aggregator *aggregator.Aggregator
}

func (n *node) Close() error {
	return n.store.Close()
}

func bootstrap(cfg *config.Config) (*node, error) {
	store, err := db.Open(cfg.Storage.Engine, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Engine, err)
	}
	n := &node{store: store, repo: repository.NewKVRepository(store)}
	if err := n.restore(cfg); err != nil {
		store.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) restore(cfg *config.Config) error {
	height, err := n.repo.GetHeight()
	if err != nil {
		return fmt.Errorf("load block height: %w", err)
	}
	n.blocks = chain.NewBlockCounter(cfg.Chain.StartBlock)
	n.blocks.Set(height)
	// the stored height may lag the histories if a write was lost
	latest := height

	dir := source.NewDirectory()
	for _, tc := range cfg.Tokens {
		l, last, err := n.restoreLedger(tc)
		if err != nil {
			return err
		}
		latest = max(latest, last)
		dir.RegisterToken(l.Address(), l)
		n.ledgers = append(n.ledgers, l)
	}
	for _, sc := range cfg.Staking.Sources {
		addr, err := source.ParseAddress(sc.Address)
		if err != nil {
			return fmt.Errorf("staking source %s: %w", sc.Address, err)
		}
		client, err := source.NewStakingClient(sc.URL, n.blocks, cfg.Staking.CacheSize, cfg.Staking.Timeout)
		if err != nil {
			return fmt.Errorf("staking source %s: %w", sc.Address, err)
		}
		dir.RegisterStaking(addr, client)
	}

	var dispatcher aggregator.Dispatcher
	if cfg.Dispatch.URL != "" {
		dispatcher = dispatch.NewWebhook(cfg.Dispatch.URL, cfg.Dispatch.Rate, cfg.Dispatch.Burst, cfg.Dispatch.Timeout)
	}
	n.aggregator = aggregator.New(dir, n.blocks, aggregator.Options{
		MaxSources: cfg.Registry.MaxSources,
		Store:      n.repo,
		Dispatcher: dispatcher,
	})

	sources, err := n.repo.GetAllSources()
	if err != nil {
		return fmt.Errorf("load power sources: %w", err)
	}
	for _, src := range sources {
		addr, err := source.ParseAddress(src.Address)
		if err != nil {
			return fmt.Errorf("power source %d: %w", src.ID, err)
		}
		history, err := n.repo.GetHistory(registry.WeightSubject(src.ID))
		if err != nil {
			return fmt.Errorf("power source %d: %w", src.ID, err)
		}
		if err := n.aggregator.RestoreSource(src.ID, addr, src.Kind, src.Enabled, history); err != nil {
			return fmt.Errorf("power source %d: %w", src.ID, err)
		}
		latest = max(latest, lastAt(history))
	}
	if latest > height {
		logger.Logger.Warn("Stored block height lags checkpoints",
			zap.Uint64("stored", height), zap.Uint64("latest", latest))
		n.blocks.Set(latest)
	}

	periods, err := n.repo.GetForwardingPeriods()
	if err != nil {
		return fmt.Errorf("load forwarding periods: %w", err)
	}
	if periods != nil {
		if err := n.aggregator.RestoreForwarding(periods); err != nil {
			return fmt.Errorf("restore forwarding periods: %w", err)
		}
	}

	logger.Logger.Info("Restored state",
		zap.Uint64("block", n.blocks.Current()),
		zap.Int("sources", len(sources)),
		zap.Int("tokens", len(n.ledgers)),
		zap.Int("staking_pools", len(cfg.Staking.Sources)))
	return nil
}

// restoreLedger rebuilds a token ledger and reports the block of its last
// checkpoint. Every deposit and withdrawal touches the supply history.
func (n *node) restoreLedger(tc config.TokenConfig) (*token.Ledger, uint64, error) {
	addr, err := source.ParseAddress(tc.Address)
	if err != nil {
		return nil, 0, fmt.Errorf("token %s: %w", tc.Address, err)
	}
	l := token.NewLedger(addr, tc.Name, tc.Symbol, n.blocks, n.repo)

	prefix := token.BalancePrefix(addr)
	histories, err := n.repo.GetHistories(prefix)
	if err != nil {
		return nil, 0, fmt.Errorf("token %s: %w", tc.Symbol, err)
	}
	balances := make(map[common.Address][]checkpoint.Checkpoint, len(histories))
	for subject, cps := range histories {
		holder, err := source.ParseAddress(strings.TrimPrefix(subject, prefix))
		if err != nil {
			return nil, 0, fmt.Errorf("token %s: history %s: %w", tc.Symbol, subject, err)
		}
		balances[holder] = cps
	}
	supply, err := n.repo.GetHistory(token.SupplySubject(addr))
	if err != nil {
		return nil, 0, fmt.Errorf("token %s: %w", tc.Symbol, err)
	}
	if err := token.Restore(l, balances, supply); err != nil {
		return nil, 0, fmt.Errorf("token %s: %w", tc.Symbol, err)
	}
	return l, lastAt(supply), nil
}

func lastAt(history []checkpoint.Checkpoint) uint64 {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].At
}
