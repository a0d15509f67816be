package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"voting-aggregator/chain"
	"voting-aggregator/checkpoint"
	"voting-aggregator/logger"
	"voting-aggregator/source"
)

var (
	ErrZeroAmount          = errors.New("token: zero amount")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
)

// Journal persists checkpoint updates atomically.
type Journal interface {
	PutCheckpoints(updates ...checkpoint.Update) error
}

// Ledger is a wrapped token whose holder balances and total supply are
// kept as checkpoint histories. Deposits and withdrawals reported by the
// wrapper are recorded at the current reference point.
type Ledger struct {
	mu       sync.RWMutex
	address  common.Address
	name     string
	symbol   string
	clock    chain.Clock
	journal  Journal
	balances map[common.Address]*checkpoint.Store
	supply   *checkpoint.Store
}

var _ source.CheckpointedToken = (*Ledger)(nil)

func NewLedger(address common.Address, name, symbol string, clock chain.Clock, journal Journal) *Ledger {
	return &Ledger{
		address:  address,
		name:     name,
		symbol:   symbol,
		clock:    clock,
		journal:  journal,
		balances: make(map[common.Address]*checkpoint.Store),
		supply:   checkpoint.NewStore(),
	}
}

// Restore rebuilds a ledger from persisted histories.
func Restore(l *Ledger, balances map[common.Address][]checkpoint.Checkpoint, supply []checkpoint.Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := checkpoint.Restore(supply)
	if err != nil {
		return fmt.Errorf("restore supply: %w", err)
	}
	restored := make(map[common.Address]*checkpoint.Store, len(balances))
	for holder, cps := range balances {
		b, err := checkpoint.Restore(cps)
		if err != nil {
			return fmt.Errorf("restore balance of %s: %w", holder.Hex(), err)
		}
		restored[holder] = b
	}
	l.supply = s
	l.balances = restored
	return nil
}

func (l *Ledger) Address() common.Address { return l.address }
func (l *Ledger) Name() string            { return l.name }
func (l *Ledger) Symbol() string          { return l.symbol }

// BalanceSubject and SupplySubject name the persisted histories of a ledger.
func BalanceSubject(token, holder common.Address) string {
	return BalancePrefix(token) + holder.Hex()
}

// BalancePrefix is shared by the balance subjects of every holder of token.
func BalancePrefix(token common.Address) string {
	return "token/" + token.Hex() + "/balance/"
}

func SupplySubject(token common.Address) string {
	return "token/" + token.Hex() + "/supply"
}

// Deposit records amount wrapped by account.
func (l *Ledger) Deposit(account common.Address, amount *big.Int) error {
	return l.apply(account, amount, false)
}

// Withdraw records amount unwrapped by account.
func (l *Ledger) Withdraw(account common.Address, amount *big.Int) error {
	return l.apply(account, amount, true)
}

func (l *Ledger) apply(account common.Address, amount *big.Int, withdraw bool) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	at := l.clock.Current()
	holder, ok := l.balances[account]
	if !ok {
		holder = checkpoint.NewStore()
	}

	balance := holder.Latest()
	supply := l.supply.Latest()
	if withdraw {
		if balance.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		balance.Sub(balance, amount)
		supply.Sub(supply, amount)
	} else {
		balance.Add(balance, amount)
		supply.Add(supply, amount)
	}

	balanceUpdate, err := holder.Pending(BalanceSubject(l.address, account), at, balance)
	if err != nil {
		return err
	}
	supplyUpdate, err := l.supply.Pending(SupplySubject(l.address), at, supply)
	if err != nil {
		return err
	}
	if l.journal != nil {
		if err := l.journal.PutCheckpoints(balanceUpdate, supplyUpdate); err != nil {
			return fmt.Errorf("persist token checkpoints: %w", err)
		}
	}

	// both were validated by Pending
	_ = holder.Add(at, balance)
	_ = l.supply.Add(at, supply)
	l.balances[account] = holder

	logger.Logger.Debug("Recorded token event",
		zap.String("token", l.address.Hex()),
		zap.String("account", account.Hex()),
		zap.Bool("withdraw", withdraw),
		zap.String("amount", amount.String()),
		zap.Uint64("block", at))
	return nil
}

func (l *Ledger) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return l.BalanceOfAt(ctx, account, l.clock.Current())
}

func (l *Ledger) BalanceOfAt(_ context.Context, account common.Address, at uint64) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	holder, ok := l.balances[account]
	if !ok {
		return new(big.Int), nil
	}
	return holder.ValueAt(at), nil
}

func (l *Ledger) TotalSupply(ctx context.Context) (*big.Int, error) {
	return l.TotalSupplyAt(ctx, l.clock.Current())
}

func (l *Ledger) TotalSupplyAt(_ context.Context, at uint64) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply.ValueAt(at), nil
}

// HolderHistorySize is the number of checkpoints recorded for account.
func (l *Ledger) HolderHistorySize(account common.Address) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if holder, ok := l.balances[account]; ok {
		return holder.Len()
	}
	return 0
}
