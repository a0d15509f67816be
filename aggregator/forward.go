package aggregator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"voting-aggregator/logger"
	"voting-aggregator/period"
)

// CanForward reports whether account may forward a script now: forwarding
// must be live at the current reference point and account must hold voting
// power. The script itself is not inspected.
func (a *Aggregator) CanForward(ctx context.Context, account common.Address, _ []byte) (bool, error) {
	at := a.clock.Current()

	a.mu.RLock()
	live := a.forwarding.IsEnabledAt(at)
	a.mu.RUnlock()
	if !live {
		return false, nil
	}

	balance, err := a.BalanceOfAt(ctx, account, at)
	if err != nil {
		return false, err
	}
	return balance.Sign() > 0, nil
}

// Forward runs every call of script on behalf of account.
func (a *Aggregator) Forward(ctx context.Context, script []byte, account common.Address) error {
	ok, err := a.CanForward(ctx, account, script)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCanNotForward
	}

	actions, err := DecodeCallsScript(script)
	if err != nil {
		return err
	}
	if a.dispatcher == nil {
		return fmt.Errorf("%w: %w", ErrSourceCallFailed, ErrNoDispatcher)
	}

	for i, action := range actions {
		if err := a.dispatcher.Dispatch(ctx, account, action); err != nil {
			return fmt.Errorf("action %d to %s: %w: %w", i, action.Target.Hex(), ErrSourceCallFailed, err)
		}
	}

	logger.Logger.Info("Forwarded script",
		zap.String("sender", account.Hex()),
		zap.Int("actions", len(actions)))
	return nil
}

// StartForwardingFrom opens a new forwarding period.
func (a *Aggregator) StartForwardingFrom(at uint64) error {
	return a.updateForwarding(func(t *period.Tracker) error {
		return t.StartNextPeriodFrom(at)
	})
}

// StopForwardingAt closes the current forwarding period.
func (a *Aggregator) StopForwardingAt(at uint64) error {
	return a.updateForwarding(func(t *period.Tracker) error {
		return t.StopCurrentPeriodAt(at)
	})
}

func (a *Aggregator) updateForwarding(op func(*period.Tracker) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.forwarding.Clone()
	if err := op(next); err != nil {
		return err
	}
	if a.store != nil {
		if err := a.store.PutForwardingPeriods(next.Periods()); err != nil {
			return fmt.Errorf("persist forwarding periods: %w", err)
		}
	}
	a.forwarding = next
	return nil
}

// RestoreForwarding replaces the forwarding periods with persisted ones.
func (a *Aggregator) RestoreForwarding(periods []period.Period) error {
	t, err := period.Restore(periods)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwarding = t
	return nil
}

func (a *Aggregator) IsForwardingEnabledAt(at uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.forwarding.IsEnabledAt(at)
}

func (a *Aggregator) ForwardingPeriods() []period.Period {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.forwarding.Periods()
}
