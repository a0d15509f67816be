package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voting-aggregator/chain"
	"voting-aggregator/checkpoint"
	"voting-aggregator/logger"
	"voting-aggregator/models"
	"voting-aggregator/period"
	"voting-aggregator/registry"
	"voting-aggregator/source"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Resolver binds a source address to the reader for its kind.
type Resolver interface {
	Resolve(addr common.Address, kind source.Kind) (source.Reader, error)
}

// Store persists aggregator state. Every call must be atomic.
type Store interface {
	PutSource(src *models.PowerSource, weight *checkpoint.Update) error
	PutForwardingPeriods(periods []period.Period) error
}

// Dispatcher executes forwarded calls on behalf of sender.
type Dispatcher interface {
	Dispatch(ctx context.Context, sender common.Address, action Action) error
}

type Options struct {
	MaxSources int
	Store      Store
	Dispatcher Dispatcher
}

// Aggregator combines the registered power sources into a single weighted
// voting power. Mutations are serialized; queries share a read lock and
// never overlap a mutation.
type Aggregator struct {
	mu         sync.RWMutex
	registry   *registry.Registry
	readers    map[uint64]source.Reader
	resolver   Resolver
	clock      chain.Clock
	store      Store
	dispatcher Dispatcher
	forwarding *period.Tracker
}

func New(resolver Resolver, clock chain.Clock, opts Options) *Aggregator {
	forwarding := period.NewTracker()
	// forwarding is live from genesis until stopped
	_ = forwarding.StartNextPeriodFrom(0)

	return &Aggregator{
		registry:   registry.New(opts.MaxSources),
		readers:    make(map[uint64]source.Reader),
		resolver:   resolver,
		clock:      clock,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		forwarding: forwarding,
	}
}

func (a *Aggregator) resolve(addr common.Address, kind source.Kind) (source.Reader, error) {
	reader, err := a.resolver.Resolve(addr, kind)
	switch {
	case err == nil:
		return reader, nil
	case errors.Is(err, source.ErrNotContract):
		return nil, fmt.Errorf("%w: %s", ErrPowerSourceNotContract, addr.Hex())
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidCallOrSelector, err)
	}
}

// AddPowerSource registers addr with weight and returns its id.
func (a *Aggregator) AddPowerSource(addr common.Address, kind source.Kind, weight *big.Int) (uint64, error) {
	reader, err := a.resolve(addr, kind)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	change, err := a.registry.PrepareAdd(addr, kind, weight, a.clock.Current())
	if err != nil {
		return 0, err
	}
	if err := a.persist(change); err != nil {
		return 0, err
	}
	a.registry.Apply(change)
	a.readers[change.Source.ID] = reader

	logger.Logger.Info("Added power source",
		zap.Uint64("source_id", change.Source.ID),
		zap.String("address", addr.Hex()),
		zap.Stringer("kind", kind),
		zap.String("weight", weight.String()))
	return change.Source.ID, nil
}

func (a *Aggregator) ChangeSourceWeight(id uint64, weight *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	change, err := a.registry.PrepareChangeWeight(id, weight, a.clock.Current())
	if err != nil {
		return err
	}
	if err := a.persist(change); err != nil {
		return err
	}
	a.registry.Apply(change)

	logger.Logger.Info("Changed power source weight",
		zap.Uint64("source_id", id),
		zap.String("weight", weight.String()))
	return nil
}

// DisableSource removes a source from every later aggregation, including
// aggregations about reference points where it used to be enabled.
func (a *Aggregator) DisableSource(id uint64) error {
	return a.toggle(id, false)
}

func (a *Aggregator) EnableSource(id uint64) error {
	return a.toggle(id, true)
}

func (a *Aggregator) toggle(id uint64, enable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		change *registry.Change
		err    error
	)
	if enable {
		change, err = a.registry.PrepareEnable(id)
	} else {
		change, err = a.registry.PrepareDisable(id)
	}
	if err != nil {
		return err
	}
	if err := a.persist(change); err != nil {
		return err
	}
	a.registry.Apply(change)

	logger.Logger.Info("Toggled power source", zap.Uint64("source_id", id), zap.Bool("enabled", enable))
	return nil
}

func (a *Aggregator) persist(change *registry.Change) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.PutSource(record(change.Source), change.Weight); err != nil {
		return fmt.Errorf("persist power source %d: %w", change.Source.ID, err)
	}
	return nil
}

// RestoreSource re-registers a persisted source. Sources must be restored
// in id order before the aggregator serves requests.
func (a *Aggregator) RestoreSource(id uint64, addr common.Address, kind source.Kind, enabled bool, history []checkpoint.Checkpoint) error {
	reader, err := a.resolve(addr, kind)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.registry.Restore(id, addr, kind, enabled, history); err != nil {
		return err
	}
	a.readers[id] = reader
	return nil
}

type weighted struct {
	id     uint64
	weight *big.Int
	reader source.Reader
}

// BalanceOfAt is the voting power of account at reference point at.
func (a *Aggregator) BalanceOfAt(ctx context.Context, account common.Address, at uint64) (*big.Int, error) {
	return a.aggregate(ctx, at, func(ctx context.Context, r source.Reader) (*big.Int, error) {
		return r.BalanceAt(ctx, account, at)
	})
}

// TotalSupplyAt is the total voting power at reference point at.
func (a *Aggregator) TotalSupplyAt(ctx context.Context, at uint64) (*big.Int, error) {
	return a.aggregate(ctx, at, func(ctx context.Context, r source.Reader) (*big.Int, error) {
		return r.SupplyAt(ctx, at)
	})
}

func (a *Aggregator) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return a.BalanceOfAt(ctx, account, a.clock.Current())
}

func (a *Aggregator) TotalSupply(ctx context.Context) (*big.Int, error) {
	return a.TotalSupplyAt(ctx, a.clock.Current())
}

// aggregate queries every enabled source concurrently and sums the weighted
// answers in ascending id order. One failing source fails the whole query.
func (a *Aggregator) aggregate(ctx context.Context, at uint64, query func(context.Context, source.Reader) (*big.Int, error)) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	enabled := a.registry.Enabled()
	entries := make([]weighted, 0, len(enabled))
	for _, ps := range enabled {
		entries = append(entries, weighted{id: ps.ID, weight: ps.WeightAt(at), reader: a.readers[ps.ID]})
	}

	values := make([]*big.Int, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			v, err := query(gctx, e.reader)
			if err != nil {
				logger.Logger.Warn("Power source call failed", zap.Uint64("source_id", e.id), zap.Uint64("at", at), zap.Error(err))
				if errors.Is(err, source.ErrMalformedResponse) {
					return fmt.Errorf("source %d: %w: %w", e.id, ErrInvalidCallOrSelector, err)
				}
				return fmt.Errorf("source %d: %w: %w", e.id, ErrSourceCallFailed, err)
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := new(big.Int)
	product := new(big.Int)
	for i, e := range entries {
		total.Add(total, product.Mul(e.weight, values[i]))
	}
	if total.Cmp(maxUint256) > 0 {
		return nil, ErrOverflow
	}
	return total, nil
}

// SourceWeightAt is the weight of source id at reference point at.
func (a *Aggregator) SourceWeightAt(id uint64, at uint64) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ps, err := a.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return ps.WeightAt(at), nil
}

// SourceWeightHistory returns every weight checkpoint of source id.
func (a *Aggregator) SourceWeightHistory(id uint64) ([]checkpoint.Checkpoint, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ps, err := a.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return ps.WeightHistory(), nil
}

func (a *Aggregator) PowerSource(id uint64) (*models.PowerSource, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ps, err := a.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return record(ps), nil
}

func (a *Aggregator) PowerSources() []*models.PowerSource {
	a.mu.RLock()
	defer a.mu.RUnlock()

	list := a.registry.List()
	out := make([]*models.PowerSource, len(list))
	for i, ps := range list {
		out[i] = record(ps)
	}
	return out
}

func (a *Aggregator) PowerSourcesLength() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registry.Len()
}

// MaxSources is the registry capacity.
func (a *Aggregator) MaxSources() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registry.Max()
}

func (a *Aggregator) CurrentBlock() uint64 {
	return a.clock.Current()
}

func record(ps *registry.PowerSource) *models.PowerSource {
	return &models.PowerSource{
		ID:          ps.ID,
		Address:     ps.Address.Hex(),
		Kind:        ps.Kind,
		Weight:      ps.Weight.String(),
		Enabled:     ps.Enabled,
		HistorySize: ps.HistorySize(),
	}
}
