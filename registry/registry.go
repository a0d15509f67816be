package registry

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"voting-aggregator/checkpoint"
	"voting-aggregator/source"
)

// DefaultMaxSources bounds the number of registered power sources.
const DefaultMaxSources = 20

var (
	ErrNoPowerSource      = errors.New("registry: no power source")
	ErrZeroWeight         = errors.New("registry: zero weight")
	ErrTooManySources     = errors.New("registry: too many power sources")
	ErrSameWeight         = errors.New("registry: same weight")
	ErrSourceAlreadyAdded = errors.New("registry: power source already added")
	ErrSourceNotEnabled   = errors.New("registry: power source not enabled")
	ErrSourceNotDisabled  = errors.New("registry: power source not disabled")
	ErrCorrupted          = errors.New("registry: corrupted power source record")
)

// PowerSource is a registered balance source. Sources are never removed so
// that ids stay stable and past aggregations stay reproducible.
type PowerSource struct {
	ID      uint64
	Address common.Address
	Kind    source.Kind
	Weight  *big.Int
	Enabled bool

	weights *checkpoint.Store
}

// HistorySize is the number of weight checkpoints.
func (p *PowerSource) HistorySize() int {
	return p.weights.Len()
}

// WeightAt is the weight in force at reference point at.
func (p *PowerSource) WeightAt(at uint64) *big.Int {
	return p.weights.ValueAt(at)
}

// WeightHistory returns a copy of the weight checkpoints.
func (p *PowerSource) WeightHistory() []checkpoint.Checkpoint {
	return p.weights.Checkpoints()
}

func (p *PowerSource) clone() *PowerSource {
	c := *p
	c.Weight = new(big.Int).Set(p.Weight)
	c.weights = p.weights.Clone()
	return &c
}

// WeightSubject names the persisted weight history of source id.
func WeightSubject(id uint64) string {
	return fmt.Sprintf("source/%08d/weight", id)
}

// Change is a validated mutation that has not been applied yet. Owners
// persist it and then hand it back to Apply.
type Change struct {
	Source *PowerSource
	Weight *checkpoint.Update
	added  bool
}

// Registry is not safe for concurrent use; the aggregator serializes access.
type Registry struct {
	max       int
	sources   []*PowerSource
	byAddress map[common.Address]uint64
}

func New(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxSources
	}
	return &Registry{max: max, byAddress: make(map[common.Address]uint64)}
}

func (r *Registry) PrepareAdd(addr common.Address, kind source.Kind, weight *big.Int, at uint64) (*Change, error) {
	if weight == nil || weight.Sign() == 0 {
		return nil, ErrZeroWeight
	}
	if len(r.sources) >= r.max {
		return nil, ErrTooManySources
	}
	if _, ok := r.byAddress[addr]; ok {
		return nil, ErrSourceAlreadyAdded
	}

	id := uint64(len(r.sources))
	ps := &PowerSource{
		ID:      id,
		Address: addr,
		Kind:    kind,
		Weight:  new(big.Int).Set(weight),
		Enabled: true,
		weights: checkpoint.NewStore(),
	}
	update, err := ps.weights.Pending(WeightSubject(id), at, weight)
	if err != nil {
		return nil, err
	}
	if err := ps.weights.Add(at, weight); err != nil {
		return nil, err
	}
	return &Change{Source: ps, Weight: &update, added: true}, nil
}

func (r *Registry) PrepareChangeWeight(id uint64, weight *big.Int, at uint64) (*Change, error) {
	current, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if weight == nil || weight.Sign() == 0 {
		return nil, ErrZeroWeight
	}
	if current.Weight.Cmp(weight) == 0 {
		return nil, ErrSameWeight
	}

	next := current.clone()
	update, err := next.weights.Pending(WeightSubject(id), at, weight)
	if err != nil {
		return nil, err
	}
	if err := next.weights.Add(at, weight); err != nil {
		return nil, err
	}
	next.Weight.Set(weight)
	return &Change{Source: next, Weight: &update}, nil
}

func (r *Registry) PrepareDisable(id uint64) (*Change, error) {
	return r.prepareToggle(id, false)
}

func (r *Registry) PrepareEnable(id uint64) (*Change, error) {
	return r.prepareToggle(id, true)
}

func (r *Registry) prepareToggle(id uint64, enable bool) (*Change, error) {
	current, err := r.get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case enable && current.Enabled:
		return nil, ErrSourceNotDisabled
	case !enable && !current.Enabled:
		return nil, ErrSourceNotEnabled
	}
	next := current.clone()
	next.Enabled = enable
	return &Change{Source: next}, nil
}

// Apply commits a prepared change.
func (r *Registry) Apply(c *Change) {
	if c.added {
		r.sources = append(r.sources, c.Source)
		r.byAddress[c.Source.Address] = c.Source.ID
		return
	}
	r.sources[c.Source.ID] = c.Source
}

func (r *Registry) Add(addr common.Address, kind source.Kind, weight *big.Int, at uint64) (uint64, error) {
	c, err := r.PrepareAdd(addr, kind, weight, at)
	if err != nil {
		return 0, err
	}
	r.Apply(c)
	return c.Source.ID, nil
}

func (r *Registry) ChangeWeight(id uint64, weight *big.Int, at uint64) error {
	c, err := r.PrepareChangeWeight(id, weight, at)
	if err != nil {
		return err
	}
	r.Apply(c)
	return nil
}

func (r *Registry) Disable(id uint64) error {
	c, err := r.PrepareDisable(id)
	if err != nil {
		return err
	}
	r.Apply(c)
	return nil
}

func (r *Registry) Enable(id uint64) error {
	c, err := r.PrepareEnable(id)
	if err != nil {
		return err
	}
	r.Apply(c)
	return nil
}

// Restore re-registers a persisted source. Sources must be restored in id order.
func (r *Registry) Restore(id uint64, addr common.Address, kind source.Kind, enabled bool, history []checkpoint.Checkpoint) error {
	if id != uint64(len(r.sources)) {
		return fmt.Errorf("%w: restoring id %d out of order", ErrCorrupted, id)
	}
	if len(history) == 0 {
		return fmt.Errorf("%w: source %d has no weight history", ErrCorrupted, id)
	}
	weights, err := checkpoint.Restore(history)
	if err != nil {
		return fmt.Errorf("%w: source %d: %w", ErrCorrupted, id, err)
	}
	if weights.Latest().Sign() == 0 {
		return fmt.Errorf("%w: source %d has zero weight", ErrCorrupted, id)
	}
	r.Apply(&Change{
		Source: &PowerSource{
			ID:      id,
			Address: addr,
			Kind:    kind,
			Weight:  weights.Latest(),
			Enabled: enabled,
			weights: weights,
		},
		added: true,
	})
	return nil
}

func (r *Registry) get(id uint64) (*PowerSource, error) {
	if id >= uint64(len(r.sources)) {
		return nil, ErrNoPowerSource
	}
	return r.sources[id], nil
}

// Get returns a copy of source id.
func (r *Registry) Get(id uint64) (*PowerSource, error) {
	ps, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return ps.clone(), nil
}

func (r *Registry) Len() int {
	return len(r.sources)
}

func (r *Registry) Max() int {
	return r.max
}

// List returns copies of every source in ascending id order.
func (r *Registry) List() []*PowerSource {
	out := make([]*PowerSource, len(r.sources))
	for i, ps := range r.sources {
		out[i] = ps.clone()
	}
	return out
}

// Enabled returns the currently enabled sources in ascending id order.
// The returned sources share state with the registry and must not be mutated.
func (r *Registry) Enabled() []*PowerSource {
	var out []*PowerSource
	for _, ps := range r.sources {
		if ps.Enabled {
			out = append(out, ps)
		}
	}
	return out
}
