package period

import (
	"errors"
	"math"
	"math/big"
	"sort"
)

var (
	ErrTimeTooBig          = errors.New("period: time too big")
	ErrPeriodStillActive   = errors.New("period: previous period still active")
	ErrNoPeriods           = errors.New("period: no periods")
	ErrLastPeriodNotActive = errors.New("period: last period not active")
	ErrBadStopTime         = errors.New("period: stop time not after period start")
	ErrInvalidIndex        = errors.New("period: invalid index")
	ErrCorrupted           = errors.New("period: periods overlap")
)

// Open marks a period without an end.
const Open = math.MaxUint64

// Period is active on [EnabledFrom, DisabledOn).
type Period struct {
	EnabledFrom uint64
	DisabledOn  uint64
}

func (p Period) IsOpen() bool {
	return p.DisabledOn == Open
}

func (p Period) contains(at uint64) bool {
	return at >= p.EnabledFrom && (p.IsOpen() || at < p.DisabledOn)
}

// Tracker records a single linear timeline of on/off intervals.
// Boundaries only ever grow, so lookups can binary search on EnabledFrom.
type Tracker struct {
	periods []Period
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// StartNextPeriodFrom opens a new period. It must start strictly after the
// end of the previous one.
func (t *Tracker) StartNextPeriodFrom(at uint64) error {
	if at == Open {
		return ErrTimeTooBig
	}
	if n := len(t.periods); n > 0 {
		last := t.periods[n-1]
		if last.IsOpen() || at <= last.DisabledOn {
			return ErrPeriodStillActive
		}
	}
	t.periods = append(t.periods, Period{EnabledFrom: at, DisabledOn: Open})
	return nil
}

// StopCurrentPeriodAt closes the open period.
func (t *Tracker) StopCurrentPeriodAt(at uint64) error {
	if at == Open {
		return ErrTimeTooBig
	}
	n := len(t.periods)
	if n == 0 {
		return ErrNoPeriods
	}
	last := &t.periods[n-1]
	if !last.IsOpen() {
		return ErrLastPeriodNotActive
	}
	if at <= last.EnabledFrom {
		return ErrBadStopTime
	}
	last.DisabledOn = at
	return nil
}

func (t *Tracker) StartNextPeriodFromBig(at *big.Int) error {
	a, err := narrow(at)
	if err != nil {
		return err
	}
	return t.StartNextPeriodFrom(a)
}

func (t *Tracker) StopCurrentPeriodAtBig(at *big.Int) error {
	a, err := narrow(at)
	if err != nil {
		return err
	}
	return t.StopCurrentPeriodAt(a)
}

// narrow rejects anything that does not fit below the Open sentinel.
func narrow(at *big.Int) (uint64, error) {
	if at == nil || at.Sign() < 0 || !at.IsUint64() || at.Uint64() == Open {
		return 0, ErrTimeTooBig
	}
	return at.Uint64(), nil
}

// IsEnabledAt reports whether at falls inside any recorded period.
func (t *Tracker) IsEnabledAt(at uint64) bool {
	// last period starting at or before at
	i := sort.Search(len(t.periods), func(i int) bool { return t.periods[i].EnabledFrom > at })
	if i == 0 {
		return false
	}
	return t.periods[i-1].contains(at)
}

// IsActive reports whether the last period is still open.
func (t *Tracker) IsActive() bool {
	n := len(t.periods)
	return n > 0 && t.periods[n-1].IsOpen()
}

func (t *Tracker) Period(i int) (Period, error) {
	if i < 0 || i >= len(t.periods) {
		return Period{}, ErrInvalidIndex
	}
	return t.periods[i], nil
}

func (t *Tracker) Len() int {
	return len(t.periods)
}

func (t *Tracker) Periods() []Period {
	out := make([]Period, len(t.periods))
	copy(out, t.periods)
	return out
}

func (t *Tracker) Clone() *Tracker {
	return &Tracker{periods: t.Periods()}
}

// Restore rebuilds a tracker from persisted periods, re-checking ordering.
func Restore(periods []Period) (*Tracker, error) {
	t := &Tracker{periods: make([]Period, 0, len(periods))}
	for i, p := range periods {
		if p.EnabledFrom == Open || (!p.IsOpen() && p.DisabledOn <= p.EnabledFrom) {
			return nil, ErrCorrupted
		}
		if i > 0 {
			prev := periods[i-1]
			if prev.IsOpen() || p.EnabledFrom <= prev.DisabledOn {
				return nil, ErrCorrupted
			}
		}
		t.periods = append(t.periods, p)
	}
	return t, nil
}
