package checkpoint

import (
	"errors"
	"math/big"
	"sort"
)

var (
	ErrPastInsertion = errors.New("checkpoint: cannot insert before last checkpoint")
	ErrOverflow      = errors.New("checkpoint: value out of range")
	ErrCorrupted     = errors.New("checkpoint: history is not strictly increasing")
)

// ValueBits is the width of a checkpoint value.
const ValueBits = 192

var (
	maxValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), ValueBits), big.NewInt(1))
	maxAt    = new(big.Int).SetUint64(^uint64(0))
)

// Checkpoint records the value of a quantity as of reference point At.
type Checkpoint struct {
	At    uint64
	Value *big.Int
}

// New builds a range-checked checkpoint.
func New(at uint64, value *big.Int) (Checkpoint, error) {
	if err := checkValue(value); err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{At: at, Value: new(big.Int).Set(value)}, nil
}

func checkValue(value *big.Int) error {
	if value == nil || value.Sign() < 0 || value.Cmp(maxValue) > 0 {
		return ErrOverflow
	}
	return nil
}

// ReferencePoint narrows a wide reference point to 64 bits.
func ReferencePoint(at *big.Int) (uint64, error) {
	if at == nil || at.Sign() < 0 || at.Cmp(maxAt) > 0 {
		return 0, ErrOverflow
	}
	return at.Uint64(), nil
}

// Store is the history of one quantity. The zero value is an empty store.
// A Store is not safe for concurrent mutation; owners serialize writes.
type Store struct {
	history []Checkpoint
}

func NewStore() *Store {
	return &Store{}
}

// Add appends a checkpoint, or overwrites the last one when at equals its
// reference point.
func (s *Store) Add(at uint64, value *big.Int) error {
	cp, err := New(at, value)
	if err != nil {
		return err
	}

	n := len(s.history)
	if n == 0 || at > s.history[n-1].At {
		s.history = append(s.history, cp)
		return nil
	}
	if at == s.history[n-1].At {
		s.history[n-1].Value = cp.Value
		return nil
	}
	return ErrPastInsertion
}

// Update is a checkpoint written at a position of a subject's history.
type Update struct {
	Subject    string
	Index      int
	Checkpoint Checkpoint
}

// Pending validates an Add and reports where it would land, without
// applying it. Callers persist the update first and then call Add.
func (s *Store) Pending(subject string, at uint64, value *big.Int) (Update, error) {
	cp, err := New(at, value)
	if err != nil {
		return Update{}, err
	}
	n := len(s.history)
	switch {
	case n == 0 || at > s.history[n-1].At:
		return Update{Subject: subject, Index: n, Checkpoint: cp}, nil
	case at == s.history[n-1].At:
		return Update{Subject: subject, Index: n - 1, Checkpoint: cp}, nil
	default:
		return Update{}, ErrPastInsertion
	}
}

// AddBig is Add for reference points that have not been narrowed yet.
func (s *Store) AddBig(at, value *big.Int) error {
	a, err := ReferencePoint(at)
	if err != nil {
		return err
	}
	return s.Add(a, value)
}

// ValueAt returns the value of the rightmost checkpoint whose reference
// point is not greater than at, or zero.
func (s *Store) ValueAt(at uint64) *big.Int {
	n := len(s.history)
	if n == 0 || at < s.history[0].At {
		return new(big.Int)
	}
	if at >= s.history[n-1].At {
		return new(big.Int).Set(s.history[n-1].Value)
	}

	// first index with At > at, the answer sits right before it
	i := sort.Search(n, func(i int) bool { return s.history[i].At > at })
	return new(big.Int).Set(s.history[i-1].Value)
}

func (s *Store) ValueAtBig(at *big.Int) (*big.Int, error) {
	a, err := ReferencePoint(at)
	if err != nil {
		return nil, err
	}
	return s.ValueAt(a), nil
}

// Latest is the value of the last checkpoint, zero when empty.
func (s *Store) Latest() *big.Int {
	if len(s.history) == 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(s.history[len(s.history)-1].Value)
}

func (s *Store) Len() int {
	return len(s.history)
}

// LastUpdated is the reference point of the most recent checkpoint, 0 if empty.
func (s *Store) LastUpdated() uint64 {
	if len(s.history) == 0 {
		return 0
	}
	return s.history[len(s.history)-1].At
}

// Last returns the most recent checkpoint.
func (s *Store) Last() (Checkpoint, bool) {
	if len(s.history) == 0 {
		return Checkpoint{}, false
	}
	last := s.history[len(s.history)-1]
	return Checkpoint{At: last.At, Value: new(big.Int).Set(last.Value)}, true
}

// Checkpoints returns a copy of the history.
func (s *Store) Checkpoints() []Checkpoint {
	out := make([]Checkpoint, len(s.history))
	for i, cp := range s.history {
		out[i] = Checkpoint{At: cp.At, Value: new(big.Int).Set(cp.Value)}
	}
	return out
}

// Clone returns an independent copy of the store.
func (s *Store) Clone() *Store {
	return &Store{history: s.Checkpoints()}
}

// Restore rebuilds a store from persisted checkpoints.
func Restore(cps []Checkpoint) (*Store, error) {
	s := &Store{history: make([]Checkpoint, 0, len(cps))}
	for i, cp := range cps {
		if i > 0 && cp.At <= cps[i-1].At {
			return nil, ErrCorrupted
		}
		c, err := New(cp.At, cp.Value)
		if err != nil {
			return nil, err
		}
		s.history = append(s.history, c)
	}
	return s, nil
}
