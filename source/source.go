package source

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotContract       = errors.New("source: address is not a power source")
	ErrKindMismatch      = errors.New("source: capability does not match kind")
	ErrInvalidKind       = errors.New("source: invalid kind")
	ErrInvalidAddress    = errors.New("source: invalid address")
	ErrMalformedResponse = errors.New("source: malformed response")
)

// Kind selects the capability shape a power source is queried through.
type Kind uint8

const (
	BalanceWithCheckpoints Kind = iota + 1
	ExternalStaking
)

func (k Kind) String() string {
	switch k {
	case BalanceWithCheckpoints:
		return "balance_with_checkpoints"
	case ExternalStaking:
		return "external_staking"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "balance_with_checkpoints", "erc20":
		return BalanceWithCheckpoints, nil
	case "external_staking", "erc900":
		return ExternalStaking, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k != BalanceWithCheckpoints && k != ExternalStaking {
		return nil, ErrInvalidKind
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseAddress accepts a 0x-prefixed hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// CheckpointedToken is a token that keeps its balance history.
type CheckpointedToken interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	BalanceOfAt(ctx context.Context, account common.Address, at uint64) (*big.Int, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
	TotalSupplyAt(ctx context.Context, at uint64) (*big.Int, error)
}

// Staking is a staking contract that keeps its stake history.
type Staking interface {
	TotalStakedForAt(ctx context.Context, account common.Address, at uint64) (*big.Int, error)
	TotalStakedAt(ctx context.Context, at uint64) (*big.Int, error)
}

// Reader is the kind-independent view the aggregator queries.
type Reader interface {
	BalanceAt(ctx context.Context, account common.Address, at uint64) (*big.Int, error)
	SupplyAt(ctx context.Context, at uint64) (*big.Int, error)
}

type tokenReader struct {
	token CheckpointedToken
}

func (r tokenReader) BalanceAt(ctx context.Context, account common.Address, at uint64) (*big.Int, error) {
	return checked(r.token.BalanceOfAt(ctx, account, at))
}

func (r tokenReader) SupplyAt(ctx context.Context, at uint64) (*big.Int, error) {
	return checked(r.token.TotalSupplyAt(ctx, at))
}

type stakingReader struct {
	staking Staking
}

func (r stakingReader) BalanceAt(ctx context.Context, account common.Address, at uint64) (*big.Int, error) {
	return checked(r.staking.TotalStakedForAt(ctx, account, at))
}

func (r stakingReader) SupplyAt(ctx context.Context, at uint64) (*big.Int, error) {
	return checked(r.staking.TotalStakedAt(ctx, at))
}

// checked rejects answers that cannot be a balance.
func checked(v *big.Int, err error) (*big.Int, error) {
	if err != nil {
		return nil, err
	}
	if v == nil || v.Sign() < 0 {
		return nil, ErrMalformedResponse
	}
	return v, nil
}

// NewReader adapts a capability to the reader for kind.
func NewReader(kind Kind, capability any) (Reader, error) {
	switch kind {
	case BalanceWithCheckpoints:
		token, ok := capability.(CheckpointedToken)
		if !ok {
			return nil, ErrKindMismatch
		}
		return tokenReader{token: token}, nil
	case ExternalStaking:
		staking, ok := capability.(Staking)
		if !ok {
			return nil, ErrKindMismatch
		}
		return stakingReader{staking: staking}, nil
	default:
		return nil, ErrInvalidKind
	}
}
