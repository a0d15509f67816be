package source

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	balance *big.Int
	supply  *big.Int
}

func (f fakeToken) BalanceOf(context.Context, common.Address) (*big.Int, error) { return f.balance, nil }
func (f fakeToken) BalanceOfAt(context.Context, common.Address, uint64) (*big.Int, error) {
	return f.balance, nil
}
func (f fakeToken) TotalSupply(context.Context) (*big.Int, error)             { return f.supply, nil }
func (f fakeToken) TotalSupplyAt(context.Context, uint64) (*big.Int, error) { return f.supply, nil }

func TestParseKind(t *testing.T) {
	k, err := ParseKind("balance_with_checkpoints")
	require.NoError(t, err)
	assert.Equal(t, BalanceWithCheckpoints, k)

	k, err = ParseKind("ERC900")
	require.NoError(t, err)
	assert.Equal(t, ExternalStaking, k)

	_, err = ParseKind("nft")
	require.ErrorIs(t, err, ErrInvalidKind)

	text, err := ExternalStaking.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "external_staking", string(text))

	_, err = Kind(9).MarshalText()
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xaa"), addr)

	_, err = ParseAddress("0x12")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDirectory_Resolve(t *testing.T) {
	dir := NewDirectory()
	tokenAddr := common.HexToAddress("0x01")
	dir.RegisterToken(tokenAddr, fakeToken{balance: big.NewInt(3), supply: big.NewInt(10)})

	_, err := dir.Resolve(common.HexToAddress("0x02"), BalanceWithCheckpoints)
	require.ErrorIs(t, err, ErrNotContract)

	_, err = dir.Resolve(tokenAddr, ExternalStaking)
	require.ErrorIs(t, err, ErrKindMismatch)

	_, err = dir.Resolve(tokenAddr, Kind(0))
	require.ErrorIs(t, err, ErrInvalidKind)

	r, err := dir.Resolve(tokenAddr, BalanceWithCheckpoints)
	require.NoError(t, err)
	b, err := r.BalanceAt(context.Background(), common.Address{}, 1)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3), b)
	s, err := r.SupplyAt(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), s)
}

func TestReader_RejectsMalformed(t *testing.T) {
	r, err := NewReader(BalanceWithCheckpoints, fakeToken{balance: big.NewInt(-1)})
	require.NoError(t, err)

	_, err = r.BalanceAt(context.Background(), common.Address{}, 1)
	require.ErrorIs(t, err, ErrMalformedResponse)
	_, err = r.SupplyAt(context.Background(), 1)
	require.ErrorIs(t, err, ErrMalformedResponse)
}
