package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGroup   = "0x00000000000000000000000000000000000000a1"
	testAccount = "0x00000000000000000000000000000000000000b2"
)

// fakeCaller answers margin group calls with ABI-encoded fixtures.
type fakeCaller struct {
	block   uint64
	results map[string][]byte
	seen    []*big.Int
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.seen = append(f.seen, blockNumber)
	for name, method := range marginGroupABI.Methods {
		if bytes.Equal(msg.Data[:4], method.ID) {
			res, ok := f.results[name]
			if !ok {
				return nil, fmt.Errorf("no fixture for %s", name)
			}
			return res, nil
		}
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeCaller) BlockNumber(ctx context.Context) (uint64, error) {
	return f.block, nil
}

func e18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func packOutputs(t *testing.T, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := marginGroupABI.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func newFakeGroup(t *testing.T) *fakeCaller {
	t.Helper()
	return &fakeCaller{
		block: 1234,
		results: map[string][]byte{
			"getPrices":  packOutputs(t, "getPrices", []*big.Int{e18(2000), e18(1)}),
			"getIndexes": packOutputs(t, "getIndexes", []*big.Int{e18(1), e18(1)}, []*big.Int{e18(1), e18(1)}),
			"getMarginAccounts": packOutputs(t, "getMarginAccounts",
				[]common.Address{common.HexToAddress(testAccount)},
				[][]*big.Int{{e18(1), e18(0)}},
				[][]*big.Int{{e18(0), e18(1000)}},
			),
		},
	}
}

func TestChainReadGroup(t *testing.T) {
	caller := newFakeGroup(t)
	chain := NewChainWithCaller(caller, ChainOptions{}, zerolog.Nop())

	snapshot, err := chain.ReadGroup(context.Background(), testGroup)
	require.NoError(t, err)

	assert.Equal(t, uint64(1234), snapshot.BlockNumber)
	assert.Equal(t, common.HexToAddress(testGroup).Hex(), snapshot.GroupID)
	require.Len(t, snapshot.Prices, 2)
	assert.True(t, snapshot.Prices[0].Equal(decimal.NewFromInt(2000)))

	acct, ok := snapshot.Account(testAccount)
	require.True(t, ok)
	assert.True(t, acct.Deposits[0].Equal(decimal.NewFromInt(1)))
	assert.True(t, acct.Borrows[1].Equal(decimal.NewFromInt(1000)))

	for _, block := range caller.seen {
		assert.Equal(t, int64(1234), block.Int64(), "all calls pin the same block")
	}
}

func TestChainReadGroupMissingContract(t *testing.T) {
	caller := newFakeGroup(t)
	caller.results["getPrices"] = []byte{}
	chain := NewChainWithCaller(caller, ChainOptions{}, zerolog.Nop())

	_, err := chain.ReadGroup(context.Background(), testGroup)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestChainReadGroupRejectsInvalidID(t *testing.T) {
	chain := NewChainWithCaller(newFakeGroup(t), ChainOptions{}, zerolog.Nop())

	_, err := chain.ReadGroup(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestChainMissingConfig(t *testing.T) {
	chain := NewChain(ChainOptions{}, zerolog.Nop())
	_, err := chain.ReadGroup(context.Background(), testGroup)
	assert.Error(t, err, "a reader without rpc url must fail")
}

func TestDecodeGroupRejectsRaggedBalances(t *testing.T) {
	_, err := decodeGroup(testGroup,
		[]*big.Int{e18(1), e18(1)},
		[]*big.Int{e18(1), e18(1)},
		[]*big.Int{e18(1), e18(1)},
		[]common.Address{common.HexToAddress(testAccount)},
		[][]*big.Int{{e18(1)}},
		[][]*big.Int{{e18(1), e18(1)}},
	)
	assert.Error(t, err)

	_, err = decodeGroup(testGroup,
		[]*big.Int{e18(1), e18(1)},
		[]*big.Int{e18(1)},
		[]*big.Int{e18(1), e18(1)},
		nil, nil, nil,
	)
	assert.Error(t, err)
}
