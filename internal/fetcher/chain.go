package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	marginGroupABIJSON = `[
  {"inputs":[],"name":"getPrices","outputs":[{"internalType":"uint256[]","name":"prices","type":"uint256[]"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"getIndexes","outputs":[{"internalType":"uint256[]","name":"deposit","type":"uint256[]"},{"internalType":"uint256[]","name":"borrow","type":"uint256[]"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"getMarginAccounts","outputs":[{"internalType":"address[]","name":"owners","type":"address[]"},{"internalType":"uint256[][]","name":"deposits","type":"uint256[][]"},{"internalType":"uint256[][]","name":"borrows","type":"uint256[][]"}],"stateMutability":"view","type":"function"}
]`

	// every on-chain quantity is an 18-decimal fixed point integer
	fixedPointExp = -18
)

var (
	marginGroupABI abi.ABI

	// ErrGroupNotFound means no margin group contract answered at the address.
	ErrGroupNotFound = errors.New("margin group not found")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(marginGroupABIJSON))
	if err != nil {
		panic("failed to parse margin group ABI: " + err.Error())
	}
	marginGroupABI = parsed
}

// ContractCaller is the part of ethclient.Client the chain reader needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ChainOptions parameterise the on-chain reader.
type ChainOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// Chain reads margin group state over Ethereum JSON-RPC.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	caller    ContractCaller
	clientMux sync.Mutex
	now       func() time.Time
}

// NewChain builds a reader that dials opts.RPCURL on first use.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	return &Chain{opts: opts, logger: logger.With().Str("component", "chain_reader").Logger(), now: time.Now}
}

// NewChainWithCaller builds a reader over an existing caller.
func NewChainWithCaller(caller ContractCaller, opts ChainOptions, logger zerolog.Logger) *Chain {
	c := NewChain(opts, logger)
	c.caller = caller
	return c
}

// ReadGroup reads prices, indexes and margin accounts of groupID at one block.
func (c *Chain) ReadGroup(ctx context.Context, groupID string) (*GroupSnapshot, error) {
	if !common.IsHexAddress(groupID) {
		return nil, fmt.Errorf("group %q: %w", groupID, ErrGroupNotFound)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return nil, err
	}

	blockNumber, err := caller.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	block := new(big.Int).SetUint64(blockNumber)
	addr := common.HexToAddress(groupID)

	priceOut, err := c.call(ctx, caller, addr, block, "getPrices")
	if err != nil {
		return nil, err
	}
	indexOut, err := c.call(ctx, caller, addr, block, "getIndexes")
	if err != nil {
		return nil, err
	}
	accountOut, err := c.call(ctx, caller, addr, block, "getMarginAccounts")
	if err != nil {
		return nil, err
	}

	prices, ok := priceOut[0].([]*big.Int)
	if !ok {
		return nil, errors.New("failed to decode getPrices output")
	}
	depositIdx, ok1 := indexOut[0].([]*big.Int)
	borrowIdx, ok2 := indexOut[1].([]*big.Int)
	if !ok1 || !ok2 {
		return nil, errors.New("failed to decode getIndexes output")
	}
	owners, ok1 := accountOut[0].([]common.Address)
	deposits, ok2 := accountOut[1].([][]*big.Int)
	borrows, ok3 := accountOut[2].([][]*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("failed to decode getMarginAccounts output")
	}

	snapshot, err := decodeGroup(addr.Hex(), prices, depositIdx, borrowIdx, owners, deposits, borrows)
	if err != nil {
		return nil, err
	}
	snapshot.BlockNumber = blockNumber
	snapshot.FetchedAt = c.now().UTC()

	c.logger.Debug().
		Str("group", snapshot.GroupID).
		Uint64("block", blockNumber).
		Int("accounts", len(snapshot.Accounts)).
		Msg("group state read")
	return snapshot, nil
}

func (c *Chain) call(ctx context.Context, caller ContractCaller, addr common.Address, block *big.Int, method string) ([]interface{}, error) {
	payload, err := marginGroupABI.Pack(method)
	if err != nil {
		return nil, err
	}

	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, block)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("group %s: %w", addr.Hex(), ErrGroupNotFound)
	}

	outputs, err := marginGroupABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != len(marginGroupABI.Methods[method].Outputs) {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs, nil
}

func decodeGroup(groupID string, prices, depositIdx, borrowIdx []*big.Int, owners []common.Address, deposits, borrows [][]*big.Int) (*GroupSnapshot, error) {
	tokens := len(prices)
	if len(depositIdx) != tokens || len(borrowIdx) != tokens {
		return nil, fmt.Errorf("group %s: %d prices but %d/%d indexes", groupID, tokens, len(depositIdx), len(borrowIdx))
	}
	if len(deposits) != len(owners) || len(borrows) != len(owners) {
		return nil, fmt.Errorf("group %s: %d owners but %d/%d balance rows", groupID, len(owners), len(deposits), len(borrows))
	}

	snapshot := &GroupSnapshot{
		GroupID:        groupID,
		Prices:         toDecimals(prices),
		DepositIndexes: toDecimals(depositIdx),
		BorrowIndexes:  toDecimals(borrowIdx),
		Accounts:       make(map[string]MarginAccount, len(owners)),
	}

	for i, owner := range owners {
		if len(deposits[i]) != tokens || len(borrows[i]) != tokens {
			return nil, fmt.Errorf("group %s: account %s has %d/%d balances for %d tokens", groupID, owner.Hex(), len(deposits[i]), len(borrows[i]), tokens)
		}
		snapshot.Accounts[owner.Hex()] = MarginAccount{
			Address:  owner.Hex(),
			Deposits: toDecimals(deposits[i]),
			Borrows:  toDecimals(borrows[i]),
		}
	}
	return snapshot, nil
}

func toDecimals(values []*big.Int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromBigInt(v, fixedPointExp)
	}
	return out
}

func (c *Chain) getCaller(ctx context.Context) (ContractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.caller = client
	return client, nil
}

var _ GroupReader = (*Chain)(nil)
