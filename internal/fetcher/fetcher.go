package fetcher

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MarginAccount is one account's token balances inside a group, in token units.
type MarginAccount struct {
	Address  string
	Deposits []decimal.Decimal
	Borrows  []decimal.Decimal
}

// GroupSnapshot is the state of one margin group read at a single block.
// It lives for one evaluation cycle and is never persisted.
type GroupSnapshot struct {
	GroupID        string
	BlockNumber    uint64
	FetchedAt      time.Time
	Prices         []decimal.Decimal
	DepositIndexes []decimal.Decimal
	BorrowIndexes  []decimal.Decimal
	Accounts       map[string]MarginAccount
}

// Account looks up a margin account by address, ignoring hex case.
func (g *GroupSnapshot) Account(address string) (MarginAccount, bool) {
	if g == nil {
		return MarginAccount{}, false
	}
	acct, ok := g.Accounts[NormalizeAddress(address)]
	return acct, ok
}

// GroupReader reads the current state of one margin group.
type GroupReader interface {
	ReadGroup(ctx context.Context, groupID string) (*GroupSnapshot, error)
}

// GroupSet is a set of distinct group identifiers.
type GroupSet map[string]struct{}

// NewGroupSet builds a set from ids, collapsing duplicates that differ only in hex case.
func NewGroupSet(ids ...string) GroupSet {
	set := make(GroupSet, len(ids))
	for _, id := range ids {
		set.Add(id)
	}
	return set
}

// Add inserts id in normalized form.
func (s GroupSet) Add(id string) {
	s[NormalizeAddress(id)] = struct{}{}
}

// IDs returns the members in sorted order.
func (s GroupSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NormalizeAddress returns the checksummed form of a hex address.
// Non-hex identifiers are returned trimmed and unchanged.
func NormalizeAddress(v string) string {
	v = strings.TrimSpace(v)
	if common.IsHexAddress(v) {
		return common.HexToAddress(v).Hex()
	}
	return v
}
