package slab

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// AccountKind discriminates user accounts from liquidity providers.
type AccountKind uint8

const (
	KindUser AccountKind = 0
	KindLP   AccountKind = 1
)

func (k AccountKind) String() string {
	switch k {
	case KindUser:
		return "User"
	case KindLP:
		return "LP"
	default:
		return "Unknown"
	}
}

// Matcher references the external program that matches trades against an LP.
type Matcher struct {
	Program solana.PublicKey
	Context solana.PublicKey
}

// Account is one occupied slot. Matcher is non-nil exactly when Kind is KindLP.
type Account struct {
	Owner        solana.PublicKey
	Capital      uint64
	PositionSize *big.Int
	EntryPriceE6 uint64
	AccountID    uint64
	Kind         AccountKind
	Matcher      *Matcher
}

func (a Account) IsLP() bool { return a.Kind == KindLP }

// IndexedAccount pairs a slot index with its decoded account.
type IndexedAccount struct {
	Index   int
	Account Account
}

// ParseAccount decodes the slot at index. It does not consult the occupancy
// bitmap; use IsAccountUsed or ParseAllAccounts to decide liveness.
func ParseAccount(buf []byte, index int) (Account, error) {
	layout, err := layoutOf(buf)
	if err != nil {
		return Account{}, err
	}
	if index < 0 || index >= layout.Capacity {
		return Account{}, decodeErr(IndexOutOfRange, "index %d, capacity %d", index, layout.Capacity)
	}
	return decodeAccount(buf, layout, index)
}

func decodeAccount(buf []byte, layout Layout, index int) (Account, error) {
	base := layout.AccountOffset(index)
	r := newFieldReader(buf)

	acct := Account{
		Owner:        r.pubkey(base + AcctOwnerOff),
		Capital:      r.u64(base + AcctCapitalOff),
		PositionSize: r.i128(base + AcctPositionSizeOff),
		EntryPriceE6: r.u64(base + AcctEntryPriceOff),
		AccountID:    r.u64(base + AcctIDOff),
		Kind:         AccountKind(r.u8(base + AcctKindOff)),
	}

	switch acct.Kind {
	case KindUser:
	case KindLP:
		acct.Matcher = &Matcher{
			Program: r.pubkey(base + AcctMatcherProgramOff),
			Context: r.pubkey(base + AcctMatcherContextOff),
		}
	default:
		if r.err == nil {
			return Account{}, decodeErr(InvalidAccountKind, "slot %d has kind byte %d", index, uint8(acct.Kind))
		}
	}

	if r.err != nil {
		return Account{}, r.err
	}
	return acct, nil
}

// layoutOf resolves the capacity tier from the buffer length.
func layoutOf(buf []byte) (Layout, error) {
	layout, ok := DetectLayout(len(buf))
	if !ok {
		return Layout{}, decodeErr(InvalidSlabLen, "length %d matches no capacity tier", len(buf))
	}
	return layout, nil
}
