package slab_test

import (
	"Percolator/internal/slab"
	"Percolator/internal/testutil"
	"errors"
	"math/big"
	"math/rand"
	"sort"
	"testing"
)

// ============================================================================
// Test: Header
// ============================================================================

func TestParseHeader_Valid(t *testing.T) {
	admin := testutil.Key(7)
	buf := testutil.NewSlabBuilder(t, slab.CapacitySmall).Admin(admin).Nonce(42).Bytes()

	h, err := slab.ParseHeader(buf)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if h.Admin != admin {
		t.Errorf("admin: got %s, want %s", h.Admin, admin)
	}
	if h.Nonce != 42 {
		t.Errorf("nonce: got %d, want 42", h.Nonce)
	}
}

func TestParseHeader_BadMagic(t *testing.T) {
	b := testutil.NewSlabBuilder(t, slab.CapacitySmall)
	b.PutU32(slab.HeaderMagicOff, 0xdeadbeef)

	_, err := slab.ParseHeader(b.Bytes())
	if !errors.Is(err, slab.ErrInvalidMagic) {
		t.Fatalf("got %v, want InvalidMagic", err)
	}
}

func TestParseHeader_BadVersion(t *testing.T) {
	b := testutil.NewSlabBuilder(t, slab.CapacitySmall)
	b.PutU16(slab.HeaderVerOff, 9)

	_, err := slab.ParseHeader(b.Bytes())
	if !errors.Is(err, slab.ErrInvalidVersion) {
		t.Fatalf("got %v, want InvalidVersion", err)
	}
}

func TestParseHeader_Short(t *testing.T) {
	_, err := slab.ParseHeader(make([]byte, 10))
	if !errors.Is(err, slab.ErrInvalidSlabLen) {
		t.Fatalf("got %v, want InvalidSlabLen", err)
	}
}

func TestReadNonce(t *testing.T) {
	buf := testutil.NewSlabBuilder(t, slab.CapacitySmall).Nonce(9001).Bytes()
	n, err := slab.ReadNonce(buf)
	if err != nil {
		t.Fatalf("read nonce: %v", err)
	}
	if n != 9001 {
		t.Errorf("got %d, want 9001", n)
	}
}

// ============================================================================
// Test: Fixed sections
// ============================================================================

func TestParseFixedSections(t *testing.T) {
	b := testutil.NewSlabBuilder(t, slab.CapacitySmall).
		Prices(9_000, 10_000, true).
		Margins(500, 1000).
		Crank(777, -3)
	b.PutKey(slab.CfgCollateralMintOff, testutil.Key(1))
	b.PutU64(slab.CfgMaxStalenessOff, 60)
	b.PutU16(slab.CfgConfFilterBpsOff, 250)
	b.PutU8(slab.CfgUnitScaleOff, 3)
	b.PutU16(slab.CfgOraclePriceCapOff, 1_000)
	b.PutU8(slab.CfgVaultBumpOff, 254)
	b.PutI128(slab.EngFundingIndexOff, big.NewInt(-123_456))
	b.PutI128(slab.EngOpenInterestOff, big.NewInt(5_000_000))
	b.PutU64(slab.EngVaultOff, 88)
	b.PutI128(slab.InsBalanceOff, big.NewInt(1_000_000))
	b.PutU64(slab.PrmMaxAccountsOff, slab.CapacitySmall)
	b.PutI128(slab.PrmLiquidationFeeCapOff, big.NewInt(1_000_000_000))
	buf := b.Bytes()

	cfg, err := slab.ParseConfig(buf)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.CollateralMint != testutil.Key(1) {
		t.Errorf("mint: got %s", cfg.CollateralMint)
	}
	if !cfg.Invert || cfg.MarkPriceE6 != 9_000 || cfg.IndexPriceE6 != 10_000 {
		t.Errorf("prices: got invert=%v mark=%d index=%d", cfg.Invert, cfg.MarkPriceE6, cfg.IndexPriceE6)
	}
	if cfg.MaxStalenessSlots != 60 || cfg.ConfFilterBps != 250 || cfg.UnitScale != 3 {
		t.Errorf("oracle params: got %+v", cfg)
	}
	if cfg.OraclePriceCapE2bps != 1_000 || cfg.VaultAuthorityBump != 254 {
		t.Errorf("cap/bump: got %d/%d", cfg.OraclePriceCapE2bps, cfg.VaultAuthorityBump)
	}
	if !cfg.IsHyperp() {
		t.Error("zero feed id should be hyperp")
	}

	eng, err := slab.ParseEngine(buf)
	if err != nil {
		t.Fatalf("parse engine: %v", err)
	}
	if eng.LastCrankSlot != 777 || eng.FundingRateBpsPerSlot != -3 || eng.Vault != 88 {
		t.Errorf("engine: got %+v", eng)
	}
	if eng.FundingIndexQpbE6.Cmp(big.NewInt(-123_456)) != 0 {
		t.Errorf("funding index: got %s", eng.FundingIndexQpbE6)
	}
	if eng.TotalOpenInterest.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Errorf("open interest: got %s", eng.TotalOpenInterest)
	}

	ins, err := slab.ParseInsuranceFund(buf)
	if err != nil {
		t.Fatalf("parse insurance: %v", err)
	}
	if ins.Balance.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("insurance balance: got %s", ins.Balance)
	}

	params, err := slab.ParseParams(buf)
	if err != nil {
		t.Fatalf("parse params: %v", err)
	}
	if params.MaintenanceMarginBps != 500 || params.InitialMarginBps != 1000 {
		t.Errorf("margins: got %d/%d", params.MaintenanceMarginBps, params.InitialMarginBps)
	}
	if params.MaxAccounts != slab.CapacitySmall {
		t.Errorf("max accounts: got %d", params.MaxAccounts)
	}
	if params.LiquidationFeeCap.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("liquidation fee cap: got %s", params.LiquidationFeeCap)
	}

	slot, err := slab.ReadLastCrankSlot(buf)
	if err != nil || slot != 777 {
		t.Errorf("last crank slot: got (%d, %v)", slot, err)
	}
}

func TestParseFixedSections_ShortBuffer(t *testing.T) {
	short := testutil.NewSlabBuilder(t, slab.CapacitySmall).Bytes()[:slab.EngineOff]

	if _, err := slab.ParseConfig(short); err != nil {
		t.Errorf("config fits in %d bytes, got %v", len(short), err)
	}
	if _, err := slab.ParseEngine(short); !errors.Is(err, slab.ErrInvalidSlabLen) {
		t.Errorf("engine: got %v, want InvalidSlabLen", err)
	}
	if _, err := slab.ParseParams(short); !errors.Is(err, slab.ErrInvalidSlabLen) {
		t.Errorf("params: got %v, want InvalidSlabLen", err)
	}
	if _, err := slab.ReadLastCrankSlot(short); !errors.Is(err, slab.ErrInvalidSlabLen) {
		t.Errorf("last crank slot: got %v, want InvalidSlabLen", err)
	}
}

// ============================================================================
// Test: Accounts
// ============================================================================

func TestParseAccount_UserAndLP(t *testing.T) {
	b := testutil.NewSlabBuilder(t, slab.CapacitySmall).
		User(3, testutil.Key(3), 50_000_000, -1_000_000_000, 10_000).
		LP(0, testutil.Key(9), testutil.Key(10), testutil.Key(11), 7)
	buf := b.Bytes()

	user, err := slab.ParseAccount(buf, 3)
	if err != nil {
		t.Fatalf("parse user: %v", err)
	}
	if user.Kind != slab.KindUser || user.Matcher != nil {
		t.Errorf("user kind/matcher: got %s/%v", user.Kind, user.Matcher)
	}
	if user.Capital != 50_000_000 || user.EntryPriceE6 != 10_000 {
		t.Errorf("user fields: got %+v", user)
	}
	if user.PositionSize.Cmp(big.NewInt(-1_000_000_000)) != 0 {
		t.Errorf("size: got %s", user.PositionSize)
	}

	lp, err := slab.ParseAccount(buf, 0)
	if err != nil {
		t.Fatalf("parse lp: %v", err)
	}
	if !lp.IsLP() || lp.Matcher == nil {
		t.Fatalf("lp: got kind %s matcher %v", lp.Kind, lp.Matcher)
	}
	if lp.Matcher.Program != testutil.Key(10) || lp.Matcher.Context != testutil.Key(11) {
		t.Errorf("matcher: got %+v", lp.Matcher)
	}
}

func TestParseAccount_I128Extremes(t *testing.T) {
	one := big.NewInt(1)
	hi := new(big.Int).Sub(new(big.Int).Lsh(one, 127), one)
	lo := new(big.Int).Neg(new(big.Int).Lsh(one, 127))

	b := testutil.NewSlabBuilder(t, slab.CapacitySmall).
		User(1, testutil.Key(1), 0, 0, 0).
		User(2, testutil.Key(2), 0, 0, 0)
	b.Position(1, hi, 1).Position(2, lo, 1)

	for idx, want := range map[int]*big.Int{1: hi, 2: lo} {
		acct, err := slab.ParseAccount(b.Bytes(), idx)
		if err != nil {
			t.Fatalf("slot %d: %v", idx, err)
		}
		if acct.PositionSize.Cmp(want) != 0 {
			t.Errorf("slot %d: got %s, want %s", idx, acct.PositionSize, want)
		}
	}
}

func TestParseAccount_IndexOutOfRange(t *testing.T) {
	buf := testutil.NewSlabBuilder(t, slab.CapacitySmall).Bytes()
	for _, idx := range []int{-1, slab.CapacitySmall, slab.CapacitySmall + 1} {
		if _, err := slab.ParseAccount(buf, idx); !errors.Is(err, slab.ErrIndexOutOfRange) {
			t.Errorf("index %d: got %v, want IndexOutOfRange", idx, err)
		}
	}
	if _, err := slab.IsAccountUsed(buf, slab.CapacitySmall); !errors.Is(err, slab.ErrIndexOutOfRange) {
		t.Errorf("IsAccountUsed: got %v, want IndexOutOfRange", err)
	}
}

func TestAccountFunctions_RejectUnknownLength(t *testing.T) {
	buf := make([]byte, slab.LayoutFor(slab.CapacitySmall).TotalLen-1)
	if _, err := slab.ParseAllAccounts(buf); !errors.Is(err, slab.ErrInvalidSlabLen) {
		t.Errorf("ParseAllAccounts: got %v, want InvalidSlabLen", err)
	}
	if _, _, err := slab.MaxAccountIndex(buf); !errors.Is(err, slab.ErrInvalidSlabLen) {
		t.Errorf("MaxAccountIndex: got %v, want InvalidSlabLen", err)
	}
}

func TestParseAllAccounts_SkipsFreedSlots(t *testing.T) {
	b := testutil.NewSlabBuilder(t, slab.CapacitySmall).
		User(5, testutil.Key(5), 100, 1, 1).
		User(64, testutil.Key(64), 200, 2, 2).
		User(200, testutil.Key(200), 300, 3, 3)
	// Slot 64 is closed on-chain; its bytes remain but the bit is cleared.
	b.ClearUsed(64)
	// Garbage in a free slot must never be decoded.
	b.SlotKind(100, 0xff)

	accounts, err := slab.ParseAllAccounts(b.Bytes())
	if err != nil {
		t.Fatalf("parse all: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}
	if accounts[0].Index != 5 || accounts[1].Index != 200 {
		t.Errorf("indices: got %d, %d", accounts[0].Index, accounts[1].Index)
	}
	if accounts[1].Account.Capital != 300 {
		t.Errorf("capital: got %d, want 300", accounts[1].Account.Capital)
	}
}

func TestParseAllAccounts_InvalidKindFailsWhole(t *testing.T) {
	b := testutil.NewSlabBuilder(t, slab.CapacitySmall).
		User(1, testutil.Key(1), 1, 0, 0).
		User(2, testutil.Key(2), 1, 0, 0)
	b.SlotKind(2, 7)

	accounts, err := slab.ParseAllAccounts(b.Bytes())
	if !errors.Is(err, slab.ErrInvalidAccountKind) {
		t.Fatalf("got %v, want InvalidAccountKind", err)
	}
	if accounts != nil {
		t.Errorf("expected no partial result, got %d accounts", len(accounts))
	}
}

// ============================================================================
// Test: Bitmap agreement
// ============================================================================

func TestBitmapAgreement_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, capacity := range []int{slab.CapacitySmall, slab.CapacityMedium} {
		for round := 0; round < 20; round++ {
			b := testutil.NewSlabBuilder(t, capacity)
			want := map[int]bool{}
			n := rng.Intn(40)
			for i := 0; i < n; i++ {
				idx := rng.Intn(capacity)
				b.User(idx, testutil.Key(byte(idx)), uint64(idx), 0, 0)
				want[idx] = true
			}
			buf := b.Bytes()

			used, err := slab.ParseUsedIndices(buf)
			if err != nil {
				t.Fatalf("used indices: %v", err)
			}
			if !sort.IntsAreSorted(used) {
				t.Fatalf("indices not sorted: %v", used)
			}
			if len(used) != len(want) {
				t.Fatalf("got %d used, want %d", len(used), len(want))
			}

			var bitSet []int
			for i := 0; i < capacity; i++ {
				ok, err := slab.IsAccountUsed(buf, i)
				if err != nil {
					t.Fatalf("is used %d: %v", i, err)
				}
				if ok {
					bitSet = append(bitSet, i)
				}
			}
			if len(bitSet) != len(used) {
				t.Fatalf("bit tests found %d, scan found %d", len(bitSet), len(used))
			}
			for i := range used {
				if used[i] != bitSet[i] {
					t.Fatalf("mismatch at %d: scan %d, bit test %d", i, used[i], bitSet[i])
				}
			}

			maxIdx, ok, err := slab.MaxAccountIndex(buf)
			if err != nil {
				t.Fatalf("max index: %v", err)
			}
			if len(used) == 0 {
				if ok {
					t.Errorf("empty slab reported max index %d", maxIdx)
				}
			} else if !ok || maxIdx != used[len(used)-1] {
				t.Errorf("max index: got (%d, %v), want %d", maxIdx, ok, used[len(used)-1])
			}

			accounts, err := slab.ParseAllAccounts(buf)
			if err != nil {
				t.Fatalf("parse all: %v", err)
			}
			for i, a := range accounts {
				if a.Index != used[i] {
					t.Fatalf("account %d index %d, want %d", i, a.Index, used[i])
				}
			}
		}
	}
}

func TestMaxAccountIndex_Empty(t *testing.T) {
	buf := testutil.NewSlabBuilder(t, slab.CapacitySmall).Bytes()
	if _, ok, err := slab.MaxAccountIndex(buf); err != nil || ok {
		t.Errorf("got (ok=%v, err=%v), want none", ok, err)
	}
}

func TestMaxAccountIndex_LastSlot(t *testing.T) {
	last := slab.CapacitySmall - 1
	buf := testutil.NewSlabBuilder(t, slab.CapacitySmall).User(last, testutil.Key(1), 1, 0, 0).Bytes()
	idx, ok, err := slab.MaxAccountIndex(buf)
	if err != nil || !ok || idx != last {
		t.Errorf("got (%d, %v, %v), want %d", idx, ok, err, last)
	}
}

// ============================================================================
// Test: Full snapshot
// ============================================================================

func TestParse_Snapshot(t *testing.T) {
	buf := testutil.NewSlabBuilder(t, slab.CapacityMedium).
		Admin(testutil.Key(1)).
		Prices(1_000_000, 1_000_000, false).
		User(10, testutil.Key(10), 1_000, 5, 1_000_000).
		LP(2, testutil.Key(2), testutil.Key(3), testutil.Key(4), 9).
		Bytes()

	snap, err := slab.Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if snap.Layout.Capacity != slab.CapacityMedium {
		t.Errorf("capacity: got %d", snap.Layout.Capacity)
	}
	if snap.UsedCount() != 2 {
		t.Errorf("used: got %d, want 2", snap.UsedCount())
	}
	acct, ok := snap.Account(10)
	if !ok || acct.Capital != 1_000 {
		t.Errorf("account 10: got (%+v, %v)", acct, ok)
	}
	if _, ok := snap.Account(11); ok {
		t.Error("account 11 should be absent")
	}
}

func TestParse_BadMagicFailsWhole(t *testing.T) {
	b := testutil.NewSlabBuilder(t, slab.CapacitySmall)
	b.PutU32(slab.HeaderMagicOff, 1)
	snap, err := slab.Parse(b.Bytes())
	if !errors.Is(err, slab.ErrInvalidMagic) {
		t.Fatalf("got %v, want InvalidMagic", err)
	}
	if snap != nil {
		t.Error("expected nil snapshot")
	}
}

func TestDetectLayout(t *testing.T) {
	for _, c := range []int{slab.CapacitySmall, slab.CapacityMedium, slab.CapacityLarge} {
		l, ok := slab.DetectLayout(slab.LayoutFor(c).TotalLen)
		if !ok || l.Capacity != c {
			t.Errorf("capacity %d: got (%d, %v)", c, l.Capacity, ok)
		}
	}
	if _, ok := slab.DetectLayout(123); ok {
		t.Error("length 123 should not match a tier")
	}
}
