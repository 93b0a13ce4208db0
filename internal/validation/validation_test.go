package validation_test

import (
	"Percolator/internal/validation"
	"errors"
	"math/big"
	"strings"
	"testing"
)

func requireValidationError(t *testing.T, err error, field, wantSubstr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected validation error for %s, got nil", field)
	}
	var verr *validation.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Field != field {
		t.Errorf("field: got %q, want %q", verr.Field, field)
	}
	if !strings.Contains(err.Error(), wantSubstr) {
		t.Errorf("message %q does not contain %q", err.Error(), wantSubstr)
	}
	if !strings.HasPrefix(err.Error(), "Invalid "+field+": ") {
		t.Errorf("message %q missing field prefix", err.Error())
	}
}

// ============================================================================
// Test: u16 index domain
// ============================================================================

func TestValidateIndex_Bounds(t *testing.T) {
	got, err := validation.ValidateIndex("65535", "userIdx")
	if err != nil {
		t.Fatalf("65535 rejected: %v", err)
	}
	if got != 65535 {
		t.Errorf("got %d, want 65535", got)
	}

	_, err = validation.ValidateIndex("65536", "userIdx")
	requireValidationError(t, err, "userIdx", "65535")
	requireValidationError(t, err, "userIdx", "u16 max")

	_, err = validation.ValidateIndex("-1", "userIdx")
	requireValidationError(t, err, "userIdx", "must be non-negative, got -1")

	_, err = validation.ValidateIndex("abc", "userIdx")
	requireValidationError(t, err, "userIdx", `"abc" is not a valid number`)

	_, err = validation.ValidateIndex("", "userIdx")
	requireValidationError(t, err, "userIdx", "is not a valid number")

	got, err = validation.ValidateIndex("0", "userIdx")
	if err != nil || got != 0 {
		t.Errorf("0: got (%d, %v)", got, err)
	}
}

func TestValidateU16_RejectsFraction(t *testing.T) {
	_, err := validation.ValidateU16("1.5", "confFilterBps")
	requireValidationError(t, err, "confFilterBps", "is not a valid number")
}

// ============================================================================
// Test: basis points
// ============================================================================

func TestValidateBps(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr string
	}{
		{"0", 0, ""},
		{"10000", 10000, ""},
		{"50", 50, ""},
		{"-1", 0, "must be non-negative, got -1"},
		{"10001", 0, "must be <= 10000 (100%), got 10001"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := validation.ValidateBps(tt.in, "maintenanceMarginBps")
			if tt.wantErr != "" {
				requireValidationError(t, err, "maintenanceMarginBps", tt.wantErr)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Test: u64 / u128
// ============================================================================

func TestValidateAmount(t *testing.T) {
	got, err := validation.ValidateAmount("18446744073709551615", "amount")
	if err != nil {
		t.Fatalf("u64 max rejected: %v", err)
	}
	if got != ^uint64(0) {
		t.Errorf("got %d, want u64 max", got)
	}

	_, err = validation.ValidateAmount("18446744073709551616", "amount")
	requireValidationError(t, err, "amount", "(u64 max)")

	_, err = validation.ValidateAmount("12e3", "amount")
	requireValidationError(t, err, "amount", "Use decimal digits only.")

	_, err = validation.ValidateAmount("-5", "amount")
	requireValidationError(t, err, "amount", "must be non-negative, got -5")
}

func TestValidateU128(t *testing.T) {
	max := "340282366920938463463374607431768211455"
	got, err := validation.ValidateU128(max, "liquidationFeeCap")
	if err != nil {
		t.Fatalf("u128 max rejected: %v", err)
	}
	if got.String() != max {
		t.Errorf("got %s, want %s", got, max)
	}

	_, err = validation.ValidateU128("340282366920938463463374607431768211456", "liquidationFeeCap")
	requireValidationError(t, err, "liquidationFeeCap", "(u128 max)")
}

// ============================================================================
// Test: signed domains
// ============================================================================

func TestValidateI64(t *testing.T) {
	got, err := validation.ValidateI64("-9223372036854775808", "fundingMaxPremiumBps")
	if err != nil {
		t.Fatalf("i64 min rejected: %v", err)
	}
	if got != -1<<63 {
		t.Errorf("got %d, want i64 min", got)
	}

	_, err = validation.ValidateI64("-9223372036854775809", "fundingMaxPremiumBps")
	requireValidationError(t, err, "fundingMaxPremiumBps", "(i64 min)")

	_, err = validation.ValidateI64("9223372036854775808", "fundingMaxPremiumBps")
	requireValidationError(t, err, "fundingMaxPremiumBps", "(i64 max)")

	_, err = validation.ValidateI64("x", "fundingMaxPremiumBps")
	requireValidationError(t, err, "fundingMaxPremiumBps", "with optional leading minus")
}

func TestValidateI128_Bounds(t *testing.T) {
	one := big.NewInt(1)
	max := new(big.Int).Sub(new(big.Int).Lsh(one, 127), one)
	min := new(big.Int).Neg(new(big.Int).Lsh(one, 127))

	tests := []struct {
		name    string
		in      *big.Int
		wantErr string
	}{
		{"max", max, ""},
		{"min", min, ""},
		{"zero", big.NewInt(0), ""},
		{"above max", new(big.Int).Add(max, one), "(i128 max)"},
		{"below min", new(big.Int).Sub(min, one), "(i128 min)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validation.ValidateI128(tt.in.String(), "size")
			if tt.wantErr != "" {
				requireValidationError(t, err, "size", tt.wantErr)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Cmp(tt.in) != 0 {
				t.Errorf("got %s, want %s", got, tt.in)
			}
		})
	}
}

// ============================================================================
// Test: keys and feed ids
// ============================================================================

func TestValidatePublicKey(t *testing.T) {
	pk, err := validation.ValidatePublicKey("11111111111111111111111111111111", "admin")
	if err != nil {
		t.Fatalf("system program key rejected: %v", err)
	}
	if !pk.IsZero() {
		t.Errorf("system program key should be all zeros, got %s", pk)
	}

	_, err = validation.ValidatePublicKey("not-a-key", "admin")
	requireValidationError(t, err, "admin", "is not a valid base58 public key")
}

func TestValidateFeedID(t *testing.T) {
	hexID := strings.Repeat("ab", 32)
	id, err := validation.ValidateFeedID("0x"+hexID, "indexFeedId")
	if err != nil {
		t.Fatalf("feed id rejected: %v", err)
	}
	if id[0] != 0xab || id[31] != 0xab {
		t.Errorf("unexpected feed id bytes %x", id)
	}

	_, err = validation.ValidateFeedID("abcd", "indexFeedId")
	requireValidationError(t, err, "indexFeedId", "must be 64 hex characters, got 4")

	_, err = validation.ValidateFeedID(strings.Repeat("zz", 32), "indexFeedId")
	requireValidationError(t, err, "indexFeedId", "is not valid hex")
}
