// Package validation parses user-supplied strings into the bounded numeric
// domains the instruction encoder expects. It is the only place that rejects
// malformed external input; everything downstream assumes bounds hold.
package validation

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const (
	U16Max = 65535
	BpsMax = 10_000
)

var (
	u64Max  = new(big.Int).SetUint64(^uint64(0))
	i64Min  = big.NewInt(-1 << 63)
	i64Max  = big.NewInt(1<<63 - 1)
	u128Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	i128Min = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	i128Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("Invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidatePublicKey parses a base58 account address.
func ValidatePublicKey(value, field string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil {
		return solana.PublicKey{}, invalid(field,
			"%q is not a valid base58 public key. Example: \"11111111111111111111111111111111\"", value)
	}
	return pk, nil
}

// ValidateIndex parses an account slot index (u16).
func ValidateIndex(value, field string) (uint16, error) {
	return ValidateU16(value, field)
}

// ValidateU16 parses an unsigned 16-bit value.
func ValidateU16(value, field string) (uint16, error) {
	n, ok := parseInteger(value)
	if !ok {
		return 0, invalid(field, "%q is not a valid number", value)
	}
	if n.Sign() < 0 {
		return 0, invalid(field, "must be non-negative, got %s", n)
	}
	if n.Cmp(big.NewInt(U16Max)) > 0 {
		return 0, invalid(field, "must be <= %d (u16 max), got %s", U16Max, n)
	}
	return uint16(n.Uint64()), nil
}

// ValidateBps parses a basis-point value in [0, 10000].
func ValidateBps(value, field string) (uint16, error) {
	n, ok := parseInteger(value)
	if !ok {
		return 0, invalid(field, "%q is not a valid number", value)
	}
	if n.Sign() < 0 {
		return 0, invalid(field, "must be non-negative, got %s", n)
	}
	if n.Cmp(big.NewInt(BpsMax)) > 0 {
		return 0, invalid(field, "must be <= %d (100%%), got %s", BpsMax, n)
	}
	return uint16(n.Uint64()), nil
}

// ValidateAmount parses a token amount (u64).
func ValidateAmount(value, field string) (uint64, error) {
	n, err := parseUnsigned(value, field, u64Max, "u64")
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// ValidateU64 is ValidateAmount for fields that are not token amounts.
func ValidateU64(value, field string) (uint64, error) {
	return ValidateAmount(value, field)
}

// ValidateU128 parses an unsigned 128-bit value.
func ValidateU128(value, field string) (*big.Int, error) {
	return parseUnsigned(value, field, u128Max, "u128")
}

// ValidateI64 parses a signed 64-bit value.
func ValidateI64(value, field string) (int64, error) {
	n, err := parseSigned(value, field, i64Min, i64Max, "i64")
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// ValidateI128 parses a signed 128-bit value such as a trade size.
func ValidateI128(value, field string) (*big.Int, error) {
	return parseSigned(value, field, i128Min, i128Max, "i128")
}

// ValidateFeedID parses a 32-byte price feed id given as 64 hex characters,
// with or without a 0x prefix.
func ValidateFeedID(value, field string) ([32]byte, error) {
	var id [32]byte
	s := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if len(s) != 64 {
		return id, invalid(field, "must be 64 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, invalid(field, "%q is not valid hex", value)
	}
	copy(id[:], raw)
	return id, nil
}

func parseUnsigned(value, field string, max *big.Int, domain string) (*big.Int, error) {
	n, ok := parseInteger(value)
	if !ok {
		return nil, invalid(field, "%q is not a valid number. Use decimal digits only.", value)
	}
	if n.Sign() < 0 {
		return nil, invalid(field, "must be non-negative, got %s", n)
	}
	if n.Cmp(max) > 0 {
		return nil, invalid(field, "must be <= %s (%s max), got %s", max, domain, n)
	}
	return n, nil
}

func parseSigned(value, field string, min, max *big.Int, domain string) (*big.Int, error) {
	n, ok := parseInteger(value)
	if !ok {
		return nil, invalid(field,
			"%q is not a valid number. Use decimal digits only, with optional leading minus.", value)
	}
	if n.Cmp(min) < 0 {
		return nil, invalid(field, "must be >= %s (%s min), got %s", min, domain, n)
	}
	if n.Cmp(max) > 0 {
		return nil, invalid(field, "must be <= %s (%s max), got %s", max, domain, n)
	}
	return n, nil
}

// parseInteger accepts an optionally signed base-10 integer with surrounding
// whitespace. Empty strings, fractions and exponents are rejected.
func parseInteger(value string) (*big.Int, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}
