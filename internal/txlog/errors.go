package txlog

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
)

// ProgramError is a decoded custom program error.
type ProgramError struct {
	Code uint32
	Name string
	Hint string
}

func (e ProgramError) Error() string {
	return fmt.Sprintf("%s (0x%x)", e.Name, e.Code)
}

// Known reports whether the code is in the program's error table.
func (e ProgramError) Known() bool {
	_, ok := programErrors[e.Code]
	return ok
}

type errorInfo struct {
	name string
	hint string
}

var programErrors = map[uint32]errorInfo{
	0:  {"InvalidMagic", "The slab account has invalid data. Ensure you're using the correct slab address."},
	1:  {"InvalidVersion", "Slab version mismatch. The program may have been upgraded. Check for client updates."},
	2:  {"AlreadyInitialized", "This account is already initialized. Use a different account or skip initialization."},
	3:  {"NotInitialized", "The slab is not initialized. Run 'init-market' first."},
	4:  {"InvalidSlabLen", "Slab account has wrong size. Create a new slab account with correct size."},
	5:  {"InvalidOracleKey", "Oracle account doesn't match config. Check the oracle parameter matches the market's oracle."},
	6:  {"OracleStale", "Oracle price is too old. Wait for oracle to update or check if oracle is paused."},
	7:  {"OracleConfTooWide", "Oracle confidence interval is too wide. Wait for more stable market conditions."},
	8:  {"InvalidVaultAta", "Vault token account is invalid. Check the vault account is correctly configured."},
	9:  {"InvalidMint", "Token mint doesn't match. Ensure you're using the correct collateral token."},
	10: {"ExpectedSigner", "Missing required signature. Ensure the correct wallet is specified."},
	11: {"ExpectedWritable", "Account must be writable. This is likely a client bug, please report it."},
	12: {"OracleInvalid", "Oracle data is invalid. Check the oracle account is a valid Pyth price feed."},
	13: {"EngineInsufficientBalance", "Not enough collateral. Deposit more with 'deposit' before this operation."},
	14: {"EngineUndercollateralized", "Account is undercollateralized. Deposit more collateral or reduce position size."},
	15: {"EngineUnauthorized", "Not authorized. You must be the account owner or admin for this operation."},
	16: {"EngineInvalidMatchingEngine", "Matcher program/context doesn't match LP config. Check the matcher program and context."},
	17: {"EnginePnlNotWarmedUp", "PnL not warmed up yet. Wait for the warmup period to complete before trading."},
	18: {"EngineOverflow", "Numeric overflow in calculation. Try a smaller amount or position size."},
	19: {"EngineAccountNotFound", "Account not found at this index. Run 'init-user' or 'init-lp' first, or check the index."},
	20: {"EngineNotAnLPAccount", "Expected an LP account but got a user account. Check the LP index."},
	21: {"EnginePositionSizeMismatch", "Position size mismatch between user and LP. This shouldn't happen, please report it."},
	22: {"EngineRiskReductionOnlyMode", "Market is in risk-reduction mode. Only position-reducing trades are allowed."},
	23: {"EngineAccountKindMismatch", "Wrong account type. User operations require user accounts, LP operations require LP accounts."},
	24: {"InvalidTokenAccount", "Token account is invalid. Ensure you have an ATA for the collateral mint."},
	25: {"InvalidTokenProgram", "Invalid token program. Ensure SPL Token program is accessible."},
}

var userMessages = map[uint32]string{
	6:  "Oracle price is outdated. Try again shortly.",
	13: "Not enough collateral. Deposit more SOL.",
	14: "This trade exceeds your margin limit.",
	17: "PnL not warmed up yet. Please wait.",
	19: "Account not found. Initialize your account first.",
	22: "Risk-reduction mode: only closing trades allowed.",
}

// Decode looks code up in the error table. Unknown codes yield the name
// Unknown(<code>) and an empty hint.
func Decode(code uint32) ProgramError {
	if info, ok := programErrors[code]; ok {
		return ProgramError{Code: code, Name: info.name, Hint: info.hint}
	}
	return ProgramError{Code: code, Name: fmt.Sprintf("Unknown(%d)", code)}
}

// ErrorCodes returns every known code in ascending order.
func ErrorCodes() []uint32 {
	codes := make([]uint32, 0, len(programErrors))
	for code := uint32(0); len(codes) < len(programErrors); code++ {
		if _, ok := programErrors[code]; ok {
			codes = append(codes, code)
		}
	}
	return codes
}

var customErrorPattern = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)

// ParseErrorFromLogs returns the first custom program error found in logs.
// A code wider than 32 bits is reported as unknown with Code set to
// math.MaxUint32 and the full value in the name.
func ParseErrorFromLogs(logs []string) (ProgramError, bool) {
	for _, line := range logs {
		m := customErrorPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		code, err := strconv.ParseUint(m[1], 16, 32)
		if err != nil {
			wide, _ := new(big.Int).SetString(m[1], 16)
			return ProgramError{Code: math.MaxUint32, Name: fmt.Sprintf("Unknown(%s)", wide)}, true
		}
		return Decode(uint32(code)), true
	}
	return ProgramError{}, false
}

// UserMessage returns the short end-user text for code, falling back to the
// hint and then the name.
func UserMessage(code uint32) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	pe := Decode(code)
	if pe.Hint != "" {
		return pe.Hint
	}
	return pe.Name
}
