package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// AccountRole is one positional account an instruction expects.
type AccountRole struct {
	Name     string
	Signer   bool
	Writable bool
}

func signerW(name string) AccountRole { return AccountRole{Name: name, Signer: true, Writable: true} }
func signer(name string) AccountRole { return AccountRole{Name: name, Signer: true} }
func writable(name string) AccountRole { return AccountRole{Name: name, Writable: true} }
func readonly(name string) AccountRole { return AccountRole{Name: name} }

var (
	fundingRoles = []AccountRole{
		signer("user"), writable("slab"), writable("userAta"), writable("vault"), readonly("tokenProgram"),
	}
	withdrawRoles = []AccountRole{
		signer("user"), writable("slab"), writable("vault"), writable("userAta"),
		readonly("vaultPda"), readonly("tokenProgram"), readonly("clock"), readonly("oracle"),
	}
	crankRoles = []AccountRole{
		signer("caller"), writable("slab"), readonly("clock"), readonly("oracle"),
	}
	adminRoles = []AccountRole{
		signer("admin"), writable("slab"),
	}
)

var accountSpecs = map[Kind][]AccountRole{
	KindInitMarket: {
		signerW("admin"), writable("slab"), readonly("mint"), writable("vault"),
		readonly("tokenProgram"), readonly("clock"), readonly("rent"), readonly("vaultPda"),
		readonly("systemProgram"),
	},
	KindInitUser:       fundingRoles,
	KindInitLP:         fundingRoles,
	KindTopUpInsurance: fundingRoles,
	KindDepositCollateral: {
		signer("user"), writable("slab"), writable("userAta"), writable("vault"),
		readonly("tokenProgram"), readonly("clock"),
	},
	KindWithdrawCollateral: withdrawRoles,
	KindCloseAccount:       withdrawRoles,
	KindKeeperCrank:        crankRoles,
	KindLiquidateAtOracle:  crankRoles,
	KindTradeNoCpi: {
		signer("user"), signer("lp"), writable("slab"), readonly("clock"), readonly("oracle"),
	},
	KindTradeCpi: {
		signer("user"), readonly("lpOwner"), writable("slab"), readonly("clock"), readonly("oracle"),
		readonly("matcherProgram"), writable("matcherContext"), readonly("lpPda"),
	},
	KindSetRiskThreshold: adminRoles,
	KindUpdateAdmin:      adminRoles,
	KindUpdateConfig:     adminRoles,
}

// AccountSpec returns the ordered account roles for kind, or nil for an
// unknown kind. The returned slice is a copy.
func AccountSpec(kind Kind) []AccountRole {
	roles, ok := accountSpecs[kind]
	if !ok {
		return nil
	}
	out := make([]AccountRole, len(roles))
	copy(out, roles)
	return out
}

// BuildAccountMetas binds keys to the roles of kind positionally.
func BuildAccountMetas(kind Kind, keys []solana.PublicKey) (solana.AccountMetaSlice, error) {
	roles, ok := accountSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint8(kind))
	}
	if len(keys) != len(roles) {
		return nil, fmt.Errorf("%s expects %d accounts, got %d", kind, len(roles), len(keys))
	}

	metas := make(solana.AccountMetaSlice, len(roles))
	for i, role := range roles {
		metas[i] = solana.NewAccountMeta(keys[i], role.Writable, role.Signer)
	}
	return metas, nil
}

// WellKnown holds the fixed program and sysvar addresses instructions
// reference.
var WellKnown = struct {
	TokenProgram  solana.PublicKey
	Clock         solana.PublicKey
	Rent          solana.PublicKey
	SystemProgram solana.PublicKey
}{
	TokenProgram:  solana.TokenProgramID,
	Clock:         solana.SysVarClockPubkey,
	Rent:          solana.SysVarRentPubkey,
	SystemProgram: solana.SystemProgramID,
}

// NewInstruction encodes ix and binds keys into a ready-to-sign instruction.
func NewInstruction(programID solana.PublicKey, ix Instruction, keys []solana.PublicKey) (solana.Instruction, error) {
	data, err := Encode(ix)
	if err != nil {
		return nil, err
	}
	metas, err := BuildAccountMetas(ix.Kind(), keys)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, metas, data), nil
}

// DeriveVaultAuthority returns the PDA that owns the collateral vault.
func DeriveVaultAuthority(programID, slab solana.PublicKey) (solana.PublicKey, uint8, error) {
	pda, bump, err := solana.FindProgramAddress([][]byte{[]byte("vault"), slab[:]}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive vault authority: %w", err)
	}
	return pda, bump, nil
}

// DeriveLPPda returns the PDA that signs matcher calls for the LP at lpIdx.
func DeriveLPPda(programID, slab solana.PublicKey, lpIdx uint16) (solana.PublicKey, uint8, error) {
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], lpIdx)
	pda, bump, err := solana.FindProgramAddress([][]byte{[]byte("lp"), slab[:], idx[:]}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive lp pda: %w", err)
	}
	return pda, bump, nil
}
