package abi

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// Kind is the leading tag byte of every instruction.
type Kind uint8

const (
	KindInitMarket         Kind = 0
	KindInitUser           Kind = 1
	KindInitLP             Kind = 2
	KindDepositCollateral  Kind = 3
	KindWithdrawCollateral Kind = 4
	KindKeeperCrank        Kind = 5
	KindTradeNoCpi         Kind = 6
	KindLiquidateAtOracle  Kind = 7
	KindCloseAccount       Kind = 8
	KindTopUpInsurance     Kind = 9
	KindTradeCpi           Kind = 10
	KindSetRiskThreshold   Kind = 11
	KindUpdateAdmin        Kind = 12
	KindUpdateConfig       Kind = 14
)

var kindNames = map[Kind]string{
	KindInitMarket:         "InitMarket",
	KindInitUser:           "InitUser",
	KindInitLP:             "InitLP",
	KindDepositCollateral:  "DepositCollateral",
	KindWithdrawCollateral: "WithdrawCollateral",
	KindKeeperCrank:        "KeeperCrank",
	KindTradeNoCpi:         "TradeNoCpi",
	KindLiquidateAtOracle:  "LiquidateAtOracle",
	KindCloseAccount:       "CloseAccount",
	KindTopUpInsurance:     "TopUpInsurance",
	KindTradeCpi:           "TradeCpi",
	KindSetRiskThreshold:   "SetRiskThreshold",
	KindUpdateAdmin:        "UpdateAdmin",
	KindUpdateConfig:       "UpdateConfig",
}

// commandNames are the kebab-case names used by compute budgets and logs.
var commandNames = map[Kind]string{
	KindInitMarket:         "init-market",
	KindInitUser:           "init-user",
	KindInitLP:             "init-lp",
	KindDepositCollateral:  "deposit",
	KindWithdrawCollateral: "withdraw",
	KindKeeperCrank:        "keeper-crank",
	KindTradeNoCpi:         "trade-nocpi",
	KindLiquidateAtOracle:  "liquidate-at-oracle",
	KindCloseAccount:       "close-account",
	KindTopUpInsurance:     "topup-insurance",
	KindTradeCpi:           "trade-cpi",
	KindSetRiskThreshold:   "set-risk-threshold",
	KindUpdateAdmin:        "update-admin",
	KindUpdateConfig:       "update-config",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Command returns the kebab-case command name, or "" for an unknown tag.
func (k Kind) Command() string {
	return commandNames[k]
}

// Valid reports whether k is a tag the program understands.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Kinds lists every supported instruction in tag order.
func Kinds() []Kind {
	return []Kind{
		KindInitMarket, KindInitUser, KindInitLP, KindDepositCollateral,
		KindWithdrawCollateral, KindKeeperCrank, KindTradeNoCpi, KindLiquidateAtOracle,
		KindCloseAccount, KindTopUpInsurance, KindTradeCpi, KindSetRiskThreshold,
		KindUpdateAdmin, KindUpdateConfig,
	}
}

// Instruction is the argument payload of one program instruction. The tag is
// written by Encode; implementations write only their fields.
type Instruction interface {
	Kind() Kind
	MarshalWithEncoder(enc *bin.Encoder) error
	UnmarshalWithDecoder(dec *bin.Decoder) error
}

var (
	ErrEmptyData     = errors.New("abi: empty instruction data")
	ErrUnknownTag    = errors.New("abi: unknown instruction tag")
	ErrTrailingBytes = errors.New("abi: trailing bytes after instruction")
)

// Encode serializes ix as tag byte followed by its fields.
func Encode(ix Instruction) ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBinEncoder(&buf)
	if err := enc.WriteUint8(uint8(ix.Kind())); err != nil {
		return nil, fmt.Errorf("encode %s tag: %w", ix.Kind(), err)
	}
	if err := ix.MarshalWithEncoder(enc); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ix.Kind(), err)
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for instructions built from trusted constants.
func MustEncode(ix Instruction) []byte {
	data, err := Encode(ix)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses instruction data produced by Encode. The payload must be
// consumed exactly.
func Decode(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	kind := Kind(data[0])
	ix := newInstruction(kind)
	if ix == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, data[0])
	}

	dec := bin.NewBinDecoder(data[1:])
	if err := ix.UnmarshalWithDecoder(dec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("decode %s: %w (%d)", kind, ErrTrailingBytes, dec.Remaining())
	}
	return ix, nil
}

func newInstruction(kind Kind) Instruction {
	switch kind {
	case KindInitMarket:
		return &InitMarket{}
	case KindInitUser:
		return &InitUser{}
	case KindInitLP:
		return &InitLP{}
	case KindDepositCollateral:
		return &DepositCollateral{}
	case KindWithdrawCollateral:
		return &WithdrawCollateral{}
	case KindKeeperCrank:
		return &KeeperCrank{}
	case KindTradeNoCpi:
		return &TradeNoCpi{}
	case KindLiquidateAtOracle:
		return &LiquidateAtOracle{}
	case KindCloseAccount:
		return &CloseAccount{}
	case KindTopUpInsurance:
		return &TopUpInsurance{}
	case KindTradeCpi:
		return &TradeCpi{}
	case KindSetRiskThreshold:
		return &SetRiskThreshold{}
	case KindUpdateAdmin:
		return &UpdateAdmin{}
	case KindUpdateConfig:
		return &UpdateConfig{}
	default:
		return nil
	}
}
