package config

import (
	"Percolator/internal/abi"
	"Percolator/internal/validation"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// MarketFile is one market's address record. The keys match the JSON files
// written by the deployment scripts, which YAML also reads.
type MarketFile struct {
	Name             string   `yaml:"name"`
	ProgramID        string   `yaml:"programId"`
	MatcherProgramID string   `yaml:"matcherProgramId"`
	Slab             string   `yaml:"slab"`
	Mint             string   `yaml:"mint"`
	Vault            string   `yaml:"vault"`
	VaultPDA         string   `yaml:"vaultPda"`
	Oracle           string   `yaml:"oracle"`
	OracleType       string   `yaml:"oracleType"`
	Inverted         bool     `yaml:"inverted"`
	LP               *LPFile  `yaml:"lp"`
	VammLP           *LPFile  `yaml:"vammLp"`
	ExtraLPs         []LPFile `yaml:"lps"`
}

// LPFile is one liquidity provider entry.
type LPFile struct {
	Index          uint16 `yaml:"index"`
	PDA            string `yaml:"pda"`
	MatcherContext string `yaml:"matcherContext"`
}

// Market is a validated market address record.
type Market struct {
	Name           string
	ProgramID      solana.PublicKey
	MatcherProgram solana.PublicKey
	Slab           solana.PublicKey
	Mint           solana.PublicKey
	Vault          solana.PublicKey
	VaultPDA       solana.PublicKey
	VaultBump      uint8
	Oracle         solana.PublicKey
	OracleType     string
	Inverted       bool
	LPs            []LP
}

// LP is a validated liquidity provider entry.
type LP struct {
	Index          uint16
	PDA            solana.PublicKey
	MatcherContext solana.PublicKey
}

// LoadMarkets reads a market address file. The file holds either a single
// market record or a list under "markets".
func LoadMarkets(path string) ([]Market, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read markets file: %w", err)
	}
	return ParseMarkets(data)
}

// ParseMarkets decodes and validates market records.
func ParseMarkets(data []byte) ([]Market, error) {
	var doc struct {
		Markets []MarketFile `yaml:"markets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse markets file: %w", err)
	}
	if len(doc.Markets) == 0 {
		var single MarketFile
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("failed to parse markets file: %w", err)
		}
		if single.Slab == "" {
			return nil, fmt.Errorf("markets file lists no markets")
		}
		doc.Markets = []MarketFile{single}
	}

	seen := make(map[solana.PublicKey]bool, len(doc.Markets))
	markets := make([]Market, 0, len(doc.Markets))
	for i, mf := range doc.Markets {
		m, err := mf.Resolve()
		if err != nil {
			return nil, fmt.Errorf("market %d (%s): %w", i, mf.Name, err)
		}
		if seen[m.Slab] {
			return nil, fmt.Errorf("market %d (%s): duplicate slab %s", i, mf.Name, m.Slab)
		}
		seen[m.Slab] = true
		markets = append(markets, m)
	}
	return markets, nil
}

// Resolve parses every key and checks the derived addresses. The vault PDA
// and LP PDAs must match what the program derives from the slab.
func (mf MarketFile) Resolve() (Market, error) {
	var err error
	m := Market{Name: mf.Name, OracleType: mf.OracleType, Inverted: mf.Inverted}

	required := []struct {
		field string
		value string
		dst   *solana.PublicKey
	}{
		{"programId", mf.ProgramID, &m.ProgramID},
		{"slab", mf.Slab, &m.Slab},
		{"mint", mf.Mint, &m.Mint},
		{"vault", mf.Vault, &m.Vault},
		{"oracle", mf.Oracle, &m.Oracle},
	}
	for _, r := range required {
		if *r.dst, err = validation.ValidatePublicKey(r.value, r.field); err != nil {
			return Market{}, err
		}
	}
	if mf.MatcherProgramID != "" {
		if m.MatcherProgram, err = validation.ValidatePublicKey(mf.MatcherProgramID, "matcherProgramId"); err != nil {
			return Market{}, err
		}
	}

	m.VaultPDA, m.VaultBump, err = abi.DeriveVaultAuthority(m.ProgramID, m.Slab)
	if err != nil {
		return Market{}, err
	}
	if mf.VaultPDA != "" {
		given, err := validation.ValidatePublicKey(mf.VaultPDA, "vaultPda")
		if err != nil {
			return Market{}, err
		}
		if given != m.VaultPDA {
			return Market{}, fmt.Errorf("vaultPda %s does not match derived %s", given, m.VaultPDA)
		}
	}

	var lps []LPFile
	if mf.LP != nil {
		lps = append(lps, *mf.LP)
	}
	if mf.VammLP != nil {
		lps = append(lps, *mf.VammLP)
	}
	lps = append(lps, mf.ExtraLPs...)

	for _, lf := range lps {
		lp := LP{Index: lf.Index}
		if lf.MatcherContext != "" {
			if lp.MatcherContext, err = validation.ValidatePublicKey(lf.MatcherContext, "matcherContext"); err != nil {
				return Market{}, err
			}
		}
		derived, _, err := abi.DeriveLPPda(m.ProgramID, m.Slab, lf.Index)
		if err != nil {
			return Market{}, err
		}
		if lf.PDA != "" {
			given, err := validation.ValidatePublicKey(lf.PDA, "pda")
			if err != nil {
				return Market{}, err
			}
			if given != derived {
				return Market{}, fmt.Errorf("lp %d pda %s does not match derived %s", lf.Index, given, derived)
			}
		}
		lp.PDA = derived
		m.LPs = append(m.LPs, lp)
	}
	return m, nil
}

// SlabAddresses returns the base58 slab keys of markets.
func SlabAddresses(markets []Market) []string {
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		out = append(out, m.Slab.String())
	}
	return out
}
