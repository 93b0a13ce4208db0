package slab

import (
	"fmt"
	"sort"
)

// Snapshot is a fully decoded, point-in-time view of a slab.
type Snapshot struct {
	Layout    Layout
	Header    Header
	Config    MarketConfig
	Engine    EngineState
	Insurance InsuranceFund
	Params    RiskParams
	Accounts  []IndexedAccount
}

// Parse decodes every section and all occupied slots. Either the whole
// snapshot is valid or an error is returned.
func Parse(buf []byte) (*Snapshot, error) {
	layout, err := layoutOf(buf)
	if err != nil {
		return nil, err
	}

	header, err := ParseHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	cfg, err := ParseConfig(buf)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	engine, err := ParseEngine(buf)
	if err != nil {
		return nil, fmt.Errorf("parse engine: %w", err)
	}
	insurance, err := ParseInsuranceFund(buf)
	if err != nil {
		return nil, fmt.Errorf("parse insurance fund: %w", err)
	}
	params, err := ParseParams(buf)
	if err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	accounts, err := ParseAllAccounts(buf)
	if err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}

	return &Snapshot{
		Layout:    layout,
		Header:    header,
		Config:    cfg,
		Engine:    engine,
		Insurance: insurance,
		Params:    params,
		Accounts:  accounts,
	}, nil
}

// Account looks up an occupied slot by index.
func (s *Snapshot) Account(index int) (Account, bool) {
	i := sort.Search(len(s.Accounts), func(i int) bool { return s.Accounts[i].Index >= index })
	if i < len(s.Accounts) && s.Accounts[i].Index == index {
		return s.Accounts[i].Account, true
	}
	return Account{}, false
}

// UsedCount returns the number of occupied slots.
func (s *Snapshot) UsedCount() int {
	return len(s.Accounts)
}
