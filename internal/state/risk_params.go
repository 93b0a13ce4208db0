package state

import (
	"Percolator/internal/abi"
	"Percolator/internal/slab"
	"fmt"
)

const maxBps = 10_000

// ValidateRiskParams checks InitMarket arguments before they are sent:
// mm > 0, im > mm, im <= 100%, fees and buffers within 100%, a capacity the
// program can be deployed with, and an initial mark price for markets
// without a price feed.
func ValidateRiskParams(ix *abi.InitMarket) error {
	if ix.MaintenanceMarginBps == 0 {
		return fmt.Errorf("maintenance_margin_bps must be > 0")
	}
	if ix.InitialMarginBps <= ix.MaintenanceMarginBps {
		return fmt.Errorf("initial_margin_bps (%d) must be > maintenance_margin_bps (%d)",
			ix.InitialMarginBps, ix.MaintenanceMarginBps)
	}
	if ix.InitialMarginBps > maxBps {
		return fmt.Errorf("initial_margin_bps must be <= %d, got %d", maxBps, ix.InitialMarginBps)
	}
	if ix.TradingFeeBps > maxBps {
		return fmt.Errorf("trading_fee_bps must be <= %d, got %d", maxBps, ix.TradingFeeBps)
	}
	if ix.LiquidationFeeBps > maxBps {
		return fmt.Errorf("liquidation_fee_bps must be <= %d, got %d", maxBps, ix.LiquidationFeeBps)
	}
	if ix.LiquidationBufferBps > maxBps {
		return fmt.Errorf("liquidation_buffer_bps must be <= %d, got %d", maxBps, ix.LiquidationBufferBps)
	}
	if ix.ConfFilterBps > maxBps {
		return fmt.Errorf("conf_filter_bps must be <= %d, got %d", maxBps, ix.ConfFilterBps)
	}
	if !validCapacity(ix.MaxAccounts) {
		return fmt.Errorf("max_accounts must be one of %d, %d, %d, got %d",
			slab.CapacitySmall, slab.CapacityMedium, slab.CapacityLarge, ix.MaxAccounts)
	}
	if ix.IndexFeedID == [32]byte{} && ix.InitialMarkPriceE6 == 0 {
		return fmt.Errorf("initial_mark_price_e6 must be > 0 for a market without a price feed")
	}
	return nil
}

// ValidateSlabParams sanity-checks risk parameters read from a slab.
func ValidateSlabParams(p slab.RiskParams) error {
	if p.MaintenanceMarginBps == 0 {
		return fmt.Errorf("maintenance_margin_bps is 0")
	}
	if p.InitialMarginBps < p.MaintenanceMarginBps {
		return fmt.Errorf("initial_margin_bps (%d) < maintenance_margin_bps (%d)",
			p.InitialMarginBps, p.MaintenanceMarginBps)
	}
	if p.InitialMarginBps > maxBps {
		return fmt.Errorf("initial_margin_bps %d exceeds 100%%", p.InitialMarginBps)
	}
	return nil
}

func validCapacity(n uint64) bool {
	switch n {
	case slab.CapacitySmall, slab.CapacityMedium, slab.CapacityLarge:
		return true
	default:
		return false
	}
}
