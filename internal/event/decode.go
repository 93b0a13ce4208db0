package event

import (
	"encoding/json"
	"fmt"
)

// Decode rebuilds a typed event from an archived payload.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeMarketUpdated:
		evt = &MarketUpdated{}
	case EventTypeCrankAdvanced:
		evt = &CrankAdvanced{}
	case EventTypeAccountOpened:
		evt = &AccountOpened{}
	case EventTypeAccountClosed:
		evt = &AccountClosed{}
	case EventTypePositionChanged:
		evt = &PositionChanged{}
	case EventTypeLiquidationTriggered:
		evt = &LiquidationTriggered{}
	case EventTypeLiquidationCleared:
		evt = &LiquidationCleared{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
