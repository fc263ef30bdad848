package schema

import "github.com/shopspring/decimal"

// StrategyStatus is the lifecycle status of a strategy. Transitions are
// monotonic except an explicit resume back to active.
type StrategyStatus uint8

const (
	StrategyStatusUnknown StrategyStatus = iota
	StrategyStatusActive
	StrategyStatusStopping
	StrategyStatusInactive
)

func (s StrategyStatus) String() string {
	switch s {
	case StrategyStatusActive:
		return "active"
	case StrategyStatusStopping:
		return "stopping"
	case StrategyStatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// ParseStrategyStatus decodes a status from its stored form.
func ParseStrategyStatus(s string) StrategyStatus {
	switch s {
	case "active":
		return StrategyStatusActive
	case "stopping":
		return StrategyStatusStopping
	case "inactive":
		return StrategyStatusInactive
	default:
		return StrategyStatusUnknown
	}
}

// UnknownStrategy is the bucket for fills and positions that cannot be
// attributed to a registered strategy.
const UnknownStrategy = "unknown"

// Strategy is the durable record of a trading strategy.
type Strategy struct {
	Name           string
	Capital        decimal.Decimal
	InitialCapital decimal.Decimal
	Status         StrategyStatus
}
