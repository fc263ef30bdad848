package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SecurityType classifies a tradable contract.
type SecurityType uint8

const (
	SecurityTypeUnknown SecurityType = iota
	SecurityTypeStock
	SecurityTypeOption
)

func (s SecurityType) String() string {
	switch s {
	case SecurityTypeStock:
		return "STK"
	case SecurityTypeOption:
		return "OPT"
	default:
		return "UNKNOWN"
	}
}

// ParseSecurityType decodes a security type from its wire form.
func ParseSecurityType(s string) SecurityType {
	switch strings.ToUpper(s) {
	case "STK", "STOCK":
		return SecurityTypeStock
	case "OPT", "OPTION":
		return SecurityTypeOption
	default:
		return SecurityTypeUnknown
	}
}

// Right is the option right. RightNone for non-option contracts.
type Right uint8

const (
	RightNone Right = iota
	RightCall
	RightPut
)

func (r Right) String() string {
	switch r {
	case RightCall:
		return "C"
	case RightPut:
		return "P"
	default:
		return ""
	}
}

// ParseRight decodes an option right from its wire form ("C"/"CALL"/"P"/"PUT").
func ParseRight(s string) (Right, error) {
	if s == "" {
		return RightNone, nil
	}
	switch s[0] {
	case 'C', 'c':
		return RightCall, nil
	case 'P', 'p':
		return RightPut, nil
	default:
		return RightNone, fmt.Errorf("unknown option right: %s", s)
	}
}

// Contract identifies a tradable instrument. Immutable once constructed and
// used as a lookup key for positions, orders and subscriptions.
type Contract struct {
	Symbol          string
	PrimaryExchange string
	SecType         SecurityType

	// Option fields. Zero values for stocks.
	Expiry     string
	Strike     decimal.Decimal
	Multiplier string
	Right      Right
}

// ContractKey is the canonical comparable identity of a contract.
type ContractKey string

// Key builds the canonical identity string for the contract.
func (c Contract) Key() ContractKey {
	if c.SecType == SecurityTypeOption {
		return ContractKey(fmt.Sprintf("OPT:%s:%s:%s:%s:%s:%s",
			c.Symbol, c.PrimaryExchange, c.Expiry, c.Strike.String(), c.Multiplier, c.Right))
	}
	return ContractKey(fmt.Sprintf("%s:%s:%s", c.SecType, c.Symbol, c.PrimaryExchange))
}

// Stock builds a stock contract.
func Stock(symbol, primaryExchange string) Contract {
	return Contract{
		Symbol:          symbol,
		PrimaryExchange: primaryExchange,
		SecType:         SecurityTypeStock,
	}
}

// Option builds an option contract.
func Option(symbol, primaryExchange, expiry string, strike decimal.Decimal, multiplier string, right Right) Contract {
	return Contract{
		Symbol:          symbol,
		PrimaryExchange: primaryExchange,
		SecType:         SecurityTypeOption,
		Expiry:          expiry,
		Strike:          strike,
		Multiplier:      multiplier,
		Right:           right,
	}
}
