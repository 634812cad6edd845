package symbolcache

import (
	"regexp"
	"strings"
)

// Market is one of the markets inferMarket can resolve a symbol to.
type Market string

const (
	MarketHK Market = "HK"
	MarketUS Market = "US"
	MarketSZ Market = "SZ"
	MarketSH Market = "SH"
)

var fiveDigitRe = regexp.MustCompile(`^\d{5}$`)
var usTickerRe = regexp.MustCompile(`^[A-Z]{1,5}$`)

// InferMarket classifies a symbol by suffix and code-prefix precedence,
// evaluated top to bottom. It is shared by the tiered mapping cache, the
// smart cache orchestrator, and the background refresh scheduler.
func InferMarket(symbol string) Market {
	upper := strings.ToUpper(symbol)

	switch {
	case strings.Contains(upper, ".HK") || fiveDigitRe.MatchString(symbol):
		return MarketHK
	case usTickerRe.MatchString(upper):
		return MarketUS
	case strings.Contains(upper, ".SZ") || strings.HasPrefix(symbol, "00") || strings.HasPrefix(symbol, "30"):
		return MarketSZ
	case strings.Contains(upper, ".SH") || strings.HasPrefix(symbol, "60") || strings.HasPrefix(symbol, "68"):
		return MarketSH
	default:
		return MarketUS
	}
}
