package domain

import "strings"

// Canonical symbols look like "BTC/USDT". Every adapter converts its venue
// notation to and from this form at the boundary.

// knownQuotes is checked longest-first so "BTCUSDT" splits as BTC/USDT, not BTCU/SDT.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "FDUSD", "TUSD", "EUR", "TRY", "BTC", "ETH", "BNB", "USD", "DAI"}

// Canonical joins base and quote into "BASE/QUOTE".
func Canonical(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

// SplitSymbol splits a canonical symbol.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}

// NormalizeSymbol accepts the common venue notations (BTCUSDT, btcusdt,
// BTC-USDT, BTC_USDT, BTC/USDT) and returns the canonical form.
func NormalizeSymbol(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	for _, sep := range []string{"/", "-", "_"} {
		if base, quote, ok := strings.Cut(s, sep); ok {
			if base == "" || quote == "" {
				return "", false
			}
			return base + "/" + quote, true
		}
	}
	best := ""
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) && len(q) > len(best) {
			best = q
		}
	}
	if best == "" {
		return "", false
	}
	return s[:len(s)-len(best)] + "/" + best, true
}

// JoinSymbol renders a canonical symbol with a venue separator, e.g. "-" for
// BTC-USDT or "" for BTCUSDT. lower selects lowercase output.
func JoinSymbol(symbol, sep string, lower bool) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return symbol
	}
	out := base + sep + quote
	if lower {
		return strings.ToLower(out)
	}
	return out
}
