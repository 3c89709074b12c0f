package kraken

import (
	"fmt"
	"strings"
)

// quote currencies, longest first so USDT wins over USD
var quotes = []string{"USDT", "USDC", "USD", "EUR", "GBP", "BTC", "ETH", "DAI"}

// legacy asset codes used in REST result keys and some pairs
var assetAliases = map[string]string{
	"XBT":  "BTC",
	"XXBT": "BTC",
	"XDG":  "DOGE",
	"XXDG": "DOGE",
	"XETH": "ETH",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
}

// ToPair converts a canonical symbol (BTCUSDT) into a websocket pair
// (BTC/USDT). Input that already contains a slash is upper-cased and returned.
func ToPair(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(s, "/") {
		return s, nil
	}
	base, quote, ok := splitQuote(s)
	if !ok {
		return "", fmt.Errorf("kraken: cannot split %q into base and quote", symbol)
	}
	return base + "/" + quote, nil
}

// FromPair converts any Kraken spelling of a pair (BTC/USDT, XBT/USDT,
// XBTUSDT, XXBTZUSD) into the canonical symbol.
func FromPair(pair string) string {
	p := strings.ToUpper(strings.TrimSpace(pair))
	if base, quote, found := strings.Cut(p, "/"); found {
		return alias(base) + alias(quote)
	}
	// XXBTZUSD style: four-letter legacy base and quote
	if len(p) == 8 && (p[0] == 'X' || p[0] == 'Z') && (p[4] == 'X' || p[4] == 'Z') {
		if b, ok := assetAliases[p[:4]]; ok {
			return b + alias(p[4:])
		}
	}
	if base, quote, ok := splitQuote(p); ok {
		return alias(base) + quote
	}
	return p
}

// CanonicalSymbols maps configured pairs in any Kraken spelling onto the
// symbols trades are tagged with, dropping blanks and duplicates.
func CanonicalSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		c := FromPair(s)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func splitQuote(s string) (string, string, bool) {
	for _, q := range quotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}

func alias(asset string) string {
	if a, ok := assetAliases[asset]; ok {
		return a
	}
	return asset
}
