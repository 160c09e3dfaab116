package symbols

import "strings"

// Assets whose perpetual contracts are quoted per thousand units.
var thousandContracts = map[string]bool{
	"BONK":  true,
	"PEPE":  true,
	"SHIB":  true,
	"FLOKI": true,
}

// ForVenue converts a base asset such as "BTC" into the instrument symbol the
// venue expects. Supported venues: binance, binance-spot, bybit, kucoin,
// hyperliquid, coinbase. Unknown venues get the Binance linear form.
func ForVenue(exchange, asset string) string {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	switch strings.ToLower(exchange) {
	case "binance":
		if thousandContracts[asset] {
			return "1000" + asset + "USDT"
		}
		return asset + "USDT"
	case "binance-spot":
		return asset + "USDT"
	case "bybit":
		if asset == "SHIB" {
			return "SHIB1000USDT"
		}
		if thousandContracts[asset] {
			return "1000" + asset + "USDT"
		}
		return asset + "USDT"
	case "kucoin":
		if asset == "BTC" {
			asset = "XBT"
		}
		return asset + "USDTM"
	case "hyperliquid":
		if thousandContracts[asset] {
			return "k" + asset
		}
		return asset
	case "coinbase":
		return asset + "-USD"
	default:
		return asset + "USDT"
	}
}

// Asset converts a venue instrument symbol back into its base asset.
func Asset(exchange, sym string) string {
	sym = strings.TrimSpace(sym)
	switch strings.ToLower(exchange) {
	case "hyperliquid":
		if strings.HasPrefix(sym, "k") && thousandContracts[strings.ToUpper(sym[1:])] {
			sym = sym[1:]
		}
		return strings.ToUpper(sym)
	case "coinbase":
		sym = strings.ToUpper(sym)
		if i := strings.Index(sym, "-"); i > 0 {
			return sym[:i]
		}
		return sym
	case "kucoin":
		sym = strings.ToUpper(strings.ReplaceAll(sym, "-", ""))
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "bybit":
		sym = strings.ToUpper(sym)
		if sym == "SHIB1000USDT" {
			return "SHIB"
		}
	default:
		sym = strings.ToUpper(sym)
	}
	sym = strings.TrimPrefix(sym, "1000")
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return strings.TrimSuffix(sym, quote)
		}
	}
	return sym
}
