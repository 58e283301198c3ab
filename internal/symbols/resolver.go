// Package symbols normalizes requested tickers into canonical form and an
// ordered list of upstream spelling candidates. The upstream broker exposes
// some instruments under a suffixed spelling (e.g. "EURUSDm" for the micro
// account class), and history requests must try both before giving up.
package symbols

import "strings"

// brokerSuffix is the known account-class suffix the upstream broker appends
// to some instrument spellings.
const brokerSuffix = "m"

// Instrument classes, used for display precision only.
const (
	TypeForex  = "forex"
	TypeCrypto = "crypto"
	TypeIndex  = "index"
	TypeStock  = "stock"
)

// Info is the resolved metadata for a requested ticker.
type Info struct {
	Canonical  string   // normalized spelling, suffix stripped, upper case
	Candidates []string // upstream spellings to try, in order
	Type       string
	PriceScale int // 10^decimals for display
}

// currencyCodes recognises the majors plus metals; a 6-char ticker that
// splits into two of these is classified as forex.
var currencyCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SGD": true, "HKD": true,
	"SEK": true, "NOK": true, "DKK": true, "PLN": true, "ZAR": true,
	"MXN": true, "TRY": true, "CNH": true, "XAU": true, "XAG": true,
}

var cryptoBases = map[string]bool{
	"BTC": true, "ETH": true, "LTC": true, "XRP": true, "SOL": true,
	"ADA": true, "DOT": true, "DOGE": true, "BNB": true,
}

var indexNames = map[string]bool{
	"US30": true, "US500": true, "USTEC": true, "NAS100": true,
	"SPX500": true, "GER40": true, "UK100": true, "JPN225": true,
	"AUS200": true, "FRA40": true, "HK50": true,
}

// Resolve normalizes a requested ticker. Pure, no I/O; input that matches no
// known pattern comes back unchanged as a single-candidate stock.
func Resolve(requested string) Info {
	trimmed := strings.TrimSpace(requested)
	if trimmed == "" {
		return Info{Canonical: requested, Candidates: []string{requested}, Type: TypeStock, PriceScale: 100}
	}

	canonical := strings.ToUpper(trimmed)
	hadSuffix := false
	if len(trimmed) > len(brokerSuffix) && strings.HasSuffix(trimmed, brokerSuffix) {
		canonical = strings.ToUpper(trimmed[:len(trimmed)-len(brokerSuffix)])
		hadSuffix = true
	}

	// Requested spelling first, then the suffix toggle.
	candidates := []string{trimmed}
	if hadSuffix {
		candidates = append(candidates, canonical)
	} else {
		candidates = append(candidates, canonical+brokerSuffix)
	}

	typ, scale := classify(canonical)
	return Info{
		Canonical:  canonical,
		Candidates: candidates,
		Type:       typ,
		PriceScale: scale,
	}
}

func classify(canonical string) (string, int) {
	if indexNames[canonical] {
		return TypeIndex, 100
	}
	for base := range cryptoBases {
		if strings.HasPrefix(canonical, base) {
			quote := canonical[len(base):]
			if quote == "USD" || quote == "USDT" || quote == "EUR" {
				return TypeCrypto, 100
			}
		}
	}
	if len(canonical) == 6 && currencyCodes[canonical[:3]] && currencyCodes[canonical[3:]] {
		// JPY-quoted pairs trade with 3 decimals, everything else with 5.
		if canonical[3:] == "JPY" {
			return TypeForex, 1000
		}
		return TypeForex, 100000
	}
	return TypeStock, 100
}
