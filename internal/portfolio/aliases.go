package portfolio

import "strings"

// FiatSymbols are the fiat currencies the converter can handle directly.
var FiatSymbols = []string{"EUR", "USD", "GBP"}

// StableCoins are excluded from top-N index candidates.
var StableCoins = []string{"USDT", "USDC", "BUSD", "TUSD", "DAI", "UST", "FDUSD"}

// providerAliases translates market-data provider symbols to the exchange's
// ticker convention before a snapshot is stored.
var providerAliases = map[string]string{
	"miota": "iota",
}

// Rebranding maps legacy tickers to their current names. Ledger rows still
// carrying the old ticker are rewritten on refresh.
var Rebranding = map[string]string{
	"NANO": "XNO",
}

// synonyms groups tickers that refer to the same coin across providers and
// rebrandings. Lookups that miss on the primary symbol fall back to the
// other members of its group.
var synonyms = [][]string{
	{"IOTA", "MIOTA"},
	{"XNO", "NANO"},
}

// IsFiat reports whether the symbol is a supported fiat currency.
func IsFiat(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, s := range FiatSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// IsStableCoin reports whether the symbol is a known stablecoin.
func IsStableCoin(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, s := range StableCoins {
		if s == symbol {
			return true
		}
	}
	return false
}

// AlternativeSymbols returns the other known tickers for a coin, for coins
// that rebranded or are listed under a different symbol by the provider.
func AlternativeSymbols(symbol string) []string {
	symbol = strings.ToUpper(symbol)
	for _, group := range synonyms {
		for _, member := range group {
			if member != symbol {
				continue
			}
			alternatives := make([]string, 0, len(group)-1)
			for _, alt := range group {
				if alt != symbol {
					alternatives = append(alternatives, alt)
				}
			}
			return alternatives
		}
	}
	return nil
}
