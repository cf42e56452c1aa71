// Package domain provides core domain models and types.
package domain

import "strings"

// Market identifies the exchange a symbol trades on.
type Market string

const (
	// MarketSH is the Shanghai Stock Exchange.
	MarketSH Market = "SH"
	// MarketSZ is the Shenzhen Stock Exchange.
	MarketSZ Market = "SZ"
	// MarketBJ is the Beijing Stock Exchange.
	MarketBJ Market = "BJ"
	// MarketUnknown marks codes whose exchange could not be derived.
	MarketUnknown Market = "UNK"
)

// HS300IndexCode is the CSI 300 index, synced alongside equities.
const HS300IndexCode = "000300.SH"

// NormalizeCode canonicalizes a stock code to the CODE.MKT form.
//
// A bare 6-digit code gets its exchange inferred from the first digit:
// 6 is Shanghai, 0 and 3 are Shenzhen, 4/8/9 are Beijing. Input that
// already carries a dot suffix is uppercased and passed through. Anything
// else is returned trimmed and uppercased with MarketUnknown.
//
// The function is idempotent: normalizing an already-normalized code
// returns it unchanged.
func NormalizeCode(raw string) (string, Market) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", MarketUnknown
	}

	if i := strings.LastIndex(code, "."); i >= 0 {
		return code, marketFromSuffix(code[i+1:])
	}

	if len(code) == 6 && isDigits(code) {
		switch code[0] {
		case '6':
			return code + ".SH", MarketSH
		case '0', '3':
			return code + ".SZ", MarketSZ
		case '4', '8', '9':
			return code + ".BJ", MarketBJ
		}
	}

	return code, MarketUnknown
}

// PureCode strips the exchange suffix, returning the bare numeric code.
func PureCode(code string) string {
	if i := strings.LastIndex(code, "."); i >= 0 {
		return code[:i]
	}
	return code
}

// MarketOf returns the market a normalized code belongs to.
func MarketOf(code string) Market {
	if i := strings.LastIndex(code, "."); i >= 0 {
		return marketFromSuffix(code[i+1:])
	}
	return MarketUnknown
}

func marketFromSuffix(suffix string) Market {
	switch Market(suffix) {
	case MarketSH, MarketSZ, MarketBJ:
		return Market(suffix)
	default:
		return MarketUnknown
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
