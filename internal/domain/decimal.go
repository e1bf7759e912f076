package domain

import (
	"math/big"
	"strings"
)

// ParseDecimal reads a human-formatted number such as "$65,000.12" or
// "1.5e3". Thousands separators, surrounding spaces and a leading "$" are
// dropped. Fractions ("1/3") and base-prefixed forms ("0x1p4") are refused.
// It returns the value and the cleaned text.
func ParseDecimal(s string) (*big.Rat, string, bool) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	clean = strings.TrimSpace(strings.TrimPrefix(clean, "$"))
	if clean == "" || strings.IndexFunc(clean, notDecimal) >= 0 {
		return nil, "", false
	}
	r, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, "", false
	}
	return r, clean, true
}

func notDecimal(c rune) bool {
	switch {
	case c >= '0' && c <= '9':
		return false
	case c == '.', c == '-', c == '+', c == 'e', c == 'E':
		return false
	}
	return true
}
