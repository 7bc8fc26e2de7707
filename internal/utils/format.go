package utils

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatSats formats satoshi amounts in a human-readable way. Negative
// amounts keep their sign, so net transaction values read naturally.
func FormatSats(amount int64) string {
	sign := ""
	magnitude := amount
	if amount < 0 {
		sign = "-"
		magnitude = -amount
	}

	switch {
	case magnitude >= 100000000:
		// Show in BTC for amounts >= 1 BTC
		return sign + decimal.New(magnitude, -8).StringFixed(8) + " BTC"
	case magnitude >= 1000000:
		return fmt.Sprintf("%s%.2fM sats", sign, float64(magnitude)/1000000)
	case magnitude >= 1000:
		return fmt.Sprintf("%s%.1fK sats", sign, float64(magnitude)/1000)
	}
	return fmt.Sprintf("%s%d sats", sign, magnitude)
}

// FormatSignedSats is FormatSats with an explicit plus for incoming amounts
func FormatSignedSats(amount int64) string {
	if amount > 0 {
		return "+" + FormatSats(amount)
	}
	return FormatSats(amount)
}

// TruncateMiddle shortens long identifiers such as txids and payment codes
// to their first and last n characters.
func TruncateMiddle(s string, n int) string {
	if len(s) <= 2*n+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}
