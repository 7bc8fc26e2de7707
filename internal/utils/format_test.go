package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSats(t *testing.T) {
	tests := []struct {
		amount   int64
		expected string
	}{
		{0, "0 sats"},
		{999, "999 sats"},
		{1500, "1.5K sats"},
		{2500000, "2.50M sats"},
		{150000000, "1.50000000 BTC"},
		{-60000, "-60.0K sats"},
		{-100000000, "-1.00000000 BTC"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatSats(tt.amount))
		})
	}
}

func TestFormatSignedSats(t *testing.T) {
	assert.Equal(t, "+50.0K sats", FormatSignedSats(50000))
	assert.Equal(t, "-1 sats", FormatSignedSats(-1))
	assert.Equal(t, "0 sats", FormatSignedSats(0))
}

func TestTruncateMiddle(t *testing.T) {
	assert.Equal(t, "short", TruncateMiddle("short", 4))
	assert.Equal(t, "abcd...wxyz", TruncateMiddle("abcdefghijklmnopqrstuvwxyz", 4))
}
