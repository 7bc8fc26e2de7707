package bitcoin

import (
	"math"
	"time"
)

// averageBlockInterval is the empirical mean block interval, in seconds,
// used to extrapolate heights and times from the last known header.
const averageBlockInterval = 9.93 * 60

// Reference points used before any header has been seen.
var (
	referenceTimeBlock   = Block{Height: 624083, Time: 1585837504}
	referenceHeightBlock = Block{Height: 627179, Time: 1587570465}
)

// CalculateBlockTime estimates the Unix timestamp of a block at height,
// extrapolating from latest (or a fixed reference when latest is nil).
func CalculateBlockTime(latest *Block, height int64) int64 {
	base := referenceTimeBlock
	if latest != nil && latest.Height > 0 {
		base = *latest
	}
	return int64(math.Floor(float64(base.Time) + float64(height-base.Height)*averageBlockInterval))
}

// EstimateCurrentBlockHeight extrapolates the chain tip from latest (or a
// fixed reference when latest is nil) and the wall clock.
func EstimateCurrentBlockHeight(latest *Block, now time.Time) int64 {
	base := referenceHeightBlock
	if latest != nil && latest.Height > 0 {
		base = *latest
	}
	elapsed := float64(now.Unix() - base.Time)
	return base.Height + int64(math.Floor(elapsed/averageBlockInterval))
}

// EstimateConfirmations derives a confirmation count for a transaction mined
// at height. Unknown or mempool heights give 0; a height past the estimated
// tip gives 1.
func EstimateConfirmations(latest *Block, height int64, now time.Time) int64 {
	if height <= 0 {
		return 0
	}
	confirmations := EstimateCurrentBlockHeight(latest, now) - height
	if confirmations < 0 {
		confirmations = 1
	}
	return confirmations
}
