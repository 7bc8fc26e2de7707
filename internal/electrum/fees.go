package electrum

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// blockVSize is the virtual size one block clears from the mempool
	blockVSize = 1000000
	// histogramCoarsening is the vsize each flattened sample stands for
	histogramCoarsening = 25000
	// maxSaneTopFeeRate bounds the top bucket of a trustworthy histogram
	maxSaneTopFeeRate = 1000
)

// FeeEstimates are fee rates in sat/vbyte
type FeeEstimates struct {
	Fast   int64 `json:"fast"`
	Medium int64 `json:"medium"`
	Slow   int64 `json:"slow"`
}

// FeeHistogramBucket is one [feeRate, vsize] pair of mempool.get_fee_histogram
type FeeHistogramBucket struct {
	FeeRate float64
	VSize   float64
}

// UnmarshalJSON decodes the two element array form
func (b *FeeHistogramBucket) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("fee histogram bucket has %d elements", len(pair))
	}
	b.FeeRate, b.VSize = pair[0], pair[1]
	return nil
}

// MarshalJSON encodes the two element array form
func (b FeeHistogramBucket) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{b.FeeRate, b.VSize})
}

// EstimateFeeFromHistogram derives the fee rate that gets into the next
// numberOfBlocks blocks. Buckets are taken highest fee first until their
// vsize fills the blocks, the last one clipped to fit. The result is the
// median of the vsize-weighted fee distribution, at least 1.
func EstimateFeeFromHistogram(numberOfBlocks int, histogram []FeeHistogramBucket) int64 {
	capacity := float64(blockVSize * numberOfBlocks)

	var used []FeeHistogramBucket
	total := 0.0
	for _, bucket := range histogram {
		stop := false
		if total+bucket.VSize >= capacity {
			bucket.VSize = capacity - total
			stop = true
		}
		used = append(used, bucket)
		total += bucket.VSize
		if stop {
			break
		}
	}

	var flat []float64
	for _, bucket := range used {
		n := int(math.Round(bucket.VSize / histogramCoarsening))
		for i := 0; i < n; i++ {
			flat = append(flat, bucket.FeeRate)
		}
	}
	sort.Float64s(flat)

	median := percentile(flat, 0.5)
	if median == 0 {
		median = 1
	}
	return int64(math.Round(median))
}

// percentile returns the p-th percentile of sorted values with linear
// interpolation between neighbours. An empty input gives 0.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	index := float64(len(sorted)-1) * p
	lower := int(math.Floor(index))
	upper := lower + 1
	weight := index - float64(lower)
	if upper >= len(sorted) {
		return sorted[lower]
	}
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// EstimateFee asks the server for the fee rate confirming within
// numberOfBlocks and converts BTC/kB to sat/byte. A server answer of -1
// (no estimate) gives 1.
func (m *Manager) EstimateFee(ctx context.Context, numberOfBlocks int) (int64, error) {
	if m.IsDisabled() {
		return 0, nil
	}
	if numberOfBlocks <= 0 {
		numberOfBlocks = 1
	}
	raw, err := m.call(ctx, "blockchain.estimatefee", numberOfBlocks)
	if err != nil {
		return 0, err
	}
	var perKilobyte decimal.Decimal
	if err := json.Unmarshal(raw, &perKilobyte); err != nil {
		return 0, fmt.Errorf("failed to decode fee estimate: %w", err)
	}
	if perKilobyte.Equal(decimal.NewFromInt(-1)) {
		return 1, nil
	}
	return perKilobyte.Div(decimal.NewFromInt(1024)).Shift(8).Round(0).IntPart(), nil
}

// FeeHistogram fetches mempool.get_fee_histogram
func (m *Manager) FeeHistogram(ctx context.Context) ([]FeeHistogramBucket, error) {
	raw, err := m.call(ctx, "mempool.get_fee_histogram")
	if err != nil {
		return nil, err
	}
	var histogram []FeeHistogramBucket
	if err := json.Unmarshal(raw, &histogram); err != nil {
		return nil, fmt.Errorf("failed to decode fee histogram: %w", err)
	}
	return histogram, nil
}

// EstimateFees returns fast, medium and slow fee rates. The fast tier comes
// from the mempool histogram; medium and slow keep the shape of the
// server's simple estimates, scaled to that fast tier. Without a sane
// histogram the simple estimates are returned as is.
func (m *Manager) EstimateFees(ctx context.Context) (FeeEstimates, error) {
	if m.IsDisabled() {
		return FeeEstimates{}, nil
	}
	var (
		histogram             []FeeHistogramBucket
		simpleFast, simpleMed int64
		simpleSlow            int64
	)

	histCtx, cancel := context.WithTimeout(ctx, m.cfg.HistogramTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := m.FeeHistogram(histCtx)
		if err != nil {
			log.WithError(err).Debug("fee histogram unavailable")
			return nil
		}
		histogram = h
		return nil
	})
	g.Go(func() (err error) {
		simpleFast, err = m.EstimateFee(gctx, 1)
		return err
	})
	g.Go(func() (err error) {
		simpleMed, err = m.EstimateFee(gctx, 18)
		return err
	})
	g.Go(func() (err error) {
		simpleSlow, err = m.EstimateFee(gctx, 144)
		return err
	})
	if err := g.Wait(); err != nil {
		return FeeEstimates{}, fmt.Errorf("failed to estimate fees: %w", err)
	}

	return combineFeeEstimates(histogram, simpleFast, simpleMed, simpleSlow), nil
}

// combineFeeEstimates falls back to the simple estimates only when the
// histogram is absent (nil) or implausible. An empty histogram means an
// empty mempool and still drives the fast tier.
func combineFeeEstimates(histogram []FeeHistogramBucket, simpleFast, simpleMed, simpleSlow int64) FeeEstimates {
	simple := FeeEstimates{Fast: simpleFast, Medium: simpleMed, Slow: simpleSlow}
	if histogram == nil || (len(histogram) > 0 && histogram[0].FeeRate > maxSaneTopFeeRate) {
		return simple
	}

	fast := max(2, EstimateFeeFromHistogram(1, histogram))
	if simpleFast <= 0 {
		return FeeEstimates{Fast: fast, Medium: max(1, simpleMed), Slow: max(1, simpleSlow)}
	}
	scale := func(v int64) int64 {
		return max(1, int64(math.Round(float64(fast)*float64(v)/float64(simpleFast))))
	}
	return FeeEstimates{Fast: fast, Medium: scale(simpleMed), Slow: scale(simpleSlow)}
}
