package electrum

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateFeeFromHistogram(t *testing.T) {
	tests := []struct {
		name      string
		blocks    int
		histogram []FeeHistogramBucket
		want      int64
	}{
		{
			name:      "single full block bucket",
			blocks:    1,
			histogram: []FeeHistogramBucket{{FeeRate: 100, VSize: 1000000}},
			want:      100,
		},
		{
			name:   "median interpolates across the clipped bucket",
			blocks: 1,
			histogram: []FeeHistogramBucket{
				{FeeRate: 50, VSize: 500000},
				{FeeRate: 20, VSize: 900000},
				{FeeRate: 10, VSize: 1000000},
			},
			want: 35,
		},
		{
			name:   "more blocks reach deeper",
			blocks: 2,
			histogram: []FeeHistogramBucket{
				{FeeRate: 50, VSize: 1000000},
				{FeeRate: 10, VSize: 3000000},
			},
			want: 30,
		},
		{
			name:      "empty histogram",
			blocks:    1,
			histogram: nil,
			want:      1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateFeeFromHistogram(tt.blocks, tt.histogram))
		})
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	assert.Equal(t, 0.0, percentile(nil, 0.5))
	assert.Equal(t, 1.0, percentile(values, 0))
	assert.Equal(t, 4.0, percentile(values, 1))
	assert.Equal(t, 2.5, percentile(values, 0.5))
}

func TestFeeHistogramBucketJSON(t *testing.T) {
	var histogram []FeeHistogramBucket
	require.NoError(t, json.Unmarshal([]byte(`[[12.5, 40000], [3, 70000]]`), &histogram))
	assert.Equal(t, []FeeHistogramBucket{{FeeRate: 12.5, VSize: 40000}, {FeeRate: 3, VSize: 70000}}, histogram)

	var bad []FeeHistogramBucket
	assert.Error(t, json.Unmarshal([]byte(`[[1, 2, 3]]`), &bad))
}

// feeClient answers estimatefee with fixed BTC/kB rates per target
func feeClient(histogram interface{}) *fakeClient {
	client := newFakeClient("Fulcrum 1.9.1")
	rates := map[int]float64{1: 0.0002048, 18: 0.0001024, 144: 0.00001024}
	client.handle("blockchain.estimatefee", func(params []interface{}) (interface{}, error) {
		return rates[params[0].(int)], nil
	})
	client.handle("mempool.get_fee_histogram", func([]interface{}) (interface{}, error) {
		return histogram, nil
	})
	return client
}

func TestEstimateFee(t *testing.T) {
	client := feeClient(nil)
	m, _ := newConnectedManager(t, client)

	fee, err := m.EstimateFee(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), fee)

	client.handle("blockchain.estimatefee", func([]interface{}) (interface{}, error) {
		return -1, nil
	})
	fee, err = m.EstimateFee(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fee, "no estimate falls back to 1")
}

func TestEstimateFees(t *testing.T) {
	t.Run("histogram drives the fast tier", func(t *testing.T) {
		m, _ := newConnectedManager(t, feeClient([][]float64{{100, 1000000}}))
		fees, err := m.EstimateFees(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FeeEstimates{Fast: 100, Medium: 50, Slow: 5}, fees)
	})

	t.Run("implausible histogram uses simple estimates", func(t *testing.T) {
		m, _ := newConnectedManager(t, feeClient([][]float64{{1500, 1000000}}))
		fees, err := m.EstimateFees(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FeeEstimates{Fast: 20, Medium: 10, Slow: 1}, fees)
	})

	t.Run("missing histogram uses simple estimates", func(t *testing.T) {
		client := feeClient(nil)
		client.handle("mempool.get_fee_histogram", func([]interface{}) (interface{}, error) {
			return nil, &Error{Kind: KindProtocol, Message: "unsupported"}
		})
		m, _ := newConnectedManager(t, client)
		fees, err := m.EstimateFees(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FeeEstimates{Fast: 20, Medium: 10, Slow: 1}, fees)
	})

	t.Run("empty histogram is an empty mempool", func(t *testing.T) {
		m, _ := newConnectedManager(t, feeClient([][]float64{}))
		fees, err := m.EstimateFees(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FeeEstimates{Fast: 2, Medium: 1, Slow: 1}, fees)
	})

	t.Run("fast tier is at least 2", func(t *testing.T) {
		m, _ := newConnectedManager(t, feeClient([][]float64{{1, 1000000}}))
		fees, err := m.EstimateFees(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), fees.Fast)
		assert.Equal(t, int64(1), fees.Slow)
	})
}
