package candle

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSeries(t *testing.T) {
	t.Run("NormalizeSortsAndDedups", func(t *testing.T) {
		s := Series{
			{Time: 300, Close: 3},
			{Time: 100, Close: 1},
			{Time: 300, Close: 9},
			{Time: 200, Close: 2},
		}
		out := s.Normalize()
		require.Len(t, out, 3)
		require.Equal(t, int64(100), out[0].Time)
		require.Equal(t, int64(200), out[1].Time)
		require.Equal(t, int64(300), out[2].Time)
		// first occurrence wins on duplicate timestamps
		require.Equal(t, float64(3), out[2].Close)
	})
	t.Run("NormalizeEmpty", func(t *testing.T) {
		require.Empty(t, Series{}.Normalize())
	})
}

func TestParseInterval(t *testing.T) {
	for _, s := range []string{"1m", "5m", "15m", "1h", "4h", "1d"} {
		iv, err := ParseInterval(s)
		require.NoError(t, err)
		require.NotZero(t, iv.Duration())
	}
	_, err := ParseInterval("7m")
	require.Error(t, err)
}

func TestPrimaryMarker(t *testing.T) {
	t.Run("FromMarkers", func(t *testing.T) {
		req := &Request{
			Symbol: "BTCUSDT",
			Markers: []Marker{
				{Time: 1, Price: decimal.NewFromInt(2), Label: "rel", Category: MarkerRelatedAlert},
				{Time: 2, Price: decimal.NewFromInt(3), Label: "pri", Category: MarkerPrimaryAlert},
			},
		}
		m, ok := req.PrimaryMarker()
		require.True(t, ok)
		require.Equal(t, "pri", m.Label)
	})
	t.Run("FromReferencePrice", func(t *testing.T) {
		req := &Request{
			Symbol:         "BTCUSDT",
			ReferencePrice: decimal.NewFromInt(42000),
			ReferenceTime:  1700000000,
		}
		m, ok := req.PrimaryMarker()
		require.True(t, ok)
		require.Equal(t, MarkerPrimaryAlert, m.Category)
		require.Equal(t, int64(1700000000), m.Time)
	})
	t.Run("None", func(t *testing.T) {
		_, ok := (&Request{Symbol: "BTCUSDT"}).PrimaryMarker()
		require.False(t, ok)
	})
}
