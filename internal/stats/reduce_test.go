package stats

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

var (
	t0     = int64(1700000000)
	window = domain.TimeWindow{From: t0, To: t0 + 3600}
	svcA   = domain.EntityRef{Name: "svc-a"}
	f      = domain.Float
)

func TestFormatErrorPercentageBands(t *testing.T) {
	tests := []struct {
		errors, hits float64
		want         string
	}{
		{1, 2000, "<0.1%"},
		{5, 100, "5.0%"},
		{0, 100, "0.0%"},
		{1, 1000, "0.1%"},
		{1, 3, "33.3%"},
		{3, 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatErrorPercentage(tt.errors, tt.hits), "%v/%v", tt.errors, tt.hits)
	}
}

func TestPercentageMarshalsAsBand(t *testing.T) {
	raw, err := json.Marshal(domain.EntityStats{ErrorPercentage: &domain.Percentage{Value: 0.01}})
	require.NoError(t, err)

	// json.Marshal экранирует '<', сравниваем уже декодированное значение
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "<0.1%", m["error_percentage"])
}

func TestReduceHitsAndErrors(t *testing.T) {
	set := SeriesSet{
		Hits:   domain.NewSeries(t0, 1800, f(10), f(12)),
		Errors: domain.NewSeries(t0, 1800, f(0), f(1)),
	}
	st := Reduce(svcA, set, Options{Window: window})

	require.NotNil(t, st.HitsPerSecond)
	assert.Equal(t, 12.0, *st.HitsPerSecond)
	require.NotNil(t, st.ErrorCount)
	assert.Equal(t, 1.0, *st.ErrorCount)
	require.NotNil(t, st.ErrorPercentage)
	assert.Equal(t, "<0.1%", st.ErrorPercentage.String())
}

func TestReduceMissingIsNotZero(t *testing.T) {
	st := Reduce(svcA, SeriesSet{Hits: domain.NewSeries(t0, 60, f(5))}, Options{Window: window})

	require.NotNil(t, st.HitsPerSecond)
	assert.Nil(t, st.ErrorCount, "ошибки не получены: статистика отсутствует, а не ноль")
	assert.Nil(t, st.ErrorPercentage)
	assert.Nil(t, st.LatencyAvgMs)
	assert.Nil(t, st.LogErrorCount)
}

func TestReduceEmptySeriesIsZero(t *testing.T) {
	set := SeriesSet{
		Hits:   domain.NewSeries(t0, 60, nil, nil),
		Errors: &domain.TimeSeries{},
	}
	st := Reduce(svcA, set, Options{Window: window})
	require.NotNil(t, st.HitsPerSecond)
	assert.Zero(t, *st.HitsPerSecond)
	require.NotNil(t, st.ErrorCount)
	assert.Zero(t, *st.ErrorCount)
	// доля от нулевого трафика не определена
	assert.Nil(t, st.ErrorPercentage)
}

func TestReduceLastSkipsTrailingGaps(t *testing.T) {
	st := Reduce(svcA, SeriesSet{Hits: domain.NewSeries(t0, 60, f(3), f(4), nil)}, Options{Window: window})
	assert.Equal(t, 4.0, *st.HitsPerSecond)
}

func TestTotalHits(t *testing.T) {
	assert.Equal(t, 39600.0, TotalHits(domain.NewSeries(t0, 1800, f(10), f(12)), window))
	assert.Equal(t, 2*3600.0, TotalHits(domain.NewSeries(t0, 60, f(2)), window))
	assert.Equal(t, 60.0+60.0, TotalHits(domain.NewSeries(t0, 60, f(1), nil, f(1)), window))
	assert.Zero(t, TotalHits(nil, window))
	assert.Zero(t, TotalHits(domain.NewSeries(t0, 60, nil), window))
}

func TestReduceLatencyUnits(t *testing.T) {
	latency := SeriesSet{
		LatencyAvg: domain.NewSeries(t0, 60, f(0.2), f(0.4), nil),
		LatencyMin: domain.NewSeries(t0, 60, f(0.1), f(0.05)),
		LatencyMax: domain.NewSeries(t0, 60, f(0.9), f(1.5)),
	}

	auto := Reduce(svcA, latency, Options{Window: window})
	assert.InDelta(t, 300.0, *auto.LatencyAvgMs, 1e-9)
	assert.InDelta(t, 50.0, *auto.LatencyMinMs, 1e-9)
	assert.InDelta(t, 1500.0, *auto.LatencyMaxMs, 1e-9)

	ms := Reduce(svcA, latency, Options{Window: window, LatencyUnit: domain.LatencyUnitMilliseconds})
	assert.InDelta(t, 0.3, *ms.LatencyAvgMs, 1e-9)

	// эвристика ошибается на медленных ответах в секундах, явная единица — нет
	slow := SeriesSet{LatencyAvg: domain.NewSeries(t0, 60, f(12))}
	assert.Equal(t, 12.0, *Reduce(svcA, slow, Options{}).LatencyAvgMs)
	assert.Equal(t, 12000.0, *Reduce(svcA, slow, Options{LatencyUnit: domain.LatencyUnitSeconds}).LatencyAvgMs)
}

func TestReduceLatencyPercentiles(t *testing.T) {
	set := SeriesSet{LatencyAvg: domain.NewSeries(t0, 60, f(40), f(10), f(30), f(20), f(50))}
	st := Reduce(svcA, set, Options{Window: window, LatencyUnit: domain.LatencyUnitMilliseconds})
	assert.Equal(t, 30.0, *st.LatencyP50Ms)
	assert.InDelta(t, 46.0, *st.LatencyP90Ms, 1e-9)
	assert.InDelta(t, 48.0, *st.LatencyP95Ms, 1e-9)
}

func TestReduceLogErrors(t *testing.T) {
	st := Reduce(svcA, SeriesSet{LogErrors: domain.NewSeries(t0, 60, f(2), nil, f(3))}, Options{Window: window})
	assert.Equal(t, 5.0, *st.LogErrorCount)
}
