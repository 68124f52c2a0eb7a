package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultCatalogIsValidAndOrdered(t *testing.T) {
	entries := DefaultCatalog()
	require.Len(t, entries, 14)

	var prev time.Duration
	for _, e := range entries {
		require.NoError(t, e.Validate())
		at, err := ParseClock(e.At)
		require.NoError(t, err)
		require.Greater(t, at, prev, e.Name)
		prev = at
	}
	require.Equal(t, "open_buy", entries[0].Name)
	require.Equal(t, "shutdown", entries[len(entries)-1].Name)
}

func TestMergeCatalogOverridesByName(t *testing.T) {
	out, err := MergeCatalog(DefaultCatalog(), []Entry{
		{Name: "cancel_buy", At: "10:30:00"},
		{Name: "stair_buy", Disabled: true},
		{Name: "stop_loss", At: "13:00:00", Steps: []Step{{Op: OpThresholdSell, Threshold: -0.05}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 15)

	byName := map[string]Entry{}
	for _, e := range out {
		byName[e.Name] = e
	}
	require.Equal(t, "10:30:00", byName["cancel_buy"].At)
	require.Equal(t, []Step{{Op: OpCancel, Side: "buy"}}, byName["cancel_buy"].Steps)
	require.True(t, byName["stair_buy"].Disabled)
	require.Equal(t, "stop_loss", out[14].Name)

	// 元の一覧は書き換えない
	require.Equal(t, "11:00:00", DefaultCatalog()[2].At)
}

func TestMergeCatalogRejects(t *testing.T) {
	cases := map[string][]Entry{
		"new without steps": {{Name: "x", At: "10:00:00"}},
		"new without at":    {{Name: "x", Steps: []Step{{Op: OpHealth}}}},
		"bad clock":         {{Name: "summary", At: "25:00"}},
		"unknown op":        {{Name: "summary", Steps: []Step{{Op: "buy_everything"}}}},
		"weight over one":   {{Name: "market_sell_4", Steps: []Step{{Op: OpMarketSell, Weight: 1.5}}}},
	}
	for name, overrides := range cases {
		_, err := MergeCatalog(DefaultCatalog(), overrides)
		require.Error(t, err, name)
	}
}

func TestMergeRepeats(t *testing.T) {
	out, err := MergeRepeats(DefaultRepeats(), []Repeat{
		{Name: "health", Every: 10 * time.Second},
		{Name: "reconnect", Disabled: true},
	})
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, out[0].Every)
	require.True(t, out[1].Disabled)
	require.Equal(t, 600*time.Second, out[1].Every)

	_, err = MergeRepeats(DefaultRepeats(), []Repeat{{Name: "poll", Steps: []Step{{Op: OpHealth}}}})
	require.Error(t, err)
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("15:45:30")
	require.NoError(t, err)
	require.Equal(t, 15*time.Hour+45*time.Minute+30*time.Second, d)

	for _, bad := range []string{"", "9:00", "24:00:00", "noon"} {
		_, err := ParseClock(bad)
		require.Error(t, err, bad)
	}
}

func TestStepsDecodeFromYAML(t *testing.T) {
	var e Entry
	require.NoError(t, yaml.Unmarshal([]byte(`
name: limit_sell_1
at: "15:01:52"
steps:
  - op: cancel
  - op: limit_sell
    legs:
      - {tick: 0, weight: 0.5}
      - {tick: -1, weight: 0.25}
`), &e))
	require.NoError(t, e.Validate())
	require.Len(t, e.Steps, 2)
	require.Equal(t, -1, e.Steps[1].Legs[1].Tick)
	require.Equal(t, 0.25, e.Steps[1].Legs[1].Weight)
}
