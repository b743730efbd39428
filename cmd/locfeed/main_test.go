package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sumo-gps-bridge/internal/location"
	"sumo-gps-bridge/internal/logging"
	"sumo-gps-bridge/internal/sim"
)

func testFeeder(count int, legacy bool) feeder {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return feeder{
		path:     sim.FigureEight{CenterLat: -37.9, CenterLon: 145.1, RadiusMeters: 100, Period: time.Minute, Accuracy: 5},
		interval: time.Millisecond,
		count:    count,
		legacy:   legacy,
		now:      func() time.Time { return fixed },
		log:      logging.Discard(),
	}
}

func TestFeeder_SendsDecodableLinesThenEnd(t *testing.T) {
	var buf bytes.Buffer
	f := testFeeder(3, false)

	sent, err := f.run(context.Background(), &buf)
	require.NoError(t, err)
	require.Equal(t, 3, sent)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "end", lines[3])

	want := f.path.Sample(f.now())
	for _, l := range lines[:3] {
		got, err := location.Decode(l)
		require.NoError(t, err)
		require.InDelta(t, want.Latitude, got.Latitude, 1e-9)
		require.InDelta(t, want.Longitude, got.Longitude, 1e-9)
		require.Equal(t, 5.0, got.Accuracy)
	}
}

func TestFeeder_LegacyHasNoNewlines(t *testing.T) {
	var buf bytes.Buffer
	_, err := testFeeder(1, true).run(context.Background(), &buf)
	require.NoError(t, err)
	require.NotContains(t, buf.String(), "\n")
	require.True(t, strings.HasSuffix(buf.String(), ";end"))
}

func TestFeeder_CancelSendsEnd(t *testing.T) {
	var buf bytes.Buffer
	f := testFeeder(0, false)
	f.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := f.run(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.True(t, strings.HasSuffix(buf.String(), ";\nend\n"))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestFeeder_WriteErrorStops(t *testing.T) {
	sent, err := testFeeder(5, false).run(context.Background(), failingWriter{})
	require.Error(t, err)
	require.Zero(t, sent)
}

func TestParseCenter(t *testing.T) {
	lat, lon, err := parseCenter("-37.5, 145.25")
	require.NoError(t, err)
	require.Equal(t, -37.5, lat)
	require.Equal(t, 145.25, lon)

	for _, bad := range []string{"", "1", "a,2", "1,b", "1,2,3"} {
		if _, _, err := parseCenter(bad); err == nil {
			t.Fatalf("parseCenter(%q) err=nil want error", bad)
		}
	}
}
