package sim

import (
	"math"
	"testing"
	"time"
)

func TestFigureEight_StaysWithinRadius(t *testing.T) {
	p := FigureEight{CenterLat: -37.911, CenterLon: 145.1286, RadiusMeters: 400, Period: 60 * time.Second, Accuracy: 8}

	start := time.Date(2021, 10, 19, 9, 0, 0, 0, time.UTC)
	maxLat := 400 / metersPerDegLat
	maxLon := maxLat / math.Cos(p.CenterLat*math.Pi/180)
	for i := 0; i < 120; i++ {
		s := p.Sample(start.Add(time.Duration(i) * 500 * time.Millisecond))
		for _, v := range []float64{s.Latitude, s.Longitude, s.Heading, s.Speed} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("sample %d has invalid value: %+v", i, s)
			}
		}
		if math.Abs(s.Latitude-p.CenterLat) > maxLat*0.51 {
			t.Fatalf("lat offset too large: %f", math.Abs(s.Latitude-p.CenterLat))
		}
		if math.Abs(s.Longitude-p.CenterLon) > maxLon*1.01 {
			t.Fatalf("lon offset too large: %f", math.Abs(s.Longitude-p.CenterLon))
		}
		if s.Heading < 0 || s.Heading >= 360 {
			t.Fatalf("heading out of range: %v", s.Heading)
		}
		if s.Accuracy != 8 {
			t.Fatalf("accuracy=%v want 8", s.Accuracy)
		}
	}
}

func TestFigureEight_KnownPhases(t *testing.T) {
	p := FigureEight{CenterLat: 0, CenterLon: 0, RadiusMeters: 100, Period: 100 * time.Second}

	// Phase 0: eastmost point, moving north.
	s := p.at(0)
	if math.Abs(s.Latitude) > 1e-12 {
		t.Fatalf("lat=%v want 0", s.Latitude)
	}
	if want := 100 / metersPerDegLat; math.Abs(s.Longitude-want) > 1e-12 {
		t.Fatalf("lon=%v want %v", s.Longitude, want)
	}
	if math.Abs(s.Heading) > 1e-9 {
		t.Fatalf("heading=%v want 0", s.Heading)
	}
	if want := 100 * 2 * math.Pi / 100; math.Abs(s.Speed-want) > 1e-9 {
		t.Fatalf("speed=%v want %v", s.Speed, want)
	}

	// Quarter period: crossing the centre heading west and south.
	s = p.at(0.25)
	if s.Heading <= 180 || s.Heading >= 270 {
		t.Fatalf("heading=%v want in (180,270)", s.Heading)
	}
}

func TestFigureEight_DeterministicAndDefaults(t *testing.T) {
	p := FigureEight{CenterLat: 1, CenterLon: 2}
	now := time.Date(2025, 12, 20, 19, 0, 0, 123, time.UTC)
	if p.Sample(now) != p.Sample(now) {
		t.Fatalf("expected deterministic result for same now")
	}
	d := p.withDefaults()
	if d.Period != 120*time.Second || d.RadiusMeters != 500 {
		t.Fatalf("defaults period=%s radius=%v", d.Period, d.RadiusMeters)
	}
}
