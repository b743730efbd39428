// Package sim generates synthetic phone positions for exercising the bridge
// without a handset.
package sim

import (
	"math"
	"time"

	"sumo-gps-bridge/internal/location"
)

const metersPerDegLat = 111_320.0

// FigureEight is a deterministic Lissajous path around a centre point.
type FigureEight struct {
	CenterLat    float64
	CenterLon    float64
	RadiusMeters float64
	Period       time.Duration
	// Accuracy is reported as-is on every sample.
	Accuracy float64
}

func (p FigureEight) withDefaults() FigureEight {
	if p.Period <= 0 {
		p.Period = 120 * time.Second
	}
	if p.RadiusMeters <= 0 {
		p.RadiusMeters = 500
	}
	return p
}

// Sample returns the position, speed and heading at now. The same now always
// yields the same sample.
func (p FigureEight) Sample(now time.Time) location.Sample {
	p = p.withDefaults()
	phase := float64(now.UnixNano()%p.Period.Nanoseconds()) / float64(p.Period.Nanoseconds())
	return p.at(phase)
}

// at evaluates the path at phase in [0,1).
//
//	east  = R cos(2πt)
//	north = R/2 sin(4πt)
func (p FigureEight) at(phase float64) location.Sample {
	w := 2 * math.Pi * phase
	east := p.RadiusMeters * math.Cos(w)
	north := 0.5 * p.RadiusMeters * math.Sin(2*w)

	lat := p.CenterLat + north/metersPerDegLat
	lon := p.CenterLon + east/(metersPerDegLat*math.Cos(p.CenterLat*math.Pi/180))

	// Velocity in m/s.
	omega := 2 * math.Pi / p.Period.Seconds()
	ve := -p.RadiusMeters * omega * math.Sin(w)
	vn := p.RadiusMeters * omega * math.Cos(2*w)

	heading := math.Mod(math.Atan2(ve, vn)*180/math.Pi+360, 360)
	return location.Sample{
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  p.Accuracy,
		Speed:     math.Hypot(ve, vn),
		Heading:   heading,
	}
}
