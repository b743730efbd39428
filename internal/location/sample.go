// Package location holds the position sample reported by the phone client,
// the record codecs that produce it and the shared cell the simulation reads.
package location

import (
	"strconv"
	"strings"
)

// Sample is one reported position.
//
// No range validation is applied; latitude/longitude are passed through as
// received.
type Sample struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	Speed     float64 `json:"speed" yaml:"speed"`
	Heading   float64 `json:"heading" yaml:"heading"`
}

// fieldPrefixes are the wrappers Encode emits. Decode does not check them.
var fieldPrefixes = [numFields]string{"lat:", "lng:", "acc:", "spd:", "hdn:"}

// Encode renders s in the phone wire format, e.g.
//
//	lat:-37.91541,lng:145.14014,acc:20,spd:10,hdn:0;
//
// Each field is a 4-char prefix and the number; the last one is closed by
// ';'. The result carries no line terminator.
func Encode(s Sample) string {
	vals := [numFields]float64{s.Latitude, s.Longitude, s.Accuracy, s.Speed, s.Heading}
	var b strings.Builder
	for i, v := range vals {
		b.WriteString(fieldPrefixes[i])
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		if i == numFields-1 {
			b.WriteByte(';')
		} else {
			b.WriteByte(',')
		}
	}
	return b.String()
}
