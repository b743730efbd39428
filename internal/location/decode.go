package location

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	nmea "github.com/adrianmo/go-nmea"
)

const (
	numFields = 5

	// prefixLen and suffixLen describe the wrapper around each field value:
	// <4 arbitrary chars><number><1 arbitrary char>.
	prefixLen = 4
	suffixLen = 1
)

// ErrMalformedRecord is returned (wrapped) for any record that cannot be
// turned into a Sample. Callers treat it as a per-record failure.
var ErrMalformedRecord = errors.New("malformed record")

// ErrIgnoredRecord marks well-formed input that carries no position, such as
// NMEA sentences other than RMC. Callers skip it quietly.
var ErrIgnoredRecord = errors.New("record carries no position")

var fieldNames = [numFields]string{"latitude", "longitude", "accuracy", "speed", "heading"}

// Decode parses one phone record of five comma separated fields in the order
// latitude, longitude, accuracy, speed, heading.
//
// The first 4 chars of each field are dropped unchecked. The trailing wrapper
// char is dropped when present; for all but the last field it is usually the
// comma itself, which splitting already consumed. A wrapper char that is a
// digit cannot be told apart from the value.
func Decode(record string) (Sample, error) {
	fields := strings.Split(record, ",")
	if len(fields) != numFields {
		return Sample{}, fmt.Errorf("%w: got %d fields, want %d", ErrMalformedRecord, len(fields), numFields)
	}

	var vals [numFields]float64
	for i, f := range fields {
		v, err := parseField(f)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, fieldNames[i], err)
		}
		vals[i] = v
	}

	return Sample{
		Latitude:  vals[0],
		Longitude: vals[1],
		Accuracy:  vals[2],
		Speed:     vals[3],
		Heading:   vals[4],
	}, nil
}

func parseField(f string) (float64, error) {
	if len(f) < prefixLen+suffixLen {
		return 0, fmt.Errorf("field %q too short", f)
	}
	payload := f[prefixLen:]
	if v, err := strconv.ParseFloat(payload, 64); err == nil {
		return v, nil
	}
	payload = payload[:len(payload)-suffixLen]
	v, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: not a number", f)
	}
	return v, nil
}

// Codec names accepted by DecoderFor.
const (
	CodecSUMOPaint = "sumopaint"
	CodecNMEA      = "nmea"
)

// DecodeFunc turns one framed record into a Sample.
type DecodeFunc func(record string) (Sample, error)

// DecoderFor returns the decoder for codec. fallback supplies the values a
// codec cannot carry (NMEA RMC has no accuracy).
func DecoderFor(codec string, fallback Sample) (DecodeFunc, error) {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", CodecSUMOPaint:
		return Decode, nil
	case CodecNMEA:
		acc := fallback.Accuracy
		return func(record string) (Sample, error) {
			return decodeNMEA(record, acc)
		}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

const knotsToMetersPerSecond = 1852.0 / 3600.0

func decodeNMEA(record string, accuracy float64) (Sample, error) {
	line := strings.TrimSpace(record)
	if !strings.HasPrefix(line, "$") {
		return Sample{}, fmt.Errorf("%w: not an NMEA sentence", ErrMalformedRecord)
	}
	sent, err := nmea.Parse(line)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if sent.DataType() != nmea.TypeRMC {
		return Sample{}, ErrIgnoredRecord
	}
	rmc := sent.(nmea.RMC)
	if rmc.Validity != nmea.ValidRMC {
		return Sample{}, fmt.Errorf("%w: RMC without fix", ErrIgnoredRecord)
	}
	return Sample{
		Latitude:  rmc.Latitude,
		Longitude: rmc.Longitude,
		Accuracy:  accuracy,
		Speed:     rmc.Speed * knotsToMetersPerSecond,
		Heading:   rmc.Course,
	}, nil
}
