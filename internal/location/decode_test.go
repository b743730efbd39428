package location

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PhoneRecord(t *testing.T) {
	got, err := Decode("lat:-37.91541,lng:145.14014,acc:020,spd:010,hdn:000;")
	require.NoError(t, err)

	want := Sample{Latitude: -37.91541, Longitude: 145.14014, Accuracy: 20, Speed: 10, Heading: 0}
	assert.Equal(t, want, got)
}

func TestDecode_StripsPaddedWrapperChar(t *testing.T) {
	got, err := Decode("lat:-37.5],lng:145.25],acc:7.5],spd:1.25],hdn:90]")
	require.NoError(t, err)

	want := Sample{Latitude: -37.5, Longitude: 145.25, Accuracy: 7.5, Speed: 1.25, Heading: 90}
	assert.Equal(t, want, got)
}

func TestDecode_NoRangeValidation(t *testing.T) {
	got, err := Decode("lat:123.0,lng:-500,acc:-1,spd:0,hdn:720;")
	require.NoError(t, err)
	if got.Latitude != 123 || got.Longitude != -500 || got.Heading != 720 {
		t.Fatalf("sample=%+v, values should pass through unclamped", got)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name   string
		record string
	}{
		{name: "TooFewFields", record: "latitude, bad, 1, 2"},
		{name: "TooManyFields", record: "lat:1,lng:2,acc:3,spd:4,hdn:5,xxx:6"},
		{name: "Empty", record: ""},
		{name: "FieldTooShort", record: "lat:1,lng:2,acc:3,spd:4,hdn"},
		{name: "PrefixOnly", record: "lat:,lng:2,acc:3,spd:4,hdn:5;"},
		{name: "NotANumber", record: "lat:abc,lng:2,acc:3,spd:4,hdn:5;"},
		{name: "Sentinel", record: "end"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.record)
			if !errors.Is(err, ErrMalformedRecord) {
				t.Fatalf("err=%v want ErrMalformedRecord", err)
			}
		})
	}
}

func TestDecode_ErrorNamesField(t *testing.T) {
	_, err := Decode("lat:1,lng:2,acc:3,spd:zz,hdn:5;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "speed")
}

func TestEncode_DecodeRoundTrip(t *testing.T) {
	samples := []Sample{
		{Latitude: -37.91541476, Longitude: 145.14014268, Accuracy: 20, Speed: 10, Heading: 0},
		{Latitude: 0, Longitude: 0, Accuracy: 0, Speed: 0, Heading: 0},
		{Latitude: 51.5074, Longitude: -0.1278, Accuracy: 3.25, Speed: 13.9, Heading: 359.99},
	}
	for _, s := range samples {
		got, err := Decode(Encode(s))
		require.NoError(t, err, "record %q", Encode(s))
		assert.Equal(t, s, got)
	}
}

func TestDecoderFor_UnknownCodec(t *testing.T) {
	_, err := DecoderFor("protobuf", Sample{})
	require.Error(t, err)
}

func TestDecoderFor_DefaultIsPhoneFormat(t *testing.T) {
	dec, err := DecoderFor("", Sample{})
	require.NoError(t, err)
	got, err := dec("lat:1.5,lng:2.5,acc:3,spd:4,hdn:5;")
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.Latitude)
}

func TestDecoderFor_NMEA_RMC(t *testing.T) {
	dec, err := DecoderFor(CodecNMEA, Sample{Accuracy: 12})
	require.NoError(t, err)

	got, err := dec("$GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*70\r\n")
	require.NoError(t, err)

	if math.Abs(got.Latitude-51.563667) > 1e-5 {
		t.Fatalf("lat=%v", got.Latitude)
	}
	if math.Abs(got.Longitude-(-0.704)) > 1e-5 {
		t.Fatalf("lon=%v", got.Longitude)
	}
	if math.Abs(got.Speed-173.8*1852.0/3600.0) > 1e-9 {
		t.Fatalf("speed=%v", got.Speed)
	}
	assert.Equal(t, 231.8, got.Heading)
	assert.Equal(t, 12.0, got.Accuracy)
}

func TestDecoderFor_NMEA_Skips(t *testing.T) {
	dec, err := DecoderFor(CodecNMEA, Sample{})
	require.NoError(t, err)

	_, err = dec("$GPGGA,092750.000,5321.6802,N,00630.3372,W,1,8,1.03,61.7,M,55.2,M,,*76")
	assert.ErrorIs(t, err, ErrIgnoredRecord)

	_, err = dec("$GPRMC,220516,V,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*67")
	assert.ErrorIs(t, err, ErrIgnoredRecord)

	_, err = dec("$GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*00")
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = dec("lat:1,lng:2,acc:3,spd:4,hdn:5;")
	assert.ErrorIs(t, err, ErrMalformedRecord)
}
