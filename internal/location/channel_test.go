package location

import (
	"sync"
	"testing"
)

func TestChannel_InitialValues(t *testing.T) {
	def := Sample{Latitude: -37.91541476, Longitude: 145.14014268, Accuracy: 20, Speed: 10}
	c := NewChannel(def)

	if got := c.Read(); got != def {
		t.Fatalf("read=%+v want %+v", got, def)
	}
	n, at := c.Updated()
	if n != 0 || !at.IsZero() {
		t.Fatalf("updated=(%d,%v) want (0,zero)", n, at)
	}
}

func TestChannel_DecodeWriteReadRoundTrip(t *testing.T) {
	c := NewChannel(Sample{})
	rec := "lat:-37.91541,lng:145.14014,acc:020,spd:010,hdn:000;"

	s, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c.Write(s)

	got := c.Read()
	want := Sample{Latitude: -37.91541, Longitude: 145.14014, Accuracy: 20, Speed: 10, Heading: 0}
	if got != want {
		t.Fatalf("read=%+v want %+v", got, want)
	}
	if n, at := c.Updated(); n != 1 || at.IsZero() {
		t.Fatalf("updated=(%d,%v) want (1,non-zero)", n, at)
	}
	if cur, n, _ := c.Current(); cur != want || n != 1 {
		t.Fatalf("current=(%+v,%d) want (%+v,1)", cur, n, want)
	}
}

func TestChannel_MalformedLeavesValues(t *testing.T) {
	prev := Sample{Latitude: 1, Longitude: 2, Accuracy: 3, Speed: 4, Heading: 5}
	c := NewChannel(prev)

	if s, err := Decode("latitude, bad, 1, 2"); err == nil {
		c.Write(s)
	}
	if got := c.Read(); got != prev {
		t.Fatalf("read=%+v want %+v", got, prev)
	}
}

func TestChannel_LastWriteWins(t *testing.T) {
	c := NewChannel(Sample{})
	for i := 1; i <= 10; i++ {
		c.Write(Sample{Latitude: float64(i)})
	}
	if got := c.Read().Latitude; got != 10 {
		t.Fatalf("lat=%v want 10", got)
	}
}

func TestChannel_ReadsAreNeverTorn(t *testing.T) {
	c := NewChannel(Sample{})
	const writes = 20000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			v := float64(i)
			c.Write(Sample{Latitude: v, Longitude: v, Accuracy: v, Speed: v, Heading: v})
		}
	}()

	for i := 0; i < writes; i++ {
		s := c.Read()
		if s.Latitude != s.Longitude || s.Longitude != s.Accuracy || s.Accuracy != s.Speed || s.Speed != s.Heading {
			t.Fatalf("torn read: %+v", s)
		}
	}
	wg.Wait()
}
