package web

import (
	"sync/atomic"
	"time"

	"sumo-gps-bridge/internal/drive"
	"sumo-gps-bridge/internal/ingest"
	"sumo-gps-bridge/internal/location"
	"sumo-gps-bridge/internal/supervisor"
)

// Sources are the components the status page reports on. Nil entries are
// omitted from the snapshot.
type Sources struct {
	Ingest   func() ingest.Snapshot
	Drive    func() drive.Snapshot
	SUMO     func() supervisor.Snapshot
	Location *location.Channel
}

type Status struct {
	startUnixNano int64
	sources       atomic.Pointer[Sources]
	static        atomic.Value // map[string]any
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.sources.Store(&Sources{})
	s.static.Store(map[string]any{})
	return s
}

// SetSources replaces the component providers. Components are created after
// the web server starts, so this may be called while requests are served.
func (s *Status) SetSources(src Sources) {
	s.sources.Store(&src)
}

// SetStatic records configuration facts shown on the status page.
func (s *Status) SetStatic(info map[string]any) {
	if info != nil {
		s.static.Store(info)
	}
}

// LocationSnapshot is the shared location cell as seen by the simulation.
type LocationSnapshot struct {
	Sample     location.Sample `json:"sample"`
	Writes     uint64          `json:"writes"`
	UpdatedUTC string          `json:"updated_utc,omitempty"`
}

type StatusSnapshot struct {
	Service   string               `json:"service"`
	NowUTC    string               `json:"now_utc"`
	UptimeSec int64                `json:"uptime_sec"`
	Config    map[string]any       `json:"config"`
	Location  *LocationSnapshot    `json:"location,omitempty"`
	Ingest    *ingest.Snapshot     `json:"ingest,omitempty"`
	Drive     *drive.Snapshot      `json:"drive,omitempty"`
	SUMO      *supervisor.Snapshot `json:"sumo,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	src := s.sources.Load()

	snap := StatusSnapshot{
		Service:   "sumo-gps-bridge",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Config:    s.static.Load().(map[string]any),
	}
	if src.Location != nil {
		loc := locationSnapshot(src.Location)
		snap.Location = &loc
	}
	if src.Ingest != nil {
		v := src.Ingest()
		snap.Ingest = &v
	}
	if src.Drive != nil {
		v := src.Drive()
		snap.Drive = &v
	}
	if src.SUMO != nil {
		v := src.SUMO()
		snap.SUMO = &v
	}
	return snap
}

// Location returns the current cell contents, or false when no channel is
// wired yet.
func (s *Status) Location() (LocationSnapshot, bool) {
	src := s.sources.Load()
	if src.Location == nil {
		return LocationSnapshot{}, false
	}
	return locationSnapshot(src.Location), true
}

func locationSnapshot(ch *location.Channel) LocationSnapshot {
	sample, writes, at := ch.Current()
	out := LocationSnapshot{Sample: sample, Writes: writes}
	if !at.IsZero() {
		out.UpdatedUTC = at.UTC().Format(time.RFC3339Nano)
	}
	return out
}
