// Package drive steps the SUMO simulation at a fixed cadence and moves the
// tracked vehicle to the latest reported position on every step.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sumo-gps-bridge/internal/location"
	"sumo-gps-bridge/internal/metrics"
	"sumo-gps-bridge/internal/traci"
)

// Simulation is the subset of the SUMO remote-control API the loop uses.
// *traci.Client implements it.
type Simulation interface {
	ConvertGeo(ctx context.Context, lon, lat float64) (x, y float64, err error)
	RoadID(ctx context.Context, vehID string) (string, error)
	MoveToXY(ctx context.Context, vehID, roadID string, lane int, x, y, angle float64, keepRoute int) error
	Step(ctx context.Context) error
	Close() error
}

// Source supplies the latest position. *location.Channel implements it.
type Source interface {
	Read() location.Sample
}

// Failure kinds reported for a tick whose reposition was skipped.
const (
	FailVehicleNotPresent = "vehicle_not_present"
	FailConvertGeo        = "convert_geo"
	FailRoadID            = "road_id"
	FailMoveToXY          = "move_to_xy"
)

type Config struct {
	VehicleID     string
	TickInterval  time.Duration
	StepIncrement time.Duration
	TotalDuration time.Duration
	Lane          int
	KeepRoute     int
}

type Options struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	// OnTick runs on the loop goroutine after every step.
	OnTick func(TickReport)
}

// TickReport describes one completed tick.
type TickReport struct {
	Tick    uint64          `json:"tick"`
	SimTime time.Duration   `json:"sim_time"`
	Sample  location.Sample `json:"sample"`
	X       float64         `json:"x"`
	Y       float64         `json:"y"`
	RoadID  string          `json:"road_id,omitempty"`
	// FailKind is empty when the vehicle was moved.
	FailKind string `json:"fail_kind,omitempty"`
	Err      error  `json:"-"`
}

// Result summarises a finished Run.
type Result struct {
	Ticks              uint64
	SimTime            time.Duration
	RepositionFailures uint64
	// Completed is true when the configured duration was reached.
	Completed bool
}

// Snapshot is the loop state for the status API.
type Snapshot struct {
	State              string  `json:"state"`
	VehicleID          string  `json:"vehicle_id"`
	Ticks              uint64  `json:"ticks"`
	SimTimeSeconds     float64 `json:"sim_time_seconds"`
	TotalSeconds       float64 `json:"total_seconds"`
	RepositionFailures uint64  `json:"reposition_failures"`
	// Last* describe the most recent successful move.
	LastRoadID         string  `json:"last_road_id,omitempty"`
	LastX              float64 `json:"last_x"`
	LastY              float64 `json:"last_y"`
	LastError          string  `json:"last_error,omitempty"`
	LastTickUTC        string  `json:"last_tick_utc,omitempty"`
}

type Loop struct {
	cfg    Config
	sim    Simulation
	src    Source
	log    logrus.FieldLogger
	m      *metrics.Metrics
	onTick func(TickReport)

	running sync.Mutex

	mu       sync.RWMutex
	state    string
	ticks    uint64
	simTime  time.Duration
	failures uint64
	lastRoad string
	lastX    float64
	lastY    float64
	lastErr  string
	lastTick time.Time
}

func New(cfg Config, sim Simulation, src Source, opts Options) (*Loop, error) {
	if sim == nil {
		return nil, fmt.Errorf("simulation is nil")
	}
	if src == nil {
		return nil, fmt.Errorf("location source is nil")
	}
	if strings.TrimSpace(cfg.VehicleID) == "" {
		return nil, fmt.Errorf("vehicle id is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.StepIncrement <= 0 {
		cfg.StepIncrement = time.Second
	}
	if cfg.TotalDuration <= 0 {
		cfg.TotalDuration = 30 * time.Minute
	}

	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Loop{
		cfg:    cfg,
		sim:    sim,
		src:    src,
		log:    log.WithField("vehicle", cfg.VehicleID),
		m:      opts.Metrics,
		onTick: opts.OnTick,
		state:  "idle",
	}, nil
}

// Run ticks until the simulated time reaches the configured total or ctx is
// cancelled; both return a nil error. A failed simulation step ends the run
// with an error since the connection can no longer be trusted.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	if !l.running.TryLock() {
		return Result{}, fmt.Errorf("drive loop already running")
	}
	defer l.running.Unlock()

	l.setState("running")
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	var (
		res      Result
		lastFail string
	)
	for res.SimTime < l.cfg.TotalDuration {
		select {
		case <-ctx.Done():
			l.setState("stopped")
			return res, nil
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			l.setState("stopped")
			return res, nil
		}

		start := time.Now()
		rep := l.reposition(ctx)
		res.Ticks++
		res.SimTime += l.cfg.StepIncrement
		rep.Tick = res.Ticks
		rep.SimTime = res.SimTime

		if rep.FailKind != "" {
			res.RepositionFailures++
			l.m.RepositionFailed(rep.FailKind)
			entry := l.log.WithError(rep.Err).WithField("sim_time", res.SimTime.String())
			if rep.FailKind != lastFail {
				entry.Warn("vehicle not repositioned this step")
			} else {
				entry.Debug("vehicle not repositioned this step")
			}
		} else if lastFail != "" {
			l.log.WithField("sim_time", res.SimTime.String()).Info("vehicle repositioning resumed")
		}
		lastFail = rep.FailKind

		if err := l.sim.Step(ctx); err != nil {
			if ctx.Err() != nil {
				l.setState("stopped")
				return res, nil
			}
			l.record(rep, err)
			l.setState("failed")
			return res, fmt.Errorf("simulation step at %s: %w", res.SimTime, err)
		}

		l.m.Tick(time.Since(start), res.SimTime)
		l.record(rep, rep.Err)
		l.log.WithFields(logrus.Fields{
			"lat":      rep.Sample.Latitude,
			"lng":      rep.Sample.Longitude,
			"sim_time": res.SimTime.String(),
		}).Debug("location sent to SUMO")

		if l.onTick != nil {
			l.onTick(rep)
		}
	}

	res.Completed = true
	l.setState("finished")
	l.log.WithField("sim_time", res.SimTime.String()).Info("simulation duration reached")
	return res, nil
}

// reposition performs the convert, lookup and move of one tick.
func (l *Loop) reposition(ctx context.Context) TickReport {
	s := l.src.Read()
	rep := TickReport{Sample: s}

	x, y, err := l.sim.ConvertGeo(ctx, s.Longitude, s.Latitude)
	if err != nil {
		rep.FailKind, rep.Err = failKind(FailConvertGeo, err), err
		return rep
	}
	rep.X, rep.Y = x, y

	road, err := l.sim.RoadID(ctx, l.cfg.VehicleID)
	if err != nil {
		rep.FailKind, rep.Err = failKind(FailRoadID, err), err
		return rep
	}
	rep.RoadID = road

	if err := l.sim.MoveToXY(ctx, l.cfg.VehicleID, road, l.cfg.Lane, x, y, s.Heading, l.cfg.KeepRoute); err != nil {
		rep.FailKind, rep.Err = failKind(FailMoveToXY, err), err
		return rep
	}
	return rep
}

func failKind(stage string, err error) string {
	if errors.Is(err, traci.ErrVehicleNotPresent) {
		return FailVehicleNotPresent
	}
	return stage
}

func (l *Loop) record(rep TickReport, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticks = rep.Tick
	l.simTime = rep.SimTime
	if rep.FailKind != "" {
		l.failures++
	}
	if rep.FailKind == "" {
		l.lastRoad = rep.RoadID
		l.lastX, l.lastY = rep.X, rep.Y
	}
	l.lastErr = ""
	if err != nil {
		l.lastErr = err.Error()
	}
	l.lastTick = time.Now().UTC()
}

func (l *Loop) setState(s string) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) Snapshot() Snapshot {
	if l == nil {
		return Snapshot{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := Snapshot{
		State:              l.state,
		VehicleID:          l.cfg.VehicleID,
		Ticks:              l.ticks,
		SimTimeSeconds:     l.simTime.Seconds(),
		TotalSeconds:       l.cfg.TotalDuration.Seconds(),
		RepositionFailures: l.failures,
		LastRoadID:         l.lastRoad,
		LastX:              l.lastX,
		LastY:              l.lastY,
		LastError:          l.lastErr,
	}
	if !l.lastTick.IsZero() {
		out.LastTickUTC = l.lastTick.Format(time.RFC3339Nano)
	}
	return out
}
