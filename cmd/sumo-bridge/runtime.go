package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"sumo-gps-bridge/internal/config"
	"sumo-gps-bridge/internal/drive"
	"sumo-gps-bridge/internal/ingest"
	"sumo-gps-bridge/internal/location"
	"sumo-gps-bridge/internal/metrics"
	"sumo-gps-bridge/internal/publish"
	"sumo-gps-bridge/internal/supervisor"
	"sumo-gps-bridge/internal/traci"
	"sumo-gps-bridge/internal/web"
)

// swappable for tests
var dialSimulation = func(ctx context.Context, addr string, opts traci.Options) (drive.Simulation, error) {
	c, err := traci.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// bridge owns every component of one run: the location channel shared by the
// ingest server and the drive loop, and the optional outputs around them.
type bridge struct {
	cfg     config.Config
	log     *logrus.Logger
	logs    *web.LogBuffer
	metrics *metrics.Metrics
	status  *web.Status
	channel *location.Channel
}

func newBridge(cfg config.Config, log *logrus.Logger, logs *web.LogBuffer) *bridge {
	return &bridge{
		cfg:     cfg,
		log:     log,
		logs:    logs,
		metrics: metrics.New(),
		status:  web.NewStatus(),
		channel: location.NewChannel(cfg.Location.Default),
	}
}

// run brings the bridge up, drives the vehicle until the configured duration
// or ctx ends, then tears everything down. Startup failures (bind, SUMO
// launch, SUMO connect) and a lost simulation are returned.
func (b *bridge) run(ctx context.Context) error {
	cfg := b.cfg
	b.status.SetStatic(map[string]any{
		"ingest_listen":  cfg.Ingest.Listen,
		"ingest_framing": cfg.Ingest.Framing,
		"ingest_codec":   cfg.Ingest.Codec,
		"vehicle_id":     cfg.Drive.VehicleID,
		"tick_interval":  cfg.Drive.TickInterval.String(),
		"step_increment": cfg.Drive.StepIncrement.String(),
		"total_duration": cfg.Drive.TotalDuration.String(),
		"sumo_addr":      cfg.SUMO.Addr,
		"sumo_launch":    cfg.SUMO.Launch,
		"mqtt_broker":    cfg.MQTT.Broker,
		"udp_dest":       cfg.UDP.Dest,
	})
	sources := web.Sources{Location: b.channel}
	b.status.SetSources(sources)

	webCtx, stopWeb := context.WithCancel(ctx)
	defer stopWeb()
	if cfg.Web.Listen != "" {
		b.startWeb(webCtx)
	}

	decode, err := location.DecoderFor(cfg.Ingest.Codec, cfg.Location.Default)
	if err != nil {
		return err
	}

	var mirror *publish.MQTTMirror
	if cfg.MQTT.Broker != "" {
		mirror, err = publish.NewMQTTMirror(publish.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
		}, b.log)
		if err != nil {
			return fmt.Errorf("mqtt mirror: %w", err)
		}
		mirror.Start(ctx)
		defer mirror.Close()
	}

	var udpOut *publish.Broadcaster
	if cfg.UDP.Dest != "" {
		udpOut, err = publish.NewBroadcaster(cfg.UDP.Dest)
		if err != nil {
			return fmt.Errorf("udp broadcaster: %w", err)
		}
		defer udpOut.Close()
		b.log.WithField("dest", udpOut.Dest()).Info("udp tick broadcast enabled")
	}

	srv, err := ingest.New(ingest.Config{
		Listen:          cfg.Ingest.Listen,
		ReadBufferBytes: cfg.Ingest.ReadBufferBytes,
		Framing:         cfg.Ingest.Framing,
		IdleTimeout:     cfg.Ingest.SessionIdleTimeout,
		DeadPeerTimeout: cfg.Ingest.DeadPeerTimeout,
	}, b.channel, ingest.Options{
		Decode:  decode,
		Logger:  b.log,
		Metrics: b.metrics,
		OnSample: func(s location.Sample) {
			if mirror != nil {
				mirror.Publish(s)
			}
		},
	})
	if err != nil {
		return err
	}
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	if err := srv.Start(ingestCtx); err != nil {
		return err
	}
	defer srv.Close()
	sources.Ingest = srv.Snapshot
	b.status.SetSources(sources)

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	if cfg.SUMO.Launch {
		sup, err := b.launchSUMO(ctx)
		if err != nil {
			return err
		}
		defer sup.Close()
		sources.SUMO = sup.Snapshot
		b.status.SetSources(sources)

		// Stop waiting for the TraCI port if SUMO dies first.
		go func() {
			select {
			case <-sup.Done():
				cancelDial()
			case <-dialCtx.Done():
			}
		}()
	}

	sim, err := dialSimulation(dialCtx, cfg.SUMO.Addr, traci.Options{
		ConnectTimeout: cfg.SUMO.ConnectTimeout,
		Logger:         b.log,
		Metrics:        b.metrics,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if dialCtx.Err() != nil {
			return fmt.Errorf("sumo exited before accepting a TraCI connection on %s", cfg.SUMO.Addr)
		}
		return fmt.Errorf("connect to sumo: %w", err)
	}
	cancelDial()

	loop, err := drive.New(drive.Config{
		VehicleID:     cfg.Drive.VehicleID,
		TickInterval:  cfg.Drive.TickInterval,
		StepIncrement: cfg.Drive.StepIncrement,
		TotalDuration: cfg.Drive.TotalDuration,
		Lane:          cfg.Drive.Lane,
		KeepRoute:     cfg.Drive.KeepRoute,
	}, sim, b.channel, drive.Options{
		Logger:  b.log,
		Metrics: b.metrics,
		OnTick: func(r drive.TickReport) {
			if udpOut != nil {
				_ = udpOut.SendTick(r)
			}
		},
	})
	if err != nil {
		_ = sim.Close()
		return err
	}
	sources.Drive = loop.Snapshot
	b.status.SetSources(sources)

	res, runErr := loop.Run(ctx)
	b.log.WithFields(logrus.Fields{
		"ticks":               res.Ticks,
		"sim_time":            res.SimTime.String(),
		"reposition_failures": res.RepositionFailures,
		"completed":           res.Completed,
	}).Info("drive loop finished")

	// The ingest worker stops before the simulation connection goes away.
	stopIngest()
	srv.Close()
	if err := sim.Close(); err != nil && runErr == nil {
		b.log.WithError(err).Warn("closing sumo connection")
	}
	if runErr != nil {
		return fmt.Errorf("drive loop: %w", runErr)
	}
	return nil
}

func (b *bridge) launchSUMO(ctx context.Context) (*supervisor.Supervisor, error) {
	bin, err := b.cfg.ResolveSUMOBinary()
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supervisor.Config{
		Binary:     bin,
		SUMOConfig: b.cfg.SUMO.Config,
		RemotePort: b.cfg.SUMORemotePort(),
		GUI:        b.cfg.SUMO.GUI,
		ExtraArgs:  b.cfg.SUMO.ExtraArgs,
		Restart:    b.cfg.SUMO.Restart,
	}, b.log)
	if err != nil {
		return nil, err
	}
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	return sup, nil
}

func (b *bridge) startWeb(ctx context.Context) {
	h := web.Handler(b.status, web.Options{
		Logs:         b.logs,
		Metrics:      b.metrics,
		PushInterval: b.cfg.Web.PushInterval,
		Logger:       b.log,
	})
	b.log.WithField("addr", b.cfg.Web.Listen).Info("web status server listening")
	go func() {
		err := web.Serve(ctx, b.cfg.Web.Listen, h)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.WithError(err).Error("web server stopped")
		}
	}()
}
