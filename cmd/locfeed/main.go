// Command locfeed plays the phone: it connects to the bridge's ingest port and
// streams position records along a figure-eight until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sumo-gps-bridge/internal/location"
	"sumo-gps-bridge/internal/logging"
	"sumo-gps-bridge/internal/sim"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "Bridge ingest address")
	interval := flag.Duration("interval", time.Second, "Time between records")
	center := flag.String("center", "-37.91541476,145.14014268", "Path centre as lat,lon")
	radius := flag.Float64("radius", 200, "Path radius in meters")
	period := flag.Duration("period", 2*time.Minute, "Time for one full figure-eight")
	accuracy := flag.Float64("accuracy", 20, "Reported accuracy in meters")
	count := flag.Int("count", 0, "Records to send before ending (0 = until interrupted)")
	legacy := flag.Bool("legacy", false, "Send records without newline, one per write")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log, err := logging.Setup(*logLevel, "text")
	if err != nil {
		logrus.Fatalf("logging setup failed: %v", err)
	}

	lat, lon, err := parseCenter(*center)
	if err != nil {
		log.Fatalf("invalid -center: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		cancel()
		log.WithError(err).Fatalf("connect to %s", *addr)
	}
	defer conn.Close()
	log.WithField("addr", *addr).Info("connected to bridge")

	f := feeder{
		path: sim.FigureEight{
			CenterLat:    lat,
			CenterLon:    lon,
			RadiusMeters: *radius,
			Period:       *period,
			Accuracy:     *accuracy,
		},
		interval: *interval,
		count:    *count,
		legacy:   *legacy,
		now:      time.Now,
		log:      log,
	}
	sent, err := f.run(ctx, conn)
	if err != nil {
		cancel()
		log.WithError(err).WithField("sent", sent).Fatal("feed failed")
	}
	log.WithField("sent", sent).Info("feed ended")
}

func parseCenter(s string) (lat, lon float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want lat,lon")
	}
	if lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return 0, 0, fmt.Errorf("latitude: %w", err)
	}
	if lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return 0, 0, fmt.Errorf("longitude: %w", err)
	}
	return lat, lon, nil
}

type feeder struct {
	path     sim.FigureEight
	interval time.Duration
	count    int
	legacy   bool
	now      func() time.Time
	log      logrus.FieldLogger
}

// run writes one record per interval until count records were sent or ctx
// ends, then the end sentinel. A write error stops the feed.
func (f feeder) run(ctx context.Context, w io.Writer) (int, error) {
	t := time.NewTicker(f.interval)
	defer t.Stop()

	sent := 0
	for f.count <= 0 || sent < f.count {
		s := f.path.Sample(f.now())
		if err := f.write(w, location.Encode(s)); err != nil {
			return sent, err
		}
		sent++
		f.log.WithFields(logrus.Fields{"lat": s.Latitude, "lng": s.Longitude, "hdn": s.Heading}).Debug("record sent")

		if f.count > 0 && sent >= f.count {
			break
		}
		select {
		case <-ctx.Done():
			return sent, f.write(w, "end")
		case <-t.C:
		}
	}
	return sent, f.write(w, "end")
}

func (f feeder) write(w io.Writer, rec string) error {
	if !f.legacy {
		rec += "\n"
	}
	_, err := io.WriteString(w, rec)
	return err
}
