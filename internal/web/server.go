// Package web serves the bridge's status page, a live location stream over
// WebSocket, recent logs and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sumo-gps-bridge/internal/metrics"
)

type Options struct {
	Logs    *LogBuffer
	Metrics *metrics.Metrics
	// PushInterval paces /api/location frames.
	PushInterval time.Duration
	Logger       logrus.FieldLogger
}

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The page is served from anywhere on the LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func Handler(status *Status, opts Options) http.Handler {
	if status == nil {
		status = NewStatus()
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "web")

	mux := http.NewServeMux()

	mux.Handle("/api/status", getJSON(func(*http.Request) any {
		return status.Snapshot(time.Now().UTC())
	}))
	mux.Handle("/api/location", locationStream(status, opts.PushInterval, log))
	mux.Handle("/api/about", aboutHandler())
	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		if r.URL.Path != "/" {
			if path.Dir(r.URL.Path) == "/api" {
				http.NotFound(w, r)
				return
			}
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>SUMO GPS bridge</title></head><body>")
		_, _ = fmt.Fprint(w, "<h1>SUMO GPS bridge</h1>")
		_, _ = fmt.Fprint(w, "<p><a href=\"/api/status\">status</a> | <a href=\"/api/logs?format=text\">logs</a> | <a href=\"/metrics\">metrics</a> | live location at <code>ws://…/api/location</code></p>")
		if snap.Location != nil {
			s := snap.Location.Sample
			_, _ = fmt.Fprintf(w, "<pre>lat=%v\nlng=%v\nspd=%v\nhdn=%v\nwrites=%d</pre>",
				s.Latitude, s.Longitude, s.Speed, s.Heading, snap.Location.Writes)
		}
		if snap.Drive != nil {
			_, _ = fmt.Fprintf(w, "<pre>drive=%s ticks=%d sim_time=%gs road=%s</pre>",
				html.EscapeString(snap.Drive.State), snap.Drive.Ticks, snap.Drive.SimTimeSeconds, html.EscapeString(snap.Drive.LastRoadID))
		}
		_, _ = fmt.Fprint(w, "</body></html>")
	})

	return mux
}

// locationStream upgrades to a WebSocket and pushes the current location
// every interval until the client goes away or the server shuts down.
func locationStream(status *Status, interval time.Duration, log logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied.
			log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		defer conn.Close()

		clog := log.WithField("peer", r.RemoteAddr)
		clog.Debug("location stream opened")

		// Reader: the stream is push-only, reads just notice the close.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			if loc, ok := status.Location(); ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(loc); err != nil {
					clog.WithError(err).Debug("location stream write failed")
					return
				}
			}
			select {
			case <-gone:
				clog.Debug("location stream closed by peer")
				return
			case <-r.Context().Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			case <-t.C:
			}
		}
	})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func getJSON(body func(*http.Request) any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, body(r))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// Serve runs h on listenAddr until ctx is cancelled. Request contexts derive
// from ctx so open location streams end with it.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, h)
}

func serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
