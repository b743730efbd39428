// Package ingest accepts the phone client's TCP stream and publishes each
// decoded record into the location channel.
//
// One client is served at a time; the accept loop does not run while a
// session is active.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sumo-gps-bridge/internal/location"
	"sumo-gps-bridge/internal/metrics"
)

// Sentinel is the record a client sends to end its session cleanly.
const Sentinel = "end"

// Framing modes.
const (
	FramingLine = "line"
	FramingRead = "read"
)

// consoleTime is the timestamp layout used for connect/disconnect lines.
const consoleTime = "02 Jan 2006 at 15:04:05"

// ErrBind is returned by Start when the listen address cannot be bound.
var ErrBind = errors.New("ingest: bind failed")

var errRecordTooLong = errors.New("record exceeds read buffer")

type Config struct {
	Listen          string
	ReadBufferBytes int
	Framing         string

	// IdleTimeout ends a session after this long without data. 0 disables.
	IdleTimeout time.Duration
	// DeadPeerTimeout tunes TCP keepalive on accepted connections.
	DeadPeerTimeout time.Duration
}

// Sink receives decoded samples. *location.Channel satisfies it.
type Sink interface {
	Write(location.Sample)
}

type Options struct {
	// Decode defaults to location.Decode.
	Decode  location.DecodeFunc
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	// OnSample is called after each successful write to the sink. It runs on
	// the session goroutine and should not block.
	OnSample func(location.Sample)
}

type Server struct {
	cfg      Config
	sink     Sink
	decode   location.DecodeFunc
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	onSample func(location.Sample)

	started atomic.Bool
	closed  atomic.Bool

	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   net.Conn

	mu           sync.RWMutex
	state        string
	peer         string
	sessionStart time.Time
	lastErr      string
	lastRecord   time.Time
	sessions     uint64
	recordsOK    uint64
	recordsBad   uint64
}

// Snapshot is a point-in-time view of the server for the status API.
type Snapshot struct {
	Listen           string `json:"listen"`
	State            string `json:"state"`
	Peer             string `json:"peer,omitempty"`
	SessionStartUTC  string `json:"session_start_utc,omitempty"`
	LastRecordUTC    string `json:"last_record_utc,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	Sessions         uint64 `json:"sessions"`
	Records          uint64 `json:"records"`
	MalformedRecords uint64 `json:"malformed_records"`
}

func New(cfg Config, sink Sink, opts Options) (*Server, error) {
	if sink == nil {
		return nil, fmt.Errorf("ingest sink is nil")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return nil, fmt.Errorf("ingest listen address is required")
	}
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = 2048
	}
	switch cfg.Framing {
	case "":
		cfg.Framing = FramingLine
	case FramingLine, FramingRead:
	default:
		return nil, fmt.Errorf("unknown framing %q", cfg.Framing)
	}
	if cfg.DeadPeerTimeout <= 0 {
		cfg.DeadPeerTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		sink:     sink,
		decode:   opts.Decode,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		onSample: opts.OnSample,
		state:    "stopped",
		done:     make(chan struct{}),
	}
	if s.decode == nil {
		s.decode = location.Decode
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	return s, nil
}

// Start binds the listener and serves clients on a background goroutine until
// ctx is cancelled or Close is called. A bind failure is returned wrapped in
// ErrBind.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("ingest server is nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("ingest server is closed")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("ingest server already started")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("%w: %s: %v", ErrBind, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setState("listening", "")
	s.log.WithField("addr", ln.Addr().String()).Info("ingest server listening")

	go func() {
		<-runCtx.Done()
		_ = ln.Close()
		s.closeConn()
	}()
	go func() {
		defer close(s.done)
		s.acceptLoop(runCtx)
	}()
	return nil
}

// Addr is the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, drops the active session and waits for the worker.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.closed.Swap(true) {
		return
	}
	if !s.started.Load() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Server) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Snapshot{
		Listen:           s.cfg.Listen,
		State:            s.state,
		Peer:             s.peer,
		LastError:        s.lastErr,
		Sessions:         s.sessions,
		Records:          s.recordsOK,
		MalformedRecords: s.recordsBad,
	}
	if s.ln != nil {
		out.Listen = s.ln.Addr().String()
	}
	if !s.sessionStart.IsZero() {
		out.SessionStartUTC = s.sessionStart.UTC().Format(time.RFC3339Nano)
	}
	if !s.lastRecord.IsZero() {
		out.LastRecordUTC = s.lastRecord.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) acceptLoop(ctx context.Context) {
	backoff := 5 * time.Millisecond
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.setState("stopped", "")
				return
			}
			// Transient (e.g. EMFILE): back off and keep accepting.
			s.setState("listening", err.Error())
			s.log.WithError(err).Warn("ingest accept failed")
			select {
			case <-ctx.Done():
				s.setState("stopped", "")
				return
			case <-time.After(backoff):
			}
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 5 * time.Millisecond

		s.serve(ctx, conn)

		if ctx.Err() != nil {
			s.setState("stopped", "")
			return
		}
		s.setState("listening", "")
	}
}

// serve runs one session to completion. It never returns an error: every
// way a session can end puts the server back to accepting.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	start := time.Now()
	log := s.log.WithField("peer", peer)

	if err := tuneConn(conn, s.cfg.DeadPeerTimeout); err != nil {
		log.WithError(err).Debug("ingest keepalive tuning failed")
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	// Close may have raced the assignment above.
	if ctx.Err() != nil {
		s.closeConn()
		return
	}

	s.mu.Lock()
	s.state = "connected"
	s.peer = peer
	s.sessionStart = start
	s.sessions++
	s.lastErr = ""
	s.mu.Unlock()
	s.metrics.SessionStarted()

	log.Infof("made a connection with %s on %s", peer, start.Format(consoleTime))

	var reason string
	switch s.cfg.Framing {
	case FramingRead:
		reason = s.readRecords(conn, log)
	default:
		reason = s.scanLines(conn, log)
	}

	s.closeConn()
	s.metrics.SessionEnded()
	s.mu.Lock()
	s.peer = ""
	s.sessionStart = time.Time{}
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"reason":   reason,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Infof("client is no longer providing location (%s)", time.Now().Format(consoleTime))
}

// scanLines serves a session whose records are newline-terminated. A record
// may arrive across any number of reads.
func (s *Server) scanLines(conn net.Conn, log logrus.FieldLogger) string {
	r := bufio.NewReaderSize(conn, s.cfg.ReadBufferBytes)
	for {
		s.armIdleDeadline(conn)
		rec, err := nextLine(r)
		if errors.Is(err, errRecordTooLong) {
			s.recordFailed(log, err, "")
			continue
		}
		if err != nil {
			return closeReason(err)
		}
		if s.handleRecord(log, rec) {
			return "sentinel"
		}
	}
}

// readRecords serves a session where every read is one record.
func (s *Server) readRecords(conn net.Conn, log logrus.FieldLogger) string {
	buf := make([]byte, s.cfg.ReadBufferBytes)
	for {
		s.armIdleDeadline(conn)
		n, err := conn.Read(buf)
		if n > 0 {
			if s.handleRecord(log, string(buf[:n])) {
				return "sentinel"
			}
		}
		if err != nil {
			return closeReason(err)
		}
		if n == 0 {
			return "peer closed"
		}
	}
}

func nextLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errRecordTooLong
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			// Unterminated final record; the next call reports EOF.
			return string(line), nil
		}
		return "", err
	}
	return string(line), nil
}

// handleRecord processes one framed record and reports whether it was the
// sentinel.
func (s *Server) handleRecord(log logrus.FieldLogger, raw string) bool {
	rec := strings.TrimRight(raw, "\r\n")
	if rec == Sentinel {
		return true
	}
	if strings.TrimSpace(rec) == "" {
		return false
	}

	sample, err := s.decode(rec)
	if errors.Is(err, location.ErrIgnoredRecord) {
		s.metrics.Record(metrics.RecordIgnored)
		log.WithField("record", rec).Debug("record skipped")
		return false
	}
	if err != nil {
		s.recordFailed(log, err, rec)
		return false
	}

	s.sink.Write(sample)
	now := time.Now().UTC()
	s.mu.Lock()
	s.recordsOK++
	s.lastRecord = now
	s.mu.Unlock()
	s.metrics.Record(metrics.RecordOK)

	log.WithFields(logrus.Fields{
		"lat": sample.Latitude,
		"lng": sample.Longitude,
	}).Debug("location received")

	if s.onSample != nil {
		s.onSample(sample)
	}
	return false
}

func (s *Server) recordFailed(log logrus.FieldLogger, err error, rec string) {
	s.mu.Lock()
	s.recordsBad++
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.metrics.Record(metrics.RecordMalformed)

	entry := log.WithError(err)
	if rec != "" {
		entry = entry.WithField("record", rec)
	}
	entry.Warn("dropping malformed record")
}

func (s *Server) armIdleDeadline(conn net.Conn) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
}

func (s *Server) closeConn() {
	s.connMu.Lock()
	c := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (s *Server) setState(state string, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	}
	s.mu.Unlock()
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "peer closed"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "idle timeout"
	case errors.Is(err, net.ErrClosed):
		return "server closing"
	default:
		return err.Error()
	}
}
