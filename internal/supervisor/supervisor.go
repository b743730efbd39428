// Package supervisor launches the SUMO process the bridge drives and keeps
// the tail of its output for the status API.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// Binary is the sumo or sumo-gui executable.
	Binary string
	// SUMOConfig is passed as -c.
	SUMOConfig string
	// RemotePort is passed as --remote-port so TraCI can connect.
	RemotePort string
	// GUI adds -S so sumo-gui starts running without a click.
	GUI       bool
	ExtraArgs []string
	WorkDir   string

	Restart bool

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// StopGrace is how long SUMO gets to exit after an interrupt before it
	// is killed.
	StopGrace time.Duration

	StdoutTailLines int
	StderrTailLines int
	MaxLineBytes    int
}

// Args is the SUMO command line without the binary.
func (c Config) Args() []string {
	args := []string{"-c", c.SUMOConfig, "--remote-port", c.RemotePort}
	if c.GUI {
		args = append(args, "-S")
	}
	return append(args, c.ExtraArgs...)
}

type Supervisor struct {
	cfg Config
	log logrus.FieldLogger

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	pid      int
	state    string
	lastErr  string
	starts   int
	exitedAt time.Time

	stdout *tailBuffer
	stderr *tailBuffer

	cancel context.CancelFunc
	done   chan struct{}
}

type Snapshot struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Running   bool     `json:"running"`
	PID       int      `json:"pid,omitempty"`
	State     string   `json:"state"`
	Starts    int      `json:"starts"`
	LastError string   `json:"last_error,omitempty"`
	ExitedUTC string   `json:"exited_utc,omitempty"`
	Stdout    []string `json:"stdout_tail,omitempty"`
	Stderr    []string `json:"stderr_tail,omitempty"`
}

// swappable for tests
var commandContext = exec.CommandContext

func New(cfg Config, log logrus.FieldLogger) (*Supervisor, error) {
	cfg.Binary = strings.TrimSpace(cfg.Binary)
	if cfg.Binary == "" {
		return nil, fmt.Errorf("sumo binary is required")
	}
	if strings.TrimSpace(cfg.SUMOConfig) == "" {
		return nil, fmt.Errorf("sumo config file is required")
	}
	if strings.TrimSpace(cfg.RemotePort) == "" {
		return nil, fmt.Errorf("sumo remote port is required")
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.StdoutTailLines <= 0 {
		cfg.StdoutTailLines = 50
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = 200
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 16 * 1024
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Supervisor{
		cfg:    cfg,
		log:    log.WithField("component", "sumo"),
		state:  "stopped",
		stdout: newTailBuffer(cfg.StdoutTailLines, cfg.MaxLineBytes),
		stderr: newTailBuffer(cfg.StderrTailLines, cfg.MaxLineBytes),
		done:   make(chan struct{}),
	}, nil
}

// Start launches SUMO on a background goroutine. The process is stopped when
// ctx is cancelled or Close is called.
func (s *Supervisor) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("supervisor is nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("supervisor is closed")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("supervisor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.setState("starting", "")
	s.log.WithField("args", s.cfg.Args()).Infof("launching %s", s.cfg.Binary)
	go s.runLoop(runCtx)
	return nil
}

// Done is closed once the supervisor has given up on SUMO: after Close, or
// after the process exits with restarts disabled.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) Close() {
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

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	pid := s.pid
	state := s.state
	lastErr := s.lastErr
	starts := s.starts
	exitedAt := s.exitedAt
	s.mu.RUnlock()

	out := Snapshot{
		Command:   s.cfg.Binary,
		Args:      s.cfg.Args(),
		Running:   pid != 0 && state == "running",
		PID:       pid,
		State:     state,
		Starts:    starts,
		LastError: lastErr,
		Stdout:    s.stdout.snapshot(),
		Stderr:    s.stderr.snapshot(),
	}
	if !exitedAt.IsZero() {
		out.ExitedUTC = exitedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (s *Supervisor) runLoop(ctx context.Context) {
	defer close(s.done)

	backoff := s.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			s.setState("stopped", "")
			return
		default:
		}

		exitErr := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return
		}

		s.mu.Lock()
		s.exitedAt = time.Now()
		s.mu.Unlock()
		if exitErr != nil {
			s.setState("exited", exitErr.Error())
			s.log.WithError(exitErr).Warn("sumo exited")
			if tail := s.stderr.snapshot(); len(tail) > 0 {
				s.log.Warnf("sumo stderr tail:\n%s", strings.Join(tail, "\n"))
			}
		} else {
			s.setState("exited", "")
			s.log.Info("sumo exited")
		}

		if !s.cfg.Restart {
			return
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setState("stopped", "")
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
		s.setState("restarting", "")
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := commandContext(ctx, s.cfg.Binary, s.cfg.Args()...)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	// Let SUMO close its output files; kill only if it ignores the interrupt.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.cfg.StopGrace

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	s.mu.Lock()
	s.pid = pid
	s.state = "running"
	s.lastErr = ""
	s.starts++
	s.mu.Unlock()
	s.log.WithField("pid", pid).Info("sumo running")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLinesToTail(stdoutPipe, s.stdout, "stdout")
	}()
	go func() {
		defer wg.Done()
		s.readLinesToTail(stderrPipe, s.stderr, "stderr")
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()

	if waitErr == nil || errors.Is(waitErr, context.Canceled) {
		return nil
	}
	return waitErr
}

func (s *Supervisor) setState(state string, lastErr string) {
	s.mu.Lock()
	s.state = state
	if strings.TrimSpace(lastErr) != "" {
		s.lastErr = lastErr
	}
	s.mu.Unlock()
}

func (s *Supervisor) readLinesToTail(r io.Reader, t *tailBuffer, stream string) {
	if r == nil || t == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, t.maxLineBytes)

	log := s.log.WithField("stream", stream)
	for scanner.Scan() {
		line := scanner.Text()
		t.add(line)
		log.Debug(line)
	}
	if err := scanner.Err(); err != nil {
		t.add("[tail error] " + err.Error())
	}
}
