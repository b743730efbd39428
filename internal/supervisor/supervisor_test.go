package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It stands in for SUMO when
// GO_WANT_HELPER_PROCESS is set: it echoes its arguments to stdout, writes
// one stderr line and then exits or waits according to HELPER_MODE.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	fmt.Fprintln(os.Stdout, strings.Join(args, " "))
	fmt.Fprintln(os.Stderr, "Warning: helper on stderr")

	switch os.Getenv("HELPER_MODE") {
	case "block":
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT"))
		os.Exit(code)
	}
}

type launch struct {
	name string
	args []string
}

// useHelper routes commandContext to the test binary and records launches.
func useHelper(t *testing.T, mode string, exit int) *[]launch {
	t.Helper()
	var (
		mu       sync.Mutex
		launches []launch
	)
	orig := commandContext
	t.Cleanup(func() { commandContext = orig })
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		mu.Lock()
		launches = append(launches, launch{name: name, args: append([]string(nil), args...)})
		mu.Unlock()
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			"HELPER_MODE="+mode,
			"HELPER_EXIT="+strconv.Itoa(exit),
		)
		return cmd
	}
	return &launches
}

func baseConfig() Config {
	return Config{
		Binary:     "/opt/sumo/bin/sumo-gui",
		SUMOConfig: "SUMOPaint.sumo.cfg",
		RemotePort: "8813",
		GUI:        true,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConfigArgs(t *testing.T) {
	cfg := baseConfig()
	require.Equal(t, []string{"-c", "SUMOPaint.sumo.cfg", "--remote-port", "8813", "-S"}, cfg.Args())

	cfg.GUI = false
	cfg.ExtraArgs = []string{"--step-length", "1"}
	require.Equal(t, []string{"-c", "SUMOPaint.sumo.cfg", "--remote-port", "8813", "--step-length", "1"}, cfg.Args())
}

func TestNew_Validation(t *testing.T) {
	for _, tc := range []struct {
		name string
		mut  func(*Config)
	}{
		{"Binary", func(c *Config) { c.Binary = " " }},
		{"Config", func(c *Config) { c.SUMOConfig = "" }},
		{"Port", func(c *Config) { c.RemotePort = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mut(&cfg)
			if _, err := New(cfg, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSupervisor_RunsOnceAndCapturesOutput(t *testing.T) {
	launches := useHelper(t, "exit", 3)

	s, err := New(baseConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not finish")
	}

	require.Len(t, *launches, 1)
	require.Equal(t, "/opt/sumo/bin/sumo-gui", (*launches)[0].name)

	snap := s.Snapshot()
	require.Equal(t, "exited", snap.State)
	require.False(t, snap.Running)
	require.Equal(t, 1, snap.Starts)
	require.Contains(t, snap.LastError, "exit status 3")
	require.NotEmpty(t, snap.ExitedUTC)
	require.Equal(t, []string{"-c SUMOPaint.sumo.cfg --remote-port 8813 -S"}, snap.Stdout)
	require.Equal(t, []string{"Warning: helper on stderr"}, snap.Stderr)
}

func TestSupervisor_RestartsWithBackoff(t *testing.T) {
	launches := useHelper(t, "exit", 0)

	cfg := baseConfig()
	cfg.Restart = true
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	s, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, "three starts", func() bool { return s.Snapshot().Starts >= 3 })
	s.Close()

	require.GreaterOrEqual(t, len(*launches), 3)
	require.Equal(t, "stopped", s.Snapshot().State)
}

func TestSupervisor_CloseStopsRunningProcess(t *testing.T) {
	useHelper(t, "block", 0)

	cfg := baseConfig()
	cfg.StopGrace = 200 * time.Millisecond
	s, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, "running", func() bool { return s.Snapshot().Running })
	require.NotZero(t, s.Snapshot().PID)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not stop the process")
	}
	snap := s.Snapshot()
	require.Equal(t, "stopped", snap.State)
	require.Zero(t, snap.PID)
}

func TestSupervisor_StartTwiceAndAfterClose(t *testing.T) {
	useHelper(t, "block", 0)

	s, err := New(baseConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))
	s.Close()
	s.Close()
	require.Error(t, s.Start(context.Background()))

	unstarted, err := New(baseConfig(), nil)
	require.NoError(t, err)
	unstarted.Close()
}
