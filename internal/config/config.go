package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sumo-gps-bridge/internal/location"
)

type Config struct {
	Ingest   IngestConfig   `yaml:"ingest"`
	Location LocationConfig `yaml:"location"`
	Drive    DriveConfig    `yaml:"drive"`
	SUMO     SUMOConfig     `yaml:"sumo"`
	Web      WebConfig      `yaml:"web"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	UDP      UDPConfig      `yaml:"udp"`
	Log      LogConfig      `yaml:"log"`
}

type IngestConfig struct {
	Listen          string `yaml:"listen"`
	ReadBufferBytes int    `yaml:"read_buffer_bytes"`
	// Framing is "line" (newline-delimited records) or "read" (one read is
	// one record, as sent by older phone apps).
	Framing string `yaml:"framing"`
	// Codec is "sumopaint" or "nmea".
	Codec              string        `yaml:"codec"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	// DeadPeerTimeout bounds how long a vanished client (no FIN) can hold
	// the single session slot once keepalive probes go unanswered.
	DeadPeerTimeout time.Duration `yaml:"dead_peer_timeout"`
}

type LocationConfig struct {
	// Default is what the simulation sees until the first record arrives.
	Default location.Sample `yaml:"default"`
}

type DriveConfig struct {
	VehicleID     string        `yaml:"vehicle_id"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	StepIncrement time.Duration `yaml:"step_increment"`
	TotalDuration time.Duration `yaml:"total_duration"`
	Lane          int           `yaml:"lane"`
	KeepRoute     int           `yaml:"keep_route"`
}

type SUMOConfig struct {
	// Addr is the TraCI endpoint. When Launch is true its port is passed to
	// SUMO as --remote-port.
	Addr           string        `yaml:"addr"`
	Launch         bool          `yaml:"launch"`
	Binary         string        `yaml:"binary"`
	GUI            bool          `yaml:"gui"`
	Config         string        `yaml:"config"`
	ExtraArgs      []string      `yaml:"extra_args"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Restart        bool          `yaml:"restart"`
}

type WebConfig struct {
	Listen       string        `yaml:"listen"`
	PushInterval time.Duration `yaml:"push_interval"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type UDPConfig struct {
	Dest string `yaml:"dest"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with every default applied. SUMO is launched with
// the GUI unless the file says otherwise.
func Default() Config {
	var c Config
	c.Location.Default = location.Sample{
		Latitude:  -37.91541476,
		Longitude: 145.14014268,
		Accuracy:  20,
		Speed:     10,
		Heading:   0,
	}
	c.SUMO.Launch = true
	c.SUMO.GUI = true
	_ = DefaultAndValidate(&c)
	return c
}

// Load reads path (a missing file means all defaults), then .env files next to
// it and in the working directory, then environment overrides, and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeStrict(b, &cfg); err != nil {
			return Config{}, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, err
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")
	applyEnvOverrides(&cfg)

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return fmt.Errorf("config contains unknown or invalid fields: %s", strings.Join(te.Errors, "; "))
		}
		return err
	}
	return nil
}

// loadDotEnv sets variables from each existing file without overriding the
// real environment.
func loadDotEnv(paths ...string) {
	seen := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("BRIDGE_LISTEN"); v != "" {
		c.Ingest.Listen = v
	}
	if v := os.Getenv("BRIDGE_VEHICLE_ID"); v != "" {
		c.Drive.VehicleID = v
	}
	if v := os.Getenv("SUMO_BINARY"); v != "" {
		c.SUMO.Binary = v
	}
	if v := os.Getenv("SUMO_CONFIG"); v != "" {
		c.SUMO.Config = v
	}
	if v := os.Getenv("SUMO_ADDR"); v != "" {
		c.SUMO.Addr = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("WEB_LISTEN"); v != "" {
		c.Web.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// DefaultAndValidate fills zero values with defaults and rejects settings the
// bridge cannot start with.
func DefaultAndValidate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	// Ingest.
	if strings.TrimSpace(c.Ingest.Listen) == "" {
		c.Ingest.Listen = "127.0.0.1:8080"
	}
	if _, _, err := net.SplitHostPort(c.Ingest.Listen); err != nil {
		return fmt.Errorf("ingest.listen must be host:port: %v", err)
	}
	if c.Ingest.ReadBufferBytes == 0 {
		c.Ingest.ReadBufferBytes = 2048
	}
	if c.Ingest.ReadBufferBytes < 16 {
		return fmt.Errorf("ingest.read_buffer_bytes must be >= 16")
	}
	c.Ingest.Framing = strings.ToLower(strings.TrimSpace(c.Ingest.Framing))
	switch c.Ingest.Framing {
	case "":
		c.Ingest.Framing = "line"
	case "line", "read":
	default:
		return fmt.Errorf("ingest.framing must be 'line' or 'read'")
	}
	c.Ingest.Codec = strings.ToLower(strings.TrimSpace(c.Ingest.Codec))
	switch c.Ingest.Codec {
	case "":
		c.Ingest.Codec = location.CodecSUMOPaint
	case location.CodecSUMOPaint, location.CodecNMEA:
	default:
		return fmt.Errorf("ingest.codec must be 'sumopaint' or 'nmea'")
	}
	if c.Ingest.SessionIdleTimeout < 0 {
		return fmt.Errorf("ingest.session_idle_timeout must be >= 0")
	}
	if c.Ingest.DeadPeerTimeout == 0 {
		c.Ingest.DeadPeerTimeout = 30 * time.Second
	}
	if c.Ingest.DeadPeerTimeout < time.Second {
		return fmt.Errorf("ingest.dead_peer_timeout must be >= 1s")
	}

	// Drive.
	if strings.TrimSpace(c.Drive.VehicleID) == "" {
		c.Drive.VehicleID = "veh66"
	}
	if c.Drive.TickInterval <= 0 {
		c.Drive.TickInterval = 1 * time.Second
	}
	if c.Drive.StepIncrement <= 0 {
		c.Drive.StepIncrement = 1 * time.Second
	}
	if c.Drive.TotalDuration <= 0 {
		c.Drive.TotalDuration = 30 * time.Minute
	}
	if c.Drive.Lane < 0 {
		return fmt.Errorf("drive.lane must be >= 0")
	}
	if c.Drive.KeepRoute < 0 || c.Drive.KeepRoute > 7 {
		return fmt.Errorf("drive.keep_route must be within 0..7")
	}

	// SUMO.
	if strings.TrimSpace(c.SUMO.Addr) == "" {
		c.SUMO.Addr = "127.0.0.1:8813"
	}
	if _, _, err := net.SplitHostPort(c.SUMO.Addr); err != nil {
		return fmt.Errorf("sumo.addr must be host:port: %v", err)
	}
	if strings.TrimSpace(c.SUMO.Config) == "" {
		c.SUMO.Config = "SUMOPaint.sumo.cfg"
	}
	if c.SUMO.ConnectTimeout <= 0 {
		c.SUMO.ConnectTimeout = 30 * time.Second
	}

	// Web.
	if c.Web.PushInterval <= 0 {
		c.Web.PushInterval = 1 * time.Second
	}

	// MQTT.
	if strings.TrimSpace(c.MQTT.Topic) == "" {
		c.MQTT.Topic = "sumo-bridge/location"
	}
	if strings.TrimSpace(c.MQTT.ClientID) == "" {
		c.MQTT.ClientID = "sumo-bridge"
	}
	if strings.ContainsAny(c.MQTT.Topic, "+#") {
		return fmt.Errorf("mqtt.topic must not contain wildcards")
	}

	// Log.
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}

	return nil
}

// ResolveSUMOBinary returns the SUMO executable to launch. An explicit
// sumo.binary wins; otherwise SUMO_HOME must point at a SUMO install.
func (c Config) ResolveSUMOBinary() (string, error) {
	if b := strings.TrimSpace(c.SUMO.Binary); b != "" {
		return b, nil
	}
	home := strings.TrimSpace(os.Getenv("SUMO_HOME"))
	if home == "" {
		return "", fmt.Errorf("please declare environment variable 'SUMO_HOME' or set sumo.binary")
	}
	name := "sumo"
	if c.SUMO.GUI {
		name = "sumo-gui"
	}
	return filepath.Join(home, "bin", name), nil
}

// SUMORemotePort is the port part of sumo.addr.
func (c Config) SUMORemotePort() string {
	_, port, err := net.SplitHostPort(c.SUMO.Addr)
	if err != nil {
		return ""
	}
	return port
}
