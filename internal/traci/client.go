// Package traci is a minimal client for SUMO's TraCI remote-control protocol.
//
// It implements only the commands the bridge needs: version handshake,
// geo conversion, road lookup, vehicle placement, stepping and close.
package traci

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sumo-gps-bridge/internal/metrics"
)

// ErrVehicleNotPresent is returned when SUMO does not know the vehicle,
// typically before it has departed or after it has arrived.
var ErrVehicleNotPresent = errors.New("traci: vehicle not present")

// ErrProtocol is returned (wrapped) for responses that do not parse.
var ErrProtocol = errors.New("traci: protocol error")

// ErrClosed is returned by commands issued after Close or after the
// connection broke.
var ErrClosed = errors.New("traci: connection closed")

// CommandError is a non-OK status returned by SUMO.
type CommandError struct {
	Command     string
	Status      byte
	Description string
}

func (e *CommandError) Error() string {
	kind := "error"
	if e.Status == rtypeNotImp {
		kind = "not implemented"
	}
	if e.Description == "" {
		return fmt.Sprintf("traci %s: %s", e.Command, kind)
	}
	return fmt.Sprintf("traci %s: %s: %s", e.Command, kind, e.Description)
}

type Options struct {
	// ConnectTimeout bounds how long Dial keeps retrying. SUMO opens its
	// port a moment after launch.
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	Logger         logrus.FieldLogger
	Metrics        *metrics.Metrics
}

// Client is one TraCI connection. Commands are serialised; the protocol
// has no request ids.
type Client struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	conn   net.Conn
	broken error
	closed bool
}

// swappable for tests
var dialContext = func(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Dial connects to addr, retrying until opts.ConnectTimeout, and performs the
// version handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 250 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	dctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	var (
		conn    net.Conn
		lastErr error
	)
	for attempt := 1; ; attempt++ {
		c, err := dialContext(dctx, addr)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Debug("traci connect failed, retrying")
		select {
		case <-dctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("traci: could not connect to %s within %s: %w", addr, opts.ConnectTimeout, lastErr)
		case <-time.After(opts.RetryInterval):
		}
	}

	c := NewClient(conn, opts)
	api, id, err := c.Version(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("traci: version handshake with %s: %w", addr, err)
	}
	log.WithFields(logrus.Fields{"addr": addr, "api": api, "sumo": id}).Info("connected to SUMO")
	return c, nil
}

// NewClient wraps an established connection without a handshake.
func NewClient(conn net.Conn, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Client{conn: conn, log: log, metrics: opts.Metrics}
}

// Version returns the TraCI API level and the SUMO identifier string.
func (c *Client) Version(ctx context.Context) (int, string, error) {
	r, err := c.roundTrip(ctx, "getversion", cmdGetVersion, nil)
	if err != nil {
		return 0, "", err
	}
	id, _ := r.commandHeader()
	if r.err == nil && id != cmdGetVersion {
		return 0, "", fmt.Errorf("%w: version answer has id 0x%02x", ErrProtocol, id)
	}
	api := r.int32()
	ident := r.str()
	if r.err != nil {
		return 0, "", r.err
	}
	return int(api), ident, nil
}

// ConvertGeo converts WGS84 lon/lat to network x/y.
func (c *Client) ConvertGeo(ctx context.Context, lon, lat float64) (float64, float64, error) {
	var p storage
	p.ubyte(typeCompound)
	p.int32(2)
	p.ubyte(typeLonLat)
	p.double(lon)
	p.double(lat)
	p.ubyte(typeUByte)
	p.ubyte(typePosition2D)

	r, err := c.get(ctx, "convertgeo", cmdGetSimVariable, varPositionConversion, "", p.bytes())
	if err != nil {
		return 0, 0, err
	}
	if t := r.ubyte(); r.err == nil && t != typePosition2D {
		return 0, 0, fmt.Errorf("%w: convertgeo returned type 0x%02x", ErrProtocol, t)
	}
	x := r.double()
	y := r.double()
	if r.err != nil {
		return 0, 0, r.err
	}
	return x, y, nil
}

// RoadID returns the id of the edge the vehicle is on.
func (c *Client) RoadID(ctx context.Context, vehID string) (string, error) {
	r, err := c.get(ctx, "roadid", cmdGetVehicleVariable, varRoadID, vehID, nil)
	if err != nil {
		return "", err
	}
	if t := r.ubyte(); r.err == nil && t != typeString {
		return "", fmt.Errorf("%w: roadid returned type 0x%02x", ErrProtocol, t)
	}
	s := r.str()
	if r.err != nil {
		return "", r.err
	}
	return s, nil
}

// MoveToXY places the vehicle at x/y. roadID and lane are hints; keepRoute
// is SUMO's bitset (0 lets the vehicle leave its route).
func (c *Client) MoveToXY(ctx context.Context, vehID, roadID string, lane int, x, y, angle float64, keepRoute int) error {
	var p storage
	p.ubyte(varMoveToXY)
	p.str(vehID)
	p.ubyte(typeCompound)
	p.int32(6)
	p.ubyte(typeString)
	p.str(roadID)
	p.ubyte(typeInteger)
	p.int32(int32(lane))
	p.ubyte(typeDouble)
	p.double(x)
	p.ubyte(typeDouble)
	p.double(y)
	p.ubyte(typeDouble)
	p.double(angle)
	p.ubyte(typeByte)
	p.ubyte(byte(keepRoute))

	_, err := c.roundTrip(ctx, "movetoxy", cmdSetVehicleVariable, p.bytes())
	return err
}

// Step advances the simulation by one step.
func (c *Client) Step(ctx context.Context) error {
	var p storage
	p.double(0)
	r, err := c.roundTrip(ctx, "simstep", cmdSimStep, p.bytes())
	if err != nil {
		return err
	}
	// Subscription results follow; the bridge subscribes to nothing.
	if r.remaining() >= 4 {
		_ = r.int32()
	}
	return nil
}

// Close asks SUMO to end the simulation and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	broken := c.broken
	c.mu.Unlock()

	var cmdErr error
	if broken == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, cmdErr = c.roundTrip(ctx, "close", cmdClose, nil)
		cancel()
	}

	c.mu.Lock()
	c.closed = true
	c.broken = ErrClosed
	err := c.conn.Close()
	c.mu.Unlock()
	if cmdErr != nil {
		return cmdErr
	}
	return err
}

// get issues a variable query and returns a reader positioned at the
// value's type byte.
func (c *Client) get(ctx context.Context, name string, cmd, variable byte, objectID string, params []byte) (*reader, error) {
	var p storage
	p.ubyte(variable)
	p.str(objectID)
	p.b = append(p.b, params...)

	r, err := c.roundTrip(ctx, name, cmd, p.bytes())
	if err != nil {
		return nil, err
	}
	id, _ := r.commandHeader()
	gotVar := r.ubyte()
	gotObj := r.str()
	if r.err != nil {
		return nil, r.err
	}
	if id != cmd+responseOffset || gotVar != variable || gotObj != objectID {
		return nil, fmt.Errorf("%w: %s answered 0x%02x/0x%02x/%q", ErrProtocol, name, id, gotVar, gotObj)
	}
	return r, nil
}

// roundTrip sends one command, reads the answer and checks its status. The
// returned reader is positioned after the status command.
func (c *Client) roundTrip(ctx context.Context, name string, cmd byte, payload []byte) (r *reader, err error) {
	defer func() { c.metrics.TraCICommand(name, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}

	_ = c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	body, err := c.exchange(frameMessage(appendCommand(nil, cmd, payload)))
	if err != nil {
		// The stream position is unknown now; no further command can be
		// framed reliably.
		if ctx.Err() != nil {
			err = fmt.Errorf("traci %s: %w", name, ctx.Err())
		} else {
			err = fmt.Errorf("traci %s: %w", name, err)
		}
		c.broken = fmt.Errorf("%w: %v", ErrClosed, err)
		return nil, err
	}

	r = &reader{b: body}
	id, n := r.commandHeader()
	status := r.ubyte()
	desc := r.str()
	if r.err != nil {
		return nil, r.err
	}
	if id != cmd {
		return nil, fmt.Errorf("%w: status for 0x%02x answers 0x%02x", ErrProtocol, cmd, id)
	}
	if extra := n - 1 - 4 - len(desc); extra > 0 {
		r.take(extra)
	}
	if status != rtypeOK {
		return nil, classify(name, cmd, status, desc)
	}
	return r, nil
}

func (c *Client) exchange(msg []byte) ([]byte, error) {
	if _, err := c.conn.Write(msg); err != nil {
		return nil, err
	}
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n < 4 {
		return nil, fmt.Errorf("%w: message length %d", ErrProtocol, n)
	}
	body := make([]byte, n-4)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func classify(name string, cmd, status byte, desc string) error {
	if status == rtypeErr && (cmd == cmdGetVehicleVariable || cmd == cmdSetVehicleVariable) &&
		strings.Contains(desc, "is not known") {
		return fmt.Errorf("%w: %s", ErrVehicleNotPresent, desc)
	}
	return &CommandError{Command: name, Status: status, Description: desc}
}
