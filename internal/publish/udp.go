package publish

import (
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"

	"sumo-gps-bridge/internal/drive"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Broadcaster sends one JSON datagram per drive tick to a fixed destination,
// for dashboards that listen on UDP.
type Broadcaster struct {
	dest   string
	conn   udpConn
	sent   atomic.Uint64
	failed atomic.Uint64
}

// TickDatagram is the payload of each datagram.
type TickDatagram struct {
	Tick           uint64  `json:"tick"`
	SimTimeSeconds float64 `json:"sim_time_s"`
	Latitude       float64 `json:"lat"`
	Longitude      float64 `json:"lng"`
	Speed          float64 `json:"spd"`
	Heading        float64 `json:"hdn"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	RoadID         string  `json:"road_id,omitempty"`
	Failure        string  `json:"failure,omitempty"`
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	if err != nil {
		b.failed.Add(1)
		return err
	}
	b.sent.Add(1)
	return nil
}

// SendTick encodes rep and sends it.
func (b *Broadcaster) SendTick(rep drive.TickReport) error {
	payload, err := json.Marshal(TickDatagram{
		Tick:           rep.Tick,
		SimTimeSeconds: rep.SimTime.Seconds(),
		Latitude:       rep.Sample.Latitude,
		Longitude:      rep.Sample.Longitude,
		Speed:          rep.Sample.Speed,
		Heading:        rep.Sample.Heading,
		X:              rep.X,
		Y:              rep.Y,
		RoadID:         rep.RoadID,
		Failure:        rep.FailKind,
	})
	if err != nil {
		return err
	}
	return b.Send(payload)
}

// Stats returns datagrams sent and failed.
func (b *Broadcaster) Stats() (sent, failed uint64) {
	return b.sent.Load(), b.failed.Load()
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
