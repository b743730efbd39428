package traci

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Command identifiers.
const (
	cmdGetVersion = 0x00
	cmdSimStep    = 0x02
	cmdClose      = 0x7F

	cmdGetVehicleVariable = 0xA4
	cmdGetSimVariable     = 0xAB
	cmdSetVehicleVariable = 0xC4

	// A get command's answer carries the request id plus responseOffset.
	responseOffset = 0x10
)

// Variable identifiers.
const (
	varRoadID             = 0x50
	varMoveToXY           = 0xB4
	varPositionConversion = 0x82
)

// Data types.
const (
	typePosition2D = 0x01
	typeLonLat     = 0x00
	typeUByte      = 0x07
	typeByte       = 0x08
	typeInteger    = 0x09
	typeDouble     = 0x0B
	typeString     = 0x0C
	typeCompound   = 0x0F
)

// Result codes.
const (
	rtypeOK     = 0x00
	rtypeNotImp = 0x01
	rtypeErr    = 0xFF
)

// storage builds a big-endian TraCI payload.
type storage struct {
	b []byte
}

func (s *storage) ubyte(v byte) { s.b = append(s.b, v) }

func (s *storage) int32(v int32) { s.b = binary.BigEndian.AppendUint32(s.b, uint32(v)) }

func (s *storage) double(v float64) { s.b = binary.BigEndian.AppendUint64(s.b, math.Float64bits(v)) }

func (s *storage) str(v string) {
	s.int32(int32(len(v)))
	s.b = append(s.b, v...)
}

func (s *storage) bytes() []byte { return s.b }

// appendCommand frames one command: a length byte (or 0 and a 4-byte length
// when it does not fit) followed by the id and payload.
func appendCommand(dst []byte, id byte, payload []byte) []byte {
	n := 1 + 1 + len(payload)
	if n <= 255 {
		dst = append(dst, byte(n), id)
	} else {
		dst = append(dst, 0)
		dst = binary.BigEndian.AppendUint32(dst, uint32(n+4))
		dst = append(dst, id)
	}
	return append(dst, payload...)
}

// frameMessage prefixes commands with the total message length.
func frameMessage(commands []byte) []byte {
	out := make([]byte, 0, 4+len(commands))
	out = binary.BigEndian.AppendUint32(out, uint32(4+len(commands)))
	return append(out, commands...)
}

// reader consumes a big-endian TraCI payload. The first short read sets err
// and every later call returns zero values.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrProtocol, n, r.off, len(r.b))
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) ubyte() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *reader) int32() int32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(p))
}

func (r *reader) double() float64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p))
}

func (r *reader) str() string {
	n := r.int32()
	return string(r.take(int(n)))
}

func (r *reader) remaining() int { return len(r.b) - r.off }

// commandHeader reads a command's length and id and returns the number of
// payload bytes that follow.
func (r *reader) commandHeader() (id byte, payloadLen int) {
	n := int(r.ubyte())
	hdr := 2
	if n == 0 {
		n = int(r.int32())
		hdr = 6
	}
	id = r.ubyte()
	if r.err == nil && n < hdr {
		r.err = fmt.Errorf("%w: command length %d", ErrProtocol, n)
	}
	return id, n - hdr
}
