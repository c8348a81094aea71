package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Decoder carries decode policy. The zero value is strict.
type Decoder struct {
	// IgnoreReservedBits discards the two reserved movement bits instead of
	// rejecting the datagram.
	IgnoreReservedBits bool
}

// Decode parses one datagram with the strict default policy.
func Decode(b []byte) (Packet, error) {
	return Decoder{}.Decode(b)
}

// DecodeHeader parses only the routing header. The version is checked; the op
// code is not.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &DecodeError{Err: ErrTruncated, Detail: fmt.Sprintf("%d bytes, header needs %d", len(b), HeaderSize)}
	}
	h := Header{
		Op:        OpCode(b[0]),
		Version:   b[1],
		SessionID: binary.BigEndian.Uint32(b[2:6]),
	}
	if h.Version != Version {
		return h, &DecodeError{Op: h.Op, Offset: 1, Err: ErrUnsupportedVersion, Detail: fmt.Sprintf("version %d", h.Version)}
	}
	return h, nil
}

// Decode parses one datagram. Failures are *DecodeError wrapping a sentinel.
func (d Decoder) Decode(b []byte) (Packet, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Packet{}, err
	}
	need, ok := MinSize(h.Op)
	if !ok {
		return Packet{}, &DecodeError{Op: h.Op, Offset: 0, Err: ErrUnknownOpCode}
	}
	if len(b) < need {
		return Packet{}, &DecodeError{Op: h.Op, Offset: len(b), Err: ErrTruncated, Detail: fmt.Sprintf("%d bytes, %s needs at least %d", len(b), h.Op, need)}
	}

	r := newReader(b)
	r.off = HeaderSize
	msg, err := d.payload(h.Op, r)
	if err == nil {
		err = r.done()
	}
	if err != nil {
		return Packet{}, wrapDecode(h.Op, r.off, err)
	}
	return Packet{SessionID: h.SessionID, Message: msg}, nil
}

func (d Decoder) payload(op OpCode, r *reader) (Message, error) {
	switch op {
	case OpAuth:
		return Auth{}, nil
	case OpPropOK:
		return PropOK{}, nil
	case OpAuthOK:
		n := int(r.uint8())
		if err := r.variable(n+movementSize, "character name"); err != nil {
			return nil, err
		}
		name := string(r.take(n))
		mv, err := d.movement(r)
		if err != nil {
			return nil, err
		}
		return AuthOK{Name: name, Movement: mv}, nil
	case OpProp:
		pos := r.vector2D()
		tag := ShapeType(r.uint8())
		shape, err := r.shape(tag)
		if err != nil {
			return nil, err
		}
		return Prop{Position: pos, Shape: shape}, nil
	case OpMoveOp:
		sig := r.uint16()
		mv, err := d.movement(r)
		if err != nil {
			return nil, err
		}
		return MoveOp{OpSig: sig, Movement: mv}, nil
	case OpMoveEvent:
		sig := r.uint16()
		evt := r.uint16()
		mv, err := d.movement(r)
		if err != nil {
			return nil, err
		}
		return MoveEvent{OpSig: sig, EventSig: evt, Movement: mv}, nil
	default:
		return nil, ErrUnknownOpCode
	}
}

func (d Decoder) movement(r *reader) (MovementState, error) {
	if err := r.fixed(movementSize); err != nil {
		return MovementState{}, err
	}
	pos := r.vector2D()
	fwd := r.vector2F()
	bits, err := ParseMovementBits(r.uint8(), d.IgnoreReservedBits)
	if err != nil {
		return MovementState{}, err
	}
	return MovementState{Position: pos, Forward: fwd, Bits: bits}, nil
}

func wrapDecode(op OpCode, off int, err error) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return de
	}
	sentinel := ErrInvalidField
	for _, s := range []error{ErrTruncated, ErrLengthMismatch, ErrUnknownOpCode, ErrUnknownVariant, ErrInvalidField, ErrUnsupportedVersion} {
		if errors.Is(err, s) {
			sentinel = s
			break
		}
	}
	return &DecodeError{Op: op, Offset: off, Err: sentinel, Detail: err.Error()}
}

// reader is a bounds-checked cursor. Callers check fixed/variable before the
// unchecked getters.
type reader struct {
	b   []byte
	off int
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

// fixed reports ErrTruncated when a fixed-size portion is short.
func (r *reader) fixed(n int) error {
	if r.remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, r.remaining())
	}
	return nil
}

// variable reports ErrLengthMismatch when a declared length runs past the end.
func (r *reader) variable(n int, what string) error {
	if r.remaining() < n {
		return fmt.Errorf("%w: %s declares %d bytes, %d remain", ErrLengthMismatch, what, n, r.remaining())
	}
	return nil
}

func (r *reader) done() error {
	if r.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrLengthMismatch, r.remaining())
	}
	return nil
}

func (r *reader) take(n int) []byte {
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) uint8() uint8 {
	return r.take(1)[0]
}

func (r *reader) uint16() uint16 {
	return binary.BigEndian.Uint16(r.take(2))
}

func (r *reader) uint32() uint32 {
	return binary.BigEndian.Uint32(r.take(4))
}

func (r *reader) float32() float32 {
	return math.Float32frombits(r.uint32())
}

func (r *reader) float64() float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(r.take(8)))
}

func (r *reader) vector2F() Vector2F {
	return Vector2F{X: r.float32(), Y: r.float32()}
}

func (r *reader) vector2D() Vector2D {
	return Vector2D{X: r.float64(), Y: r.float64()}
}
