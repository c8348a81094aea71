package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxNameLen is bounded by the u8 name length prefix.
const MaxNameLen = math.MaxUint8

// Encode writes p as one datagram.
func Encode(p Packet) ([]byte, error) {
	if p.Message == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidField)
	}
	op := p.Message.OpCode()
	size, _ := MinSize(op)
	w := &writer{buf: make([]byte, 0, size)}
	w.header(Header{Op: op, Version: Version, SessionID: p.SessionID})
	if err := p.Message.encodePayload(w); err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	return w.buf, nil
}

// EncodeHeader returns the 6 header bytes for h.
func EncodeHeader(h Header) []byte {
	w := &writer{buf: make([]byte, 0, HeaderSize)}
	w.header(h)
	return w.buf
}

func (Auth) encodePayload(*writer) error   { return nil }
func (PropOK) encodePayload(*writer) error { return nil }

func (m AuthOK) encodePayload(w *writer) error {
	if len(m.Name) > MaxNameLen {
		return fmt.Errorf("%w: character name is %d bytes (max %d)", ErrInvalidField, len(m.Name), MaxNameLen)
	}
	w.uint8(uint8(len(m.Name)))
	w.buf = append(w.buf, m.Name...)
	return w.movement(m.Movement)
}

func (m Prop) encodePayload(w *writer) error {
	w.vector2D(m.Position)
	return w.shape(m.Shape)
}

func (m MoveOp) encodePayload(w *writer) error {
	w.uint16(m.OpSig)
	return w.movement(m.Movement)
}

func (m MoveEvent) encodePayload(w *writer) error {
	w.uint16(m.OpSig)
	w.uint16(m.EventSig)
	return w.movement(m.Movement)
}

type writer struct {
	buf []byte
}

func (w *writer) header(h Header) {
	w.uint8(uint8(h.Op))
	w.uint8(h.Version)
	w.uint32(h.SessionID)
}

func (w *writer) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) float32(v float32) {
	w.uint32(math.Float32bits(v))
}

func (w *writer) float64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *writer) vector2F(v Vector2F) {
	w.float32(v.X)
	w.float32(v.Y)
}

func (w *writer) vector2D(v Vector2D) {
	w.float64(v.X)
	w.float64(v.Y)
}

func (w *writer) movement(m MovementState) error {
	bits, err := m.Bits.Byte()
	if err != nil {
		return err
	}
	w.vector2D(m.Position)
	w.vector2F(m.Forward)
	w.uint8(bits)
	return nil
}
