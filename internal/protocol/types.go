package protocol

import "fmt"

// Version is the only protocol version this package speaks.
const Version uint8 = 0x00

// HeaderSize is op_code(1) + version(1) + session_id(4).
const HeaderSize = 6

const (
	vector2FSize = 8
	vector2DSize = 16
	movementSize = vector2DSize + vector2FSize + 1
)

// OpCode identifies the message layout following the header.
type OpCode uint8

const (
	OpAuth      OpCode = 0x00
	OpAuthOK    OpCode = 0x01
	OpProp      OpCode = 0x02
	OpPropOK    OpCode = 0x03
	OpMoveOp    OpCode = 0x04
	OpMoveEvent OpCode = 0x05
)

func (o OpCode) String() string {
	switch o {
	case OpAuth:
		return "AUTH"
	case OpAuthOK:
		return "AUTH_OK"
	case OpProp:
		return "PROP"
	case OpPropOK:
		return "PROP_OK"
	case OpMoveOp:
		return "MOVE_OP"
	case OpMoveEvent:
		return "MOVE_EVENT"
	default:
		return fmt.Sprintf("OP(0x%02x)", uint8(o))
	}
}

// Known reports whether o has a layout in the current version.
func (o OpCode) Known() bool {
	return o <= OpMoveEvent
}

// Header is present on every datagram and decoded before dispatch.
type Header struct {
	Op        OpCode
	Version   uint8
	SessionID uint32
}

// Vector2F is used for orientation and prop geometry.
type Vector2F struct {
	X float32
	Y float32
}

// Vector2D is an absolute world position.
type Vector2D struct {
	X float64
	Y float64
}

// MovementState is replaced as a whole by every movement message.
type MovementState struct {
	Position Vector2D
	// Forward is unit-length by contract; it is never renormalized here.
	Forward Vector2F
	Bits    MovementBits
}

// Prop is one piece of static geometry placed in the world.
type Prop struct {
	Position Vector2D
	Shape    PropShape
}
