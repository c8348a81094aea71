package protocol

// Message is one of the six wire messages. The set is closed.
type Message interface {
	OpCode() OpCode
	encodePayload(w *writer) error
}

// Packet is a header-addressed message. The header op code and version are
// derived from Message on encode.
type Packet struct {
	SessionID uint32
	Message   Message
}

// Auth opens a session. The header session id carries the login ticket.
type Auth struct{}

// AuthOK carries the character that was selected at login.
type AuthOK struct {
	Name     string
	Movement MovementState
}

// Prop (declared in types.go) is sent as the PROP message.

// PropOK acknowledges one PROP.
type PropOK struct{}

// MoveOp is a client movement update; OpSig is chosen by the sender.
type MoveOp struct {
	OpSig    uint16
	Movement MovementState
}

// MoveEvent relays a processed MoveOp. EventSig is assigned by the server.
type MoveEvent struct {
	OpSig    uint16
	EventSig uint16
	Movement MovementState
}

func (Auth) OpCode() OpCode      { return OpAuth }
func (AuthOK) OpCode() OpCode    { return OpAuthOK }
func (Prop) OpCode() OpCode      { return OpProp }
func (PropOK) OpCode() OpCode    { return OpPropOK }
func (MoveOp) OpCode() OpCode    { return OpMoveOp }
func (MoveEvent) OpCode() OpCode { return OpMoveEvent }

// minPayload is the fixed-size portion of each payload, after the header.
var minPayload = map[OpCode]int{
	OpAuth:      0,
	OpAuthOK:    1 + movementSize,
	OpProp:      vector2DSize + 1,
	OpPropOK:    0,
	OpMoveOp:    2 + movementSize,
	OpMoveEvent: 2 + 2 + movementSize,
}

// MinSize returns the smallest valid datagram for op, header included.
func MinSize(op OpCode) (int, bool) {
	n, ok := minPayload[op]
	if !ok {
		return 0, false
	}
	return HeaderSize + n, true
}
