package protocol

import "fmt"

// Intent is one tri-state movement intent: -1, 0 or +1.
type Intent int8

const (
	IntentBackward Intent = -1
	IntentNone     Intent = 0
	IntentForward  Intent = 1
)

func (i Intent) valid() bool {
	return i >= -1 && i <= 1
}

const (
	movementShift = 0
	rotationShift = 2
	strafeShift   = 4

	fieldMask    = 0x03
	reservedMask = 0xC0
)

// MovementBits are opaque intents forwarded to the world simulation.
//
// Wire layout (one byte):
//
//	bits 0-1  movement
//	bits 2-3  rotation
//	bits 4-5  strafe
//	bits 6-7  reserved, zero
//
// Each field is 2-bit two's complement: 00=0, 01=+1, 11=-1. Pattern 10 (-2) is invalid.
type MovementBits struct {
	Movement Intent
	Rotation Intent
	Strafe   Intent
}

// signExtend2 is the single place the 2-bit sign rule lives.
func signExtend2(v byte) (Intent, error) {
	switch v & fieldMask {
	case 0x00:
		return IntentNone, nil
	case 0x01:
		return IntentForward, nil
	case 0x03:
		return IntentBackward, nil
	default:
		return 0, fmt.Errorf("%w: 2-bit pattern %02b encodes -2", ErrInvalidField, v&fieldMask)
	}
}

func packIntent(i Intent) (byte, error) {
	if !i.valid() {
		return 0, fmt.Errorf("%w: intent %d out of range", ErrInvalidField, i)
	}
	return byte(i) & fieldMask, nil
}

// ParseMovementBits decodes one movement byte. Non-zero reserved bits are
// rejected unless ignoreReserved is set, in which case they are discarded.
func ParseMovementBits(b byte, ignoreReserved bool) (MovementBits, error) {
	if b&reservedMask != 0 && !ignoreReserved {
		return MovementBits{}, fmt.Errorf("%w: reserved movement bits set (0x%02x)", ErrInvalidField, b)
	}
	movement, err := signExtend2(b >> movementShift)
	if err != nil {
		return MovementBits{}, fmt.Errorf("movement: %w", err)
	}
	rotation, err := signExtend2(b >> rotationShift)
	if err != nil {
		return MovementBits{}, fmt.Errorf("rotation: %w", err)
	}
	strafe, err := signExtend2(b >> strafeShift)
	if err != nil {
		return MovementBits{}, fmt.Errorf("strafe: %w", err)
	}
	return MovementBits{Movement: movement, Rotation: rotation, Strafe: strafe}, nil
}

// Byte packs m into its wire byte; reserved bits are always zero.
func (m MovementBits) Byte() (byte, error) {
	movement, err := packIntent(m.Movement)
	if err != nil {
		return 0, fmt.Errorf("movement: %w", err)
	}
	rotation, err := packIntent(m.Rotation)
	if err != nil {
		return 0, fmt.Errorf("rotation: %w", err)
	}
	strafe, err := packIntent(m.Strafe)
	if err != nil {
		return 0, fmt.Errorf("strafe: %w", err)
	}
	return movement<<movementShift | rotation<<rotationShift | strafe<<strafeShift, nil
}
