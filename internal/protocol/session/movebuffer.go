package session

import "github.com/danmuck/battlegrounds/internal/protocol"

// MoveBuffer holds MOVE_OPs received before the session is Active. It keeps
// at most limit entries; the oldest is dropped when full.
type MoveBuffer struct {
	limit int
	ops   []protocol.MoveOp
}

func NewMoveBuffer(limit int) *MoveBuffer {
	if limit <= 0 {
		limit = 1
	}
	return &MoveBuffer{limit: limit}
}

// Push records op. A duplicate op_sig replaces the earlier entry in place.
// It reports whether an older entry was evicted.
func (b *MoveBuffer) Push(op protocol.MoveOp) bool {
	for i := range b.ops {
		if b.ops[i].OpSig == op.OpSig {
			b.ops[i] = op
			return false
		}
	}
	evicted := false
	if len(b.ops) == b.limit {
		b.ops = b.ops[1:]
		evicted = true
	}
	b.ops = append(b.ops, op)
	return evicted
}

func (b *MoveBuffer) Len() int {
	return len(b.ops)
}

// Drain returns buffered ops in arrival order and empties the buffer.
func (b *MoveBuffer) Drain() []protocol.MoveOp {
	out := b.ops
	b.ops = nil
	return out
}
