package session

import (
	"fmt"
	"time"

	"github.com/danmuck/battlegrounds/internal/protocol"
)

// PendingProp tracks one PROP awaiting PROP_OK.
type PendingProp struct {
	Index    int
	Prop     protocol.Prop
	Channel  *Channel
	QueuedAt time.Time
}

// AckPolicy picks which pending PROP a PROP_OK acknowledges. PROP_OK carries
// no prop identifier, so the correlation rule is a policy choice.
type AckPolicy interface {
	Name() string
	// Select returns an index into pending, which is in send order and never empty.
	Select(pending []PendingProp) int
}

// FIFOAck treats PROP_OK as acknowledging the oldest unacknowledged PROP.
type FIFOAck struct{}

func (FIFOAck) Name() string             { return AckPolicyFIFO }
func (FIFOAck) Select([]PendingProp) int { return 0 }

// LatestSentAck treats PROP_OK as acknowledging the PROP transmitted most
// recently, ties broken by send order.
type LatestSentAck struct{}

func (LatestSentAck) Name() string { return AckPolicyLatest }

func (LatestSentAck) Select(pending []PendingProp) int {
	best := 0
	var bestAt time.Time
	for i, p := range pending {
		var at time.Time
		if p.Channel != nil {
			at = p.Channel.LastSent()
		}
		if i == 0 || at.After(bestAt) {
			best, bestAt = i, at
		}
	}
	return best
}

// ParseAckPolicy resolves a configured policy name.
func ParseAckPolicy(name string) (AckPolicy, error) {
	switch name {
	case AckPolicyFIFO, "":
		return FIFOAck{}, nil
	case AckPolicyLatest:
		return LatestSentAck{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown prop ack policy %q", ErrInvalidConfig, name)
	}
}

// PropOutbox holds outstanding PROPs in send order. It is owned by one
// Session and relies on the session lock.
type PropOutbox struct {
	policy AckPolicy
	items  []PendingProp
}

func NewPropOutbox(policy AckPolicy) *PropOutbox {
	if policy == nil {
		policy = FIFOAck{}
	}
	return &PropOutbox{policy: policy}
}

func (o *PropOutbox) Push(item PendingProp) {
	o.items = append(o.items, item)
}

// Ack removes and returns the entry selected by the policy.
func (o *PropOutbox) Ack() (PendingProp, bool) {
	if len(o.items) == 0 {
		return PendingProp{}, false
	}
	i := o.policy.Select(o.items)
	if i < 0 || i >= len(o.items) {
		i = 0
	}
	item := o.items[i]
	o.items = append(o.items[:i], o.items[i+1:]...)
	return item, true
}

func (o *PropOutbox) Len() int {
	return len(o.items)
}

// Drain empties the outbox and returns what was pending.
func (o *PropOutbox) Drain() []PendingProp {
	out := o.items
	o.items = nil
	return out
}

func (o *PropOutbox) List() []PendingProp {
	out := make([]PendingProp, len(o.items))
	copy(out, o.items)
	return out
}
