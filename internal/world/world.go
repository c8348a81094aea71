// Package world serves the static prop layout to new sessions.
package world

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/danmuck/battlegrounds/internal/config"
	"github.com/danmuck/battlegrounds/internal/protocol"
	"github.com/danmuck/battlegrounds/internal/protocol/session"
)

// World implements session.WorldQuery over an in-memory prop list.
type World struct {
	mu     sync.RWMutex
	name   string
	props  []protocol.Prop
	radius float64
}

// New returns a world whose NearbyProps returns props within radius of the
// viewer's position. A radius of 0 returns every prop.
func New(name string, props []protocol.Prop, radius float64) *World {
	return &World{name: name, props: props, radius: radius}
}

// FromConfig converts a loaded world file.
func FromConfig(cfg config.WorldConfig, radius float64) (*World, error) {
	props := make([]protocol.Prop, 0, len(cfg.Props))
	for i, entry := range cfg.Props {
		p, err := entry.Prop()
		if err != nil {
			return nil, fmt.Errorf("world %q prop[%d]: %w", cfg.Name, i, err)
		}
		props = append(props, p)
	}
	return New(cfg.Name, props, radius), nil
}

// Load reads a world file from disk.
func Load(path string, radius float64) (*World, error) {
	cfg, err := config.LoadWorldConfig(path)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg, radius)
}

func (w *World) Name() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.name
}

func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.props)
}

// Props returns a copy of the current prop list.
func (w *World) Props() []protocol.Prop {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]protocol.Prop(nil), w.props...)
}

// Replace swaps the prop list; sessions already past AwaitingWorld keep what
// they received.
func (w *World) Replace(props []protocol.Prop) {
	w.mu.Lock()
	w.props = props
	w.mu.Unlock()
}

func (w *World) NearbyProps(ctx context.Context, v session.View) ([]protocol.Prop, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]protocol.Prop, 0, len(w.props))
	for _, p := range w.props {
		if w.radius > 0 && Distance(p.Position, v.Movement.Position) > w.radius {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func Distance(a, b protocol.Vector2D) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
