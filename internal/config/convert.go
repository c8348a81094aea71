package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/danmuck/battlegrounds/internal/protocol"
)

// Prop converts the entry to its wire form.
func (p PropEntry) Prop() (protocol.Prop, error) {
	pos, err := vec2D(p.Position, "position")
	if err != nil {
		return protocol.Prop{}, err
	}
	shape, err := p.Shape.Shape()
	if err != nil {
		return protocol.Prop{}, err
	}
	return protocol.Prop{Position: pos, Shape: shape}, nil
}

func (s ShapeEntry) Shape() (protocol.PropShape, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "circle":
		center, err := vec2F(s.Center, "center")
		if err != nil {
			return nil, err
		}
		if s.Radius <= 0 {
			return nil, fmt.Errorf("circle radius must be positive")
		}
		return protocol.Circle{Center: center, Radius: s.Radius}, nil
	case "polygon":
		if len(s.Vertices) > protocol.MaxPolygonVertices {
			return nil, fmt.Errorf("polygon has %d vertices, max %d", len(s.Vertices), protocol.MaxPolygonVertices)
		}
		verts := make([]protocol.Vector2F, 0, len(s.Vertices))
		for i, v := range s.Vertices {
			vec, err := vec2F(v, fmt.Sprintf("vertex[%d]", i))
			if err != nil {
				return nil, err
			}
			verts = append(verts, vec)
		}
		return protocol.Polygon{Vertices: verts}, nil
	default:
		return nil, fmt.Errorf("unknown shape type %q", s.Type)
	}
}

// Movement returns the character's spawn movement state. Forward defaults to
// +X when unset.
func (c CharacterEntry) Movement() (protocol.MovementState, error) {
	pos, err := vec2D(c.Position, "position")
	if err != nil {
		return protocol.MovementState{}, err
	}
	fwd := protocol.Vector2F{X: 1}
	if c.Forward != nil {
		if fwd, err = vec2F(c.Forward, "forward"); err != nil {
			return protocol.MovementState{}, err
		}
	}
	return protocol.MovementState{Position: pos, Forward: fwd}, nil
}

func vec2D(v []float64, what string) (protocol.Vector2D, error) {
	if v == nil {
		return protocol.Vector2D{}, nil
	}
	if len(v) != 2 {
		return protocol.Vector2D{}, fmt.Errorf("%s needs 2 components, got %d", what, len(v))
	}
	if math.IsNaN(v[0]) || math.IsNaN(v[1]) {
		return protocol.Vector2D{}, fmt.Errorf("%s is NaN", what)
	}
	return protocol.Vector2D{X: v[0], Y: v[1]}, nil
}

func vec2F(v []float32, what string) (protocol.Vector2F, error) {
	if v == nil {
		return protocol.Vector2F{}, nil
	}
	if len(v) != 2 {
		return protocol.Vector2F{}, fmt.Errorf("%s needs 2 components, got %d", what, len(v))
	}
	return protocol.Vector2F{X: v[0], Y: v[1]}, nil
}
