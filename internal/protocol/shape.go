package protocol

import (
	"fmt"
	"math"
)

// ShapeType is the wire tag selecting a PropShape variant.
type ShapeType uint8

const (
	ShapeCircle  ShapeType = 0
	ShapePolygon ShapeType = 1
)

// MaxPolygonVertices is bounded by the u16 vertex count.
const MaxPolygonVertices = math.MaxUint16

const circlePayloadSize = vector2FSize + 4

// PropShape is either Circle or Polygon. Consumers switch on the concrete type
// and must treat any other type as an error.
type PropShape interface {
	ShapeType() ShapeType
	isPropShape()
}

type Circle struct {
	Center Vector2F
	Radius float32
}

func (Circle) ShapeType() ShapeType { return ShapeCircle }
func (Circle) isPropShape()         {}

// Polygon is a vertex list of at most MaxPolygonVertices. Decoded polygons
// always carry a non-nil Vertices slice, empty when the count is zero.
type Polygon struct {
	Vertices []Vector2F
}

func (Polygon) ShapeType() ShapeType { return ShapePolygon }
func (Polygon) isPropShape()         {}

// DecodeShape decodes a shape payload of the given tag. The whole of b must be
// consumed; trailing bytes are a length mismatch.
func DecodeShape(tag ShapeType, b []byte) (PropShape, error) {
	r := newReader(b)
	shape, err := r.shape(tag)
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return shape, nil
}

func (r *reader) shape(tag ShapeType) (PropShape, error) {
	switch tag {
	case ShapeCircle:
		if err := r.fixed(circlePayloadSize); err != nil {
			return nil, err
		}
		return Circle{Center: r.vector2F(), Radius: r.float32()}, nil
	case ShapePolygon:
		if err := r.fixed(2); err != nil {
			return nil, err
		}
		n := int(r.uint16())
		if err := r.variable(n*vector2FSize, "polygon vertices"); err != nil {
			return nil, err
		}
		vertices := make([]Vector2F, n)
		for i := range vertices {
			vertices[i] = r.vector2F()
		}
		return Polygon{Vertices: vertices}, nil
	default:
		return nil, fmt.Errorf("%w: shape type %d", ErrUnknownVariant, tag)
	}
}

func (w *writer) shape(s PropShape) error {
	switch v := s.(type) {
	case Circle:
		w.uint8(uint8(ShapeCircle))
		w.vector2F(v.Center)
		w.float32(v.Radius)
	case Polygon:
		if len(v.Vertices) > MaxPolygonVertices {
			return fmt.Errorf("%w: polygon has %d vertices (max %d)", ErrInvalidField, len(v.Vertices), MaxPolygonVertices)
		}
		w.uint8(uint8(ShapePolygon))
		w.uint16(uint16(len(v.Vertices)))
		for _, vertex := range v.Vertices {
			w.vector2F(vertex)
		}
	case nil:
		return fmt.Errorf("%w: nil prop shape", ErrInvalidField)
	default:
		return fmt.Errorf("%w: prop shape %T", ErrUnknownVariant, s)
	}
	return nil
}
