package schema

import (
	"fmt"

	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Point is a GeoJSON point in longitude/latitude order
type Point struct {
	Lng float64
	Lat float64
}

// GeoJSON returns the stored form of the point
func (p Point) GeoJSON() bson.D {
	return bson.D{{Key: "type", Value: "Point"}, {Key: "coordinates", Value: bson.A{p.Lng, p.Lat}}}
}

// PointField holds a GeoJSON point and gets a 2dsphere index
type PointField struct {
	base
}

// GeoPoint creates a point field
func GeoPoint(name string, opts ...Option) *PointField {
	return &PointField{base: newBase(KindPoint, name, opts)}
}

func (f *PointField) check() error {
	return f.checkCommon(false, false, false)
}

// Coerce accepts Points, [lng, lat] pairs and GeoJSON documents
func (f *PointField) Coerce(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case Point:
		return v, nil
	case *Point:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	}
	p, err := toPoint(raw)
	if err != nil {
		return nil, f.errorf("%v", err)
	}
	return p, nil
}

// Validate checks the coordinate ranges
func (f *PointField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	p, ok := value.(Point)
	if !ok {
		return f.errorf("PointField can only accept points, got %T", value)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return f.errorf("Longitude %g is out of range [-180, 180]", p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return f.errorf("Latitude %g is out of range [-90, 90]", p.Lat)
	}
	return f.validateCommon(p)
}

// ToWire stores the point as GeoJSON
func (f *PointField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	return v.(Point).GeoJSON(), nil
}

// FromWire decodes a stored GeoJSON point
func (f *PointField) FromWire(raw interface{}) (interface{}, error) {
	return f.Coerce(raw)
}

// PrepareQuery builds the operand of the geo operators:
//
//	near            point → {$geometry: point}
//	within_box      [[lng, lat], [lng, lat]] → [[lng, lat], [lng, lat]]
//	within_polygon  [[lng, lat], ...] → {$geometry: closed polygon}
//	within_distance [[lng, lat], radians] → [[lng, lat], radians]
//	max_distance    meters
func (f *PointField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	switch op {
	case "near":
		p, err := toPoint(value)
		if err != nil {
			return nil, types.NewFieldError("", f.name, "near: %v", err)
		}
		return bson.D{{Key: "$geometry", Value: p.GeoJSON()}}, nil
	case "max_distance", "min_distance":
		d, ok := toFloat64(value)
		if !ok || d < 0 {
			return nil, types.NewFieldError("", f.name, "%s needs a non-negative number, got %v", op, value)
		}
		return d, nil
	case "within_box":
		corners, ok := sliceValues(value)
		if !ok || len(corners) != 2 {
			return nil, types.NewFieldError("", f.name, "within_box needs two corner points")
		}
		box := bson.A{}
		for _, c := range corners {
			p, err := toPoint(c)
			if err != nil {
				return nil, types.NewFieldError("", f.name, "within_box: %v", err)
			}
			box = append(box, bson.A{p.Lng, p.Lat})
		}
		return box, nil
	case "within_polygon":
		vertices, ok := sliceValues(value)
		if !ok || len(vertices) < 3 {
			return nil, types.NewFieldError("", f.name, "within_polygon needs at least three points")
		}
		ring := bson.A{}
		var first Point
		for i, c := range vertices {
			p, err := toPoint(c)
			if err != nil {
				return nil, types.NewFieldError("", f.name, "within_polygon: %v", err)
			}
			if i == 0 {
				first = p
			}
			ring = append(ring, bson.A{p.Lng, p.Lat})
		}
		last, _ := toPoint(vertices[len(vertices)-1])
		if last != first {
			ring = append(ring, bson.A{first.Lng, first.Lat})
		}
		polygon := bson.D{{Key: "type", Value: "Polygon"}, {Key: "coordinates", Value: bson.A{ring}}}
		return bson.D{{Key: "$geometry", Value: polygon}}, nil
	case "within_distance":
		parts, ok := sliceValues(value)
		if !ok || len(parts) != 2 {
			return nil, types.NewFieldError("", f.name, "within_distance needs [point, radius]")
		}
		p, err := toPoint(parts[0])
		if err != nil {
			return nil, types.NewFieldError("", f.name, "within_distance: %v", err)
		}
		r, ok := toFloat64(parts[1])
		if !ok || r < 0 {
			return nil, types.NewFieldError("", f.name, "within_distance needs a non-negative radius")
		}
		return bson.A{bson.A{p.Lng, p.Lat}, r}, nil
	}
	return prepareScalar(f, op, value)
}

func toPoint(raw interface{}) (Point, error) {
	switch v := raw.(type) {
	case Point:
		return v, nil
	case *Point:
		if v != nil {
			return *v, nil
		}
	}
	if m, ok := mapValues(raw); ok {
		if t, _ := m["type"].(string); t != "Point" {
			return Point{}, fmt.Errorf("GeoJSON type must be Point, got %v", m["type"])
		}
		raw = m["coordinates"]
	}
	coords, ok := sliceValues(raw)
	if !ok || len(coords) != 2 {
		return Point{}, fmt.Errorf("PointField can only accept [longitude, latitude] pairs, got %v", raw)
	}
	lng, ok1 := toFloat64(coords[0])
	lat, ok2 := toFloat64(coords[1])
	if !ok1 || !ok2 {
		return Point{}, fmt.Errorf("point coordinates must be numbers, got %v", raw)
	}
	return Point{Lng: lng, Lat: lat}, nil
}
