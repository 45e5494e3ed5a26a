package models

import (
	"fmt"
	"math"
)

// Vec3 is a point or direction in the mesh coordinate frame.
type Vec3 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v.X + w.X, v.Y + w.Y, v.Z + w.Z}
}

// Sub returns v - w.
func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Dist returns the Euclidean distance between v and w.
func (v Vec3) Dist(w Vec3) float64 {
	d := v.Sub(w)
	return math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
}

// RotateX rotates v about the x axis by theta radians.
func (v Vec3) RotateX(theta float64) Vec3 {
	s, c := math.Sincos(theta)
	return Vec3{v.X, c*v.Y - s*v.Z, s*v.Y + c*v.Z}
}

// RotateY rotates v about the y axis by theta radians.
func (v Vec3) RotateY(theta float64) Vec3 {
	s, c := math.Sincos(theta)
	return Vec3{c*v.X + s*v.Z, v.Y, -s*v.X + c*v.Z}
}

// RotateZ rotates v about the z axis by theta radians.
func (v Vec3) RotateZ(theta float64) Vec3 {
	s, c := math.Sincos(theta)
	return Vec3{c*v.X - s*v.Y, s*v.X + c*v.Y, v.Z}
}

// Patch is one independently generated surface patch of the vehicle geometry.
type Patch struct {
	Name   string
	Points []Vec3
}

// Clone returns a deep copy of the patch.
func (p Patch) Clone() Patch {
	pts := make([]Vec3, len(p.Points))
	copy(pts, p.Points)
	return Patch{Name: p.Name, Points: pts}
}

// Mesh is a single intersected, watertight surface mesh.
type Mesh struct {
	Points []Vec3
}

// Clone returns a deep copy of the mesh.
func (m *Mesh) Clone() *Mesh {
	if m == nil {
		return nil
	}
	pts := make([]Vec3, len(m.Points))
	copy(pts, m.Points)
	return &Mesh{Points: pts}
}

// RigidTransform is a translation plus a rotation about the coordinate axes.
// Forward application rotates about x, then y, then z, then translates.
type RigidTransform struct {
	Translation Vec3
	Rotation    Vec3 // radians about x, y, z
}

// Apply transforms the given points in place.
func (t RigidTransform) Apply(points []Vec3) {
	for i, p := range points {
		p = p.RotateX(t.Rotation.X)
		p = p.RotateY(t.Rotation.Y)
		p = p.RotateZ(t.Rotation.Z)
		points[i] = p.Add(t.Translation)
	}
}

// ApplyInverse undoes a prior Apply: it removes the translation, then the
// rotations in reverse order (z, y, x) with negated angles.
func (t RigidTransform) ApplyInverse(points []Vec3) {
	for i, p := range points {
		p = p.Sub(t.Translation)
		p = p.RotateZ(-t.Rotation.Z)
		p = p.RotateY(-t.Rotation.Y)
		points[i] = p.RotateX(-t.Rotation.X)
	}
}

// DesignPoint is an ordered mapping from parameter name to value. Order is
// significant: Jacobian vectors use the same ordering.
type DesignPoint struct {
	Names  []string
	Values []float64
}

// NewDesignPoint builds a design point from parallel name/value slices.
func NewDesignPoint(names []string, values []float64) (DesignPoint, error) {
	if len(names) != len(values) {
		return DesignPoint{}, fmt.Errorf("design point has %d names but %d values", len(names), len(values))
	}
	return DesignPoint{Names: names, Values: values}, nil
}

// Clone returns a deep copy of the design point.
func (d DesignPoint) Clone() DesignPoint {
	names := make([]string, len(d.Names))
	copy(names, d.Names)
	values := make([]float64, len(d.Values))
	copy(values, d.Values)
	return DesignPoint{Names: names, Values: values}
}

// Len returns the number of parameters.
func (d DesignPoint) Len() int { return len(d.Names) }

// SensitivityRecord holds the geometric sensitivity of one surface point with
// respect to every design parameter.
type SensitivityRecord struct {
	Point  Vec3
	Derivs map[string]Vec3 // parameter name -> d(point)/d(param)
}

// SensitivityTable is the per-component output of a sensitivity study.
type SensitivityTable struct {
	Component string
	Records   []SensitivityRecord
}

// LoadCoefficients maps "<coefficient>-<tag>" keys (for example "C_D-entire")
// to values parsed from the solver's loads report.
type LoadCoefficients map[string]float64
