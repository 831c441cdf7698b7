package arc

import "github.com/shaunagostinho/grblstream/internal/gcode"

// Axis indexes a Point.
const (
	AxisX = iota
	AxisY
	AxisZ
)

// Point is a position in program units, indexed by AxisX/AxisY/AxisZ.
type Point [3]float64

// DistanceMode selects how coordinates are interpreted.
type DistanceMode int

const (
	Absolute DistanceMode = iota
	Incremental
)

// Plane is the active arc plane.
type Plane int

const (
	PlaneXY Plane = iota // G17
	PlaneZX              // G18
	PlaneYZ              // G19
)

// axes returns the two in-plane axes and the linear (helical) axis, ordered
// the way GRBL orders them so that G2 stays clockwise in every plane.
func (p Plane) axes() (a0, a1, linear int) {
	switch p {
	case PlaneZX:
		return AxisZ, AxisX, AxisY
	case PlaneYZ:
		return AxisY, AxisZ, AxisX
	default:
		return AxisX, AxisY, AxisZ
	}
}

// Units is the active length unit.
type Units int

const (
	Millimeters Units = iota // G21
	Inches                   // G20
)

const mmPerInch = 25.4

// ModalState is the slice of controller state the converter needs to
// re-encode arcs. It is mutated only by the converter, in program order.
type ModalState struct {
	Distance    DistanceMode // G90 / G91
	ArcDistance DistanceMode // G90.1 / G91.1, independent of Distance
	Units       Units
	Plane       Plane
	Motion      int // last modal motion code: 0, 1, 2 or 3
	Position    Point
}

// NewModalState returns the controller power-on state: absolute distances,
// incremental arc offsets, millimetres, XY plane, rapid motion, at origin.
func NewModalState() ModalState {
	return ModalState{
		Distance:    Absolute,
		ArcDistance: Incremental,
		Units:       Millimeters,
		Plane:       PlaneXY,
		Motion:      0,
	}
}

// apply updates the modal groups named by the words of one block.
// It returns the motion code explicitly programmed on the block, or -1.
func (s *ModalState) apply(words []gcode.Word) int {
	motion := -1
	for _, w := range words {
		if w.Letter != 'G' {
			continue
		}
		switch {
		case w.Is('G', 0), w.Is('G', 1), w.Is('G', 2), w.Is('G', 3):
			motion = int(w.Value + 0.5)
			s.Motion = motion
		case w.Is('G', 17):
			s.Plane = PlaneXY
		case w.Is('G', 18):
			s.Plane = PlaneZX
		case w.Is('G', 19):
			s.Plane = PlaneYZ
		case w.Is('G', 20):
			s.setUnits(Inches)
		case w.Is('G', 21):
			s.setUnits(Millimeters)
		case w.Is('G', 90):
			s.Distance = Absolute
		case w.Is('G', 91):
			s.Distance = Incremental
		case w.Is('G', 90.1):
			s.ArcDistance = Absolute
		case w.Is('G', 91.1):
			s.ArcDistance = Incremental
		}
	}
	return motion
}

// setUnits switches units, rescaling the tracked position so it stays in
// program units.
func (s *ModalState) setUnits(u Units) {
	if s.Units == u {
		return
	}
	scale := mmPerInch
	if u == Inches {
		scale = 1 / mmPerInch
	}
	for i := range s.Position {
		s.Position[i] *= scale
	}
	s.Units = u
}

// target resolves the programmed end point of a block, defaulting omitted
// axes to the current position.
func (s *ModalState) target(axes map[int]float64) Point {
	end := s.Position
	for axis, v := range axes {
		if s.Distance == Incremental {
			end[axis] += v
		} else {
			end[axis] = v
		}
	}
	return end
}
