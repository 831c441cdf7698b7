// Package arc rewrites G2/G3 circular interpolation as chains of G1 chords
// whose deviation from the true arc stays within a tolerance. It is meant
// for controllers that either lack arc support or execute arcs poorly.
package arc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shaunagostinho/grblstream/internal/gcode"
)

// ErrGeometry is returned for arcs whose centre or span cannot be resolved.
var ErrGeometry = errors.New("arc: degenerate geometry")

const (
	// DefaultTolerance is the chord tolerance in millimetres.
	DefaultTolerance = 0.02
	// DefaultDecimals is the number of decimals written for coordinates.
	DefaultDecimals = 4
	// MaxSegments bounds the output of a single arc.
	MaxSegments = 10000

	// angularEpsilon matches GRBL's ARC_ANGULAR_TRAVEL_EPSILON.
	angularEpsilon = 5e-7
	// minRadius below which an arc is treated as a point.
	minRadius = 1e-9
)

// Options configures a Converter.
type Options struct {
	Tolerance         float64 // max chord deviation in mm
	MaxSegmentDegrees float64 // optional cap on the angle of one chord, 0 disables
	Decimals          int     // coordinate decimals on output
}

// ArcSpec is one G2/G3 block, resolved against the modal state.
type ArcSpec struct {
	Clockwise bool
	Start     Point
	End       Point

	Offset    Point // I, J, K as programmed
	HasOffset bool
	Radius    float64 // signed R; negative selects the long way round
	HasRadius bool

	Leading  []string // N words and non-motion G words, emitted before G1
	Trailing []string // F, S, M and unknown words, emitted after the axes
	Comment  string
}

// Converter expands arcs line by line while tracking modal state.
// A Converter is not safe for concurrent use.
type Converter struct {
	opts  Options
	state ModalState
}

// New returns a Converter at the power-on modal state.
func New(opts Options) *Converter {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Decimals <= 0 {
		opts.Decimals = DefaultDecimals
	}
	return &Converter{opts: opts, state: NewModalState()}
}

// State returns a copy of the current modal state.
func (c *Converter) State() ModalState { return c.state }

// Reset returns the modal state to power-on defaults.
func (c *Converter) Reset() { c.state = NewModalState() }

// ConvertLines converts a whole program, stopping at the first arc that
// cannot be resolved.
func (c *Converter) ConvertLines(lines []string) ([]string, error) {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		converted, err := c.ConvertLine(line)
		if err != nil {
			return out, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, converted...)
	}
	return out, nil
}

// ConvertLine returns the replacement for one program line. Lines that are
// not arcs come back unchanged; arcs come back as one or more G1 lines.
// On error the modal state is left as it was before the arc's motion.
func (c *Converter) ConvertLine(line string) ([]string, error) {
	code, comment := gcode.Split(line)
	if code == "" || gcode.IsSystem(code) {
		return []string{line}, nil
	}
	words, err := gcode.Tokenize(code)
	if err != nil {
		// Not ours to validate; let the controller report it.
		return []string{line}, nil
	}

	explicit := c.state.apply(words)

	var (
		axes      = map[int]float64{}
		offsets   Point
		hasOffset bool
		radius    float64
		hasRadius bool
		nonModal  bool
	)
	for _, w := range words {
		switch w.Letter {
		case 'X':
			axes[AxisX] = w.Value
		case 'Y':
			axes[AxisY] = w.Value
		case 'Z':
			axes[AxisZ] = w.Value
		case 'I':
			offsets[AxisX], hasOffset = w.Value, true
		case 'J':
			offsets[AxisY], hasOffset = w.Value, true
		case 'K':
			offsets[AxisZ], hasOffset = w.Value, true
		case 'R':
			radius, hasRadius = w.Value, true
		case 'G':
			if w.Is('G', 92) {
				for axis, v := range axesOf(words) {
					c.state.Position[axis] = v
				}
				return []string{line}, nil
			}
			if w.Is('G', 4) || w.Is('G', 10) || w.Is('G', 28) || w.Is('G', 30) || w.Is('G', 53) {
				nonModal = true
			}
		}
	}
	if nonModal {
		return []string{line}, nil
	}

	motion := explicit
	if motion < 0 && (len(axes) > 0 || hasOffset || hasRadius) {
		motion = c.state.Motion
	}

	switch motion {
	case 0, 1:
		if len(axes) > 0 {
			c.state.Position = c.state.target(axes)
		}
		return []string{line}, nil
	case 2, 3:
	default:
		return []string{line}, nil
	}
	if len(axes) == 0 && !hasOffset && !hasRadius {
		return []string{line}, nil
	}

	spec := ArcSpec{
		Clockwise: motion == 2,
		Start:     c.state.Position,
		End:       c.state.target(axes),
		Offset:    offsets,
		HasOffset: hasOffset,
		Radius:    radius,
		HasRadius: hasRadius,
		Comment:   comment,
	}
	for _, w := range words {
		switch w.Letter {
		case 'X', 'Y', 'Z', 'I', 'J', 'K', 'R':
		case 'N':
			spec.Leading = append(spec.Leading, w.Raw)
		case 'G':
			if !w.Is('G', 2) && !w.Is('G', 3) {
				spec.Leading = append(spec.Leading, w.Raw)
			}
		default:
			spec.Trailing = append(spec.Trailing, w.Raw)
		}
	}

	out, err := c.expand(spec)
	if err != nil {
		return nil, err
	}
	c.state.Position = spec.End
	return out, nil
}

// axesOf collects the axis words of a block.
func axesOf(words []gcode.Word) map[int]float64 {
	axes := map[int]float64{}
	for _, w := range words {
		switch w.Letter {
		case 'X':
			axes[AxisX] = w.Value
		case 'Y':
			axes[AxisY] = w.Value
		case 'Z':
			axes[AxisZ] = w.Value
		}
	}
	return axes
}

// tolerance returns the chord tolerance in program units.
func (c *Converter) tolerance() float64 {
	if c.state.Units == Inches {
		return c.opts.Tolerance / mmPerInch
	}
	return c.opts.Tolerance
}

// geometry is the resolved circle of an arc in the active plane.
type geometry struct {
	center     [2]float64 // in-plane centre, axis order a0, a1
	radius     float64
	startAngle float64
	span       float64 // signed; negative is clockwise
}

// resolve computes centre, radius and angular span for spec in the
// current plane.
func (c *Converter) resolve(spec ArcSpec) (geometry, error) {
	a0, a1, _ := c.state.Plane.axes()
	s0, s1 := spec.Start[a0], spec.Start[a1]
	e0, e1 := spec.End[a0], spec.End[a1]

	var g geometry
	switch {
	case spec.HasRadius:
		x, y := e0-s0, e1-s1
		chord := math.Hypot(x, y)
		if chord < minRadius {
			return g, fmt.Errorf("%w: R arc with coincident start and end", ErrGeometry)
		}
		r := math.Abs(spec.Radius)
		if r < minRadius {
			return g, fmt.Errorf("%w: zero radius", ErrGeometry)
		}
		d := 4*r*r - x*x - y*y
		if d < 0 {
			if chord/2-r > c.tolerance() {
				return g, fmt.Errorf("%w: radius %.4f shorter than half chord %.4f", ErrGeometry, r, chord/2)
			}
			d, r = 0, chord/2
		}
		h := -math.Sqrt(d) / chord
		if !spec.Clockwise {
			h = -h
		}
		if spec.Radius < 0 {
			h = -h
		}
		g.center = [2]float64{s0 + 0.5*(x-y*h), s1 + 0.5*(y+x*h)}
		g.radius = r

	case spec.HasOffset:
		o0, o1 := spec.Offset[a0], spec.Offset[a1]
		if c.state.ArcDistance == Incremental {
			g.center = [2]float64{s0 + o0, s1 + o1}
		} else {
			g.center = [2]float64{o0, o1}
		}
		g.radius = math.Hypot(s0-g.center[0], s1-g.center[1])
		if g.radius < minRadius {
			return g, fmt.Errorf("%w: zero radius", ErrGeometry)
		}
		// Same end-radius check the firmware applies.
		endRadius := math.Hypot(e0-g.center[0], e1-g.center[1])
		if dr := math.Abs(endRadius - g.radius); dr > 0.005 && (dr > 0.5 || dr > 0.001*g.radius) {
			return g, fmt.Errorf("%w: end point is %.4f off the arc", ErrGeometry, dr)
		}

	default:
		return g, fmt.Errorf("%w: arc without I/J/K or R", ErrGeometry)
	}

	r0, r1 := s0-g.center[0], s1-g.center[1]
	t0, t1 := e0-g.center[0], e1-g.center[1]
	span := math.Atan2(r0*t1-r1*t0, r0*t0+r1*t1)
	if spec.Clockwise {
		if span >= -angularEpsilon {
			span -= 2 * math.Pi
		}
	} else if span <= angularEpsilon {
		span += 2 * math.Pi
	}
	g.startAngle = math.Atan2(r1, r0)
	g.span = span
	return g, nil
}

// segmentCount is the smallest chord count keeping deviation within tol.
func (c *Converter) segmentCount(radius, span float64) int {
	arg := 1 - c.tolerance()/radius
	if arg < -1 {
		arg = -1
	}
	step := 2 * math.Acos(arg)
	if c.opts.MaxSegmentDegrees > 0 {
		step = math.Min(step, c.opts.MaxSegmentDegrees*math.Pi/180)
	}
	if step <= 0 {
		return MaxSegments
	}
	n := int(math.Ceil(math.Abs(span)/step - 1e-9))
	if n < 1 {
		n = 1
	}
	if n > MaxSegments {
		n = MaxSegments
	}
	return n
}

// points returns the chord end points of spec, the last one being the
// programmed end exactly.
func (c *Converter) points(spec ArcSpec) ([]Point, error) {
	g, err := c.resolve(spec)
	if err != nil {
		return nil, err
	}
	a0, a1, lin := c.state.Plane.axes()
	n := c.segmentCount(g.radius, g.span)
	linear := spec.End[lin] - spec.Start[lin]

	pts := make([]Point, n)
	for k := 1; k < n; k++ {
		f := float64(k) / float64(n)
		angle := g.startAngle + g.span*f
		p := spec.Start
		p[a0] = g.center[0] + g.radius*math.Cos(angle)
		p[a1] = g.center[1] + g.radius*math.Sin(angle)
		p[lin] = spec.Start[lin] + linear*f
		pts[k-1] = p
	}
	pts[n-1] = spec.End
	return pts, nil
}

// expand renders spec as G1 lines in the active distance mode.
func (c *Converter) expand(spec ArcSpec) ([]string, error) {
	pts, err := c.points(spec)
	if err != nil {
		return nil, err
	}
	a0, a1, lin := c.state.Plane.axes()
	helical := math.Abs(spec.End[lin]-spec.Start[lin]) > minRadius

	var emitted Point // running sum of written deltas, incremental mode only
	out := make([]string, 0, len(pts))
	for i, p := range pts {
		var b strings.Builder
		if i == 0 {
			for _, w := range spec.Leading {
				b.WriteString(w)
				b.WriteByte(' ')
			}
		}
		b.WriteString("G1")
		for axis := AxisX; axis <= AxisZ; axis++ {
			if axis != a0 && axis != a1 && !(axis == lin && helical) {
				continue
			}
			v := p[axis]
			if c.state.Distance == Incremental {
				if i == len(pts)-1 {
					v = (spec.End[axis] - spec.Start[axis]) - emitted[axis]
				} else {
					v = c.round(p[axis] - spec.Start[axis] - emitted[axis])
				}
				emitted[axis] += v
			}
			b.WriteByte(' ')
			b.WriteByte("XYZ"[axis])
			b.WriteString(c.format(v))
		}
		if i == 0 {
			for _, w := range spec.Trailing {
				b.WriteByte(' ')
				b.WriteString(w)
			}
			if spec.Comment != "" {
				b.WriteByte(' ')
				b.WriteString(spec.Comment)
			}
		}
		out = append(out, b.String())
	}
	return out, nil
}

func (c *Converter) round(v float64) float64 {
	scale := math.Pow(10, float64(c.opts.Decimals))
	return math.Round(v*scale) / scale
}

func (c *Converter) format(v float64) string {
	v = c.round(v)
	if v == 0 {
		v = 0 // no "-0.0000"
	}
	return strconv.FormatFloat(v, 'f', c.opts.Decimals, 64)
}
