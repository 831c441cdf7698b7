package arc

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/grblstream/internal/gcode"
)

// parseMove extracts the axis words of an emitted G1 line.
func parseMove(t *testing.T, line string) map[byte]float64 {
	t.Helper()
	code, _ := gcode.Split(line)
	words, err := gcode.Tokenize(code)
	require.NoError(t, err)
	axes := map[byte]float64{}
	for _, w := range words {
		switch w.Letter {
		case 'X', 'Y', 'Z':
			axes[w.Letter] = w.Value
		}
	}
	return axes
}

func convert(t *testing.T, opts Options, lines ...string) []string {
	t.Helper()
	out, err := New(opts).ConvertLines(lines)
	require.NoError(t, err)
	return out
}

func TestSemicircleSegmentCount(t *testing.T) {
	tests := []struct {
		tolerance float64
		want      int
	}{
		{0.02, 18},
		{0.05, 12},
	}
	for _, tt := range tests {
		out := convert(t, Options{Tolerance: tt.tolerance}, "G2 X10 Y0 I5 J0")
		assert.Len(t, out, tt.want, "tolerance %v", tt.tolerance)
		assert.Equal(t, "G1 X10.0000 Y0.0000", out[len(out)-1])
	}
}

func TestChordDeviationWithinTolerance(t *testing.T) {
	const tol = 0.02
	out := convert(t, Options{Tolerance: tol}, "G0 X0 Y0", "G3 X10 Y0 I5 J0")
	out = out[1:]

	cx, cy, r := 5.0, 0.0, 5.0
	px, py := 0.0, 0.0
	for _, line := range out {
		m := parseMove(t, line)
		x, y := m['X'], m['Y']

		assert.InDelta(t, r, math.Hypot(x-cx, y-cy), 1e-3, "point off the circle: %s", line)
		mid := math.Hypot((px+x)/2-cx, (py+y)/2-cy)
		assert.LessOrEqual(t, r-mid, tol+1e-4, "chord sags too far: %s", line)
		px, py = x, y
	}
}

func TestDirection(t *testing.T) {
	// Clockwise from (0,0) to (10,0) about (5,0) passes over the top.
	cw := convert(t, Options{}, "G2 X10 Y0 I5 J0")
	assert.Greater(t, parseMove(t, cw[len(cw)/2])['Y'], 4.0)

	ccw := convert(t, Options{}, "G3 X10 Y0 I5 J0")
	assert.Less(t, parseMove(t, ccw[len(ccw)/2])['Y'], -4.0)
}

func TestFullCircleClosesOnStart(t *testing.T) {
	out := convert(t, Options{}, "G0 X0 Y0", "G2 X0 Y0 I5 J0")
	out = out[1:]

	require.Len(t, out, 36)
	assert.Equal(t, "G1 X0.0000 Y0.0000", out[len(out)-1])

	var maxX float64
	for _, line := range out {
		maxX = math.Max(maxX, parseMove(t, line)['X'])
	}
	assert.InDelta(t, 10.0, maxX, 0.05)
}

func TestNonArcProgramUnchanged(t *testing.T) {
	program := []string{
		"; header",
		"G21 G90",
		"",
		"G0 X1 Y2",
		"M3 S1000",
		"G1 X5 F300 (cut)",
		"$H",
		"%",
		"G4 P0.5",
		"M5",
	}
	out := convert(t, Options{}, program...)
	assert.Equal(t, program, out)
}

func TestRadiusFormShortAndLongWay(t *testing.T) {
	short := convert(t, Options{}, "G2 X10 Y0 R10")
	long := convert(t, Options{}, "G2 X10 Y0 R-10")

	assert.Greater(t, len(long), 4*len(short))
	assert.Equal(t, "G1 X10.0000 Y0.0000", short[len(short)-1])
	assert.Equal(t, "G1 X10.0000 Y0.0000", long[len(long)-1])

	// Both stay above the chord. The short way bulges 1.34 above it; the
	// long way goes round a centre at (5, 8.66) and tops out at 18.66.
	var shortMaxY, longMaxY float64
	for _, line := range short[:len(short)-1] {
		y := parseMove(t, line)['Y']
		assert.Greater(t, y, 0.0)
		shortMaxY = math.Max(shortMaxY, y)
	}
	for _, line := range long {
		y := parseMove(t, line)['Y']
		assert.GreaterOrEqual(t, y, 0.0)
		longMaxY = math.Max(longMaxY, y)
	}
	assert.Less(t, shortMaxY, 1.5)
	assert.Greater(t, longMaxY, 15.0)
}

func TestRadiusFormSemicircle(t *testing.T) {
	// Half-chord equal to R puts the centre on the chord.
	out := convert(t, Options{Tolerance: 0.02}, "G2 X10 Y0 R5")
	assert.Len(t, out, 18)
}

func TestDegenerateArcs(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"R full circle", "G2 X0 Y0 R5"},
		{"no centre", "G2 X10 Y0"},
		{"zero radius", "G2 X10 Y0 I0 J0"},
		{"radius too small", "G2 X10 Y0 R2"},
		{"end off the circle", "G2 X10 Y0 I3 J0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{})
			_, err := c.ConvertLine("G0 X0 Y0")
			require.NoError(t, err)

			out, err := c.ConvertLine(tt.line)
			assert.ErrorIs(t, err, ErrGeometry)
			assert.Nil(t, out)
			assert.Equal(t, Point{}, c.State().Position)
		})
	}
}

func TestConvertLinesReportsLineNumber(t *testing.T) {
	_, err := New(Options{}).ConvertLines([]string{"G0 X0", "G2 X10 Y0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.ErrorIs(t, err, ErrGeometry)
}

func TestIncrementalArc(t *testing.T) {
	c := New(Options{})
	out, err := c.ConvertLines([]string{"G0 X2 Y3", "G91", "G2 X10 Y0 I5 J0"})
	require.NoError(t, err)
	out = out[2:]

	var sx, sy float64
	for _, line := range out {
		m := parseMove(t, line)
		sx += m['X']
		sy += m['Y']
	}
	assert.InDelta(t, 10.0, sx, 1e-4)
	assert.InDelta(t, 0.0, sy, 1e-4)
	assert.Equal(t, Point{12, 3, 0}, c.State().Position)
}

func TestAbsoluteArcCentre(t *testing.T) {
	out := convert(t, Options{}, "G0 X20 Y0", "G90.1", "G2 X30 Y0 I25 J0")
	assert.Len(t, out[2:], 18)
	assert.Equal(t, "G1 X30.0000 Y0.0000", out[len(out)-1])
}

func TestHelicalArc(t *testing.T) {
	out := convert(t, Options{}, "G2 X10 Y0 Z-2 I5 J0")

	prev := 0.0
	for _, line := range out {
		z, ok := parseMove(t, line)['Z']
		require.True(t, ok, "missing Z on %s", line)
		assert.Less(t, z, prev)
		prev = z
	}
	assert.Equal(t, "G1 X10.0000 Y0.0000 Z-2.0000", out[len(out)-1])
}

func TestPlanes(t *testing.T) {
	tests := []struct {
		name    string
		program []string
		inPlane [2]byte
		absent  byte
	}{
		{"G18", []string{"G18", "G2 X10 Z0 I5 K0"}, [2]byte{'X', 'Z'}, 'Y'},
		{"G19", []string{"G19", "G2 Y10 Z0 J5 K0"}, [2]byte{'Y', 'Z'}, 'X'},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := convert(t, Options{}, tt.program...)
			out = out[1:]
			require.Len(t, out, 18)

			for _, line := range out {
				m := parseMove(t, line)
				_, has := m[tt.absent]
				assert.False(t, has, "unexpected %c on %s", tt.absent, line)
				a, b := m[tt.inPlane[0]], m[tt.inPlane[1]]
				assert.InDelta(t, 5.0, math.Hypot(a-5, b), 1e-3)
			}
		})
	}
}

func TestSegmentCountGrowsAsToleranceShrinks(t *testing.T) {
	prev := 0
	for _, tol := range []float64{0.2, 0.1, 0.05, 0.02, 0.01, 0.005, 0.001} {
		out := convert(t, Options{Tolerance: tol}, "G3 X10 Y10 I10 J0")
		assert.GreaterOrEqual(t, len(out), prev, "tolerance %v", tol)
		prev = len(out)
	}
}

func TestMaxSegmentDegrees(t *testing.T) {
	out := convert(t, Options{Tolerance: 0.05, MaxSegmentDegrees: 10}, "G2 X10 Y0 I5 J0")
	assert.Len(t, out, 18)
}

func TestWordsCarriedOnFirstSegmentOnly(t *testing.T) {
	out := convert(t, Options{}, "N10 G17 G2 X10 Y0 I5 J0 F500 M8 (cut)")
	require.Greater(t, len(out), 1)

	assert.True(t, strings.HasPrefix(out[0], "N10 G17 G1 X"), out[0])
	assert.True(t, strings.HasSuffix(out[0], " F500 M8 (cut)"), out[0])
	for _, line := range out[1:] {
		assert.True(t, strings.HasPrefix(line, "G1 X"), line)
		assert.NotContains(t, line, "F")
		assert.NotContains(t, line, "N10")
	}
}

func TestModalArcMotion(t *testing.T) {
	c := New(Options{})
	out, err := c.ConvertLines([]string{"G2 X10 Y0 I5 J0", "X20 Y0 I5 J0", "G0 X25"})
	require.NoError(t, err)

	assert.Len(t, out, 18+18+1)
	assert.Equal(t, "G0 X25", out[len(out)-1])
	assert.Equal(t, Point{25, 0, 0}, c.State().Position)
}

func TestInchModeScalesTolerance(t *testing.T) {
	mm := convert(t, Options{}, "G2 X25.4 Y0 I12.7 J0")
	in := convert(t, Options{}, "G20", "G2 X1 Y0 I0.5 J0")
	assert.Len(t, in[1:], len(mm))
}

func TestG92SetsPosition(t *testing.T) {
	c := New(Options{})
	out, err := c.ConvertLines([]string{"G0 X50 Y50", "G92 X0 Y0", "G2 X10 Y0 I5 J0"})
	require.NoError(t, err)
	assert.Equal(t, "G92 X0 Y0", out[1])
	assert.Equal(t, "G1 X10.0000 Y0.0000", out[len(out)-1])
	assert.Len(t, out[2:], 18)
}

func TestResetRestoresModalState(t *testing.T) {
	c := New(Options{})
	_, err := c.ConvertLines([]string{"G91 G20 G18", "G0 X1"})
	require.NoError(t, err)

	c.Reset()
	assert.Equal(t, NewModalState(), c.State())
}
