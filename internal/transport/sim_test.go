package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSim(t *testing.T, sim *Simulator) Transport {
	t.Helper()
	tr, err := sim.Open("sim", 115200)
	require.NoError(t, err)
	return tr
}

func TestSimulatorAnswersEveryLine(t *testing.T) {
	sim := NewSimulator()
	tr := openSim(t, sim)

	require.NoError(t, tr.WriteLine("G0 X1 Y2"))
	require.NoError(t, tr.WriteLine("G1 X3 F100"))

	for i := 0; i < 2; i++ {
		line, err := tr.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ok", line)
	}
	assert.Equal(t, []string{"G0 X1 Y2", "G1 X3 F100"}, sim.Received())

	_, err := tr.ReadLine(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSimulatorTracksRxBuffer(t *testing.T) {
	sim := NewSimulator()
	tr := openSim(t, sim)

	line := "G1 X100.0000 Y100.0000 F1500" // 29 bytes with newline
	for i := 0; i < 4; i++ {
		require.NoError(t, tr.WriteLine(line))
	}
	assert.Equal(t, 116, sim.MaxRxUsed())
	assert.Zero(t, sim.Overflows())

	require.NoError(t, tr.WriteLine(line))
	assert.Equal(t, 1, sim.Overflows())
}

func TestSimulatorResetBanner(t *testing.T) {
	sim := NewSimulator()
	sim.LockOnReset = true
	tr := openSim(t, sim)

	require.NoError(t, tr.WriteByte(0x18))
	var lines []string
	for i := 0; i < 3; i++ {
		l, err := tr.ReadLine(time.Second)
		require.NoError(t, err)
		lines = append(lines, l)
	}
	assert.Equal(t, []string{"", Banner, "[MSG:'$H'|'$X' to unlock]"}, lines)
	assert.True(t, sim.Alarmed())
}

func TestSimulatorAlarmLock(t *testing.T) {
	sim := NewSimulator()
	tr := openSim(t, sim)

	sim.TriggerAlarm(1)
	require.NoError(t, tr.WriteLine("G0 X1"))
	require.NoError(t, tr.WriteLine("$X"))
	require.NoError(t, tr.WriteLine("G0 X2"))

	var got []string
	for i := 0; i < 5; i++ {
		l, err := tr.ReadLine(time.Second)
		require.NoError(t, err)
		got = append(got, l)
	}
	assert.Equal(t, []string{"ALARM:1", "error:9", "[MSG:Caution: Unlocked]", "ok", "ok"}, got)
	assert.False(t, sim.Alarmed())
}

func TestSimulatorRejectArcs(t *testing.T) {
	sim := NewSimulator()
	sim.RejectArcs = true
	tr := openSim(t, sim)

	require.NoError(t, tr.WriteLine("G2 X10 Y0 I5 J0"))
	l, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error:20", l)
}

func TestSimulatorStatusReport(t *testing.T) {
	sim := NewSimulator()
	tr := openSim(t, sim)

	require.NoError(t, tr.WriteLine("G0 X1.5 Y-2"))
	l, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	require.Equal(t, "ok", l)

	require.NoError(t, tr.WriteByte('?'))
	l, err = tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "<Idle|MPos:1.500,-2.000,0.000|FS:0,0>", l)
	assert.Equal(t, []byte{'?'}, sim.Realtime())
}

func TestSimulatorUnplug(t *testing.T) {
	sim := NewSimulator()
	tr := openSim(t, sim)

	sim.Unplug()
	_, err := tr.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, tr.WriteLine("G0"), ErrIO)

	_, err = sim.Open("sim", 115200)
	assert.ErrorIs(t, err, ErrPortUnavailable)
}
