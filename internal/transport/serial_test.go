package transport

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPTY returns the controller side of a pseudo terminal and a Serial
// transport opened on its other end.
func openPTY(t *testing.T) (*os.File, Transport) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	t.Cleanup(func() {
		ptmx.Close()
		tty.Close()
	})

	tr, err := OpenSerial(tty.Name(), 115200)
	if err != nil {
		t.Skipf("serial on pty not supported here: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return ptmx, tr
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	type result struct {
		b   []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		b := make([]byte, n)
		_, err := io.ReadFull(r, b)
		done <- result{b, err}
	}()
	select {
	case res := <-done:
		require.NoError(t, res.err)
		return string(res.b)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out reading %d bytes", n)
		return ""
	}
}

func TestSerialReadLine(t *testing.T) {
	ptmx, tr := openPTY(t)

	_, err := ptmx.Write([]byte("ok\r\nerror:20\r\n<Idle|MPos:0.000,0.000,0.000|FS:0,0>\n"))
	require.NoError(t, err)

	for _, want := range []string{"ok", "error:20", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>"} {
		line, err := tr.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
}

func TestSerialPartialLineSurvivesTimeout(t *testing.T) {
	ptmx, tr := openPTY(t)

	_, err := ptmx.Write([]byte("ALA"))
	require.NoError(t, err)
	_, err = tr.ReadLine(200 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = ptmx.Write([]byte("RM:1\n"))
	require.NoError(t, err)
	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ALARM:1", line)
}

func TestSerialWrite(t *testing.T) {
	ptmx, tr := openPTY(t)

	require.NoError(t, tr.WriteLine("G0 X1"))
	assert.Equal(t, "G0 X1\n", readN(t, ptmx, 6))

	require.NoError(t, tr.WriteByte('?'))
	assert.Equal(t, "?", readN(t, ptmx, 1))
}

func TestSerialClose(t *testing.T) {
	_, tr := openPTY(t)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.ReadLine(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, tr.WriteLine("G0"), ErrIO)
}

func TestOpenSerialMissingPort(t *testing.T) {
	_, err := OpenSerial("/dev/does-not-exist-grblstream", 115200)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortUnavailable))
}
