package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/grblstream/internal/grbl"
)

type fakeController struct {
	mu       sync.Mutex
	state    grbl.State
	status   *grbl.Status
	lines    []string
	realtime []byte
	err      error
}

func (f *fakeController) State() grbl.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) LastStatus() (grbl.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return grbl.Status{}, false
	}
	return *f.status, true
}

func (f *fakeController) WriteLine(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.lines = append(f.lines, text)
	return nil
}

func (f *fakeController) WriteRealtime(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.realtime = append(f.realtime, b)
	return nil
}

func (f *fakeController) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeController) sent() ([]string, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...), append([]byte(nil), f.realtime...)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	web := fstest.MapFS{"index.html": &fstest.MapFile{Data: []byte("<h1>grblstream</h1>")}}
	s := New(cfg, web)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServesUI(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigEndpoint(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 0.02, got["machine"]["arcTolerance"])

	resp = post(t, ts.URL+"/api/config", `{"machine":{"arcTolerance":0.05}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	s.cfg.mu.RLock()
	assert.Equal(t, 0.05, s.cfg.Machine.ArcTolerance)
	s.cfg.mu.RUnlock()

	resp = post(t, ts.URL+"/api/config", `{"machine":{"arcTolerance":-1}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetController(&fakeController{
		state:  grbl.StateStreaming,
		status: &grbl.Status{State: "Run", Feed: 500},
	})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var frame Frame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	assert.Equal(t, "streaming", frame.State)
	require.NotNil(t, frame.Status)
	assert.Equal(t, "Run", frame.Status.State)
	assert.Equal(t, 500.0, frame.Status.Feed)
}

func TestCommandEndpoint(t *testing.T) {
	s, ts := newTestServer(t)

	resp := post(t, ts.URL+"/api/command", `{"line":"G0 X1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ctrl := &fakeController{state: grbl.StateIdle}
	s.SetController(ctrl)

	tests := []struct {
		body string
		want int
	}{
		{`{"line":"G0 X1"}`, http.StatusOK},
		{`{"realtime":"!"}`, http.StatusOK},
		{`{"realtime":"reset"}`, http.StatusOK},
		{`{"realtime":"x"}`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp := post(t, ts.URL+"/api/command", tt.body)
		assert.Equal(t, tt.want, resp.StatusCode, tt.body)
	}
	lines, realtime := ctrl.sent()
	assert.Equal(t, []string{"G0 X1"}, lines)
	assert.Equal(t, []byte{grbl.CmdFeedHold, grbl.CmdSoftReset}, realtime)

	ctrl.setErr(fmt.Errorf("%w: streamer is closed", grbl.ErrInvalidState))
	resp = post(t, ts.URL+"/api/command", `{"line":"G0 X2"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ctrl.setErr(fmt.Errorf("write: broken pipe"))
	resp = post(t, ts.URL+"/api/command", `{"line":"G0 X2"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketBroadcast(t *testing.T) {
	s, ts := newTestServer(t)
	s.OnProgress(40, "G1 X4")

	conn := dial(t, ts)
	hello := readFrame(t, conn)
	require.NotNil(t, hello.Machine)
	assert.Equal(t, 115200, hello.Machine.BaudRate)
	require.NotNil(t, hello.Event)
	assert.Equal(t, 40, hello.Event.Percent)

	require.Eventually(t, func() bool {
		s.clientsMu.RLock()
		defer s.clientsMu.RUnlock()
		return len(s.clients) == 1
	}, time.Second, 10*time.Millisecond)

	s.OnProgress(50, "G1 X5")
	frame := readFrame(t, conn)
	require.NotNil(t, frame.Event)
	assert.Equal(t, "progress", frame.Event.Kind)
	assert.Equal(t, 50, frame.Event.Percent)
	assert.Equal(t, "G1 X5", frame.Event.Line)

	s.OnAlarm("ALARM:1")
	frame = readFrame(t, conn)
	assert.Equal(t, "alarm", frame.Event.Kind)

	s.OnError(grbl.DisconnectPrefix + "port gone")
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame.Event.Kind)
	assert.True(t, frame.Event.Disconnect)
}

func TestWebSocketLineTraffic(t *testing.T) {
	s, ts := newTestServer(t)
	assert.True(t, grbl.ObservesLines(grbl.MultiCallbacks{grbl.NopCallbacks{}, s}))

	conn := dial(t, ts)
	readFrame(t, conn)
	require.Eventually(t, func() bool {
		s.clientsMu.RLock()
		defer s.clientsMu.RUnlock()
		return len(s.clients) == 1
	}, time.Second, 10*time.Millisecond)

	s.OnSend("G1 X5 F300")
	frame := readFrame(t, conn)
	require.NotNil(t, frame.Event)
	assert.Equal(t, "send", frame.Event.Kind)
	assert.Equal(t, "G1 X5 F300", frame.Event.Line)

	s.OnReceive("ok")
	frame = readFrame(t, conn)
	assert.Equal(t, "receive", frame.Event.Kind)
	assert.Equal(t, "ok", frame.Event.Line)
}
