package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/grblstream/internal/grbl"
)

// Controller is the part of a streaming session the monitor can drive.
type Controller interface {
	State() grbl.State
	LastStatus() (grbl.Status, bool)
	WriteLine(ctx context.Context, text string) error
	WriteRealtime(b byte) error
}

// Server is a live job monitor. It receives streamer events as
// grbl.Callbacks and broadcasts them, along with periodic machine status,
// to WebSocket clients.
type Server struct {
	cfg   *Config
	webFS fs.FS

	ctrlMu sync.RWMutex
	ctrl   Controller

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	lastMu       sync.Mutex
	lastProgress *EventFrame
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Event   *EventFrame    `json:"event,omitempty"`
	State   string         `json:"state,omitempty"`
	Status  *grbl.Status   `json:"status,omitempty"`
	Machine *MachineConfig `json:"machine,omitempty"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// EventFrame is one streamer event.
type EventFrame struct {
	Kind       string `json:"kind"` // progress, alarm, error, send, receive
	Percent    int    `json:"percent"`
	Line       string `json:"line"`
	Disconnect bool   `json:"disconnect,omitempty"`
}

// CommandRequest is the body of POST /api/command. Exactly one of Line or
// Realtime is used; Realtime is one of "?", "!", "~" or "reset".
type CommandRequest struct {
	Line     string `json:"line"`
	Realtime string `json:"realtime"`
}

var realtimeBytes = map[string]byte{
	"?":     grbl.CmdStatus,
	"!":     grbl.CmdFeedHold,
	"~":     grbl.CmdCycleStart,
	"reset": grbl.CmdSoftReset,
}

// New creates a new Server. webFS may be nil when no UI is served.
func New(cfg *Config, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetController attaches the session that commands are forwarded to.
func (s *Server) SetController(c Controller) {
	s.ctrlMu.Lock()
	s.ctrl = c
	s.ctrlMu.Unlock()
}

func (s *Server) controller() Controller {
	s.ctrlMu.RLock()
	defer s.ctrlMu.RUnlock()
	return s.ctrl
}

// Handler returns the HTTP routes of the monitor.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/command", s.handleCommand)
	return mux
}

// Run serves the monitor until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	go s.statusLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ grbl.Callbacks = (*Server)(nil)

// OnProgress records and broadcasts job progress.
func (s *Server) OnProgress(percent int, lastCommand string) {
	ev := &EventFrame{Kind: "progress", Percent: percent, Line: lastCommand}
	s.lastMu.Lock()
	s.lastProgress = ev
	s.lastMu.Unlock()
	s.broadcast(Frame{Event: ev, Stamp: time.Now().UnixMilli()})
}

func (s *Server) OnAlarm(line string) {
	s.broadcast(Frame{Event: &EventFrame{Kind: "alarm", Line: line}, Stamp: time.Now().UnixMilli()})
}

func (s *Server) OnError(line string) {
	ev := &EventFrame{Kind: "error", Line: line, Disconnect: grbl.IsDisconnect(line)}
	s.broadcast(Frame{Event: ev, Stamp: time.Now().UnixMilli()})
}

var _ grbl.LineObserver = (*Server)(nil)

// OnSend broadcasts a line written to the controller.
func (s *Server) OnSend(line string) {
	s.broadcast(Frame{Event: &EventFrame{Kind: "send", Line: line}, Stamp: time.Now().UnixMilli()})
}

func (s *Server) OnReceive(line string) {
	s.broadcast(Frame{Event: &EventFrame{Kind: "receive", Line: line}, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Initial frame: settings plus where the job is
	s.cfg.mu.RLock()
	machine := s.cfg.Machine
	s.cfg.mu.RUnlock()
	hello := s.snapshot()
	hello.Machine = &machine
	s.lastMu.Lock()
	hello.Event = s.lastProgress
	s.lastMu.Unlock()
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Validate(); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.cfg.mu.RLock()
		machine := s.cfg.Machine
		s.cfg.mu.RUnlock()
		s.broadcast(Frame{Machine: &machine, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	ctrl := s.controller()
	if ctrl == nil {
		http.Error(w, "no controller connected", 503)
		return
	}
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	var err error
	switch {
	case req.Realtime != "":
		b, ok := realtimeBytes[req.Realtime]
		if !ok {
			http.Error(w, "unknown realtime command", 400)
			return
		}
		err = ctrl.WriteRealtime(b)
	case req.Line != "":
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		err = ctrl.WriteLine(ctx, req.Line)
	default:
		http.Error(w, "empty command", 400)
		return
	}
	if err != nil {
		status := 502
		if errors.Is(err, grbl.ErrInvalidState) || errors.Is(err, grbl.ErrClosed) || errors.Is(err, grbl.ErrDisconnected) {
			status = 409
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// snapshot reports the attached session's state and last status.
func (s *Server) snapshot() Frame {
	frame := Frame{Stamp: time.Now().UnixMilli()}
	ctrl := s.controller()
	if ctrl == nil {
		return frame
	}
	frame.State = ctrl.State().String()
	if st, ok := ctrl.LastStatus(); ok {
		frame.Status = &st
	}
	return frame
}

// statusLoop pushes the machine status to clients while any are connected.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.clientsMu.RLock()
			n := len(s.clients)
			s.clientsMu.RUnlock()
			if n > 0 && s.controller() != nil {
				s.broadcast(s.snapshot())
			}
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
