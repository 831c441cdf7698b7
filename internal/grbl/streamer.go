// Package grbl streams G-code to a GRBL controller using character-counting
// flow control, recovering from alarms and detecting a lost link.
package grbl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/grblstream/internal/arc"
	"github.com/shaunagostinho/grblstream/internal/gcode"
	"github.com/shaunagostinho/grblstream/internal/transport"
)

var (
	// ErrInvalidState is returned for an operation the session state forbids.
	ErrInvalidState = errors.New("grbl: invalid state")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("grbl: streamer closed")
	// ErrDisconnected is returned once the controller stopped answering.
	ErrDisconnected = errors.New("grbl: controller disconnected")
)

// Realtime command bytes. They bypass the RX buffer accounting.
const (
	CmdStatus     byte = '?'
	CmdFeedHold   byte = '!'
	CmdCycleStart byte = '~'
	CmdSoftReset  byte = 0x18
)

// UnlockCommand clears an alarm lock.
const UnlockCommand = "$X"

const (
	progressEvery = 10
	wakeQuiet     = 250 * time.Millisecond
)

// State is the session state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateIdle
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the streamer settings.
type Config struct {
	Port     string
	BaudRate int

	ConvertArcs       bool
	ArcTolerance      float64 // mm
	MaxSegmentDegrees float64 // 0 disables

	UnlockOnOpen      bool          // send $X after the wake sequence
	StatusInterval    time.Duration // '?' polling period, 0 disables
	CompletionTimeout time.Duration // bound on the end-of-job wait
	ReadTimeout       time.Duration // per ReadLine attempt
	MaxReadFailures   int           // consecutive failed reads before disconnect
	WakeTimeout       time.Duration // banner drain after soft reset

	Trace bool // log every line sent and received

	Opener    transport.Opener
	Callbacks Callbacks
}

// DefaultConfig returns the stock settings for a GRBL 1.1 board.
func DefaultConfig() Config {
	return Config{
		BaudRate:          transport.DefaultBaudRate,
		ArcTolerance:      arc.DefaultTolerance,
		UnlockOnOpen:      true,
		CompletionTimeout: 300 * time.Second,
		ReadTimeout:       5 * time.Second,
		MaxReadFailures:   10,
		WakeTimeout:       2 * time.Second,
	}
}

type writeRequest struct {
	ctx  context.Context
	text string
	done chan error
}

// Streamer is one session with a controller. Open must succeed before
// sending; Close ends the session for good.
type Streamer struct {
	cfg     Config
	tracker *BufferTracker
	events  *Dispatcher

	mu       sync.Mutex
	state    State
	finished bool
	err      error // why the session ended early
	tr       transport.Transport
	sessCtx  context.Context
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	writeMu  sync.Mutex // single writer on the transport
	requests chan writeRequest
	unlock   chan struct{}
	alarmed  atomic.Bool // automatic $X outstanding
	observe  bool        // callbacks want send/receive events

	manualMu sync.Mutex
	manual   *arc.Converter

	statusMu     sync.Mutex
	status       Status
	statusSeq    uint64
	statusNotify chan struct{}
}

// New returns a closed streamer. Zero fields of cfg take their defaults,
// except UnlockOnOpen and StatusInterval which are used as given.
func New(cfg Config) *Streamer {
	def := DefaultConfig()
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.ArcTolerance <= 0 {
		cfg.ArcTolerance = def.ArcTolerance
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = def.CompletionTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = def.MaxReadFailures
	}
	if cfg.WakeTimeout <= 0 {
		cfg.WakeTimeout = def.WakeTimeout
	}
	if cfg.Opener == nil {
		cfg.Opener = transport.OpenSerial
	}
	if cfg.Callbacks == nil {
		cfg.Callbacks = NopCallbacks{}
	}
	return &Streamer{
		cfg:          cfg,
		observe:      ObservesLines(cfg.Callbacks),
		tracker:      NewBufferTracker(RxBufferSize),
		requests:     make(chan writeRequest),
		unlock:       make(chan struct{}, 1),
		statusNotify: make(chan struct{}),
	}
}

func (s *Streamer) newConverter() *arc.Converter {
	return arc.New(arc.Options{
		Tolerance:         s.cfg.ArcTolerance,
		MaxSegmentDegrees: s.cfg.MaxSegmentDegrees,
	})
}

// State returns the current session state.
func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastStatus returns the most recent status report, if any arrived.
func (s *Streamer) LastStatus() (Status, bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status, s.statusSeq > 0
}

// Tracker exposes the RX buffer accounting, mainly for monitoring.
func (s *Streamer) Tracker() *BufferTracker { return s.tracker }

// Open connects, wakes the controller and starts the session goroutines.
func (s *Streamer) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateClosed {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: open while %s", ErrInvalidState, st)
	}
	s.state = StateOpening
	s.mu.Unlock()

	tr, err := s.cfg.Opener(s.cfg.Port, s.cfg.BaudRate)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("grbl: open %s: %w", s.cfg.Port, err)
	}
	if err := s.wake(ctx, tr); err != nil {
		tr.Close()
		s.setState(StateClosed)
		return err
	}
	s.tracker.Reset()

	sessCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state != StateOpening {
		s.mu.Unlock()
		cancel()
		tr.Close()
		return ErrClosed
	}
	s.tr = tr
	s.sessCtx = sessCtx
	s.cancel = cancel
	s.events = NewDispatcher(s.cfg.Callbacks, EventQueueSize)
	s.manual = s.newConverter()
	s.wg.Add(2)
	if s.cfg.StatusInterval > 0 {
		s.wg.Add(1)
	}
	s.state = StateIdle
	s.mu.Unlock()

	go s.readLoop(sessCtx, tr)
	go s.writeLoop(sessCtx, tr)
	if s.cfg.StatusInterval > 0 {
		go s.pollStatus(sessCtx, tr)
	}
	log.Printf("[grbl] session open on %s at %d baud", s.cfg.Port, s.cfg.BaudRate)

	if s.cfg.UnlockOnOpen {
		if err := s.submit(ctx, UnlockCommand); err != nil {
			log.Printf("[grbl] unlock on open failed: %v", err)
		}
	}
	return nil
}

// wake soft-resets the controller and drains its startup output.
func (s *Streamer) wake(ctx context.Context, tr transport.Transport) error {
	if err := tr.WriteByte(CmdSoftReset); err != nil {
		return fmt.Errorf("grbl: soft reset: %w", err)
	}
	deadline := time.Now().Add(s.cfg.WakeTimeout)
	banner := false
	drained := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		line, err := tr.ReadLine(min(remaining, wakeQuiet))
		if errors.Is(err, transport.ErrTimeout) {
			if banner {
				break
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("grbl: waiting for banner: %w", err)
		}
		drained++
		if strings.HasPrefix(line, "Grbl") {
			banner = true
			log.Printf("[grbl] controller: %s", line)
		}
	}
	if !banner {
		log.Printf("[grbl] no banner within %v, continuing", s.cfg.WakeTimeout)
	}
	if drained > 0 && s.cfg.Trace {
		log.Printf("[grbl] drained %d startup line(s)", drained)
	}
	return nil
}

func (s *Streamer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// transition moves from one state to another or reports why it cannot.
func (s *Streamer) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		if s.finished || s.state == StateClosing {
			return s.closedErrLocked()
		}
		return fmt.Errorf("%w: %s required, streamer is %s", ErrInvalidState, from, s.state)
	}
	s.state = to
	return nil
}

func (s *Streamer) closedErrLocked() error {
	if s.err != nil {
		return s.err
	}
	return ErrClosed
}

func (s *Streamer) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErrLocked()
}

// active returns the session context when lines may be written.
func (s *Streamer) active() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle, StateStreaming:
		return s.sessCtx, nil
	case StateClosing:
		return nil, s.closedErrLocked()
	}
	if s.finished {
		return nil, s.closedErrLocked()
	}
	return nil, fmt.Errorf("%w: streamer is %s", ErrInvalidState, s.state)
}

// bind derives a context that also ends with the session.
func bind(ctx, sess context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sess, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// SendFile streams the program at path. See Send.
func (s *Streamer) SendFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("grbl: open program: %w", err)
	}
	defer f.Close()
	return s.Send(ctx, f)
}

// Send streams a program. Comments and blank lines are dropped, arcs are
// expanded when enabled, and a Progress event is published every ten
// program lines. It returns once the controller has answered every line
// and, with status polling enabled, reports Idle.
func (s *Streamer) Send(ctx context.Context, r io.Reader) error {
	if err := s.transition(StateIdle, StateStreaming); err != nil {
		return err
	}
	defer s.transition(StateStreaming, StateIdle)

	cmds, err := ReadProgram(r)
	if err != nil {
		return err
	}
	total := len(cmds)
	log.Printf("[grbl] streaming %d command(s) (arc conversion %v)", total, s.cfg.ConvertArcs)

	var conv *arc.Converter
	if s.cfg.ConvertArcs {
		conv = s.newConverter()
	}

	var last string
	for i, cmd := range cmds {
		lines := []string{cmd}
		if conv != nil {
			lines, err = conv.ConvertLine(cmd)
			if err != nil {
				log.Printf("[arc] skipping %q: %v", cmd, err)
				s.publish(ErrorEvent(fmt.Sprintf("arc conversion: %s: %v", cmd, err)))
				lines = nil
			}
		}
		for _, line := range lines {
			if err := s.submit(ctx, line); err != nil {
				if errors.Is(err, ErrLineTooLong) {
					s.publish(ErrorEvent(fmt.Sprintf("line too long, skipped: %s", line)))
					continue
				}
				return err
			}
			last = line
		}

		if n := i + 1; n%progressEvery == 0 {
			s.publish(ProgressEvent(percent(n, total), last))
		}
	}
	if total%progressEvery != 0 {
		s.publish(ProgressEvent(100, "completed"))
	}

	return s.waitComplete(ctx)
}

// percent rounds to the nearest integer and only reaches 100 on the last line.
func percent(n, total int) int {
	if total <= 0 {
		return 100
	}
	p := (n*200 + total) / (2 * total)
	if n < total && p >= 100 {
		p = 99
	}
	return p
}

// ReadProgram returns the non-empty, comment-free lines of a program.
func ReadProgram(r io.Reader) ([]string, error) {
	var cmds []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := gcode.Clean(sc.Text()); line != "" {
			cmds = append(cmds, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("grbl: reading program: %w", err)
	}
	return cmds, nil
}

// waitComplete blocks until nothing is in flight and, when polling, the
// controller reports Idle.
func (s *Streamer) waitComplete(ctx context.Context) error {
	sess, err := s.active()
	if err != nil {
		return err
	}
	ctx, cancelTimeout := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	defer cancelTimeout()
	wctx, cancel := bind(ctx, sess)
	defer cancel()

	if err := s.tracker.WaitEmpty(wctx); err != nil {
		return s.waitErr(ctx, sess, err)
	}
	if s.cfg.StatusInterval <= 0 {
		return nil
	}

	s.statusMu.Lock()
	seq := s.statusSeq
	s.statusMu.Unlock()
	for {
		st, next, err := s.waitStatus(wctx, seq)
		if err != nil {
			return s.waitErr(ctx, sess, err)
		}
		if st.IsIdle() {
			return nil
		}
		seq = next
	}
}

func (s *Streamer) waitErr(ctx, sess context.Context, err error) error {
	if sess.Err() != nil {
		return s.closedErr()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("grbl: job did not complete within %v: %w", s.cfg.CompletionTimeout, ctx.Err())
	}
	return err
}

// waitStatus blocks until a status report newer than seq arrives.
func (s *Streamer) waitStatus(ctx context.Context, seq uint64) (Status, uint64, error) {
	for {
		s.statusMu.Lock()
		st, cur, ch := s.status, s.statusSeq, s.statusNotify
		s.statusMu.Unlock()
		if cur > seq {
			return st, cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return Status{}, seq, ctx.Err()
		}
	}
}

// WriteLine sends one line outside of, or interleaved with, a running
// program. Arcs are expanded when conversion is enabled. Manual lines keep
// their own modal position, so while a program is streaming an arc would
// start from the wrong point and is refused with ErrInvalidState.
func (s *Streamer) WriteLine(ctx context.Context, text string) error {
	if _, err := s.active(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	lines := []string{text}
	if s.cfg.ConvertArcs && isArc(text) && s.State() == StateStreaming {
		return fmt.Errorf("%w: cannot convert an arc while streaming", ErrInvalidState)
	}
	if s.cfg.ConvertArcs && !gcode.IsSystem(text) {
		s.manualMu.Lock()
		converted, err := s.manual.ConvertLine(text)
		s.manualMu.Unlock()
		if err != nil {
			return fmt.Errorf("grbl: arc conversion: %w", err)
		}
		lines = converted
	}
	for _, line := range lines {
		if err := s.submit(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// isArc reports whether text programs G2 or G3 explicitly.
func isArc(text string) bool {
	code, _ := gcode.Split(text)
	words, err := gcode.Tokenize(code)
	if err != nil {
		return false
	}
	for _, w := range words {
		if w.Is('G', 2) || w.Is('G', 3) {
			return true
		}
	}
	return false
}

// WriteRealtime sends a single realtime byte such as CmdFeedHold.
// A soft reset also clears the RX buffer accounting.
func (s *Streamer) WriteRealtime(b byte) error {
	if _, err := s.active(); err != nil {
		return err
	}
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return s.closedErr()
	}

	s.writeMu.Lock()
	err := tr.WriteByte(b)
	if err == nil && b == CmdSoftReset {
		s.tracker.Reset()
		s.alarmed.Store(false)
	}
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("grbl: realtime 0x%02x: %w", b, err)
	}
	return nil
}

// submit hands text to the write goroutine and waits until it is on the wire.
func (s *Streamer) submit(ctx context.Context, text string) error {
	sess, err := s.active()
	if err != nil {
		return err
	}
	req := writeRequest{ctx: ctx, text: text, done: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
		return s.closedErr()
	}
	select {
	case err := <-req.done:
		return err
	case <-sess.Done():
		return s.closedErr()
	}
}

func (s *Streamer) writeLoop(ctx context.Context, tr transport.Transport) {
	defer s.wg.Done()
	for {
		// A pending unlock goes out before any queued line.
		select {
		case <-s.unlock:
			s.sendUnlock(ctx, tr)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-s.unlock:
			s.sendUnlock(ctx, tr)
		case req := <-s.requests:
			rctx, cancel := bind(req.ctx, ctx)
			err := s.transmit(rctx, tr, req.text)
			cancel()
			if err != nil && ctx.Err() != nil {
				err = s.closedErr()
			}
			req.done <- err
		}
	}
}

func (s *Streamer) sendUnlock(ctx context.Context, tr transport.Transport) {
	if err := s.transmit(ctx, tr, UnlockCommand); err != nil {
		log.Printf("[grbl] alarm unlock not sent: %v", err)
		s.alarmed.Store(false)
	}
}

// transmit waits for RX buffer room, then writes one line.
func (s *Streamer) transmit(ctx context.Context, tr transport.Transport, text string) error {
	if len(text)+1 > RxBufferSize {
		return fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(text)+1)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.tracker.Wait(ctx, len(text)+1); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// Recorded first so a fast reply always finds its line.
	if err := s.tracker.OnSent(text); err != nil {
		return err
	}
	if err := tr.WriteLine(text); err != nil {
		s.tracker.Unsend()
		s.publish(ErrorEvent(fmt.Sprintf("write failed: %v", err)))
		return fmt.Errorf("grbl: write %q: %w", text, err)
	}
	if s.cfg.Trace {
		log.Printf("[grbl] >> %s", text)
	}
	if s.observe {
		s.publish(SendEvent(text))
	}
	return nil
}

func (s *Streamer) readLoop(ctx context.Context, tr transport.Transport) {
	defer s.wg.Done()
	failures := 0
	for ctx.Err() == nil {
		line, err := tr.ReadLine(s.cfg.ReadTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			if !errors.Is(err, transport.ErrTimeout) || s.cfg.Trace {
				log.Printf("[grbl] read failed (%d/%d): %v", failures, s.cfg.MaxReadFailures, err)
			}
			if failures >= s.cfg.MaxReadFailures {
				s.disconnect(err)
				return
			}
			continue
		}
		failures = 0
		s.handleResponse(strings.TrimSpace(line))
	}
}

func (s *Streamer) handleResponse(line string) {
	if s.cfg.Trace {
		log.Printf("[grbl] << %s", line)
	}
	kind := classify(line)
	if s.observe && kind != respStatus && line != "" {
		s.publish(ReceiveEvent(line))
	}
	switch kind {
	case respOK:
		s.ack(line)
	case respError:
		sent := s.ack(line)
		log.Printf("[grbl] %s for %q", line, sent)
		s.publish(ErrorEvent(line))
	case respAlarm:
		log.Printf("[grbl] %s", line)
		s.publish(AlarmEvent(line))
		if s.alarmed.CompareAndSwap(false, true) {
			select {
			case s.unlock <- struct{}{}:
			default:
			}
		}
	case respStatus:
		st, err := ParseStatus(line)
		if err != nil {
			log.Printf("[grbl] bad status report: %v", err)
			return
		}
		s.statusMu.Lock()
		s.status = st
		s.statusSeq++
		close(s.statusNotify)
		s.statusNotify = make(chan struct{})
		s.statusMu.Unlock()
	}
}

// ack releases the oldest in-flight line and returns its text.
func (s *Streamer) ack(response string) string {
	sent, err := s.tracker.OnAck()
	if err != nil {
		log.Printf("[grbl] %q: %v", response, err)
		s.publish(ErrorEvent(fmt.Sprintf("unexpected response: %s", response)))
		return ""
	}
	if sent.Text == UnlockCommand {
		s.alarmed.Store(false)
	}
	return sent.Text
}

// disconnect reports the lost link once and ends the session.
func (s *Streamer) disconnect(cause error) {
	log.Printf("[grbl] %d consecutive read failures, giving up: %v", s.cfg.MaxReadFailures, cause)
	s.publish(ErrorEvent(DisconnectPrefix + cause.Error()))

	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateClosing
	}
	s.err = ErrDisconnected
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Streamer) pollStatus(ctx context.Context, tr transport.Transport) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := tr.WriteByte(CmdStatus)
			s.writeMu.Unlock()
			if err != nil && s.cfg.Trace {
				log.Printf("[grbl] status poll: %v", err)
			}
		}
	}
}

func (s *Streamer) publish(ev Event) {
	s.mu.Lock()
	d := s.events
	s.mu.Unlock()
	if d != nil {
		d.Publish(ev)
	}
}

// Close stops the session goroutines, releases the port and delivers any
// queued events. It is safe to call more than once and after a disconnect.
func (s *Streamer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		s.state = StateClosing
		cancel, tr, events := s.cancel, s.tr, s.events
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		if tr != nil {
			s.closeErr = tr.Close()
		}
		if events != nil {
			events.Close()
		}

		s.mu.Lock()
		s.state = StateClosed
		s.tr = nil
		s.mu.Unlock()
		log.Printf("[grbl] session closed")
	})
	return s.closeErr
}
