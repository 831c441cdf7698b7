package transport

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/grblstream/internal/gcode"
)

// RxBufferSize is the serial receive buffer of a stock GRBL build.
const RxBufferSize = 127

// Banner is the greeting a simulated controller prints after reset.
const Banner = "Grbl 1.1h ['$' for help]"

// Simulator is an in-process GRBL controller for demos and tests.
//
// It keeps the character-counting contract: each received line occupies
// RX buffer space until it has been executed and answered, and exactly one
// response ("ok" or "error:N") is produced per line, in order. Lines are
// executed as the reader asks for responses, so a slow reader looks like a
// busy machine.
type Simulator struct {
	// ExecDelay is how long each line takes to execute.
	ExecDelay time.Duration
	// RejectArcs answers G2/G3 with error:20 like arc-less laser firmware.
	RejectArcs bool
	// LockOnReset leaves the controller in alarm lock after a soft reset,
	// as GRBL does with homing enabled.
	LockOnReset bool

	mu        sync.Mutex
	wake      chan struct{}
	rx        []string // received, not yet executed
	rxUsed    int
	maxRxUsed int
	overflows int
	out       []string // responses waiting to be read
	received  []string // every executed line, in order
	realtime  []byte
	alarm     bool
	hold      bool
	pos       [3]float64
	open      bool
	unplugged bool
}

// NewSimulator returns an idle, unlocked simulated controller.
func NewSimulator() *Simulator {
	return &Simulator{wake: make(chan struct{}, 1)}
}

// Open satisfies Opener; the port name and baud rate are ignored.
func (s *Simulator) Open(port string, baud int) (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unplugged {
		return nil, fmt.Errorf("%w: %s: simulator unplugged", ErrPortUnavailable, port)
	}
	s.open = true
	return s, nil
}

func (s *Simulator) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Simulator) ReadLine(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if err := s.checkLocked(); err != nil {
			s.mu.Unlock()
			return "", err
		}
		if len(s.out) > 0 {
			line := s.out[0]
			s.out = s.out[1:]
			s.mu.Unlock()
			return line, nil
		}
		runnable := len(s.rx) > 0 && !s.hold
		delay := s.ExecDelay
		s.mu.Unlock()

		if runnable {
			if delay > 0 {
				time.Sleep(delay)
			}
			s.mu.Lock()
			s.executeLocked()
			s.mu.Unlock()
			continue
		}

		select {
		case <-s.wake:
		case <-timer.C:
			return "", ErrTimeout
		}
	}
}

func (s *Simulator) WriteLine(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	s.rxUsed += len(text) + 1
	if s.rxUsed > s.maxRxUsed {
		s.maxRxUsed = s.rxUsed
	}
	if s.rxUsed > RxBufferSize {
		s.overflows++
	}
	s.rx = append(s.rx, text)
	s.signal()
	return nil
}

func (s *Simulator) WriteByte(b byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	s.realtime = append(s.realtime, b)
	switch b {
	case '?':
		s.out = append(s.out, s.statusLocked())
	case '!':
		s.hold = true
	case '~':
		s.hold = false
	case 0x18:
		s.rx, s.out, s.rxUsed, s.hold = nil, nil, 0, false
		s.out = append(s.out, "", Banner)
		if s.LockOnReset {
			s.alarm = true
			s.out = append(s.out, "[MSG:'$H'|'$X' to unlock]")
		}
	}
	s.signal()
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.signal()
	return nil
}

func (s *Simulator) checkLocked() error {
	if s.unplugged {
		return fmt.Errorf("%w: simulator unplugged", ErrIO)
	}
	if !s.open {
		return fmt.Errorf("%w: simulator closed", ErrIO)
	}
	return nil
}

// executeLocked runs the oldest received line and queues its response.
func (s *Simulator) executeLocked() {
	if len(s.rx) == 0 || s.hold {
		return
	}
	line := s.rx[0]
	s.rx = s.rx[1:]
	s.rxUsed -= len(line) + 1
	s.received = append(s.received, line)

	switch {
	case line == "$X":
		s.alarm = false
		s.out = append(s.out, "[MSG:Caution: Unlocked]", "ok")
		return
	case s.alarm:
		s.out = append(s.out, "error:9")
		return
	case gcode.IsSystem(line):
		s.out = append(s.out, "ok")
		return
	}

	words, err := gcode.Tokenize(line)
	if err != nil {
		s.out = append(s.out, "error:1")
		return
	}
	for _, w := range words {
		if s.RejectArcs && (w.Is('G', 2) || w.Is('G', 3)) {
			s.out = append(s.out, "error:20")
			return
		}
	}
	for _, w := range words {
		switch w.Letter {
		case 'X':
			s.pos[0] = w.Value
		case 'Y':
			s.pos[1] = w.Value
		case 'Z':
			s.pos[2] = w.Value
		}
	}
	s.out = append(s.out, "ok")
}

func (s *Simulator) statusLocked() string {
	state := "Idle"
	switch {
	case s.alarm:
		state = "Alarm"
	case s.hold:
		state = "Hold:0"
	case len(s.rx) > 0:
		state = "Run"
	}
	return fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f|FS:0,0>", state, s.pos[0], s.pos[1], s.pos[2])
}

// TriggerAlarm puts the controller into alarm lock and reports it. Lines
// already received are answered with error:9 until $X arrives.
func (s *Simulator) TriggerAlarm(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarm = true
	s.out = append(s.out, fmt.Sprintf("ALARM:%d", code))
	s.signal()
}

// Inject queues an unsolicited response line.
func (s *Simulator) Inject(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, line)
	s.signal()
}

// Unplug makes every subsequent read and write fail with ErrIO.
func (s *Simulator) Unplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = true
	s.signal()
}

// Received returns the executed lines in order.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Realtime returns the realtime bytes received so far.
func (s *Simulator) Realtime() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.realtime...)
}

// MaxRxUsed is the high-water mark of the RX buffer.
func (s *Simulator) MaxRxUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRxUsed
}

// Overflows counts lines that arrived with the RX buffer already full.
func (s *Simulator) Overflows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflows
}

// Alarmed reports whether the controller is in alarm lock.
func (s *Simulator) Alarmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarm
}

// Commands returns executed lines that are not system commands, trimmed.
func (s *Simulator) Commands() []string {
	var cmds []string
	for _, line := range s.Received() {
		if !gcode.IsSystem(line) {
			cmds = append(cmds, strings.TrimSpace(line))
		}
	}
	return cmds
}
