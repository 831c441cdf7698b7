package grbl

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventQueueSize bounds the events waiting for delivery.
const EventQueueSize = 100

// DisconnectPrefix marks the Error event sent when the link is lost.
const DisconnectPrefix = "DISCONNECTED: "

// IsDisconnect reports whether an Error event line signals a lost link.
func IsDisconnect(line string) bool {
	return strings.HasPrefix(line, DisconnectPrefix)
}

// Kind tags an Event.
type Kind int

const (
	KindProgress Kind = iota
	KindAlarm
	KindError
	KindSend
	KindReceive
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindAlarm:
		return "alarm"
	case KindError:
		return "error"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Event is one notification from the streamer.
type Event struct {
	Kind    Kind      `json:"-"`
	Time    time.Time `json:"time"`
	Percent int       `json:"percent,omitempty"` // progress only
	Line    string    `json:"line"`              // last command, alarm, error or traffic text
}

// ProgressEvent builds a timestamped progress event.
func ProgressEvent(percent int, lastCommand string) Event {
	return Event{Kind: KindProgress, Time: time.Now(), Percent: percent, Line: lastCommand}
}

func AlarmEvent(line string) Event {
	return Event{Kind: KindAlarm, Time: time.Now(), Line: line}
}

func ErrorEvent(line string) Event {
	return Event{Kind: KindError, Time: time.Now(), Line: line}
}

// SendEvent records a line written to the controller.
func SendEvent(line string) Event {
	return Event{Kind: KindSend, Time: time.Now(), Line: line}
}

// ReceiveEvent records a response line read from the controller.
func ReceiveEvent(line string) Event {
	return Event{Kind: KindReceive, Time: time.Now(), Line: line}
}

// Callbacks receives streamer events. Methods run on the dispatcher's
// goroutine, one at a time, never on the streaming path.
type Callbacks interface {
	OnProgress(percent int, lastCommand string)
	OnAlarm(line string)
	OnError(line string)
}

// LineObserver is optionally implemented by Callbacks that want the raw
// line traffic. Send and receive events share the bounded event queue, so
// they are only published when the callbacks observe them, and they are
// dropped like any other event when the queue is full. Status reports are
// not published as receive events.
type LineObserver interface {
	OnSend(line string)
	OnReceive(line string)
}

// ObservesLines reports whether cb, or any member of a MultiCallbacks,
// implements LineObserver.
func ObservesLines(cb Callbacks) bool {
	if m, ok := cb.(MultiCallbacks); ok {
		for _, member := range m {
			if ObservesLines(member) {
				return true
			}
		}
		return false
	}
	_, ok := cb.(LineObserver)
	return ok
}

// NopCallbacks ignores every event. Embed it to implement only some methods.
type NopCallbacks struct{}

func (NopCallbacks) OnProgress(int, string) {}
func (NopCallbacks) OnAlarm(string)         {}
func (NopCallbacks) OnError(string)         {}

// CallbackFuncs adapts plain functions to Callbacks; nil fields are skipped.
type CallbackFuncs struct {
	Progress func(percent int, lastCommand string)
	Alarm    func(line string)
	Error    func(line string)
}

func (f CallbackFuncs) OnProgress(percent int, lastCommand string) {
	if f.Progress != nil {
		f.Progress(percent, lastCommand)
	}
}

func (f CallbackFuncs) OnAlarm(line string) {
	if f.Alarm != nil {
		f.Alarm(line)
	}
}

func (f CallbackFuncs) OnError(line string) {
	if f.Error != nil {
		f.Error(line)
	}
}

// MultiCallbacks delivers each event to every member in order. A panic in
// one member does not stop delivery to the rest.
type MultiCallbacks []Callbacks

func (m MultiCallbacks) OnProgress(percent int, lastCommand string) {
	for _, cb := range m {
		safeDeliver(cb, ProgressEvent(percent, lastCommand))
	}
}

func (m MultiCallbacks) OnAlarm(line string) {
	for _, cb := range m {
		safeDeliver(cb, AlarmEvent(line))
	}
}

func (m MultiCallbacks) OnError(line string) {
	for _, cb := range m {
		safeDeliver(cb, ErrorEvent(line))
	}
}

func (m MultiCallbacks) OnSend(line string) {
	for _, cb := range m {
		safeDeliver(cb, SendEvent(line))
	}
}

func (m MultiCallbacks) OnReceive(line string) {
	for _, cb := range m {
		safeDeliver(cb, ReceiveEvent(line))
	}
}

// Deliver invokes the callback matching ev.Kind. Send and receive events
// reach only callbacks implementing LineObserver.
func Deliver(cb Callbacks, ev Event) {
	switch ev.Kind {
	case KindProgress:
		cb.OnProgress(ev.Percent, ev.Line)
	case KindAlarm:
		cb.OnAlarm(ev.Line)
	case KindError:
		cb.OnError(ev.Line)
	case KindSend:
		if o, ok := cb.(LineObserver); ok {
			o.OnSend(ev.Line)
		}
	case KindReceive:
		if o, ok := cb.(LineObserver); ok {
			o.OnReceive(ev.Line)
		}
	}
}

func safeDeliver(cb Callbacks, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[grbl] %s callback panicked: %v", ev.Kind, r)
		}
	}()
	Deliver(cb, ev)
}

// Dispatcher hands events to Callbacks on its own goroutine through a
// bounded queue. Publishing never blocks: when the queue is full the new
// event is dropped.
type Dispatcher struct {
	cb    Callbacks
	queue chan Event
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewDispatcher starts a dispatcher delivering to cb. A nil cb discards.
func NewDispatcher(cb Callbacks, size int) *Dispatcher {
	if cb == nil {
		cb = NopCallbacks{}
	}
	if size <= 0 {
		size = EventQueueSize
	}
	d := &Dispatcher{
		cb:    cb,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		safeDeliver(d.cb, ev)
	}
}

// Publish queues ev. It returns false if ev was dropped because the queue
// is full or the dispatcher is closed.
func (d *Dispatcher) Publish(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[grbl] event queue full, dropped %d event(s)", n)
		}
		return false
	}
}

// Pending returns the number of queued, undelivered events.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Dropped returns how many events were discarded on a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close stops accepting events, delivers those already queued, and waits
// for the consumer to exit. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}
