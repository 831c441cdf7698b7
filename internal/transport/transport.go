// Package transport provides the line-oriented link between the streamer
// and a controller: a real serial port, or an in-process simulator.
package transport

import (
	"errors"
	"time"
)

var (
	// ErrPortUnavailable is returned when a port cannot be opened.
	ErrPortUnavailable = errors.New("transport: port unavailable")
	// ErrTimeout is returned when no complete line arrived in time.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrIO is returned for any other read or write failure.
	ErrIO = errors.New("transport: i/o failure")
)

// Transport is an open connection to a controller.
//
// ReadLine is called from a single reader goroutine. Writes may come from
// other goroutines but are serialized by the caller.
type Transport interface {
	// ReadLine returns the next response line without its terminator.
	ReadLine(timeout time.Duration) (string, error)
	// WriteLine sends text followed by a newline.
	WriteLine(text string) error
	// WriteByte sends a single unterminated byte (realtime commands).
	WriteByte(b byte) error
	Close() error
}

// Opener opens a named port at a baud rate.
type Opener func(port string, baud int) (Transport, error)
