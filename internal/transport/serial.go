package transport

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is GRBL's stock baud rate.
const DefaultBaudRate = 115200

// readChunk bounds a single Read so ReadLine can honour its deadline.
const readChunk = 100 * time.Millisecond

// Serial is a Transport over a local serial port.
type Serial struct {
	path string
	baud int

	mu   sync.Mutex // guards port for Close vs Write
	port serial.Port

	pending []byte // bytes read past the last returned line
	buf     []byte
}

// OpenSerial opens path at 8N1 with DTR and RTS held low so that boards
// which reset on DTR are not rebooted by the connection itself.
func OpenSerial(path string, baud int) (Transport, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, path, err)
	}
	// Not every device supports modem lines (ptys, some USB bridges).
	if err := port.SetDTR(false); err != nil {
		log.Printf("[serial] %s: DTR not set: %v", path, err)
	}
	if err := port.SetRTS(false); err != nil {
		log.Printf("[serial] %s: RTS not set: %v", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[serial] %s: input buffer not reset: %v", path, err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		log.Printf("[serial] %s: output buffer not reset: %v", path, err)
	}

	log.Printf("[serial] opened %s at %d baud", path, baud)
	return &Serial{
		path: path,
		baud: baud,
		port: port,
		buf:  make([]byte, 256),
	}, nil
}

// ReadLine reads until a newline or the timeout. Carriage returns are
// stripped; partial lines survive a timeout and complete on the next call.
func (s *Serial) ReadLine(timeout time.Duration) (string, error) {
	port := s.getPort()
	if port == nil {
		return "", fmt.Errorf("%w: %s closed", ErrIO, s.path)
	}

	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := bytes.TrimRight(s.pending[:i], "\r")
			out := string(line)
			s.pending = s.pending[i+1:]
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		if remaining > readChunk {
			remaining = readChunk
		}
		if err := port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
		}
		n, err := port.Read(s.buf)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
		}
		s.pending = append(s.pending, s.buf[:n]...)
	}
}

func (s *Serial) WriteLine(text string) error {
	return s.write([]byte(text + "\n"))
}

func (s *Serial) WriteByte(b byte) error {
	return s.write([]byte{b})
}

func (s *Serial) write(p []byte) error {
	port := s.getPort()
	if port == nil {
		return fmt.Errorf("%w: %s closed", ErrIO, s.path)
	}
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
	}
	return nil
}

func (s *Serial) getPort() serial.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Close releases the port. Calling it twice is harmless.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	log.Printf("[serial] closed %s", s.path)
	return err
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: listing ports: %w", err)
	}
	return ports, nil
}
