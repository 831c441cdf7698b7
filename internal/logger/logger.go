// Package logger keeps a CSV job log of streamer events.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/grblstream/internal/grbl"
)

// Logger records timestamped streamer events to CSV files with automatic
// rotation. It implements grbl.Callbacks.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	job     string // current job name, used in new file names

	file   *os.File
	writer *csv.Writer
	path   string
	rows   int
	seq    int // files opened, keeps names unique within a second
}

var _ grbl.Callbacks = (*Logger)(nil)

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxEntries int    `yaml:"max_entries" json:"maxEntries"`
}

const (
	defaultMaxRows = 100_000
)

var csvHeader = []string{"timestamp", "job", "kind", "percent", "line"}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/grblstream"
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxEntries,
		enabled: cfg.Enabled,
		job:     "session",
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// StartJob names the rows that follow and starts a fresh file.
func (l *Logger) StartJob(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.job = filepath.Base(name)
	l.closeFile()
}

// Path returns the file currently written, if any.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *Logger) OnProgress(percent int, lastCommand string) {
	l.Record(grbl.ProgressEvent(percent, lastCommand))
}

func (l *Logger) OnAlarm(line string) { l.Record(grbl.AlarmEvent(line)) }
func (l *Logger) OnError(line string) { l.Record(grbl.ErrorEvent(line)) }

// Record appends one event row.
func (l *Logger) Record(ev grbl.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(ev.Time); err != nil {
			log.Printf("[joblog] rotate failed: %v", err)
			return
		}
	}

	pct := ""
	if ev.Kind == grbl.KindProgress {
		pct = strconv.Itoa(ev.Percent)
	}
	row := []string{ev.Time.Format(time.RFC3339Nano), l.job, ev.Kind.String(), pct, ev.Line}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[joblog] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.seq++
	filename := fmt.Sprintf("%s_%s_%03d.csv", l.job, now.Format("2006-01-02_150405"), l.seq)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.path = path
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[joblog] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
