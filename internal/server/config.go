package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/grblstream/internal/grbl"
)

// Config holds all streamer configuration.
type Config struct {
	mu sync.RWMutex

	// Controller connection and streaming
	Machine MachineConfig `yaml:"machine" json:"machine"`

	// Job event log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Live monitor
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type MachineConfig struct {
	Port               string  `yaml:"port" json:"port"` // e.g. /dev/ttyUSB0
	BaudRate           int     `yaml:"baud_rate" json:"baudRate"`
	ConvertArcs        bool    `yaml:"convert_arcs" json:"convertArcs"`
	ArcTolerance       float64 `yaml:"arc_tolerance" json:"arcTolerance"`              // mm
	MaxSegmentDegrees  float64 `yaml:"max_segment_degrees" json:"maxSegmentDegrees"`   // 0 = no cap
	UnlockOnOpen       bool    `yaml:"unlock_on_open" json:"unlockOnOpen"`             // send $X after reset
	StatusIntervalMs   int     `yaml:"status_interval_ms" json:"statusIntervalMs"`     // 0 disables '?' polling
	CompletionTimeoutS int     `yaml:"completion_timeout_s" json:"completionTimeoutS"` // end-of-job wait
	Trace              bool    `yaml:"trace" json:"trace"`                             // log every line
}

type LoggingConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxEntries int    `yaml:"max_entries" json:"maxEntries"` // rows per file before rotating
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"` // empty disables the monitor
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Machine: MachineConfig{
			Port:               "/dev/ttyUSB0",
			BaudRate:           115200,
			ConvertArcs:        false,
			ArcTolerance:       0.02,
			UnlockOnOpen:       true,
			StatusIntervalMs:   250,
			CompletionTimeoutS: 300,
		},
		Logging: LoggingConfig{
			Enabled:    false,
			Path:       "/var/log/grblstream",
			MaxEntries: 100000,
		},
		Server: ServerConfig{
			ListenAddr: "",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config wins over one in the working directory
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real environment takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func parseBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GRBL_PORT, GRBL_BAUD, GRBL_CONVERT_ARCS, GRBL_ARC_TOLERANCE,
// LISTEN_ADDR, LOG_ENABLED, LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GRBL_PORT"); v != "" {
		c.Machine.Port = v
	}
	if v := os.Getenv("GRBL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Machine.BaudRate = n
		}
	}
	if v := os.Getenv("GRBL_CONVERT_ARCS"); v != "" {
		c.Machine.ConvertArcs = parseBool(v)
	}
	if v := os.Getenv("GRBL_ARC_TOLERANCE"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Machine.ArcTolerance = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = parseBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

// Validate rejects settings the streamer cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Machine.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud_rate must be positive, got %d", c.Machine.BaudRate))
	}
	if c.Machine.ArcTolerance <= 0 {
		errs = append(errs, fmt.Errorf("arc_tolerance must be positive, got %g", c.Machine.ArcTolerance))
	}
	if c.Machine.MaxSegmentDegrees < 0 {
		errs = append(errs, fmt.Errorf("max_segment_degrees must not be negative"))
	}
	if c.Machine.StatusIntervalMs < 0 || c.Machine.CompletionTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("intervals must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// StreamerConfig maps the machine section onto streamer settings.
func (c *Config) StreamerConfig() grbl.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := grbl.DefaultConfig()
	m := c.Machine
	cfg.Port = m.Port
	cfg.BaudRate = m.BaudRate
	cfg.ConvertArcs = m.ConvertArcs
	cfg.ArcTolerance = m.ArcTolerance
	cfg.MaxSegmentDegrees = m.MaxSegmentDegrees
	cfg.UnlockOnOpen = m.UnlockOnOpen
	cfg.StatusInterval = time.Duration(m.StatusIntervalMs) * time.Millisecond
	if m.CompletionTimeoutS > 0 {
		cfg.CompletionTimeout = time.Duration(m.CompletionTimeoutS) * time.Second
	}
	cfg.Trace = m.Trace
	return cfg
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/grblstream/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
