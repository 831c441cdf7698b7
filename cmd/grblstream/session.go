package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/shaunagostinho/grblstream/internal/grbl"
	"github.com/shaunagostinho/grblstream/internal/logger"
	"github.com/shaunagostinho/grblstream/internal/server"
	"github.com/shaunagostinho/grblstream/internal/transport"
	"github.com/shaunagostinho/grblstream/web"
)

// session is an open streamer plus everything listening to it.
type session struct {
	streamer *grbl.Streamer
	console  *console
	joblog   *logger.Logger
	monitor  *server.Server
	sim      *transport.Simulator
}

// startSession wires the callbacks, starts the monitor when configured and
// connects to the controller.
func startSession(ctx context.Context, cfg *server.Config, job string) (*session, error) {
	s := &session{
		console: newConsole(os.Stdout),
		joblog: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			MaxEntries: cfg.Logging.MaxEntries,
		}),
	}
	s.joblog.StartJob(job)
	callbacks := grbl.MultiCallbacks{s.console, s.joblog}

	if cfg.Server.ListenAddr != "" {
		s.monitor = server.New(cfg, web.FS)
		callbacks = append(callbacks, s.monitor)
		go func() {
			if err := s.monitor.Run(ctx); err != nil {
				log.Printf("[main] monitor exited: %v", err)
			}
		}()
	}

	scfg := cfg.StreamerConfig()
	scfg.Callbacks = callbacks
	name := scfg.Port
	if demoMode {
		s.sim = transport.NewSimulator()
		s.sim.ExecDelay = 2 * time.Millisecond
		scfg.Opener = s.sim.Open
		scfg.Port = "demo"
		name = "demo"
	}

	s.streamer = grbl.New(scfg)
	if s.monitor != nil {
		s.monitor.SetController(s.streamer)
	}
	if err := connectWithRetry(ctx, name, s.streamer, retries); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// abort stops the machine after an interrupted job.
func (s *session) abort() {
	log.Printf("[main] job interrupted, sending soft reset")
	if err := s.streamer.WriteRealtime(grbl.CmdSoftReset); err != nil {
		log.Printf("[main] soft reset failed: %v", err)
	}
}

func (s *session) close() {
	if err := s.streamer.Close(); err != nil {
		log.Printf("[main] close: %v", err)
	}
	s.console.finish()
	s.joblog.Close()
}
