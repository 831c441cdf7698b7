package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/grblstream/internal/grbl"
	"github.com/shaunagostinho/grblstream/internal/server"
)

var (
	configPath string
	portName   string
	baudRate   int
	listenAddr string
	demoMode   bool
	retries    int
)

var rootCmd = &cobra.Command{
	Use:   "grblstream",
	Short: "G-code streamer for GRBL controllers",
	Long: `grblstream streams G-code programs to a GRBL 1.1 controller using
character-counting flow control, keeping the controller's 127 byte receive
buffer full without overflowing it.

Arcs (G2/G3) can be expanded into short G1 moves for firmware built without
arc support. Progress, alarms and errors are printed to the console, written
to an optional CSV job log and, with --listen, pushed to a browser monitor.

Settings come from the config file, then .env and GRBL_* environment
variables, then command line flags.`,
	Version:      "1.0.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/grblstream/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (overrides config)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "Serve the live monitor on this address (e.g. :8080)")
	rootCmd.PersistentFlags().BoolVar(&demoMode, "demo", false, "Stream to a simulated controller instead of a serial port")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 5, "Connection attempts before giving up")
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) *server.Config {
	cfg := server.LoadConfig(configPath)
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Machine.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Machine.BaudRate = baudRate
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	return cfg
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Printf("[main] received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// connectWithRetry opens the streamer with exponential backoff.
// Starts at 1s, doubles each attempt up to 30s, and gives up after
// maxAttempts failures.
func connectWithRetry(ctx context.Context, name string, st *grbl.Streamer, maxAttempts int) error {
	delay := 1 * time.Second
	maxDelay := 30 * time.Second
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := st.Open(ctx)
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt)
			return nil
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return err
		}
		log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
			name, attempt, maxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
