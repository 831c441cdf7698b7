package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/grblstream/internal/grbl"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Send commands to the controller interactively",
	Long: `Open a session and forward each line typed on stdin to the controller.

The words "?", "!", "~" and "reset" send the matching realtime command, and
"status" prints the last status report. Lines are flow-controlled the same
way as a streamed program.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

var shellRealtime = map[string]byte{
	"?":     grbl.CmdStatus,
	"!":     grbl.CmdFeedHold,
	"~":     grbl.CmdCycleStart,
	"reset": grbl.CmdSoftReset,
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := startSession(ctx, cfg, "shell")
	if err != nil {
		return err
	}
	defer sess.close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := shellCommand(ctx, sess, strings.TrimSpace(line)); err != nil {
				sess.console.OnError(err.Error())
				if errors.Is(err, grbl.ErrDisconnected) || errors.Is(err, grbl.ErrClosed) {
					return err
				}
			}
		}
	}
}

func shellCommand(ctx context.Context, sess *session, line string) error {
	switch {
	case line == "":
		return nil
	case line == "status":
		st, ok := sess.streamer.LastStatus()
		sess.console.status(st, ok)
		return nil
	}
	if b, ok := shellRealtime[strings.ToLower(line)]; ok {
		return sess.streamer.WriteRealtime(b)
	}
	return sess.streamer.WriteLine(ctx, line)
}
