package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	convertArcs  bool
	arcTolerance float64
)

var sendCmd = &cobra.Command{
	Use:   "send <program.nc>",
	Short: "Stream a G-code program to the controller",
	Long: `Stream a G-code program line by line, keeping at most 127 bytes of
unanswered commands in the controller's receive buffer.

Comments and blank lines are stripped before sending. A progress event is
reported every ten program lines and the command returns once the machine
has executed every line. An alarm is cleared with $X and the job continues.

Interrupting the job (Ctrl-C) sends a soft reset to stop the machine.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&convertArcs, "convert-arcs", false, "Expand G2/G3 arcs into G1 segments")
	sendCmd.Flags().Float64Var(&arcTolerance, "tolerance", 0.02, "Maximum chord deviation for arc expansion (mm)")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	if cmd.Flags().Changed("convert-arcs") {
		cfg.Machine.ConvertArcs = convertArcs
	}
	if cmd.Flags().Changed("tolerance") {
		cfg.Machine.ArcTolerance = arcTolerance
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := startSession(ctx, cfg, args[0])
	if err != nil {
		return err
	}
	defer sess.close()

	start := time.Now()
	err = sess.streamer.SendFile(ctx, args[0])
	if ctx.Err() != nil {
		sess.abort()
		return errors.New("job interrupted")
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", args[0], err)
	}

	sess.console.done(args[0], time.Since(start))
	return nil
}
