package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/grblstream/internal/arc"
)

var (
	outputPath        string
	maxSegmentDegrees float64
	strictArcs        bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <program.nc>",
	Short: "Expand G2/G3 arcs into G1 segments without a controller",
	Long: `Rewrite a program with every arc replaced by straight G1 moves whose
chords stay within --tolerance of the true arc. Other lines, comments
included, are copied unchanged.

Arcs that cannot be resolved (zero radius, unreachable end point) are
dropped with a warning, the same way the streamer skips them. With --strict
the first such arc aborts the conversion instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default stdout)")
	convertCmd.Flags().Float64Var(&arcTolerance, "tolerance", 0.02, "Maximum chord deviation (mm)")
	convertCmd.Flags().Float64Var(&maxSegmentDegrees, "max-segment-degrees", 0, "Cap on the angle swept by one segment (0 = none)")
	convertCmd.Flags().BoolVar(&strictArcs, "strict", false, "Fail on the first arc that cannot be converted")
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	tol := cfg.Machine.ArcTolerance
	if cmd.Flags().Changed("tolerance") {
		tol = arcTolerance
	}
	maxDeg := cfg.Machine.MaxSegmentDegrees
	if cmd.Flags().Changed("max-segment-degrees") {
		maxDeg = maxSegmentDegrees
	}
	if tol <= 0 || maxDeg < 0 {
		return fmt.Errorf("tolerance must be positive and max-segment-degrees not negative")
	}

	lines, err := readLines(args[0])
	if err != nil {
		return err
	}

	conv := arc.New(arc.Options{Tolerance: tol, MaxSegmentDegrees: maxDeg})
	var out []string
	skipped := 0
	if strictArcs {
		out, err = conv.ConvertLines(lines)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
	} else {
		for i, line := range lines {
			converted, err := conv.ConvertLine(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s:%d: skipping arc: %v\n", args[0], i+1, err)
				skipped++
				continue
			}
			out = append(out, converted...)
		}
	}

	if outputPath == "" {
		if err := writeLines(os.Stdout, out); err != nil {
			return err
		}
	} else if err := writeFile(outputPath, out); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d lines in, %d lines out, %d arcs skipped\n", len(lines), len(out), skipped)
	return nil
}

func writeFile(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeLines(f, lines); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeLines(w io.Writer, lines []string) error {
	bw := bufio.NewWriter(w)
	for _, line := range lines {
		fmt.Fprintln(bw, line)
	}
	return bw.Flush()
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
