package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/shaunagostinho/grblstream/internal/grbl"
)

const barWidth = 30

// console prints streamer events. On a terminal the progress bar is
// redrawn in place; otherwise every event gets its own line.
type console struct {
	mu    sync.Mutex
	out   io.Writer
	tty   bool
	inBar bool // cursor is at the end of a progress bar

	labelStyle lipgloss.Style
	valueStyle lipgloss.Style
	dimStyle   lipgloss.Style
	warnStyle  lipgloss.Style
	errorStyle lipgloss.Style
}

var _ grbl.Callbacks = (*console)(nil)

func newConsole(f *os.File) *console {
	return newConsoleWriter(f, term.IsTerminal(int(f.Fd())))
}

func newConsoleWriter(w io.Writer, tty bool) *console {
	return &console{
		out: w,
		tty: tty,
		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true),
		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")),
		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		warnStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")).
			Bold(true),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true),
	}
}

func (c *console) OnProgress(percent int, lastCommand string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filled := percent * barWidth / 100
	bar := c.valueStyle.Render(strings.Repeat("█", filled)) +
		c.dimStyle.Render(strings.Repeat("░", barWidth-filled))
	line := fmt.Sprintf("%s %s %3d%%  %s",
		c.labelStyle.Render("progress"), bar, percent, c.dimStyle.Render(lastCommand))

	if !c.tty {
		fmt.Fprintln(c.out, line)
		return
	}
	fmt.Fprintf(c.out, "\r\033[K%s", line)
	c.inBar = percent < 100
	if !c.inBar {
		fmt.Fprintln(c.out)
	}
}

func (c *console) OnAlarm(line string) {
	c.println(c.warnStyle.Render("alarm") + " " + line + c.dimStyle.Render("  (unlocking)"))
}

func (c *console) OnError(line string) {
	if grbl.IsDisconnect(line) {
		c.println(c.errorStyle.Render("disconnected") + " " + strings.TrimPrefix(line, grbl.DisconnectPrefix))
		return
	}
	c.println(c.errorStyle.Render("error") + " " + line)
}

// status prints a parsed status report.
func (c *console) status(st grbl.Status, ok bool) {
	if !ok {
		c.println(c.dimStyle.Render("no status report yet"))
		return
	}
	c.println(fmt.Sprintf("%s %s  %s %.3f,%.3f,%.3f  %s %.0f  %s %d",
		c.labelStyle.Render("state"), c.valueStyle.Render(st.State),
		c.labelStyle.Render("mpos"), st.MPos.X, st.MPos.Y, st.MPos.Z,
		c.labelStyle.Render("feed"), st.Feed,
		c.labelStyle.Render("rx free"), st.RxFree))
}

func (c *console) done(job string, elapsed time.Duration) {
	c.println(c.valueStyle.Render("done") + " " + job + c.dimStyle.Render(fmt.Sprintf("  in %v", elapsed.Round(time.Second))))
}

// finish ends a progress bar left mid-line.
func (c *console) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inBar {
		fmt.Fprintln(c.out)
		c.inBar = false
	}
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inBar {
		fmt.Fprintln(c.out)
		c.inBar = false
	}
	fmt.Fprintln(c.out, s)
}
