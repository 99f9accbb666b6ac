// Package dashboard is the terminal collaborator consuming the telemetry
// bus: a running throughput total, a small log tail, and a q/Esc-to-quit
// keypress watcher. It sits outside the tunnel's core datapath and is kept
// thin on purpose.
//
// No TUI widget library appears anywhere in the retrieval pack this project
// was built from, so the renderer below is a deliberately plain
// stdlib-only text summary rather than a hand-rolled ncurses clone; see
// DESIGN.md for the reasoning.
package dashboard

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"ghostmoto/telemetry"
)

const maxLogLines = 20

// Dashboard renders a snapshot of tunnel telemetry to out after every event
// and signals shutdown through Done() when the operator asks to quit.
type Dashboard struct {
	out  io.Writer
	done chan struct{}

	mu      sync.Mutex
	totalTx uint64
	totalRx uint64
	logs    []string
}

// New creates a Dashboard writing to out.
func New(out io.Writer) *Dashboard {
	return &Dashboard{out: out, done: make(chan struct{})}
}

// Done is closed once the operator requests shutdown (q or Esc on stdin) or
// the watched input ends.
func (d *Dashboard) Done() <-chan struct{} { return d.done }

// Consume drains events until the channel is closed, rendering a summary
// line after every event. It is meant to run on its own goroutine.
func (d *Dashboard) Consume(events <-chan telemetry.Event) {
	for ev := range events {
		d.apply(ev)
		d.render()
	}
}

func (d *Dashboard) apply(ev telemetry.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch ev.Kind {
	case telemetry.KindThroughput:
		d.totalTx += ev.TxBytes
		d.totalRx += ev.RxBytes
	case telemetry.KindLog:
		d.logs = append(d.logs, ev.Message)
		if len(d.logs) > maxLogLines {
			d.logs = d.logs[len(d.logs)-maxLogLines:]
		}
	}
}

func (d *Dashboard) render() {
	d.mu.Lock()
	tx, rx := d.totalTx, d.totalRx
	lastLog := ""
	if n := len(d.logs); n > 0 {
		lastLog = d.logs[n-1]
	}
	d.mu.Unlock()

	fmt.Fprintf(d.out, "TX: %s  RX: %s  %s\n", formatBytes(tx), formatBytes(rx), lastLog)
}

func formatBytes(b uint64) string {
	switch {
	case b < 1024:
		return fmt.Sprintf("%d B", b)
	case b < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%.2f MB", float64(b)/1024/1024)
	}
}

// WatchQuit scans in (typically os.Stdin, read line by line) for a line
// starting with "q" or the literal escape byte, then closes Done(). Done()
// is also closed when in reaches EOF or a read error.
func (d *Dashboard) WatchQuit(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 0 && (line[0] == 'q' || line[0] == 0x1b) {
			close(d.done)
			return
		}
	}
	close(d.done)
}
