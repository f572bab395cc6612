package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Display periodically renders a Tracker
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastLine int
}

// NewDisplay renders tracker to stdout every interval
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      os.Stdout,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the render loop
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop renders the summary and waits for the loop to exit
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.update()
		case <-d.stopCh:
			d.clear()
			fmt.Fprintln(d.out, strings.Join(summaryLines(d.tracker.Status()), "\n"))
			return
		}
	}
}

func (d *Display) update() {
	lines := progressLines(d.tracker.Status(), d.tracker.Percent(), d.tracker.BytesPercent())
	d.clear()
	fmt.Fprint(d.out, strings.Join(lines, "\n"))
	d.lastLine = len(lines)
}

// clear moves the cursor up over the previous frame and erases it
func (d *Display) clear() {
	if d.lastLine == 0 {
		return
	}
	fmt.Fprintf(d.out, "\r\033[%dA\033[J", d.lastLine-1)
	d.lastLine = 0
}

func progressLines(status Status, percent, bytesPercent float64) []string {
	lines := []string{
		"Sync progress",
		strings.Repeat("=", 51),
		fmt.Sprintf("Tasks: %d/%d  %s", status.FinishedTasks, status.TotalTasks, progressBar(percent, 30)),
		fmt.Sprintf("Data:  %s/%s  %s", FormatBytes(status.TransferredBytes), FormatBytes(status.TotalBytes), progressBar(bytesPercent, 30)),
		fmt.Sprintf("Completed: %d  Failed: %d", status.CompletedTasks, status.FailedTasks),
	}

	if len(status.Depths) > 0 {
		parts := make([]string, 0, len(status.Depths))
		for _, d := range status.Depths {
			parts = append(parts, fmt.Sprintf("%s=%d", d.Queue, d.Depth))
		}
		lines = append(lines, "Queued: "+strings.Join(parts, " "))
	}

	if u := status.Upload; u != nil {
		lines = append(lines, fmt.Sprintf("Uploading %s: %s/%s (%.0f%%)",
			u.Name, FormatBytes(u.Loaded), FormatBytes(u.Total), u.Fraction*100))
	}

	lines = append(lines,
		fmt.Sprintf("Speed: %s (avg %s)", FormatSpeed(status.CurrentSpeed), FormatSpeed(status.AverageSpeed)),
		fmt.Sprintf("Elapsed: %s  ETA: %s", FormatDuration(time.Since(status.StartTime)), FormatDuration(status.ETA)),
	)
	return lines
}

func summaryLines(status Status) []string {
	return []string{
		"Sync finished",
		strings.Repeat("=", 51),
		fmt.Sprintf("Tasks: %d (completed %d, failed %d)", status.FinishedTasks, status.CompletedTasks, status.FailedTasks),
		fmt.Sprintf("Data: %s", FormatBytes(status.TransferredBytes)),
		fmt.Sprintf("Elapsed: %s  Average speed: %s", FormatDuration(time.Since(status.StartTime)), FormatSpeed(status.AverageSpeed)),
	}
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return fmt.Sprintf("[%s%s] %.1f%%", strings.Repeat("#", filled), strings.Repeat("-", width-filled), percent)
}

// IsTerminalSupported reports whether stdout is a terminal
func IsTerminalSupported() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
