package main

import (
	"fmt"
	"io"

	"feed-media/internal/domain"
	"feed-media/internal/uploader"
)

// renderProgress prints a line whenever a task changes state or moves by at
// least ten points, until events is closed.
func renderProgress(w io.Writer, events <-chan uploader.Event) {
	type seen struct {
		state    domain.TaskState
		progress int
	}
	last := make(map[string]seen)
	for ev := range events {
		prev, ok := last[ev.TaskID]
		if ok && prev.state == ev.State {
			moved := ev.Progress - prev.progress
			if moved <= 0 || (moved < 10 && ev.Progress != domain.ProgressDone) {
				continue
			}
		}
		last[ev.TaskID] = seen{ev.State, ev.Progress}
		fmt.Fprintf(w, "%-24s %-18s %3d%%\n", ev.FileName, ev.State, ev.Progress)
	}
}

// printReport writes one line per submitted file and returns errSomeFailed
// when any file did not complete.
func printReport(w io.Writer, report *domain.BatchReport) error {
	failed := len(report.Rejections)
	for _, task := range report.Tasks {
		switch task.State {
		case domain.TaskStateComplete:
			note := ""
			if task.Result.Source == domain.SourceFallback {
				note = " (fallback)"
			}
			if task.Result.Degraded {
				note += " (url not resolved)"
			}
			fmt.Fprintf(w, "ok       %s  %s  %s%s\n", task.File.Name, task.Result.FileID, task.Result.URL, note)
		default:
			failed++
			fmt.Fprintf(w, "error    %s: %v\n", task.File.Name, task.Err)
		}
	}
	for _, r := range report.Rejections {
		fmt.Fprintf(w, "rejected %s: %v\n", r.FileName, r.Err)
	}
	if report.Truncated > 0 {
		failed += report.Truncated
		fmt.Fprintf(w, "skipped  %d file(s): batch is full\n", report.Truncated)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errSomeFailed, failed, len(report.Tasks)+len(report.Rejections)+report.Truncated)
	}
	return nil
}
