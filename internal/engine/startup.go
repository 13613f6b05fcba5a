package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotRunning means the Ollama server did not answer.
var ErrNotRunning = errors.New("Ollama is not reachable; start it with: ollama serve")

// EnsureReady fails when e is unreachable and pulls whichever of embedModel
// and chatModel is missing, reporting progress to w. chatModel is empty
// when answers come from a remote provider.
func EnsureReady(ctx context.Context, e Engine, embedModel, chatModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return ErrNotRunning
	}

	var needed []string
	for _, m := range []string{embedModel, chatModel} {
		if m != "" && (len(needed) == 0 || needed[0] != m) {
			needed = append(needed, m)
		}
	}

	for _, model := range needed {
		if !e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: pulling...\n", model)
			if err := e.PullModel(ctx, model, progressPrinter(w)); err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

// progressPrinter writes a line whenever the status or the whole
// percentage changes.
func progressPrinter(w io.Writer) func(PullProgress) {
	lastStatus, lastPct := "", -1
	return func(p PullProgress) {
		pct := -1
		if p.Total > 0 {
			pct = int(p.Completed * 100 / p.Total)
		}
		if p.Status == lastStatus && pct == lastPct {
			return
		}
		lastStatus, lastPct = p.Status, pct
		if pct >= 0 {
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	}
}
