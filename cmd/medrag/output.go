package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/medrag/medrag/internal/domain"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printAnswer writes the answer text followed by its provenance and sources.
func printAnswer(w io.Writer, a domain.Answer) {
	fmt.Fprintln(w, a.Text)
	fmt.Fprintln(w)

	if a.Provenance != domain.ProvenanceDocuments {
		fmt.Fprintln(w, colorize(colorYellow, "Source: general medical knowledge (not from your documents)"))
		return
	}
	fmt.Fprintln(w, colorize(colorBold, "Sources:"))
	for _, c := range a.Citations {
		fmt.Fprintf(w, "  [%d] %s, chunk %d (score %.2f)\n", c.Marker, c.DocumentID, c.ChunkIndex, c.Score)
		if c.Excerpt != "" {
			fmt.Fprintf(w, "      %s\n", truncate(c.Excerpt, 120))
		}
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
