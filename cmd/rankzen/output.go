package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kalambet/rankzen/internal/outreach"
	"github.com/kalambet/rankzen/internal/submit"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outcomeColor picks the color an outcome line is printed in.
func outcomeColor(o outreach.Outcome) string {
	switch o.Kind {
	case outreach.Attempted:
		if o.Submission == submit.Success {
			return colorGreen
		}
		return colorYellow
	case outreach.AuditFailed:
		return colorRed
	default:
		return colorCyan
	}
}

// formatOutcome renders one cycle outcome as a single line.
func formatOutcome(o outreach.Outcome) string {
	label := string(o.Kind)
	if o.Kind == outreach.Attempted {
		label = string(o.Submission)
	}
	line := fmt.Sprintf("%-24s %s", colorize(outcomeColor(o), label), o.Identity)
	if o.Identity == "" {
		line = fmt.Sprintf("%-24s %s", colorize(outcomeColor(o), label), o.Candidate.URL)
	}
	switch o.Kind {
	case outreach.SkippedWellOptimized, outreach.AuditOnly, outreach.Attempted:
		line += fmt.Sprintf("  score=%d", o.Score)
	}
	if o.CaseID != "" {
		line += "  case=" + o.CaseID
	}
	if o.Blacklisted != "" {
		line += "  blacklisted=" + string(o.Blacklisted)
	}
	if o.Err != nil {
		line += "  error=" + o.Err.Error()
	}
	return line
}
