package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

// kindStyles holds the bracketed label and ANSI color for each kind.
var kindStyles = [...]struct{ label, color string }{
	statusInfo:  {"INFO", "\x1b[34m"},
	statusOK:    {"OK", "\x1b[32m"},
	statusWarn:  {"WARN", "\x1b[33m"},
	statusError: {"ERROR", "\x1b[31m"},
}

const ansiReset = "\x1b[0m"

const statusLabelWidth = 20

var titleCaser = cases.Title(language.English)

func (k statusKind) style() (label, color string) {
	if k < 0 || int(k) >= len(kindStyles) {
		k = statusInfo
	}
	return kindStyles[k].label, kindStyles[k].color
}

func paint(s, color string, colorize bool) string {
	if !colorize || color == "" {
		return s
	}
	return color + s + ansiReset
}

// renderStatusLine prints "  Label:               [OK] message".
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	name, color := kind.style()
	line := fmt.Sprintf("  %-*s [%s]", statusLabelWidth, label+":", name)
	if message != "" {
		line += " " + message
	}
	return paint(line, color, colorize)
}

// runStatusKind maps pipeline and stage statuses onto display kinds.
func runStatusKind(status string) statusKind {
	switch status {
	case "completed":
		return statusOK
	case "paused_cost":
		return statusWarn
	case "failed":
		return statusError
	default:
		return statusInfo
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := "== " + strings.TrimSpace(title) + " =="
	_, blue := statusInfo.style()
	return []string{paint(line, blue, colorize), paint(strings.Repeat("-", len(line)), blue, colorize)}
}

// stageTitle turns "brain-curator" into "Brain Curator".
func stageTitle(name string) string {
	return titleCaser.String(strings.ReplaceAll(strings.TrimSpace(name), "-", " "))
}

func formatUSD(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func formatDurationMs(ms int64) string {
	switch {
	case ms <= 0:
		return "-"
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60_000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		return fmt.Sprintf("%dm%02ds", ms/60_000, (ms%60_000)/1000)
	}
}

func dashIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func shouldColorize(writer io.Writer) bool {
	if file, ok := writer.(*os.File); ok {
		return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
	}
	return false
}
