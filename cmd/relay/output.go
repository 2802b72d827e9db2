package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	infoColor    = color.New(color.FgCyan)
	boldColor    = color.New(color.Bold)
)

func printSuccess(w io.Writer, format string, args ...any) {
	successColor.Fprintf(w, "✓ %s\n", fmt.Sprintf(format, args...))
}

func printError(w io.Writer, format string, args ...any) {
	errorColor.Fprintf(w, "✗ %s\n", fmt.Sprintf(format, args...))
}

func printWarning(w io.Writer, format string, args ...any) {
	warningColor.Fprintf(w, "⚠ %s\n", fmt.Sprintf(format, args...))
}

func printInfo(w io.Writer, format string, args ...any) {
	infoColor.Fprintf(w, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// printField prints one "key: value" line with a bold key.
func printField(w io.Writer, key string, value any) {
	boldColor.Fprintf(w, "%-14s", key+":")
	fmt.Fprintf(w, " %v\n", value)
}
