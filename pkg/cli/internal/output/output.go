// Package output provides common output formatting utilities.
package output

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	json "github.com/goccy/go-json"
)

// JSON writes indented JSON to w.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// JSONLine writes v as one compact JSON line to w.
func JSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// Table creates an aligned table writer.
// Remember to call Flush() when done writing.
func Table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// Warn prints a warning message to stderr.
func Warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}
