package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/docker/cli/cli/streams"
)

// Writer is the user-facing output channel of the CLI. Workload output and
// listings go through it; diagnostics go through the logger.
type Writer interface {
	Print(v ...any)
	Printf(format string, v ...any)
	Println(v ...any)

	// Warning writes a message prefixed with "Warning: " to the error stream.
	Warning(v ...any)
	Warningf(format string, v ...any)

	// PrintJSON writes v as indented JSON followed by a newline.
	PrintJSON(v any) error

	// Out is the output stream, which knows whether it is a terminal.
	Out() *streams.Out
	// Err is the error stream.
	Err() io.Writer
}

type StandardWriter struct {
	out *streams.Out
	err io.Writer
}

// NewStandardWriter creates a Writer that outputs to stdout and stderr.
func NewStandardWriter() *StandardWriter {
	return NewCustomWriter(os.Stdout, os.Stderr)
}

// NewCustomWriter creates a Writer with custom output streams.
// The out stream is used for normal output, while err is used for warnings
// and workload stderr.
func NewCustomWriter(out, err io.Writer) *StandardWriter {
	return &StandardWriter{
		out: streams.NewOut(out),
		err: err,
	}
}

func (w *StandardWriter) Print(v ...any) {
	fmt.Fprint(w.out, v...)
}

func (w *StandardWriter) Printf(format string, v ...any) {
	fmt.Fprintf(w.out, format, v...)
}

func (w *StandardWriter) Println(v ...any) {
	fmt.Fprintln(w.out, v...)
}

func (w *StandardWriter) Warning(v ...any) {
	fmt.Fprint(w.err, "Warning: ")
	fmt.Fprintln(w.err, v...)
}

func (w *StandardWriter) Warningf(format string, v ...any) {
	fmt.Fprintf(w.err, "Warning: "+format+"\n", v...)
}

func (w *StandardWriter) PrintJSON(v any) error {
	encoder := json.NewEncoder(w.out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func (w *StandardWriter) Out() *streams.Out {
	return w.out
}

func (w *StandardWriter) Err() io.Writer {
	return w.err
}
