package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// Spinner shows progress on an interactive terminal. When the output is not
// a terminal, or in verbose mode where log lines would interleave with it,
// it prints plain status lines instead.
type Spinner struct {
	sp  *spinner.Spinner
	out io.Writer
}

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// NewSpinner starts a spinner with message.
func NewSpinner(message string) *Spinner {
	s := &Spinner{out: os.Stdout}
	if !IsTerminal() || IsVerbose() {
		fmt.Fprintf(s.out, "  %s\n", message)
		return s
	}
	// Dots style.
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stdout))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

func (s *Spinner) clear() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K")
		s.sp = nil
	}
}

// Success stops the spinner and prints a success message.
func (s *Spinner) Success(message string) {
	s.clear()
	fmt.Fprintf(s.out, "  %s %s\n", color.GreenString("✓"), message)
}

// Fail stops the spinner and prints an error message.
func (s *Spinner) Fail(message string) {
	s.clear()
	fmt.Fprintf(s.out, "  %s %s\n", color.RedString("✗"), message)
}

// Stop stops the spinner without printing anything.
func (s *Spinner) Stop() {
	s.clear()
}
