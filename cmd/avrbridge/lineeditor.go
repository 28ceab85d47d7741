package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const (
	historyFileName = ".avrbridge_history"
	historySize     = 500
)

// lineReader reads one line of console input after showing prompt.
// It returns io.EOF when input ends.
type lineReader interface {
	GetLine(prompt string) (string, error)
	Close()
}

// lineEditor uses readline on a terminal and a plain scanner otherwise,
// so piped scripts work the same as typed commands.
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
	out     io.Writer
}

var _ lineReader = (*lineEditor)(nil)

// newLineEditor picks the input mode for stdin. Readline is skipped under
// Emacs, which does its own line editing.
func newLineEditor(stdin *os.File, stdout, stderr io.Writer) *lineEditor {
	interactive := term.IsTerminal(int(stdin.Fd())) && os.Getenv("INSIDE_EMACS") == "" //nolint:gosec // fd fits in int

	if interactive {
		rl, err := readline.NewFromConfig(&readline.Config{
			HistoryFile:            historyPath(),
			HistoryLimit:           historySize,
			DisableAutoSaveHistory: true,
		})
		if err == nil {
			return &lineEditor{rl: rl, out: stdout}
		}
		fmt.Fprintf(stderr, "readline unavailable (%v), using basic input\n", err)
	}
	return newScannerEditor(stdin, stdout)
}

func newScannerEditor(in io.Reader, out io.Writer) *lineEditor {
	return &lineEditor{scanner: bufio.NewScanner(in), out: out}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, historyFileName)
}

// GetLine reads the next line. Ctrl-C and Ctrl-D both end input.
func (e *lineEditor) GetLine(prompt string) (string, error) {
	if e.rl == nil {
		fmt.Fprint(e.out, prompt)
		if !e.scanner.Scan() {
			if err := e.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return e.scanner.Text(), nil
	}

	e.rl.SetPrompt(prompt)
	line, err := e.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		e.rl.SaveToHistory(trimmed) //nolint:errcheck // history is best effort
	}
	return line, nil
}

// Close saves history in interactive mode. It is safe to call twice.
func (e *lineEditor) Close() {
	if e.rl != nil {
		e.rl.Close() //nolint:errcheck // nothing to do on failure
		e.rl = nil
	}
}
