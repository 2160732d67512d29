// Package logging builds the structured logr.Logger used throughout the
// broker, processors and executor.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Session opens a timestamped log file under dir (creating dir if needed)
// and returns a logr.Logger that writes to it, optionally tee'd to stderr.
// Debug controls verbosity: V(1) messages are emitted only when true.
//
// This mirrors the session-file-per-run pattern of a stdlib-`log`-backed
// logger, adapted to hand back a structured logr.Logger instead of a
// Printf-style method set.
func Session(dir string, debug bool, alsoStderr bool) (logr.Logger, func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return logr.Logger{}, nil, fmt.Errorf("logging: creating log directory: %w", err)
	}
	name := fmt.Sprintf("session-%s.log", time.Now().Format("20060102-150405"))
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("logging: opening session log file: %w", err)
	}

	var out io.Writer = file
	if alsoStderr {
		out = io.MultiWriter(file, os.Stderr)
	}

	std := log.New(out, "", log.LstdFlags|log.Lmicroseconds)
	logger := stdr.New(std)
	if debug {
		stdr.SetVerbosity(1)
	}
	return logger, file.Close, nil
}

// Stderr returns a plain logr.Logger writing to stderr, for binaries that
// don't need a session file (e.g. short-lived test helpers).
func Stderr(debug bool) logr.Logger {
	std := log.New(os.Stderr, "", log.LstdFlags)
	logger := stdr.New(std)
	if debug {
		stdr.SetVerbosity(1)
	}
	return logger
}

// Discard returns a logr.Logger that drops everything, for tests that don't
// care about log output.
func Discard() logr.Logger {
	return logr.Discard()
}
