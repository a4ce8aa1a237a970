// Package logging builds the process logger.
//
// The logger is built once in main and passed to every component; nothing
// in this module logs through a package-level logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/journald"
	"golang.org/x/sys/unix"
)

// Config selects the level, format and destination of log output.
type Config struct {
	// Level is one of trace, debug, info, warn or error. Anything else
	// means info.
	Level string
	// Format is auto, console, json or journald. auto picks journald when
	// stderr is connected to the journal and console otherwise.
	Format string
	// Output replaces stderr for the console and json formats.
	Output io.Writer
}

// New returns a logger for cfg.
func New(cfg Config) (zerolog.Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer
	switch format := strings.ToLower(cfg.Format); format {
	case "auto", "":
		if cfg.Output == nil && onJournal() {
			w = journald.NewJournalDWriter()
		} else {
			w = console(out)
		}
	case "console":
		w = console(out)
	case "json":
		w = out
	case "journald":
		w = journald.NewJournalDWriter()
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	return zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger(), nil
}

func console(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// onJournal reports whether stderr is the stream systemd advertised in
// JOURNAL_STREAM ("<dev>:<inode>").
func onJournal() bool {
	return journalStream(os.Getenv("JOURNAL_STREAM"), int(os.Stderr.Fd()))
}

func journalStream(env string, fd int) bool {
	if env == "" {
		return false
	}
	var dev, ino uint64
	if _, err := fmt.Sscanf(env, "%d:%d", &dev, &ino); err != nil {
		return false
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return uint64(st.Dev) == dev && uint64(st.Ino) == ino
}
