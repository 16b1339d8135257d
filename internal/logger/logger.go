package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig enables rotated file output. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string
	MaxSizeMB  int  // megabytes before rotation (default 10)
	MaxBackups int  // number of backups to keep (default 3)
	MaxAgeDays int  // days to keep (default 7)
	Compress   bool // gzip rotated files
}

// Config describes the kernel's own log output.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Color  bool   // ANSI colors for the text format; ignored for files
	// Output is used when File.Path is empty; defaults to stderr.
	Output io.Writer
	File   FileConfig
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Writer returns the destination for log records. The closer is nil unless a
// rotating file was opened.
func (c Config) Writer() (io.Writer, io.Closer) {
	if c.File.Path != "" {
		l := &lj.Logger{
			Filename:   c.File.Path,
			MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.File.Compress,
		}
		return l, l
	}
	if c.Output != nil {
		return c.Output, nil
	}
	return os.Stderr, nil
}

// New builds a logger from c. Close the returned closer (when non-nil) on shutdown.
func New(c Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	w, closer := c.Writer()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		if c.Color && c.File.Path == "" {
			h = NewColorTextHandler(w, opts, true)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

// Setup installs the logger built from c as the slog default.
func Setup(c Config) (io.Closer, error) {
	l, closer, err := New(c)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return closer, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
