// Package logging builds the component loggers.
//
// Every component takes a *log.Logger with a bracketed prefix ("[api] ",
// "[daemon] "). They all share one destination: stderr by default, or a
// size-rotated file when a log file is configured.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stratboard/stratboard/internal/config"
)

// Factory hands out prefixed loggers that share a writer.
type Factory struct {
	out    io.Writer
	closer io.Closer
}

// New returns a factory writing where cfg says. A nil cfg logs to stderr.
func New(cfg *config.LogConfig) (*Factory, error) {
	if cfg == nil || cfg.File == "" {
		return &Factory{out: os.Stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, err
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
		Compress:   false,
	}
	return &Factory{out: rotating, closer: rotating}, nil
}

// Discard returns a factory whose loggers drop everything.
func Discard() *Factory {
	return &Factory{out: io.Discard}
}

// Logger returns a logger with the "[name] " prefix.
func (f *Factory) Logger(name string) *log.Logger {
	return log.New(f.out, "["+name+"] ", log.LstdFlags)
}

// Writer is the shared destination.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
