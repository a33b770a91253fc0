package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marknotgeorge/SpeedAndCadence/internal/config"
)

// New returns a logger writing to the rotating file described by cfg and to every mirror.
// The dashboard owns the terminal, so mirrors are only passed in plain mode.
// Close the returned io.Closer on exit to release the file.
func New(cfg config.LogConfig, mirrors ...io.Writer) (*log.Logger, io.Closer, error) {
	if cfg.File == "" {
		return nil, nil, errors.New("log file not set")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	var out io.Writer = rotator
	if len(mirrors) > 0 {
		out = io.MultiWriter(append([]io.Writer{rotator}, mirrors...)...)
	}
	return log.New(out, "", log.LstdFlags|log.Lmicroseconds), rotator, nil
}
