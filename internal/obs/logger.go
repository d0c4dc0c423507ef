package obs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig mirrors the logging.* section of the gateway config.
type LoggingConfig struct {
	Level        string   `yaml:"level" json:"level"`
	Format       string   `yaml:"format" json:"format"`
	Destinations []string `yaml:"destinations" json:"destinations"`
	FilePath     string   `yaml:"file_path" json:"file_path"`
}

// SetupLogging configures the process-wide logrus logger from config.
// Supported destinations are "stdout", "stderr" and "file"; "file"
// requires file_path.
func SetupLogging(cfg LoggingConfig) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(parsed)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	dests := cfg.Destinations
	if len(dests) == 0 {
		dests = []string{"stdout"}
	}
	var writers []io.Writer
	for _, d := range dests {
		switch strings.ToLower(d) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		case "file":
			if cfg.FilePath == "" {
				return fmt.Errorf("file destination requires logging.file_path")
			}
			if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
			f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			writers = append(writers, f)
		default:
			return fmt.Errorf("invalid log destination %q", d)
		}
	}
	if len(writers) == 1 {
		logrus.SetOutput(writers[0])
	} else {
		logrus.SetOutput(io.MultiWriter(writers...))
	}
	return nil
}
