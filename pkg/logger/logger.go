package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the process-wide instance. Components should derive
	// scoped entries via Component().
	Logger *logrus.Logger

	initMu sync.Mutex
)

// Config controls log level, destination and rotation.
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // optional; empty means stdout only
	MaxSize    int    // MB per file before rotation
	MaxBackups int    // rotated files kept
	MaxAge     int    // days rotated files kept
	Compress   bool
}

// Init sets up the global logger. Safe to call more than once; the last
// call wins.
func Init(config Config) error {
	initMu.Lock()
	defer initMu.Unlock()

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	})

	writers := []io.Writer{os.Stdout}
	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0o755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	}

	multi := io.MultiWriter(writers...)
	logger.SetOutput(multi)

	// Keep the package-level logrus logger in sync so stray
	// logrus.WithField() callers land in the same file.
	logrus.SetOutput(multi)
	logrus.SetLevel(level)

	Logger = logger
	return nil
}

// InitDefault initializes with sane defaults for local runs.
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/gateway.log",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})
}

// Component returns a logger entry tagged with a component name.
func Component(name string) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField("component", name)
	}
	return logrus.WithField("component", name)
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithFields adds multiple fields to a log entry.
func WithFields(fields logrus.Fields) *logrus.Entry {
	if Logger != nil {
		return Logger.WithFields(fields)
	}
	return logrus.NewEntry(logrus.New())
}
