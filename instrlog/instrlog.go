// Package instrlog provides the diagnostic logger the core consumes
// as an external collaborator: a best-effort append-only timestamped
// text sink, toggled by the presence of a sentinel file. The core
// never depends on its success.
package instrlog

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink is the interface the protocol core consumes. The default is a
// no-op; NewFileSink builds the built-in rotating-file implementation.
type Sink interface {
	Log(tag string, buffer []byte, length int)
}

type noopSink struct{}

func (noopSink) Log(string, []byte, int) {}

// NoOp is the default sink: it discards everything.
var NoOp Sink = noopSink{}

// fileSink writes structured log lines through a zap core backed by
// a rotating lumberjack file, gated by the presence of sentinelPath.
type fileSink struct {
	logger       *zap.Logger
	sentinelPath string
}

// NewFileSink builds a Sink that writes to path, rotated the way the
// teacher's proxy log is rotated, but only while sentinelPath exists
// on disk. Absence of the sentinel degrades silently to a no-op on
// each Log call -- construction itself never fails because the
// sentinel is absent.
func NewFileSink(path, sentinelPath string) (Sink, error) {
	hook := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    64, // megabytes
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(hook), zapcore.DebugLevel)
	logger := zap.New(core, zap.AddCaller())

	return &fileSink{logger: logger, sentinelPath: sentinelPath}, nil
}

func (s *fileSink) Log(tag string, buffer []byte, length int) {
	if !s.sentinelPresent() {
		return
	}
	if length > len(buffer) {
		length = len(buffer)
	}
	s.logger.Debug(tag, zap.Binary("data", buffer[:length]), zap.Int("length", length))
}

func (s *fileSink) sentinelPresent() bool {
	_, err := os.Stat(s.sentinelPath)
	return err == nil
}

// Sync flushes any buffered log entries. Callers should defer this
// the way the teacher defers utils.Logger.Sync() in run.go.
func (s *fileSink) Sync() error {
	return s.logger.Sync()
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
