package fsm

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapRaftLogger lets a zap.Logger serve as the hclog.Logger of the raft
// library.
type ZapRaftLogger struct {
	logger *zap.Logger
	name   string
	args   []interface{}
	level  zap.AtomicLevel
}

var _ hclog.Logger = (*ZapRaftLogger)(nil)

// NewZapRaftLogger wraps zapLogger. The initial level is the lowest one
// zapLogger has enabled.
func NewZapRaftLogger(zapLogger *zap.Logger) *ZapRaftLogger {
	initialLevel := zap.InfoLevel
	if zapLogger.Core().Enabled(zap.DebugLevel) {
		initialLevel = zap.DebugLevel
	}
	return &ZapRaftLogger{
		logger: zapLogger,
		level:  zap.NewAtomicLevelAt(initialLevel),
	}
}

func (z *ZapRaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Off, hclog.NoLevel:
		return
	case hclog.Trace, hclog.Debug:
		z.log(zap.DebugLevel, msg, args...)
	case hclog.Info:
		z.log(zap.InfoLevel, msg, args...)
	case hclog.Warn:
		z.log(zap.WarnLevel, msg, args...)
	default:
		z.log(zap.ErrorLevel, msg, args...)
	}
}

// Trace maps to debug, zap has nothing below it.
func (z *ZapRaftLogger) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }

func (z *ZapRaftLogger) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }

func (z *ZapRaftLogger) Info(msg string, args ...interface{}) { z.log(zap.InfoLevel, msg, args...) }

func (z *ZapRaftLogger) Warn(msg string, args ...interface{}) { z.log(zap.WarnLevel, msg, args...) }

func (z *ZapRaftLogger) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

func (z *ZapRaftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	// bolt logs this on every read transaction.
	if strings.Contains(msg, "tx closed") {
		return
	}
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(argsToZapFields(args...)...)
	}
}

func (z *ZapRaftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *ZapRaftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *ZapRaftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

// ImpliedArgs returns the arguments added with With.
func (z *ZapRaftLogger) ImpliedArgs() []interface{} { return z.args }

func (z *ZapRaftLogger) With(args ...interface{}) hclog.Logger {
	return &ZapRaftLogger{
		logger: z.logger.With(argsToZapFields(args...)...),
		name:   z.name,
		args:   append(append([]interface{}(nil), z.args...), args...),
		level:  z.level,
	}
}

func (z *ZapRaftLogger) Name() string { return z.name }

func (z *ZapRaftLogger) Named(name string) hclog.Logger {
	newName := name
	if z.name != "" {
		newName = z.name + "." + name
	}
	return &ZapRaftLogger{logger: z.logger.Named(name), name: newName, args: z.args, level: z.level}
}

func (z *ZapRaftLogger) ResetNamed(name string) hclog.Logger {
	return &ZapRaftLogger{logger: z.logger.Named(name), name: name, args: z.args, level: z.level}
}

func (z *ZapRaftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (z *ZapRaftLogger) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		z.level.SetLevel(zap.WarnLevel)
	case hclog.Error, hclog.Off:
		z.level.SetLevel(zap.ErrorLevel)
	default:
		z.level.SetLevel(zap.InfoLevel)
	}
}

// StandardLogger returns a *log.Logger writing at info level.
func (z *ZapRaftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(z.StandardWriter(opts), "", 0)
}

// StandardWriter returns a writer logging each line at info level, or at the
// level found in its "[LEVEL]" prefix when InferLevels is set.
func (z *ZapRaftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	infer := opts != nil && opts.InferLevels
	return &stdWriter{logger: z, infer: infer}
}

type stdWriter struct {
	logger *ZapRaftLogger
	infer  bool
}

func (w *stdWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	level := zap.InfoLevel
	if w.infer {
		for prefix, l := range map[string]zapcore.Level{
			"[TRACE]": zap.DebugLevel,
			"[DEBUG]": zap.DebugLevel,
			"[INFO]":  zap.InfoLevel,
			"[WARN]":  zap.WarnLevel,
			"[ERROR]": zap.ErrorLevel,
			"[ERR]":   zap.ErrorLevel,
		} {
			if strings.HasPrefix(msg, prefix) {
				level = l
				msg = strings.TrimSpace(strings.TrimPrefix(msg, prefix))
				break
			}
		}
	}
	w.logger.log(level, msg)
	return len(p), nil
}

func argsToZapFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("invalid_key_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
