// Package logging provides leveled, component-scoped logging for the gateway.
//
// Loggers derived with WithComponent or WithCorrelationID share their parent's
// output and level, so reconfiguring the root at startup reconfigures every
// component logger handed out before it.
package logging

import (
	stderrors "errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vinayprograms/gatekit/errors"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps a config string ("debug", "INFO", ...) to a Level.
// Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Format selects the line encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// sink is the state shared by a root logger and everything derived from it.
type sink struct {
	mu     sync.Mutex
	output io.Writer
	format Format
	level  zap.AtomicLevel
	base   atomic.Pointer[zap.Logger]
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.Write(p)
}

func (s *sink) Sync() error { return nil }

func (s *sink) rebuild() {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     utcMillis,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     bracketName,
	}
	s.mu.Lock()
	format := s.format
	s.mu.Unlock()

	var enc zapcore.Encoder
	if format == FormatJSON {
		cfg.EncodeName = zapcore.FullNameEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	s.base.Store(zap.New(zapcore.NewCore(enc, zapcore.AddSync(s), s.level)))
}

func utcMillis(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
}

func bracketName(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + name + "]")
}

// Logger writes structured log lines through zap.
type Logger struct {
	sink          *sink
	component     string
	correlationID string
}

// New creates a Logger writing console lines to stdout at INFO.
func New() *Logger {
	s := &sink{
		output: os.Stdout,
		format: FormatConsole,
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	s.rebuild()
	return &Logger{sink: s}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	l.SetLevel(LevelError)
	return l
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, correlationID: l.correlationID}
}

// WithCorrelationID returns a logger that stamps every line with id.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return &Logger{sink: l.sink, component: l.component, correlationID: id}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// SetFormat switches between console and JSON lines.
func (l *Logger) SetFormat(f Format) {
	l.sink.mu.Lock()
	l.sink.format = f
	l.sink.mu.Unlock()
	l.sink.rebuild()
}

// Zap exposes the underlying zap logger, scoped like l.
func (l *Logger) Zap() *zap.Logger {
	zl := l.sink.base.Load()
	if l.component != "" {
		zl = zl.Named(l.component)
	}
	if l.correlationID != "" {
		zl = zl.With(zap.String("correlation_id", l.correlationID))
	}
	return zl
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.DebugLevel, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.InfoLevel, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.WarnLevel, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.ErrorLevel, msg, fields...)
}

func (l *Logger) log(level zapcore.Level, msg string, fields ...map[string]interface{}) {
	if !l.sink.level.Enabled(level) {
		return
	}
	var zf []zap.Field
	if len(fields) > 0 && fields[0] != nil {
		zf = toZapFields(fields[0])
	}
	if ce := l.Zap().Check(level, msg); ce != nil {
		ce.Write(zf...)
	}
}

// toZapFields converts a field map in key order so lines are stable.
func toZapFields(fields map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
			out = append(out, codedFields(k, v)...)
		case time.Duration:
			out = append(out, zap.Duration(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

// codedFields expands a coded error into "<key>_code" and "<key>.<meta>" fields.
func codedFields(key string, err error) []zap.Field {
	var coded *errors.Error
	if !stderrors.As(err, &coded) {
		return nil
	}
	md := coded.Metadata()
	names := make([]string, 0, len(md))
	for name := range md {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]zap.Field, 0, len(names)+1)
	out = append(out, zap.String(key+"_code", coded.Code().String()))
	for _, name := range names {
		out = append(out, zap.String(key+"."+name, md[name]))
	}
	return out
}

// --- Gateway events ---

// ConnectionOpened logs an admitted connection.
func (l *Logger) ConnectionOpened(identity, connID string, active int64) {
	l.Info("connection_opened", map[string]interface{}{
		"identity": identity,
		"conn_id":  connID,
		"active":   active,
	})
}

// ConnectionRejected logs a connection refused by the admission limiter.
func (l *Logger) ConnectionRejected(identity string, active int64, degraded bool) {
	l.Info("connection_rejected", map[string]interface{}{
		"identity": identity,
		"active":   active,
		"degraded": degraded,
	})
}

// ConnectionClosed logs the end of a connection.
func (l *Logger) ConnectionClosed(identity, connID string, duration time.Duration) {
	l.Info("connection_closed", map[string]interface{}{
		"identity": identity,
		"conn_id":  connID,
		"duration": duration,
	})
}

// DispatchResult logs a completed dispatch. Client-facing outcomes are debug.
func (l *Logger) DispatchResult(messageTypeID int, correlationID, status string, duration time.Duration) {
	l.Debug("dispatch", map[string]interface{}{
		"message_type_id": messageTypeID,
		"correlation_id":  correlationID,
		"status":          status,
		"duration":        duration,
	})
}

// RateLimited logs a message refused by the sliding window.
func (l *Logger) RateLimited(identity, correlationID string) {
	l.Debug("rate_limited", map[string]interface{}{
		"identity":       identity,
		"correlation_id": correlationID,
	})
}

// DependencyDegraded logs a dependency failure absorbed by a fail policy.
func (l *Logger) DependencyDegraded(dependency string, err error, fields map[string]interface{}) {
	f := map[string]interface{}{"dependency": dependency, "error": err}
	for k, v := range fields {
		f[k] = v
	}
	l.Warn("dependency_degraded", f)
}

// BreakerTransition logs a circuit breaker state change. Opening is a warning.
func (l *Logger) BreakerTransition(name, from, to string) {
	f := map[string]interface{}{"breaker": name, "from": from, "to": to}
	if to == "open" {
		l.Warn("breaker_transition", f)
		return
	}
	l.Info("breaker_transition", f)
}
