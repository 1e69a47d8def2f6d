// Package logger is the structured logger of the application layer and the
// HTTP API. Entries are written as JSON lines or as sorted key=value text,
// and request-scoped loggers travel in the context.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelFatal {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel accepts level names in any case and "warning". Unknown values
// are LevelInfo.
func ParseLevel(s string) Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		return LevelWarn
	}
	for i, name := range levelNames {
		if name == s {
			return Level(i)
		}
	}
	return LevelInfo
}

type Format int

const (
	FormatJSON Format = iota
	FormatText
)

// ParseFormat returns FormatText for "text" and FormatJSON otherwise.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "text") {
		return FormatText
	}
	return FormatJSON
}

// Field is one key/value pair of an entry.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field      { return Field{key, value} }
func Int(key string, value int) Field     { return Field{key, value} }
func Int64(key string, value int64) Field { return Field{key, value} }
func Bool(key string, value bool) Field   { return Field{key, value} }
func Any(key string, value any) Field     { return Field{key, value} }

func Duration(key string, d time.Duration) Field { return Field{key, d.String()} }

func Time(key string, t time.Time) Field { return Field{key, t.Format(time.RFC3339)} }

// Err records err's message under "error".
func Err(err error) Field {
	if err == nil {
		return Field{"error", nil}
	}
	return Field{"error", err.Error()}
}

// Stringer is used for decimal amounts so they log as exact strings.
func Stringer(key string, v fmt.Stringer) Field {
	if v == nil {
		return Field{key, nil}
	}
	return Field{key, v.String()}
}

// LogEntry is the JSON shape of a line.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Caller    string         `json:"caller,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type Options struct {
	Output io.Writer // stdout when nil
	Level  Level
	Format Format

	// AddCaller records file:line of the logging call.
	AddCaller  bool
	CallerSkip int
}

// sink is shared by a logger and everything derived from it.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(line)
}

type Logger struct {
	sink       *sink
	level      Level
	format     Format
	fields     []Field
	addCaller  bool
	callerSkip int
}

func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		sink:       &sink{out: out},
		level:      opts.Level,
		format:     opts.Format,
		addCaller:  opts.AddCaller,
		callerSkip: opts.CallerSkip,
	}
}

// Default writes JSON at info level to stdout.
func Default() *Logger {
	return New(Options{AddCaller: true})
}

// Nop discards everything.
func Nop() *Logger {
	return New(Options{Output: io.Discard, Level: LevelFatal + 1})
}

// With returns a child carrying fields in every entry.
func (l *Logger) With(fields ...Field) *Logger {
	child := *l
	child.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return &child
}

const RequestIDKey = "request_id"

func (l *Logger) WithRequestID(id string) *Logger {
	return l.With(String(RequestIDKey, id))
}

func (l *Logger) Enabled(level Level) bool { return level >= l.level }

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l *Logger) emit(level Level, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}

	e := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
	}
	if l.addCaller {
		// emit <- Info/Warn/... <- caller
		if _, file, line, ok := runtime.Caller(2 + l.callerSkip); ok {
			e.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}
	if len(l.fields)+len(fields) > 0 {
		e.Fields = make(map[string]any, len(l.fields)+len(fields))
		for _, f := range l.fields {
			e.Fields[f.Key] = f.Value
		}
		for _, f := range fields {
			e.Fields[f.Key] = f.Value
		}
	}

	var line []byte
	if l.format == FormatText {
		line = e.appendText(nil)
	} else if data, err := json.Marshal(e); err == nil {
		line = data
	} else {
		line = fmt.Appendf(nil, "%s [%s] %s (unencodable fields: %v)", e.Timestamp, e.Level, msg, err)
	}
	l.sink.write(append(line, '\n'))
}

// appendText renders keys in sorted order.
func (e LogEntry) appendText(b []byte) []byte {
	b = fmt.Appendf(b, "%s %-5s %s", e.Timestamp, e.Level, e.Message)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = fmt.Appendf(b, " %s=%v", k, e.Fields[k])
	}
	if e.Caller != "" {
		b = append(b, " caller="+e.Caller...)
	}
	return b
}

type ctxKey struct{}

func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, then fallback, then
// Default().
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return Default()
}

// Ledger field names.
func StudentID(id string) Field           { return String("student_id", id) }
func AdmissionNumber(no string) Field     { return String("admission_number", no) }
func TermID(id string) Field              { return String("term_id", id) }
func PaymentID(id string) Field           { return String("payment_id", id) }
func Method(m string) Field               { return String("method", m) }
func Amount(a fmt.Stringer) Field         { return Stringer("amount", a) }
func Component(name string) Field         { return String("component", name) }
func Operation(name string) Field         { return String("operation", name) }
func Latency(d time.Duration) Field       { return Duration("latency", d) }
func FeeKey(kind, ref, term string) Field { return String("fee_key", kind+"/"+ref+"/"+term) }
