package logx

import (
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const LevelDebug = zerolog.DebugLevel

// ComponentKey tags the subsystem that wrote an entry.
const ComponentKey = "comp"

// Logger writes through a Service so it follows Service.Apply. The zero value
// discards everything.
type Logger struct {
	svc    *Service
	nop    bool
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{nop: true} }

func (l Logger) IsZero() bool { return l.svc == nil && !l.nop && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc == nil {
		return zerolog.Nop()
	}
	return l.svc.current()
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	if l.svc == nil {
		return false
	}
	zl := l.root()
	return level >= zl.GetLevel()
}

// With returns a logger that adds fields to every entry.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

// Component tags entries with the subsystem name.
func (l Logger) Component(name string) Logger { return l.With(String(ComponentKey, name)) }

func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	if l.svc == nil {
		return
	}
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Skip log and the exported level method.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}
