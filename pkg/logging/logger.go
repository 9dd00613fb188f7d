// Package logging provides the leveled, nil-safe logger used throughout the
// watcher packages. A nil *Logger is valid and simply discards everything,
// so components can be handed a logger unconditionally without a presence
// check at every call site.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"

	"github.com/fatih/color"
)

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger callback.
type writer struct {
	// callback is the logging callback.
	callback func(string)
	// buffer is any incomplete line fragment left over from a previous write.
	buffer []byte
}

// trimCarriageReturn trims any single trailing carriage return from the end
// of a byte slice.
func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

// Write implements io.Writer.Write.
func (w *writer) Write(buffer []byte) (int, error) {
	w.buffer = append(w.buffer, buffer...)

	var processed int
	remaining := w.buffer
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}

	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}

	return len(buffer), nil
}

// Logger is the main logger type. A nil *Logger is functional but logs
// nothing, so callers never need to nil-check before using one. It writes
// through its own *log.Logger created with log.LstdFlags, so flags set on
// the standard library's default logger do not apply to it. It is safe for
// concurrent use.
type Logger struct {
	// prefix is any dotted prefix accumulated via Sublogger.
	prefix string
	// level is the minimum level at which this logger (and every sublogger
	// derived from it) will emit output.
	level Level
	// output is the underlying *log.Logger used for formatting and writing.
	output *log.Logger
}

// NewLogger creates a new root logger at the given level, writing to w. If w
// is nil, os.Stderr is used.
func NewLogger(level Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		level:  level,
		output: log.New(w, "", log.LstdFlags),
	}
}

// RootLogger is a default root logger at LevelWarn, writing to stderr. Most
// programs will want to construct their own via NewLogger, but this gives
// every package a safe default to fall back on.
var RootLogger = NewLogger(LevelWarn, os.Stderr)

// Sublogger creates a new sublogger with the specified name, inheriting the
// parent's level and destination.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{
		prefix: prefix,
		level:  l.level,
		output: l.output,
	}
}

// Level returns the logger's minimum emission level.
func (l *Logger) Level() Level {
	if l == nil {
		return LevelDisabled
	}
	return l.level
}

func (l *Logger) line(tag, line string) string {
	if l.prefix != "" {
		return fmt.Sprintf("%s [%s] %s", tag, l.prefix, line)
	}
	return fmt.Sprintf("%s %s", tag, line)
}

func (l *Logger) emit(level Level, calldepth int, line string) {
	if l == nil || l.level < level {
		return
	}
	l.output.Output(calldepth+1, line)
}

// Error logs error information with a red "ERROR" tag. Always emitted at
// LevelError or above.
func (l *Logger) Error(v ...interface{}) {
	if l == nil || l.level < LevelError {
		return
	}
	l.emit(LevelError, 3, color.RedString(l.line("ERROR", fmt.Sprint(v...))))
}

// Errorf is the Printf-style variant of Error.
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l == nil || l.level < LevelError {
		return
	}
	l.emit(LevelError, 3, color.RedString(l.line("ERROR", fmt.Sprintf(format, v...))))
}

// Warn logs error information with a yellow "WARN" tag.
func (l *Logger) Warn(v ...interface{}) {
	if l == nil || l.level < LevelWarn {
		return
	}
	l.emit(LevelWarn, 3, color.YellowString(l.line("WARN", fmt.Sprint(v...))))
}

// Warnf is the Printf-style variant of Warn.
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l == nil || l.level < LevelWarn {
		return
	}
	l.emit(LevelWarn, 3, color.YellowString(l.line("WARN", fmt.Sprintf(format, v...))))
}

// Info logs basic execution information.
func (l *Logger) Info(v ...interface{}) {
	if l == nil || l.level < LevelInfo {
		return
	}
	l.emit(LevelInfo, 3, l.line("INFO", fmt.Sprint(v...)))
}

// Infof is the Printf-style variant of Info.
func (l *Logger) Infof(format string, v ...interface{}) {
	if l == nil || l.level < LevelInfo {
		return
	}
	l.emit(LevelInfo, 3, l.line("INFO", fmt.Sprintf(format, v...)))
}

// Debug logs advanced execution information, only emitted at LevelDebug.
func (l *Logger) Debug(v ...interface{}) {
	if l == nil || l.level < LevelDebug {
		return
	}
	l.emit(LevelDebug, 3, l.line("DEBUG", fmt.Sprint(v...)))
}

// Debugf is the Printf-style variant of Debug.
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l == nil || l.level < LevelDebug {
		return
	}
	l.emit(LevelDebug, 3, l.line("DEBUG", fmt.Sprintf(format, v...)))
}

// Writer returns an io.Writer that writes lines as Debug entries. This is
// useful for feeding a subordinate component's line-oriented diagnostic
// stream (e.g. a native backend's internal logging) into this logger.
func (l *Logger) Writer() io.Writer {
	if l == nil || l.level < LevelDebug {
		return ioutil.Discard
	}
	return &writer{callback: func(line string) { l.Debug(line) }}
}
