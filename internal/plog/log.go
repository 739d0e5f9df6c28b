// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package plog is a small leveled, structured logger in the shape of
// the teacher's own log package: key-value pairs appended to a message,
// a terminal handler wrapped with go-colorable, and an optional rotating
// file handler.
package plog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log verbosity level.
type Level int

const (
	LevelCrit Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelCrit:
		return "CRIT"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "?????"
	}
}

// Logger is a leveled, structured logger that carries static context
// fields (e.g. tenant_shard_id, timeline_id) through every call.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	// New returns a child logger with additional static context fields.
	New(ctx ...any) Logger
}

var (
	root   Logger
	rootMu sync.Mutex
)

func init() {
	root = New(os.Stderr, LevelInfo)
}

// Root returns the process-wide root logger.
func Root() Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	return root
}

// SetRoot replaces the process-wide root logger, e.g. once the CLI has
// parsed --log-file/--verbosity.
func SetRoot(l Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = l
}

type logger struct {
	out   io.Writer
	level Level
	color bool
	ctx   []any
	mu    *sync.Mutex
}

// New constructs a Logger writing to w at the given minimum level. If w
// is an *os.File pointing at a terminal, it is wrapped with
// go-colorable (detected via go-isatty); the lines written carry no
// color codes of their own.
func New(w io.Writer, level Level) Logger {
	color := false
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = colorable.NewColorable(f)
		color = true
	}
	return &logger{out: w, level: level, color: color, mu: new(sync.Mutex)}
}

// NewFileLogger constructs a Logger writing to a size/age-rotated file,
// as the teacher's own log package does via lumberjack.
func NewFileLogger(path string, level Level, maxSizeMB, maxBackups, maxAgeDays int) Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return &logger{out: w, level: level, mu: new(sync.Mutex)}
}

func (l *logger) log(level Level, msg string, ctx []any) {
	if level > l.level {
		return
	}
	all := make([]any, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s [%s] %s%s\n", time.Now().UTC().Format(time.RFC3339Nano), level, msg, formatPairs(all))
}

func formatPairs(ctx []any) string {
	if len(ctx) == 0 {
		return ""
	}
	s := ""
	for i := 0; i+1 < len(ctx); i += 2 {
		s += fmt.Sprintf(" %v=%v", ctx[i], ctx[i+1])
	}
	return s
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.log(LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.log(LevelCrit, msg, ctx) }

func (l *logger) New(ctx ...any) Logger {
	child := &logger{out: l.out, level: l.level, color: l.color, mu: l.mu}
	child.ctx = append(append([]any{}, l.ctx...), ctx...)
	return child
}
