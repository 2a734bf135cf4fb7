// Copyright 2026 The vfscore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// newLogrus returns a logrus logger at its most verbose level; filtering
// happens in BasicLogger.
func newLogrus(w io.Writer, formatter logrus.Formatter) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(formatter)
	l.SetLevel(logrus.DebugLevel)
	return l
}

// TextEmitter emits glog-like text lines.
type TextEmitter struct {
	l *logrus.Logger
}

// NewTextEmitter returns a TextEmitter writing to w, or stderr if w is nil.
func NewTextEmitter(w io.Writer) *TextEmitter {
	return &TextEmitter{l: newLogrus(w, &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "0102 15:04:05.000000",
	})}
}

// Emit implements Emitter.Emit.
func (e *TextEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	emitLogrus(e.l, depth, level, timestamp, format, v...)
}

// JSONEmitter logs messages in json format.
type JSONEmitter struct {
	l *logrus.Logger
}

// NewJSONEmitter returns a JSONEmitter writing to w, or stderr if w is nil.
func NewJSONEmitter(w io.Writer) *JSONEmitter {
	return &JSONEmitter{l: newLogrus(w, &logrus.JSONFormatter{})}
}

// Emit implements Emitter.Emit.
func (e *JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	emitLogrus(e.l, depth, level, timestamp, format, v...)
}

// NewEmitter returns an emitter for the given format name ("text" or
// "json").
func NewEmitter(format string, w io.Writer) (Emitter, error) {
	switch format {
	case "text", "":
		return NewTextEmitter(w), nil
	case "json":
		return NewJSONEmitter(w), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
	}
}

// emitLogrus is called from an Emitter's Emit method, hence the extra two
// frames skipped when looking up the caller.
func emitLogrus(l *logrus.Logger, depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := l.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 2); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:] // Trim any directory path from the file.
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	}
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Debug:
		entry.Debug(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Warn(msg)
	}
}
