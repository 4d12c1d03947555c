/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// PionLoggerFactory adapts a slog.Logger to the pion LoggerFactory used by
// the ICE agent, the SCTP association, data channels and the TURN server.
type PionLoggerFactory struct {
	*slog.Logger
}

// NewPionLoggerFactory returns a pion logger factory writing to the given logger.
func NewPionLoggerFactory(logger *slog.Logger) *PionLoggerFactory {
	return &PionLoggerFactory{logger}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogPionLogger{f.Logger.With(slog.String("scope", scope))}
}

type slogPionLogger struct{ *slog.Logger }

// Pion traces are very chatty, so they are folded into debug.
func (l *slogPionLogger) Trace(msg string) {
	l.Logger.Debug(msg)
}

func (l *slogPionLogger) Tracef(format string, args ...interface{}) {
	l.Logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogPionLogger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *slogPionLogger) Debugf(format string, args ...interface{}) {
	l.Logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogPionLogger) Info(msg string) {
	l.Logger.Info(msg)
}

func (l *slogPionLogger) Infof(format string, args ...interface{}) {
	l.Logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogPionLogger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *slogPionLogger) Warnf(format string, args ...interface{}) {
	l.Logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogPionLogger) Error(msg string) {
	l.Logger.Error(msg)
}

func (l *slogPionLogger) Errorf(format string, args ...interface{}) {
	l.Logger.Error(fmt.Sprintf(format, args...))
}
