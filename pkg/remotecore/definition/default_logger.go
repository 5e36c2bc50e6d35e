// Package definition provides the default implementations of the small
// collaborator interfaces declared in package types.
package definition

import (
	"github.com/sirupsen/logrus"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// DefaultLogger is the default types.Logger implementation, used if the
// host does not provide its own. It is backed by logrus so that
// structured fields (peer, seq, attempt, ...) travel with every line.
type DefaultLogger struct {
	entry *logrus.Entry
	debug bool
}

// NewDefaultLogger builds a DefaultLogger writing to logrus's standard
// logger at info level (debug lines are gated by ToggleDebug).
func NewDefaultLogger() *DefaultLogger {
	base := logrus.New()
	base.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: logrus.NewEntry(base)}
}

func (l *DefaultLogger) Info(v ...interface{})                   { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})   { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                   { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})   { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                  { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{})  { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                  { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{})  { l.entry.Fatalf(format, v...) }
func (l *DefaultLogger) Panic(v ...interface{})                  { l.entry.Panic(v...) }
func (l *DefaultLogger) Panicf(format string, v ...interface{})  { l.entry.Panicf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.entry.Debug(v...)
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.entry.Debugf(format, v...)
	}
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}

func (l *DefaultLogger) WithFields(fields map[string]interface{}) types.Logger {
	return &DefaultLogger{entry: l.entry.WithFields(logrus.Fields(fields)), debug: l.debug}
}

var _ types.Logger = (*DefaultLogger)(nil)
