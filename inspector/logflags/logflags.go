// Package logflags configures the per-component logrus loggers used by
// the inspection engine.
package logflags

import (
	"github.com/sirupsen/logrus"
)

var session = false
var scanner = false
var phase = false
var ptraceBackend = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Setup enables or disables debug logging for every component at once.
func Setup(debug bool) {
	session = debug
	scanner = debug
	phase = debug
	ptraceBackend = debug
}

// SessionLogger returns a logger for the session controller.
func SessionLogger() *logrus.Entry {
	return makeLogger(session, logrus.Fields{"layer": "session"})
}

// ScannerLogger returns a logger for the indirection-table scanner.
func ScannerLogger() *logrus.Entry {
	return makeLogger(scanner, logrus.Fields{"layer": "pltscan"})
}

// PhaseLogger returns a logger for the execution-phase state machines.
func PhaseLogger() *logrus.Entry {
	return makeLogger(phase, logrus.Fields{"layer": "phase"})
}

// PtraceBackendLogger returns a logger for the reference ptrace backend.
func PtraceBackendLogger() *logrus.Entry {
	return makeLogger(ptraceBackend, logrus.Fields{"layer": "ptraceback"})
}
