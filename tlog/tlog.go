// Package tlog adapts the teacher package's clog.Clog shape (an
// on/off-switchable logger wrapping a small LogProvider interface) to
// the TSA engine, backed by logrus instead of the stdlib log.Logger so
// that call sites can attach structured fields (tid, priority, dest)
// that a stack processing thousands of transactions a second needs.
package tlog

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LogProvider mirrors clog.LogProvider: RFC5424-flavoured levels,
// Debug/Warn/Error/Critical only.
type LogProvider interface {
	Critical(format string, v ...interface{})
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Tlog is a per-subsystem logger with an atomic enable switch, exactly
// as clog.Clog does it, so the scheduler can cheaply silence logging
// in hot paths without removing call sites.
type Tlog struct {
	provider LogProvider
	has      uint32
}

// New creates a logger with the given subsystem name attached as a
// logrus field to every record.
func New(subsystem string) Tlog {
	return Tlog{
		provider: logrusProvider{logrus.WithField("subsystem", subsystem)},
	}
}

// LogMode enables or disables output.
func (sf *Tlog) LogMode(enable bool) {
	if enable {
		atomic.StoreUint32(&sf.has, 1)
	} else {
		atomic.StoreUint32(&sf.has, 0)
	}
}

// SetProvider overrides the backing LogProvider, letting an embedder
// redirect TSA's logs into its own structured sink.
func (sf *Tlog) SetProvider(p LogProvider) {
	if p != nil {
		sf.provider = p
	}
}

func (sf Tlog) Critical(format string, v ...interface{}) {
	if atomic.LoadUint32(&sf.has) == 1 {
		sf.provider.Critical(format, v...)
	}
}

func (sf Tlog) Error(format string, v ...interface{}) {
	if atomic.LoadUint32(&sf.has) == 1 {
		sf.provider.Error(format, v...)
	}
}

func (sf Tlog) Warn(format string, v ...interface{}) {
	if atomic.LoadUint32(&sf.has) == 1 {
		sf.provider.Warn(format, v...)
	}
}

func (sf Tlog) Debug(format string, v ...interface{}) {
	if atomic.LoadUint32(&sf.has) == 1 {
		sf.provider.Debug(format, v...)
	}
}

// logrusProvider implements LogProvider on top of a logrus.Entry.
type logrusProvider struct {
	entry *logrus.Entry
}

var _ LogProvider = logrusProvider{}

func (p logrusProvider) Critical(format string, v ...interface{}) {
	// logrus's Fatal level terminates the process; a library logger must
	// never do that on the caller's behalf, so critical records are
	// tagged error-level output instead.
	p.entry.WithField("level", "critical").Errorf(format, v...)
}

func (p logrusProvider) Error(format string, v ...interface{}) {
	p.entry.Errorf(format, v...)
}

func (p logrusProvider) Warn(format string, v ...interface{}) {
	p.entry.Warnf(format, v...)
}

func (p logrusProvider) Debug(format string, v ...interface{}) {
	p.entry.Debugf(format, v...)
}
