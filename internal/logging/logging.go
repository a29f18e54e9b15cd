// Package logging provides the leveled, structured logger used across the
// agent: a Level enum, a Logger with per-level methods, and RFC 5424
// structured-syslog output via github.com/crewjam/rfc5424.
package logging

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "OFF"
	}
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	default:
		return rfc5424.User | rfc5424.Debug
	}
}

var ErrNotOpen = errors.New("logger is not open")

const appName = "hypod"

// Logger is a leveled logger that writes RFC 5424 formatted lines to one or
// more writers. It is safe for concurrent use.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.Writer
	lvl      Level
	hostname string
}

// New creates a Logger at INFO level writing to wtr.
func New(wtr io.Writer) *Logger {
	host, _ := os.Hostname()
	return &Logger{wtrs: []io.Writer{wtr}, lvl: INFO, hostname: host}
}

// NewDiscard returns a logger that drops every line; useful in tests.
func NewDiscard() *Logger { return New(io.Discard) }

func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lvl = lvl
}

func (l *Logger) AddWriter(wtr io.Writer) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.wtrs = append(l.wtrs, wtr)
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) { l.output(DEBUG, msg, sds...) }
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam)  { l.output(INFO, msg, sds...) }
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam)  { l.output(WARN, msg, sds...) }
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) { l.output(ERROR, msg, sds...) }
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) {
	l.output(CRITICAL, msg, sds...)
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if lvl < l.lvl || len(l.wtrs) == 0 {
		return
	}
	line, err := genMessage(time.Now().UTC(), lvl, l.hostname, msg, sds...)
	if err != nil {
		return
	}
	for _, w := range l.wtrs {
		w.Write(line)
	}
}

func genMessage(ts time.Time, lvl Level, hostname, msg string, sds ...rfc5424.SDParam) ([]byte, error) {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  hostname,
		AppName:   appName,
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{
			{
				ID:         "hypo@1",
				Parameters: sds,
			},
		}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

var defaultLogger = New(os.Stderr)

// Default returns the process-wide default logger, installed by cmd/hypod.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}
