// Package util holds the logging and counters shared by duet-signal and duet.
//
// Both binaries log through pterm's default logger with timestamps, so a
// relay log and a client log of the same call line up when read side by
// side. Debug output covers per-frame relay traffic and SDP codec summaries;
// it stays hidden until EnableDebug.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

func logf(level pterm.LogLevel, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l := pterm.DefaultLogger
	switch level {
	case pterm.LogLevelDebug:
		l.Debug(msg)
	case pterm.LogLevelWarn:
		l.Warn(msg)
	case pterm.LogLevelError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

// LogDebug logs relay frames, buffered candidates and other per-step detail.
func LogDebug(format string, args ...interface{}) { logf(pterm.LogLevelDebug, format, args...) }

// LogInfo logs participant and call lifecycle events.
func LogInfo(format string, args ...interface{}) { logf(pterm.LogLevelInfo, format, args...) }

// LogSuccess marks a completed call milestone. It logs at info level.
func LogSuccess(format string, args ...interface{}) { logf(pterm.LogLevelInfo, format, args...) }

// LogWarning logs dropped frames, ignored messages and protocol violations.
func LogWarning(format string, args ...interface{}) { logf(pterm.LogLevelWarn, format, args...) }

// LogError logs failures that end a call or stop a binary.
func LogError(format string, args ...interface{}) { logf(pterm.LogLevelError, format, args...) }

// EnableDebug shows debug messages from both duet and pion.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are shown. Callers use it to
// skip work, such as parsing SDP, whose only output is a debug line.
func DebugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl == pterm.LogLevelTrace || lvl == pterm.LogLevelDebug
}
