package corefile

import "go.uber.org/zap"

// sanityChecks enables possibly-expensive assertion checks.
var sanityChecks = false

// DebugLogf is used to log verbose debugging messages. verbosityLevel is a number
// greater than zero, with higher numbers meaning the message is increasingly verbose.
// If this is nil (the default), then verbose logging is disabled.
var DebugLogf func(verbosityLevel int, format string, args ...interface{})

// Logf logs a debugging message at the given verbosity level through DebugLogf.
func Logf(verbosityLevel int, format string, args ...interface{}) {
	if DebugLogf != nil {
		DebugLogf(verbosityLevel, format, args...)
	}
}

// printf reports problems that should be visible even without DebugLogf.
// They go to the global zap logger.
func printf(format string, args ...interface{}) {
	if DebugLogf != nil {
		DebugLogf(1, format, args...)
	} else {
		zap.S().Warnf(format, args...)
	}
}

func logf(format string, args ...interface{}) {
	Logf(1, format, args...)
}

func verbosef(format string, args ...interface{}) {
	Logf(2, format, args...)
}
