package logger

import (
	"github.com/teranos/engage/sym"
	"go.uber.org/zap"
)

// Instance logger wrappers.
// These wrap any logger with a symbol field, useful when you have
// an instance logger (e.g., e.logger, s.logger) rather than the global Logger.
//
// Usage:
//
//	type Executor struct {
//	    pulseLog *zap.SugaredLogger
//	}
//	e.pulseLog = logger.AddPulseSymbol(baseLogger)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddAMSymbol wraps a logger with the AM symbol (≡)
func AddAMSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.AM)
}

// AddActionSymbol wraps a logger with the glyph of an engagement action
// ("like", "comment", ...). Unknown actions get the Pulse symbol.
func AddActionSymbol(l *zap.SugaredLogger, action string) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.For(action))
}
