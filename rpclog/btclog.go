// Package rpclog routes the btcd subsystem loggers into zerolog.
package rpclog

import (
	"fmt"

	"github.com/btcsuite/btclog"
	"github.com/rs/zerolog"
)

// Logger satisfies btclog.Logger on top of a zerolog logger. Every line is
// tagged with the btcd subsystem that produced it.
type Logger struct{ *zerolog.Logger }

// New returns a bridge for the named btcd subsystem, such as TXSC.
func New(log zerolog.Logger, subsystem string) *Logger {
	tagged := log.With().Str("subsystem", subsystem).Logger()
	return &Logger{Logger: &tagged}
}

// To make the log lines point at the btcd caller
const skipFrames = 1

var toZerolog = map[btclog.Level]zerolog.Level{
	btclog.LevelTrace:    zerolog.TraceLevel,
	btclog.LevelDebug:    zerolog.DebugLevel,
	btclog.LevelInfo:     zerolog.InfoLevel,
	btclog.LevelWarn:     zerolog.WarnLevel,
	btclog.LevelError:    zerolog.ErrorLevel,
	btclog.LevelCritical: zerolog.ErrorLevel,
	btclog.LevelOff:      zerolog.Disabled,
}

func (l *Logger) logf(level zerolog.Level, format string, params ...interface{}) {
	l.Logger.WithLevel(level).CallerSkipFrame(skipFrames + 1).Msgf(format, params...)
}

func (l *Logger) log(level zerolog.Level, v ...interface{}) {
	l.Logger.WithLevel(level).CallerSkipFrame(skipFrames + 1).Msg(fmt.Sprint(v...))
}

func (l *Logger) Tracef(format string, params ...interface{}) {
	l.logf(zerolog.TraceLevel, format, params...)
}

func (l *Logger) Debugf(format string, params ...interface{}) {
	l.logf(zerolog.DebugLevel, format, params...)
}

func (l *Logger) Infof(format string, params ...interface{}) {
	l.logf(zerolog.InfoLevel, format, params...)
}

func (l *Logger) Warnf(format string, params ...interface{}) {
	l.logf(zerolog.WarnLevel, format, params...)
}

func (l *Logger) Errorf(format string, params ...interface{}) {
	l.logf(zerolog.ErrorLevel, format, params...)
}

// Criticalf logs at error level, zerolog has nothing between error and fatal.
func (l *Logger) Criticalf(format string, params ...interface{}) {
	l.logf(zerolog.ErrorLevel, format, params...)
}

func (l *Logger) Trace(v ...interface{})    { l.log(zerolog.TraceLevel, v...) }
func (l *Logger) Debug(v ...interface{})    { l.log(zerolog.DebugLevel, v...) }
func (l *Logger) Info(v ...interface{})     { l.log(zerolog.InfoLevel, v...) }
func (l *Logger) Warn(v ...interface{})     { l.log(zerolog.WarnLevel, v...) }
func (l *Logger) Error(v ...interface{})    { l.log(zerolog.ErrorLevel, v...) }
func (l *Logger) Critical(v ...interface{}) { l.log(zerolog.ErrorLevel, v...) }

func (l *Logger) Level() btclog.Level {
	switch lvl := l.Logger.GetLevel(); lvl {
	case zerolog.TraceLevel:
		return btclog.LevelTrace
	case zerolog.DebugLevel:
		return btclog.LevelDebug
	case zerolog.InfoLevel:
		return btclog.LevelInfo
	case zerolog.WarnLevel:
		return btclog.LevelWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return btclog.LevelError
	default:
		return btclog.LevelOff
	}
}

func (l *Logger) SetLevel(level btclog.Level) {
	lvl, ok := toZerolog[level]
	if !ok {
		lvl = zerolog.Disabled
	}

	log := l.Logger.Level(lvl)
	l.Logger = &log
}

var _ btclog.Logger = new(Logger)
