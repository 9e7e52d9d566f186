package pion

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// loggerFactory routes pion's internal logging through the process logger.
type loggerFactory struct {
	log zerolog.Logger
}

func newLoggerFactory(log zerolog.Logger) logging.LoggerFactory {
	return loggerFactory{log: log}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{log: f.log.With().Str("scope", scope).Logger()}
}

type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l leveledLogger) Tracef(format string, args ...interface{}) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}

func (l leveledLogger) Debug(msg string) { l.log.Debug().Msg(msg) }
func (l leveledLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l leveledLogger) Info(msg string) { l.log.Info().Msg(msg) }
func (l leveledLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msg(fmt.Sprintf(format, args...))
}

func (l leveledLogger) Warn(msg string) { l.log.Warn().Msg(msg) }
func (l leveledLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msg(fmt.Sprintf(format, args...))
}

func (l leveledLogger) Error(msg string) { l.log.Error().Msg(msg) }
func (l leveledLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(fmt.Sprintf(format, args...))
}
