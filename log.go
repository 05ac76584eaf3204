package trunkline

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/telopt/trunkline/pkg/stats"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

func (lvl LogLevel) LogrusLevel() logrus.Level {
	switch lvl {
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// logrusFileHook duplicates log entries into a rotated file.
type logrusFileHook struct {
	writer    *lumberjack.Logger
	formatter *logrus.TextFormatter
}

func addLogFileHook(file string, maxSizeMB, maxBackups int) {
	hook := &logrusFileHook{
		writer: &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
		formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
	}
	logrus.AddHook(hook)
}

func (hook *logrusFileHook) Fire(entry *logrus.Entry) error {
	line, err := hook.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = hook.writer.Write(line)
	return err
}

func (hook *logrusFileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func addErrorHook(st *stats.EngineStats) {
	logrus.AddHook(&logrusErrorHook{stats: st})
}

// logrusErrorHook counts error-level entries into the engine statistics.
type logrusErrorHook struct {
	stats *stats.EngineStats
}

func (h *logrusErrorHook) Fire(entry *logrus.Entry) error {
	h.stats.NoteInternalError(entry.Message)
	return nil
}

func (h *logrusErrorHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel}
}

// SetLogLevel sets the log level and the corresponding logrus level.
func (e *Engine) SetLogLevel(lvl LogLevel) {
	e.cfg.LogLevel = lvl
	logrus.SetLevel(lvl.LogrusLevel())
}
