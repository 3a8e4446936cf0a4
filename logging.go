package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog  *logrus.Entry
	sipLog   *logrus.Entry
	mediaLog *logrus.Entry
	logFile  *lumberjack.Logger
)

// initLogging configures one logger per subsystem from the [logging] section.
func initLogging(cfg *ini.File, console io.Writer) {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("fieldvoice.log"),
		MaxSize:    sec.Key("max_size").MustInt(100), // megabytes
		MaxBackups: sec.Key("max_backups").MustInt(1),
	}

	var sipFilter func(*logrus.Entry) bool
	if !sec.Key("sip_messages").MustBool(true) {
		sipFilter = isSIPMessageDump
	}

	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, console, logFile, nil)
	sipLog = newLogger("sip", toLogrusLevel(sec.Key("sip").MustInt(2)), consoleMin, fileMin, console, logFile, sipFilter)
	mediaLog = newLogger("media", toLogrusLevel(sec.Key("media").MustInt(3)), consoleMin, fileMin, console, logFile, nil)
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
// Entries matching Skip are dropped.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
	Skip      func(*logrus.Entry) bool
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	if h.Skip != nil && h.Skip(e) {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, console, file io.Writer, skip func(*logrus.Entry) bool) *logrus.Entry {
	if console == nil {
		console = os.Stdout
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: console, LogLevels: availableLevels(consoleMin), Skip: skip})
	if file != nil {
		logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin), Skip: skip})
	}
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// isSIPMessageDump matches the per-request debug lines of the user agent.
func isSIPMessageDump(e *logrus.Entry) bool {
	return strings.HasPrefix(e.Message, "received SIP message:")
}
