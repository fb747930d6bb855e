package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

var _ Logger = (*logrusLogger)(nil)

// logrusLogger adapts logrus to the Logger interface.
type logrusLogger struct {
	log *logrus.Logger
}

const logFileName = "operator.log"

// tickTimestamp is millisecond-resolved: the control loop logs from inside a
// 60 Hz tick, so sub-second ordering matters and microseconds are noise.
const tickTimestamp = "2006-01-02 15:04:05.000"

var levelTags = map[logrus.Level]string{
	logrus.TraceLevel: "TRC",
	logrus.DebugLevel: "DBG",
	logrus.InfoLevel:  "INF",
	logrus.WarnLevel:  "WRN",
	logrus.ErrorLevel: "ERR",
	logrus.FatalLevel: "FTL",
	logrus.PanicLevel: "PNC",
}

// NewLogrusLogger creates a logger at the given level, writing to stdout and,
// when logDir is non-empty, appending to logDir/operator.log as well. An
// unknown level name falls back to info rather than failing startup.
func NewLogrusLogger(logLevel string, logDir string) (Logger, error) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&lineFormatter{})

	out, err := buildOutput(logDir)
	if err != nil {
		return nil, err
	}
	l.SetOutput(out)

	return &logrusLogger{log: l}, nil
}

// buildOutput returns stdout, teed into the session log file when a log
// directory is configured.
func buildOutput(logDir string) (io.Writer, error) {
	if logDir == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory '%s': %w", logDir, err)
	}
	path := filepath.Join(logDir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file '%s': %w", path, err)
	}
	return io.MultiWriter(os.Stdout, file), nil
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

func (l *logrusLogger) Warnf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l *logrusLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatalf(format, args...)
}

// lineFormatter renders one entry per line:
//
//	2026-08-26 14:03:07.412 INF Started episode 3 robot=cube-01
//
// Structured fields are appended sorted by key so log lines diff cleanly
// between runs.
type lineFormatter struct{}

func (f *lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	tag, ok := levelTags[entry.Level]
	if !ok {
		tag = "???"
	}

	b.WriteString(entry.Time.Format(tickTimestamp))
	b.WriteByte(' ')
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
