package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var Log = logrus.New()

// Options controls how Init configures the process logger.
type Options struct {
	Level string
	JSON  bool
	// Service is attached to every entry when set.
	Service string
}

func Init(opts Options) {
	Log.SetOutput(os.Stdout)
	if opts.JSON {
		Log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)

	if opts.Service != "" {
		Log.AddHook(serviceHook(opts.Service))
	}
}

// Discard silences the process logger. Tests call it to keep output clean.
func Discard() {
	Log.SetOutput(io.Discard)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// WithComponent returns an entry tagged with the component name, the
// structured replacement for "[Component]" message prefixes.
func WithComponent(name string) *logrus.Entry {
	return Log.WithField("component", name)
}

type serviceHook string

func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = string(h)
	}
	return nil
}
