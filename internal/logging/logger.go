package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the service logger. An empty format picks JSON in production
// and text everywhere else.
func New(level, format, env string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if format == "" {
		format = "text"
		if env == "production" {
			format = "json"
		}
	}
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}

// Discard returns a logger that drops everything, for tests
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
