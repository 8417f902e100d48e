package log

import (
	"github.com/mdmdirector/mdmrelay/utils"
	log "github.com/sirupsen/logrus"
)

func enabled(level log.Level) bool {
	configured, err := log.ParseLevel(utils.LogLevel())
	if err != nil {
		configured = log.InfoLevel
	}
	return level <= configured
}

func Debugf(format string, msg ...interface{}) {
	if enabled(log.DebugLevel) {
		log.Debugf(format, msg...)
	}
}

func Infof(format string, msg ...interface{}) {
	if enabled(log.InfoLevel) {
		log.Infof(format, msg...)
	}
}

func Warnf(format string, msg ...interface{}) {
	if enabled(log.WarnLevel) {
		log.Warnf(format, msg...)
	}
}

func Error(msg ...interface{}) {
	log.Error(msg...)
}
