package bleu

import (
	stdlog "log"
	"log/syslog"
	"os"
	"runtime"

	"github.com/op/go-logging"
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} bleu ▶ %{message}%{color:reset}`,
)
var syslogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} bleu ▶ %{message}`,
)

// SetupLogging builds a logger with a syslog backend on Unix and a stderr
// fallback, level controlled by BLEU_LOG_LEVEL. prefix names the logger's
// module and tags its syslog or stderr output; an empty prefix is accepted.
func SetupLogging(prefix string, defaultLevel logging.Level) *logging.Logger {
	log := logging.MustGetLogger(prefix)

	var backend logging.Backend
	if runtime.GOOS != "windows" {
		if sb, err := logging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE); err == nil {
			logging.SetFormatter(syslogFormat)
			stdlog.SetOutput(sb.Writer)
			backend = sb
		}
	}
	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, prefix, 0)
		logging.SetFormatter(stderrFormat)
	}

	leveled := logging.AddModuleLevel(backend)
	level := defaultLevel
	if envLevel, err := logging.LogLevel(os.Getenv("BLEU_LOG_LEVEL")); err == nil {
		level = envLevel
	}
	leveled.SetLevel(level, prefix)
	logging.SetBackend(leveled)
	return log
}
