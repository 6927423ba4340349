package util

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets the logrus level from a config string. "none" or an
// empty level discards all output.
func ConfigureLogging(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" || level == "none" || level == "off" {
		log.SetOutput(io.Discard)
		return
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.SetOutput(os.Stderr)
		log.Warnf("unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
}
