package core

import log "github.com/sirupsen/logrus"

// packageLogger is shared by every file in core: a single overridable
// logger rather than per-component singletons.
var packageLogger = log.New()

// SetLogger replaces the logger used throughout the core package. The
// facade's Config.Logger, when set, is wired in here during New().
func SetLogger(l *log.Logger) {
	if l != nil {
		packageLogger = l
	}
}

func binaryCodecLogger() *log.Logger { return packageLogger }
