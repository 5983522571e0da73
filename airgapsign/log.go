package main

import (
	"os"

	"github.com/btcsuite/btclog"
	signer "psbt-signer"
	"psbt-signer/animqr"
	"psbt-signer/config"
	"psbt-signer/keyring"
	"psbt-signer/signing"
	"psbt-signer/ur"
)

// Frames may be written to stdout, so all logging goes to stderr.
var (
	backendLog = btclog.NewBackend(os.Stderr)

	log = backendLog.Logger("ASGN")

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger.
	subsystemLoggers = map[string]btclog.Logger{
		"ASGN":            log,
		signer.Subsystem:  backendLog.Logger(signer.Subsystem),
		keyring.Subsystem: backendLog.Logger(keyring.Subsystem),
		ur.Subsystem:      backendLog.Logger(ur.Subsystem),
		animqr.Subsystem:  backendLog.Logger(animqr.Subsystem),
		signing.Subsystem: backendLog.Logger(signing.Subsystem),
		config.Subsystem:  backendLog.Logger(config.Subsystem),
	}
)

func init() {
	signer.UseLogger(subsystemLoggers[signer.Subsystem])
	keyring.UseLogger(subsystemLoggers[keyring.Subsystem])
	ur.UseLogger(subsystemLoggers[ur.Subsystem])
	animqr.UseLogger(subsystemLoggers[animqr.Subsystem])
	signing.UseLogger(subsystemLoggers[signing.Subsystem])
	config.UseLogger(subsystemLoggers[config.Subsystem])
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level. Unknown levels fall back to info.
func setLogLevels(logLevel string) {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		level = btclog.LevelInfo
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
