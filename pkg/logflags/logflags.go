package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var dap = false
var cdp = false
var sourcemapFlag = false
var predictor = false
var target = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// DAP returns true if the service/dap package should log.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for DAP request/response/event traffic.
func DAPLogger() *logrus.Entry {
	return makeLogger(dap, logrus.Fields{"layer": "dap"})
}

// CDP returns true if the internal/cdp package should log the raw
// Chrome DevTools Protocol traffic.
func CDP() bool {
	return cdp
}

// CDPLogger returns a logger for CDP call/event traffic.
func CDPLogger() *logrus.Entry {
	return makeLogger(cdp, logrus.Fields{"layer": "cdp"})
}

// SourceMap returns true if internal/sourcemap and internal/source should
// log map parsing and coordinate translation.
func SourceMap() bool {
	return sourcemapFlag
}

// SourceMapLogger returns a logger for source map loading and lookup.
func SourceMapLogger() *logrus.Entry {
	return makeLogger(sourcemapFlag, logrus.Fields{"layer": "sourcemap"})
}

// Predictor returns true if internal/predictor should log its workspace
// scan and prediction misses.
func Predictor() bool {
	return predictor
}

// PredictorLogger returns a logger for the breakpoint predictor.
func PredictorLogger() *logrus.Entry {
	return makeLogger(predictor, logrus.Fields{"layer": "predictor"})
}

// Target returns true if internal/target should log target attach/detach
// tree changes.
func Target() bool {
	return target
}

// TargetLogger returns a logger for the target manager.
func TargetLogger() *logrus.Entry {
	return makeLogger(target, logrus.Fields{"layer": "target"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets package-level logging flags based on the contents of logstr,
// a comma-separated list of layer names ("dap", "cdp", "sourcemap",
// "predictor", "target").
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "dap"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "dap":
			dap = true
		case "cdp":
			cdp = true
		case "sourcemap":
			sourcemapFlag = true
		case "predictor":
			predictor = true
		case "target":
			target = true
		}
	}
	return nil
}
