// Package mlog provides the named component loggers shared across the
// driver, transport and supervisor packages.
package mlog

import (
	"os"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var base = logrus.New()

func init() {
	base.SetFormatter(&prefixed.TextFormatter{
		DisableColors:   false,
		ForceFormatting: true,
		FullTimestamp:   true,
	})
	base.SetOutput(colorable.NewColorableStdout())
	base.SetLevel(logrus.InfoLevel)
	if os.Getenv("MTPRECD_DEBUG") != "" {
		base.SetLevel(logrus.DebugLevel)
	}
}

// SetLevel raises or lowers verbosity for every component logger.
func SetLevel(lv logrus.Level) {
	base.SetLevel(lv)
}

func component(name string) *logrus.Entry {
	return base.WithField("component", name)
}

// USB logs bulk-transport-level events: open/claim/release/endpoint
// discovery and raw transfer sizes.
var USB = component("usb")

// MTP logs transaction-level events: request/response codes, data phase
// sizes, protocol errors.
var MTP = component("mtp")

// Session logs session lifecycle: open/close, storage/object rebuilds.
var Session = component("session")

// Supervisor logs device lifecycle: connect, enumerate, ready, fault.
var Supervisor = component("supervisor")
