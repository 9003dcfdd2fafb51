// Package linklog wraps charmbracelet/log the way encoding/ngap/ngap.go's
// NewNGAP wraps the standard log package: a single package-scoped
// constructor configured once, then handed out to every component that
// needs to trace protocol events.
package linklog

import (
	"os"

	"github.com/charmbracelet/log"
)

// New returns a leveled, prefixed logger for component name (e.g. "tp",
// "etp", "claim", "link"), writing to stderr.
func New(name string) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          name,
		ReportTimestamp: true,
	})
	l.SetLevel(log.InfoLevel)
	return l
}
