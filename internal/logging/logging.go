// Package logging builds the logr.Logger used throughout procrelay.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Verbosity levels for logger.V(...).
const (
	DEFAULT = 0
	VERBOSE = 2
	DEBUG   = 4
	TRACE   = 5
)

// Options configures a root logger.
type Options struct {
	// Output defaults to stderr.
	Output io.Writer
	// Verbosity is the highest V level that is emitted.
	Verbosity int
	// Prefix is prepended to every line.
	Prefix string
}

// New returns a logr.Logger backed by the standard library log package.
func New(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	stdr.SetVerbosity(opts.Verbosity)
	std := log.New(out, opts.Prefix, log.LstdFlags|log.Lmicroseconds)
	return stdr.NewWithOptions(std, stdr.Options{LogCaller: stdr.Error})
}

// Fatal logs err and exits. Only for use from main.
func Fatal(logger logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	logger.Error(err, msg, keysAndValues...)
	os.Exit(1)
}
