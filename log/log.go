/*
 * Copyright (c) 2020-2021 The ethminer developers
 */

// Package log wires the process-wide logging pipeline: a glog-style
// handler writing key-value records to stderr (colorized when the
// terminal supports it) and, once InitLogRotator is called, to a
// rotating log file as well. The logging API itself is the one from
// github.com/ethereum/go-ethereum/log, re-exported here so the rest
// of the repository has a single import for it.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	elog "github.com/ethereum/go-ethereum/log"
	"github.com/jrick/logrotate/rotator"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Re-exported so callers need only this package.
type (
	Logger = elog.Logger
	Ctx    = elog.Ctx
	Lvl    = elog.Lvl
)

const (
	LvlCrit  = elog.LvlCrit
	LvlError = elog.LvlError
	LvlWarn  = elog.LvlWarn
	LvlInfo  = elog.LvlInfo
	LvlDebug = elog.LvlDebug
	LvlTrace = elog.LvlTrace
)

// New returns a child of the root logger carrying the given context.
func New(ctx ...interface{}) Logger {
	return elog.New(ctx...)
}

// Root returns the root logger all module loggers descend from.
func Root() Logger {
	return elog.Root()
}

// LvlFromString parses a verbosity name ("trace", "debug", ...).
func LvlFromString(s string) (Lvl, error) {
	return elog.LvlFromString(s)
}

var (
	glogger *elog.GlogHandler

	logWrite *logWriter
)

// logWriter implements an io.Writer that outputs to both standard error and
// the write-end pipe of an initialized log rotator.
type logWriter struct {
	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	// Use for color terminal
	colorableWrite io.Writer
}

func (lw *logWriter) Init() {
	// init a colorful logger if possible
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"

	if usecolor {
		lw.colorableWrite = colorable.NewColorableStderr()
	}
}

func (lw *logWriter) Close() {
	if lw.logRotator != nil {
		lw.logRotator.Close()
	}
}

func (lw *logWriter) IsUseColor() bool {
	return lw.colorableWrite != nil
}

func (lw *logWriter) Write(p []byte) (n int, err error) {
	if lw.logRotator != nil {
		lw.logRotator.Write(p)
	}

	if lw.colorableWrite != nil {
		lw.colorableWrite.Write(p)
	} else {
		os.Stderr.Write(p)
	}
	return len(p), nil
}

func init() {
	// output set to Stderr
	// it's easier to handle when run as a daemon through systemd or supervisord,
	// and Go runtime exceptions are printed to stderr as well.
	logWrite = &logWriter{}
	logWrite.Init()
	glogger = elog.NewGlogHandler(elog.StreamHandler(io.Writer(logWrite), elog.TerminalFormat(logWrite.IsUseColor())))

	elog.Root().SetHandler(glogger)

	glogger.Verbosity(LvlInfo)
}

// InitLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotator variables are used.
func InitLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logWrite.logRotator = r
}

func LogWrite() *logWriter {
	return logWrite
}

func Glogger() *elog.GlogHandler {
	return glogger
}

// Package-level convenience helpers on the root logger.

func Trace(msg string, ctx ...interface{}) { elog.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { elog.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { elog.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { elog.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { elog.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { elog.Crit(msg, ctx...) }
