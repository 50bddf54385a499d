// Package sklog defines the logging functions (e.g. Info, Errorf, etc.)
// used throughout the repo. Output goes to stderr, one line per entry,
// prefixed with severity and the caller's file:line.
package sklog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	DEBUG Severity = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var severityLetter = [...]string{"D", "I", "W", "E", "F"}

var (
	mtx sync.Mutex
	out io.Writer = os.Stderr

	// minSeverity suppresses logs below this level. Debug is off by default.
	minSeverity = INFO
)

// SetOutput redirects log output, e.g. to a buffer in tests.
func SetOutput(w io.Writer) {
	mtx.Lock()
	defer mtx.Unlock()
	out = w
}

// SetMinSeverity controls the lowest severity that gets emitted.
func SetMinSeverity(s Severity) {
	mtx.Lock()
	defer mtx.Unlock()
	minSeverity = s
}

// log emits a single line. depth is how far up the stack the reported
// callsite should be, with 0 meaning the caller of Info/Errorf/etc.
func log(depth int, s Severity, format string, args ...interface{}) {
	mtx.Lock()
	defer mtx.Unlock()
	if s < minSeverity {
		return
	}
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		file, line = "???", 0
	}
	msg := ""
	if format == "" {
		msg = fmt.Sprint(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(out, "%s%s %s:%d] %s\n", severityLetter[s], ts, filepath.Base(file), line, msg)
	if s == FATAL {
		os.Exit(255)
	}
}

func Debug(msg ...interface{})                 { log(0, DEBUG, "", msg...) }
func Debugf(format string, v ...interface{})   { log(0, DEBUG, format, v...) }
func Info(msg ...interface{})                  { log(0, INFO, "", msg...) }
func Infof(format string, v ...interface{})    { log(0, INFO, format, v...) }
func Warning(msg ...interface{})               { log(0, WARNING, "", msg...) }
func Warningf(format string, v ...interface{}) { log(0, WARNING, format, v...) }
func Error(msg ...interface{})                 { log(0, ERROR, "", msg...) }
func Errorf(format string, v ...interface{})   { log(0, ERROR, format, v...) }

// Fatal* log and then exit the program.
func Fatal(msg ...interface{})               { log(0, FATAL, "", msg...) }
func Fatalf(format string, v ...interface{}) { log(0, FATAL, format, v...) }

// Flush is a no-op for the stderr writer; kept so call sites read the same
// as with buffered backends.
func Flush() {}
