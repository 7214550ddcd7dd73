// Package xlog provides namespaced, DEBUG-environment-gated logging in
// the style the reference ecosystem uses: a logger is created per
// subsystem with a colon-separated namespace ("engineio:session"), and only
// prints once that namespace matches the glob in $DEBUG.
package xlog

import (
	"log"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/gookit/color"
)

var (
	// Output is where every Logger writes; overridable in tests.
	Output = os.Stderr

	filterOnce sync.Once
	filterRe   *regexp.Regexp
)

func filter() *regexp.Regexp {
	filterOnce.Do(func() {
		pattern := strings.TrimSpace(os.Getenv("DEBUG"))
		if pattern == "" {
			return
		}
		filterRe = regexp.MustCompile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`) + "$")
	})
	return filterRe
}

// Logger prints debug lines tagged with a fixed namespace.
type Logger struct {
	namespace string
	std       *log.Logger
}

// New creates a Logger for namespace, e.g. "engineio:polling".
func New(namespace string) *Logger {
	return &Logger{
		namespace: namespace,
		std:       log.New(Output, "", log.LstdFlags),
	}
}

func (l *Logger) enabled() bool {
	re := filter()
	return re != nil && re.MatchString(l.namespace)
}

// Debug writes a formatted line, colorized by namespace, if the current
// $DEBUG filter matches this logger's namespace. A no-op otherwise, so
// callers may format eagerly without an extra enabled-check.
func (l *Logger) Debug(format string, args ...any) {
	if !l.enabled() {
		return
	}
	l.std.Println(color.Sprintf("<cyan>%s</> "+format, append([]any{l.namespace}, args...)...))
}
