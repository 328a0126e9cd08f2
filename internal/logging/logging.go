// Package logging provides the pipeline's tiny leveled logger: bracketed
// tags written to stderr (fmt.Fprintf(os.Stderr, "[watch] ...")) with a
// debug-level env toggle, shared by every component.
package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Level controls which messages are emitted.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	mu      sync.Mutex
	current = LevelInfo
)

func init() {
	if os.Getenv("EMBEDPIPE_DEBUG") == "1" {
		current = LevelDebug
	}
}

// SetLevel overrides the active log level set at init from EMBEDPIPE_DEBUG.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Logger tags every line with a bracketed component name, e.g. "[encoder]".
type Logger struct {
	tag string
}

// New returns a Logger for the given component tag.
func New(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) enabled(lv Level) bool {
	mu.Lock()
	defer mu.Unlock()
	return lv <= current
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.enabled(LevelDebug) {
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] "+format+"\n", append([]interface{}{l.tag}, args...)...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if !l.enabled(LevelInfo) {
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] "+format+"\n", append([]interface{}{l.tag}, args...)...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if !l.enabled(LevelWarn) {
		return
	}
	msg := color.YellowString(format, args...)
	fmt.Fprintf(os.Stderr, "[%s] %s\n", l.tag, msg)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if !l.enabled(LevelError) {
		return
	}
	msg := color.RedString(format, args...)
	fmt.Fprintf(os.Stderr, "[%s] %s\n", l.tag, msg)
}
