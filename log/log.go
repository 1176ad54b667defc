// Package log provides the leveled, categorized logger used throughout the
// node. It follows the go-ethereum "log" package idiom the teacher repo's
// own code calls as log.Crit/log.Error/log.Debug with key/value pairs,
// rebuilt on the same dependency quartet go-ethereum's log package pulls
// in: go-stack/stack for caller capture, mattn/go-colorable + mattn/go-isatty
// for TTY-gated output, and fatih/color for the level colorizing itself.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Category mirrors the CLI's --log switch categories from spec.md section 6.
type Category string

const (
	CatErr  Category = "err"
	CatLog  Category = "log"
	CatUDP  Category = "udp"
	CatMsg  Category = "msg"
	CatP2P  Category = "p2p"
	CatGsp  Category = "gsp"
	CatSch  Category = "sch"
	CatBlc  Category = "blc"
	CatP2D  Category = "p2d"
	CatAll  Category = "all"
)

var (
	mu      sync.Mutex
	enabled = map[Category]bool{CatErr: true, CatLog: true}
	allOn   bool
	out     io.Writer = colorable.NewColorableStdout()
	useColor          = isatty.IsTerminal(os.Stdout.Fd())
)

// Enable turns on logging for the given comma-separated category list,
// matching original_source/bcws/utils.py's enable_log.
func Enable(csv string) {
	mu.Lock()
	defer mu.Unlock()
	for _, raw := range strings.Split(csv, ",") {
		cat := Category(strings.TrimSpace(raw))
		if cat == "" {
			continue
		}
		if cat == CatAll {
			allOn = true
		}
		enabled[cat] = true
	}
}

func enabledFor(cat Category) bool {
	mu.Lock()
	defer mu.Unlock()
	return allOn || enabled[cat]
}

var levelColor = map[string]*color.Color{
	"CRIT":  color.New(color.FgMagenta, color.Bold),
	"ERROR": color.New(color.FgRed, color.Bold),
	"WARN":  color.New(color.FgYellow, color.Bold),
	"INFO":  color.New(color.FgBlue, color.Bold),
	"DEBUG": color.New(color.FgCyan),
	"TRACE": color.New(color.FgWhite),
}

func write(level string, cat Category, msg string, ctx ...interface{}) {
	if !enabledFor(cat) {
		return
	}

	var b strings.Builder
	ts := time.Now().Format("15:04:05.000")
	if useColor {
		fmt.Fprintf(&b, "%-5s[%s] %s %s", levelColor[level].Sprint(level), cat, ts, msg)
	} else {
		fmt.Fprintf(&b, "%-5s[%s] %s %s", level, cat, ts, msg)
	}
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(&b, " %v=%v", ctx[i], ctx[i+1])
	}
	if len(ctx)%2 == 1 {
		fmt.Fprintf(&b, " %v=MISSING", ctx[len(ctx)-1])
	}
	if level == "TRACE" || level == "DEBUG" {
		call := stack.Caller(2)
		fmt.Fprintf(&b, " caller=%n", call)
	}
	fmt.Fprintln(out, b.String())
}

// Trace logs at the finest granularity. Category is always CatLog.
func Trace(msg string, ctx ...interface{}) { write("TRACE", CatLog, msg, ctx...) }

// Debug logs a debug-level message.
func Debug(msg string, ctx ...interface{}) { write("DEBUG", CatLog, msg, ctx...) }

// Info logs a general informational message under the "log" category.
func Info(msg string, ctx ...interface{}) { write("INFO", CatLog, msg, ctx...) }

// Warn logs a recoverable anomaly.
func Warn(msg string, ctx ...interface{}) { write("WARN", CatErr, msg, ctx...) }

// Error logs a local, absorbed error per spec.md section 7.
func Error(msg string, ctx ...interface{}) { write("ERROR", CatErr, msg, ctx...) }

// Crit logs a fatal error and terminates the process. Used for duplicate
// handler registration, a missing required persisted key, and failure to
// generate or persist the node's private key.
func Crit(msg string, ctx ...interface{}) {
	write("CRIT", CatErr, msg, ctx...)
	os.Exit(1)
}

// Cat logs msg under an explicit category (e.g. "udp", "p2p", "gsp").
func Cat(cat Category, msg string, ctx ...interface{}) {
	write("INFO", cat, msg, ctx...)
}
