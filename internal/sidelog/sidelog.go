// Package sidelog keeps the stdout JSON-RPC stream clean. Every diagnostic
// line memgate (or a wrapped backend client) emits goes through a logger built
// here, and every one of those loggers writes to stderr. Stray bytes on stdout
// would corrupt the protocol framing, so the rule is structural: there is no
// code path that logs to stdout.
package sidelog

import (
	"io"
	"log"
	"os"
)

// Prefix origins. Loggers are keyed by where the line came from so operators
// can tell memgate's own diagnostics from backend-client chatter.
const (
	OriginServer  = "memgate"
	OriginCloud   = "memgate/cloud"
	OriginLocal   = "memgate/local"
	OriginJournal = "memgate/journal"
)

// New returns a stderr logger for the given origin.
func New(origin string) *log.Logger {
	return log.New(os.Stderr, origin+": ", log.LstdFlags)
}

// NewWriter returns a logger for the given origin writing to w. Tests use
// this to capture diagnostic output.
func NewWriter(origin string, w io.Writer) *log.Logger {
	return log.New(w, origin+": ", log.LstdFlags)
}

// Redirect points the global logger at stderr with the memgate prefix, so
// that incidental log calls from imported packages never touch stdout. The
// returned func restores the previous global logger configuration; main
// defers it so shutdown (clean or fatal) leaves the process logging state as
// it found it.
func Redirect() func() {
	prevOut := log.Writer()
	prevPrefix := log.Prefix()
	prevFlags := log.Flags()

	log.SetOutput(os.Stderr)
	log.SetPrefix(OriginServer + ": ")
	log.SetFlags(log.LstdFlags)

	return func() {
		log.SetOutput(prevOut)
		log.SetPrefix(prevPrefix)
		log.SetFlags(prevFlags)
	}
}
