// Package chamberlog provides the structured logger the vault core and its
// consumers use for state transitions and surfaced errors. It wraps
// github.com/rs/zerolog with a redacting writer so that a field
// accidentally named after a secret never reaches the sink in the clear.
package chamberlog

import (
	"io"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// fieldRE matches a JSON string field whose key contains "secret",
// "password", "token", or "key" (case-insensitive), together with its
// value, so the value half can be replaced before the line is written.
var fieldRE = regexp.MustCompile(`(?i)"([^"\\]*?(secret|password|token|key)[^"\\]*)":"[^"]*"`)

// New returns a logger writing redacted JSON lines to w. Passing io.Discard
// yields a working no-op logger; passing nil yields a logger that panics on
// its first write, since the redactor has no writer to forward to.
func New(w io.Writer) zerolog.Logger {
	return zerolog.New(NewRedactor(w)).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for callers that don't
// want logging. Equivalent to zerolog.Nop but routed through this package
// so call sites never need to import zerolog directly.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// NewRedactor wraps w so that any "*secret*", "*password*", "*token*", or
// "*key*" field value passing through is replaced with a fixed placeholder
// before the underlying writer sees it. This is defense in depth on top of
// "never log it in the first place" — the vault core never logs a
// passphrase, DEK, or item value itself, but a field name collision
// elsewhere in a caller's own log fields should not leak one.
func NewRedactor(w io.Writer) io.Writer {
	return &redactor{w: w}
}

type redactor struct {
	w io.Writer
}

func (r *redactor) Write(p []byte) (int, error) {
	s := fieldRE.ReplaceAllStringFunc(string(p), func(m string) string {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			return m
		}

		return parts[0] + `:"***redacted***"`
	})

	n, err := r.w.Write([]byte(s))
	if err != nil {
		return n, err
	}

	// Report the original length so callers relying on io.Writer's
	// byte-count contract (zerolog does not, but future writers might)
	// don't see a short write against input they provided.
	return len(p), nil
}
