// Package trace parses the boot command line switches that turn on debug
// tracing per subsystem.
package trace

import (
	"sort"
	"strings"
)

// Flags is a set of enabled trace switches.
type Flags uint32

const (
	Sched Flags = 1 << iota
	Evtchn
	Blkfront
	Console
	Ring
	LockDebug

	All = Sched | Evtchn | Blkfront | Console | Ring | LockDebug
)

var names = map[string]Flags{
	"sched":     Sched,
	"evtchn":    Evtchn,
	"blkfront":  Blkfront,
	"console":   Console,
	"ring":      Ring,
	"lockdebug": LockDebug,
	"all":       All,
}

// Parse reads a command line such as "sched blkfront" or "trace=sched,ring".
// Separators are spaces, commas and tabs; a leading "trace=" on a token is
// ignored, as are unknown tokens.
func Parse(cmdline string) Flags {
	var f Flags
	fields := strings.FieldsFunc(cmdline, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	for _, tok := range fields {
		tok = strings.ToLower(strings.TrimPrefix(tok, "trace="))
		f |= names[tok]
	}
	return f
}

// Has reports whether every switch in want is on.
func (f Flags) Has(want Flags) bool { return want != 0 && f&want == want }

func (f Flags) Sched() bool     { return f.Has(Sched) }
func (f Flags) Evtchn() bool    { return f.Has(Evtchn) }
func (f Flags) Blkfront() bool  { return f.Has(Blkfront) }
func (f Flags) Console() bool   { return f.Has(Console) }
func (f Flags) Ring() bool      { return f.Has(Ring) }
func (f Flags) LockDebug() bool { return f.Has(LockDebug) }

// String lists the enabled switches in a form Parse accepts.
func (f Flags) String() string {
	if f&All == All {
		return "all"
	}
	var out []string
	for name, bit := range names {
		if bit != All && f&bit != 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}
