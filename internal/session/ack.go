// Package session implements the console session state machine (spec.md
// §5): the server side (begin_session, queues, pre-auth buffering) and
// client side (AuthState machine, verbs, reconnect) of the line protocol
// carried over internal/frame.
package session

import (
	"fmt"
	"strings"
)

// AckLine is a parsed "OK <verb>[ <detail>]" or "ERR <verb> reason=...[
// <detail>]" response line. Detail carries whatever trailing key=value
// tokens the verb defines verbatim (e.g. "role=queen", "path=/log/q.log",
// "entries=1") — it is not itself a key=value pair (spec.md §8).
type AckLine struct {
	OK     bool
	Verb   string
	Reason string // set when !OK
	Detail string
}

// ParseAck parses one ack line. It returns ok=false if line is not a
// recognized ack shape, distinct from AckLine.OK which records success/
// failure of the acknowledged operation itself.
func ParseAck(line string) (AckLine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return AckLine{}, false
	}
	var a AckLine
	switch fields[0] {
	case "OK":
		a.OK = true
	case "ERR":
		a.OK = false
	default:
		return AckLine{}, false
	}
	a.Verb = fields[1]
	rest := fields[2:]
	if !a.OK {
		if len(rest) == 0 {
			return AckLine{}, false
		}
		k, v, found := strings.Cut(rest[0], "=")
		if !found || k != "reason" {
			return AckLine{}, false
		}
		a.Reason = v
		rest = rest[1:]
	}
	if len(rest) > 0 {
		a.Detail = strings.Join(rest, " ")
	}
	return a, true
}

// RenderAck renders a into its wire form. RenderAck(ParseAck(line)) == line
// is an invariant for any line ParseAck accepts (spec.md §8).
func RenderAck(a AckLine) string {
	var b strings.Builder
	if a.OK {
		b.WriteString("OK ")
	} else {
		b.WriteString("ERR ")
	}
	b.WriteString(a.Verb)
	if !a.OK {
		fmt.Fprintf(&b, " reason=%s", a.Reason)
	}
	if a.Detail != "" {
		b.WriteString(" ")
		b.WriteString(a.Detail)
	}
	return b.String()
}
