package session

import "fmt"

// PreAuthBuffer retains console output produced before a connection
// completes auth: the first firstCap lines in full, then a rolling tail of
// the last lastCap lines, with a dropped counter for everything in between
// (spec.md §5 "pre-auth two-tier buffer"). Only lines passing the pre-auth
// filter (warnings, errors, and an explicit allowlist) are admitted at all.
type PreAuthBuffer struct {
	first    []string
	last     []string
	firstCap int
	lastCap  int
	dropped  int
}

func NewPreAuthBuffer(firstCap, lastCap int) *PreAuthBuffer {
	return &PreAuthBuffer{firstCap: firstCap, lastCap: lastCap}
}

// Add records line if it passes the pre-auth filter and there is room for
// it in the first tier, otherwise rolls it into the tail, counting whatever
// falls out of the tail as dropped.
func (b *PreAuthBuffer) Add(line string) {
	if !preAuthAllowed(line) {
		return
	}
	if len(b.first) < b.firstCap {
		b.first = append(b.first, line)
		return
	}
	b.last = append(b.last, line)
	if len(b.last) > b.lastCap {
		over := len(b.last) - b.lastCap
		b.last = b.last[over:]
		b.dropped += over
	}
}

// Flush returns the buffered lines in order, followed by the summary line
// spec.md §5 always appends on flush or teardown, and resets the buffer.
func (b *PreAuthBuffer) Flush(reason string) []string {
	flushed := len(b.first) + len(b.last)
	out := make([]string, 0, flushed+1)
	out = append(out, b.first...)
	out = append(out, b.last...)
	out = append(out, fmt.Sprintf("[net-console] pre-auth summary reason=%s flushed=%d dropped=%d", reason, flushed, b.dropped))
	b.first = nil
	b.last = nil
	b.dropped = 0
	return out
}

// preAuthAllowlist names the verb prefixes admitted to the pre-auth buffer
// in addition to WARN/ERR/ERROR severities (spec.md §5).
var preAuthAllowlist = []string{"BOOT", "READY"}

func preAuthAllowed(line string) bool {
	for _, sev := range []string{"WARN", "ERR", "ERROR"} {
		if hasWordPrefix(line, sev) {
			return true
		}
	}
	for _, prefix := range preAuthAllowlist {
		if hasWordPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func hasWordPrefix(line, word string) bool {
	if len(line) < len(word) {
		return false
	}
	if line[:len(word)] != word {
		return false
	}
	return len(line) == len(word) || line[len(word)] == ' '
}
