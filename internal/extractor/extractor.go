package extractor

import (
	"bytes"
	"strings"
)

// line is the extractor-internal intermediate record: a byte slice into the
// caller's buffer plus the kernel log level it carried ('0'..'7', or 0 if
// none). No line outlives the buffer it points into; both are discarded
// when ExtractOops returns.
type line struct {
	payload []byte
	level   byte
}

// syslogFormat is the latched classification of the input's framing.
type syslogFormat int

const (
	formatMaybe syslogFormat = iota
	formatYes
	formatNo
)

// startMarkers are literal substrings that open a new oops candidate. Order
// matters only for "Oops:", which is checked last so that it wins if a line
// also matches an earlier marker.
var startMarkers = []string{
	"general protection fault:",
	"BUG:",
	"kernel BUG at",
	"do_IRQ: stack overflow:",
	"RTNL: assertion failed",
	"Eeek! page_mapcount(page) went negative!",
	"near stack overflow (cur:",
	"double fault:",
	"Badness at",
	"NETDEV WATCHDOG",
	"Unable to handle kernel",
	"sysctl table check failed",
	"------------[ cut here ]------------",
	"list_del corruption.",
	"list_add corruption.",
}

// ExtractOops scans buf for self-contained kernel oops reports and returns
// the number appended to the returned Queue (bounded by MaxOops). If buf does
// not end in '\n', its last byte is overwritten with one. ExtractOops never
// fails; malformed input yields a queue with zero records.
func ExtractOops(buf []byte) (int, *Queue) {
	q := &Queue{}
	n := len(buf)
	if n == 0 {
		return 0, q
	}
	buf[n-1] = '\n'

	lines := tokenize(buf)
	found := recognize(lines, q)
	return found, q
}

// tokenize splits buf into the syslog-stripped, level/jiffies-stripped line
// array the recognition pass walks. Lines rejected as non-kernel syslog
// content are simply not appended. A line containing the literal "Abrt"
// marker discards every line collected so far: that marker means the
// material up to this point was already submitted by a prior run.
func tokenize(buf []byte) []line {
	var lines []line
	format := formatMaybe

	n := len(buf)
	c := 0
	for c < n {
		nl := bytes.IndexByte(buf[c:], '\n')
		if nl < 0 {
			break // buf[n-1] was forced to '\n', so this cannot happen.
		}
		c9 := c + nl
		lineLen := c9 - c

		skip := false
		if format == formatYes || (format == formatMaybe && looksLikeSyslogHeader(buf[c:c9])) {
			format = formatYes

			rel := indexKernelTag(buf[c:c9])
			if rel < 0 {
				skip = true
			} else {
				// Skip to the message past the line's 3rd ':' (the two in
				// the timestamp, then the one ending the host's tag) and one
				// following byte (normally the space after it).
				cur := c
				end := c9
				ok := true
				for i := 0; i < 3; i++ {
					idx := bytes.IndexByte(buf[cur:end], ':')
					if idx < 0 {
						ok = false
						break
					}
					cur = cur + idx + 1
				}
				if !ok {
					skip = true
				} else {
					cur++
					c = cur
				}
			}
		} else if lineLen > 0 {
			format = formatNo
		}

		if !skip {
			payload := buf[c:c9]

			var level byte
			if len(payload) >= 3 && payload[0] == '<' && payload[2] == '>' &&
				payload[1] >= '0' && payload[1] <= '7' {
				level = payload[1]
				payload = payload[3:]
			}

			if len(payload) > 0 && payload[0] == '[' {
				dot := bytes.IndexByte(payload, '.')
				bracket := bytes.IndexByte(payload, ']')
				if dot >= 0 && bracket >= 0 && dot < bracket && bracket < 14 && dot < 8 {
					payload = payload[bracket+1:]
					if len(payload) > 0 && payload[0] == ' ' {
						payload = payload[1:]
					}
				}
			}

			if len(payload) >= 4 && bytes.Contains(payload, []byte("Abrt")) {
				lines = lines[:0]
			}

			lines = append(lines, line{payload: payload, level: level})
		}

		c = c9 + 1
	}
	return lines
}

// looksLikeSyslogHeader tests the shape "Mmm DD HH:MM:SS" at the front of a
// raw line: positions 3 and 6 are spaces, 9 and 12 are colons, and positions
// 5, 7, 8, 10, 11, 13, 14 are ASCII digits.
func looksLikeSyslogHeader(l []byte) bool {
	const minLen = 16 // len(`"Jul  4 11:11:41"`) including the C string's NUL.
	if len(l) <= minLen {
		return false
	}
	if l[3] != ' ' || l[6] != ' ' || l[9] != ':' || l[12] != ':' {
		return false
	}
	for _, i := range []int{5, 7, 8, 10, 11, 13, 14} {
		if l[i] < '0' || l[i] > '9' {
			return false
		}
	}
	return true
}

// indexKernelTag returns the byte offset of "kernel:" or "abrt:" within l,
// or -1 if neither is present (the line is then not a kernel message and is
// dropped).
func indexKernelTag(l []byte) int {
	if idx := bytes.Index(l, []byte("kernel:")); idx >= 0 {
		return idx
	}
	return bytes.Index(l, []byte("abrt:"))
}

// recognize walks the tokenized line array, identifies oops boundaries, and
// pushes closed oopses onto q. Returns the number of oopses pushed; oopses
// closed once q is at MaxOops capacity are neither queued nor counted.
func recognize(lines []line, q *Queue) int {
	n := len(lines)
	oopsStart := -1
	oopsEnd := n
	inBacktrace := false
	var prevLevel byte
	found := 0

	emit := func(start, end int) {
		if end >= n {
			end = n - 1
		}
		if end < start {
			return
		}
		var text strings.Builder
		version := ""
		haveVersion := false
		for i := start; i <= end; i++ {
			if !haveVersion {
				if v, ok := extractVersion(lines[i].payload); ok {
					version = v
					haveVersion = true
				}
			}
			text.Write(lines[i].payload)
			text.WriteByte('\n')
		}
		if text.Len() > 100 && q.Len() < MaxOops {
			v := version
			if !haveVersion {
				v = UndefinedVersion
			}
			q.Push(Record{Text: text.String(), KernelVersion: v})
			found++
		}
	}

	i := 0
	for i < n {
		cur := lines[i].payload

		if oopsStart < 0 {
			if hasStartMarker(cur) {
				oopsStart = i
			}
			if bytes.Contains(cur, []byte("WARNING:")) &&
				!bytes.Contains(cur, []byte("appears to be on the same physical disk")) {
				oopsStart = i
			}
			if bytes.Contains(cur, []byte("Oops:")) && i >= 3 {
				oopsStart = i - 3
			}

			if oopsStart >= 0 {
				limit := i + 50
				if limit > n {
					limit = n
				}
				for i2 := i + 1; i2 < limit; i2++ {
					if bytes.Contains(lines[i2].payload, []byte("---[ end trace")) {
						inBacktrace = true
						i = i2
						break
					}
				}
				cur = lines[i].payload
			}
		}

		switch {
		case oopsStart >= 0 && bytes.Contains(cur, []byte("Call Trace:")):
			inBacktrace = true

		case oopsStart >= 0 && !inBacktrace && len(cur) > 8:
			if isBacktraceFrame(cur) {
				inBacktrace = true
			}

		case oopsStart >= 0 && inBacktrace:
			switch {
			case bytes.Contains(cur, []byte("Code:")),
				bytes.Contains(cur, []byte("Instruction dump::")),
				bytes.Contains(cur, []byte("---[ end trace")):
				oopsEnd = i
			case bytes.Contains(cur, []byte("WARNING:")), bytes.Contains(cur, []byte("Unable to handle")):
				// A fresh trigger reappearing mid-backtrace closes the
				// prior oops at the line before it.
				oopsEnd = i - 1
			case len(cur) < 8:
				oopsEnd = i - 1
			case lines[i].level != prevLevel:
				oopsEnd = i - 1
			case !continuesBacktrace(cur):
				oopsEnd = i - 1
			}

			if oopsEnd <= i {
				emit(oopsStart, oopsEnd)
				oopsStart = -1
				inBacktrace = false
				oopsEnd = n
			}
		}

		prevLevel = lines[i].level
		i++

		if oopsStart > 0 && i-oopsStart > 50 {
			oopsStart = -1
			inBacktrace = false
			oopsEnd = n
		}
		if oopsStart > 0 && !inBacktrace && i-oopsStart > 30 {
			oopsStart = -1
			inBacktrace = false
			oopsEnd = n
		}
	}

	if oopsStart >= 0 {
		emit(oopsStart, n-1)
	}

	return found
}

func hasStartMarker(l []byte) bool {
	for _, m := range startMarkers {
		if bytes.Contains(l, []byte(m)) {
			return true
		}
	}
	return false
}

// isBacktraceFrame matches the " [<addr>] sym+0xNN/0xMM" backtrace-frame
// shape that (absent an explicit "Call Trace:" line) also marks entry into
// a backtrace.
func isBacktraceFrame(l []byte) bool {
	if len(l) < 3 || l[0] != ' ' || l[1] != '[' || l[2] != '<' {
		return false
	}
	return bytes.Contains(l, []byte(">]")) &&
		bytes.Contains(l, []byte("+0x")) &&
		bytes.Contains(l, []byte("/0x"))
}

// continuesBacktrace reports whether l is recognized as still inside a
// backtrace (as opposed to ending it at the previous line).
func continuesBacktrace(l []byte) bool {
	if len(l) >= 2 && l[0] == ' ' && l[1] == '[' {
		return true
	}
	for _, m := range []string{"] [", "--- Exception", "    LR =", "<#DF>", "<IRQ>", "<EOI>", "<<EOE>>"} {
		if bytes.Contains(l, []byte(m)) {
			return true
		}
	}
	return false
}

// extractVersion recovers the kernel version from a single oops line: the
// line must mention one of several register/pid markers, and must contain
// "2.6."; the version is everything from "2.6." to the next space.
func extractVersion(l []byte) (string, bool) {
	hasMarker := false
	for _, m := range []string{"Pid", "comm", "CPU", "REGS", "EFLAGS"} {
		if bytes.Contains(l, []byte(m)) {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		return "", false
	}
	idx := bytes.Index(l, []byte("2.6."))
	if idx < 0 {
		return "", false
	}
	rest := l[idx:]
	end := bytes.IndexByte(rest, ' ')
	if end < 0 {
		end = len(rest)
	}
	return string(rest[:end]), true
}
