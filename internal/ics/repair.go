package ics

import "strings"

// RepairLines joins continuation lines that some feeds emit without the
// leading whitespace RFC 5545 folding requires. A line break is erroneous
// when the next line is non-empty, does not start with whitespace, does not
// look like a property ("NAME:" or "NAME;"), and is not BEGIN:/END:. Each
// erroneous break is replaced with a single space.
//
// It returns the repaired text and the number of joined lines.
func RepairLines(text string) (string, int) {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text, 0
	}

	out := make([]string, 0, len(lines))
	joined := 0

	for i, line := range lines {
		if i > 0 && isErroneousContinuation(line) {
			// The preceding "\r" of a CRLF break goes with the "\n".
			last := len(out) - 1
			out[last] = strings.TrimSuffix(out[last], "\r") + " " + line
			joined++
			continue
		}
		out = append(out, line)
	}

	if joined == 0 {
		return text, 0
	}
	return strings.Join(out, "\n"), joined
}

func isErroneousContinuation(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case ' ', '\t', '\r', '\n', '\f', '\v':
		return false
	}
	if strings.HasPrefix(line, "BEGIN:") || strings.HasPrefix(line, "END:") {
		return false
	}
	return !looksLikeProperty(line)
}

// looksLikeProperty matches ^[A-Z-]+[:;].
func looksLikeProperty(line string) bool {
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c >= 'A' && c <= 'Z', c == '-':
			continue
		case c == ':' || c == ';':
			return i > 0
		default:
			return false
		}
	}
	return false
}
