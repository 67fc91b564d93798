package bridge

import (
	"strconv"
	"strings"
)

// ParsePollAnswer interprets a free-text reply against a poll's option
// labels. A reply is accepted if it case-insensitively matches an option
// label (checked first), or if it is a 1-based index or a comma/space
// separated list of indices. A single-select poll collapses multiple
// submitted indices to the first one given. Returns the zero-based
// option indexes and whether the reply parsed at all.
//
// Label matching is deliberately checked before numeric-index matching,
// so an option whose label is itself a numeric string wins over the
// index reading.
func ParsePollAnswer(options []string, reply string, multiSelect bool) ([]int, bool) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, false
	}

	// Exact label match first.
	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt), reply) {
			return []int{i}, true
		}
	}

	// Then 1-based indices, comma or space separated.
	fields := strings.FieldsFunc(reply, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, false
	}

	var indexes []int
	seen := make(map[int]bool)
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 || n > len(options) {
			return nil, false
		}
		if !seen[n-1] {
			seen[n-1] = true
			indexes = append(indexes, n-1)
		}
	}

	if !multiSelect && len(indexes) > 1 {
		indexes = indexes[:1]
	}
	return indexes, true
}

// FormatPollPrompt renders the numbered-prompt form of a poll for
// platforms without a native poll primitive. Replies are parsed with
// ParsePollAnswer.
func FormatPollPrompt(question string, options []string, multiSelect bool) string {
	var b strings.Builder
	b.WriteString(question)
	b.WriteString("\n")
	for i, opt := range options {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(opt)
	}
	b.WriteString("\n\n")
	if multiSelect {
		b.WriteString("Reply with one or more numbers (e.g. \"1,3\") or an option name.")
	} else {
		b.WriteString("Reply with a number or an option name.")
	}
	return b.String()
}
