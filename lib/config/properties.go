// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/gravitational/trace"
)

// ParseProperties reads a Java-style .properties stream: key=value,
// key:value or whitespace-separated pairs, \uXXXX escapes, backslash
// line continuation with stripped leading whitespace on the next line,
// and escaped whitespace preserved inside keys and values. Later
// occurrences of a key win.
func ParseProperties(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var logical strings.Builder
	flush := func() error {
		line := logical.String()
		logical.Reset()
		if line == "" {
			return nil
		}
		key, value, err := splitProperty(line)
		if err != nil {
			return trace.Wrap(err)
		}
		if key != "" {
			out[key] = value
		}
		return nil
	}

	continued := false
	for scanner.Scan() {
		line := scanner.Text()
		if continued {
			// Leading whitespace of a continuation is stripped.
			line = strings.TrimLeftFunc(line, unicode.IsSpace)
		} else {
			line = strings.TrimLeftFunc(line, unicode.IsSpace)
			if line == "" || line[0] == '#' || line[0] == '!' {
				continue
			}
		}
		if n := trailingBackslashes(line); n%2 == 1 {
			logical.WriteString(line[:len(line)-1])
			continued = true
			continue
		}
		logical.WriteString(line)
		continued = false
		if err := flush(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := flush(); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func trailingBackslashes(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	return n
}

// splitProperty separates one logical line into an unescaped key and
// value. The key ends at the first unescaped '=', ':' or whitespace; a
// separator may additionally be surrounded by whitespace.
func splitProperty(line string) (key, value string, err error) {
	i := 0
	var keyBuf strings.Builder
	for i < len(line) {
		ch := line[i]
		if ch == '\\' {
			decoded, next, err := decodeEscape(line, i)
			if err != nil {
				return "", "", trace.Wrap(err)
			}
			keyBuf.WriteString(decoded)
			i = next
			continue
		}
		if ch == '=' || ch == ':' || ch == ' ' || ch == '\t' || ch == '\f' {
			break
		}
		keyBuf.WriteByte(ch)
		i++
	}
	// Skip whitespace and at most one separator after the key.
	seenSep := false
	for i < len(line) {
		ch := line[i]
		if ch == ' ' || ch == '\t' || ch == '\f' {
			i++
			continue
		}
		if (ch == '=' || ch == ':') && !seenSep {
			seenSep = true
			i++
			continue
		}
		break
	}
	var valBuf strings.Builder
	for i < len(line) {
		if line[i] == '\\' {
			decoded, next, err := decodeEscape(line, i)
			if err != nil {
				return "", "", trace.Wrap(err)
			}
			valBuf.WriteString(decoded)
			i = next
			continue
		}
		valBuf.WriteByte(line[i])
		i++
	}
	return keyBuf.String(), valBuf.String(), nil
}

// decodeEscape decodes the escape sequence starting at the backslash at
// position i, returning the decoded text and the index after the
// sequence.
func decodeEscape(line string, i int) (string, int, error) {
	if i+1 >= len(line) {
		// Lone trailing backslash, continuation handling consumed the
		// real ones; drop it like java.util.Properties does.
		return "", i + 1, nil
	}
	ch := line[i+1]
	switch ch {
	case 'u':
		if i+6 > len(line) {
			return "", 0, trace.BadParameter("truncated \\u escape in %q", line)
		}
		code, err := strconv.ParseUint(line[i+2:i+6], 16, 32)
		if err != nil {
			return "", 0, trace.BadParameter("invalid \\u escape in %q", line)
		}
		return string(rune(code)), i + 6, nil
	case 't':
		return "\t", i + 2, nil
	case 'n':
		return "\n", i + 2, nil
	case 'f':
		return "\f", i + 2, nil
	case 'r':
		return "\r", i + 2, nil
	default:
		// Escaped whitespace, separators and backslashes are preserved
		// verbatim; any other escaped character decodes to itself.
		return string(ch), i + 2, nil
	}
}
